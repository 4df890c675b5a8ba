package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pocketpoints/server/models"
)

const (
	testSecret = "test-ad-secret"
	testIP     = "203.0.113.7"
)

// 12:00 in UTC+9, so the default resolver puts it on 2026-03-10.
var baseTime = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

const today = "2026-03-10"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fixedDrawer always rolls roll and picks the low end of a range unless high is set.
type fixedDrawer struct {
	roll float64
	high bool
}

func (d fixedDrawer) Roll() float64 { return d.roll }

func (d fixedDrawer) Between(lo, hi int) int {
	if d.high {
		return hi
	}
	return lo
}

// base101 yields an ad reward of exactly 101 and a roulette reward of 100.
var base101 = fixedDrawer{roll: 50}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEngine(db *gorm.DB, clock *fakeClock, d Drawer) *Engine {
	return NewEngine(db, Options{
		Secret:                testSecret,
		DefaultTimezoneOffset: DefaultTimezoneOffset,
		Drawer:                d,
		Clock:                 clock.Now,
	})
}

var userSeq int

func createUser(t *testing.T, db *gorm.DB, u models.User) *models.User {
	t.Helper()
	if u.ReferralCode == "" {
		userSeq++
		u.ReferralCode = fmt.Sprintf("CODE%04d", userSeq)
	}
	if u.Email == "" {
		u.Email = strings.ToLower(u.ReferralCode) + "@example.com"
	}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &u
}

func reload(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()
	var u models.User
	if err := db.Take(&u, id).Error; err != nil {
		t.Fatalf("reload user %d: %v", id, err)
	}
	return &u
}

func adRequest(userID uint, ip string, now time.Time) AdRequest {
	ts := fmt.Sprintf("%d", now.UnixMilli())
	return AdRequest{
		UserID:    userID,
		Timestamp: ts,
		Signature: Sign([]byte(testSecret), userID, ts),
		RemoteIP:  ip,
	}
}

func watchAd(t *testing.T, e *Engine, clock *fakeClock, userID uint) (Grant, error) {
	t.Helper()
	return e.RequestAdReward(context.Background(), adRequest(userID, testIP, clock.Now()))
}

func wantKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if got := KindOf(err); got != want {
		t.Fatalf("error kind = %q (%v), want %q", got, err, want)
	}
}

func intPtr(v int) *int { return &v }
