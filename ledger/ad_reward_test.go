package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pocketpoints/server/models"
)

func TestRequestAdReward_GrantsAndUpdatesCounters(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	grant, err := watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("request ad reward: %v", err)
	}
	if grant.Reward != 101 {
		t.Fatalf("reward = %d, want 101", grant.Reward)
	}

	got := reload(t, db, u.ID)
	if got.Points != 101 {
		t.Fatalf("points = %d, want 101", got.Points)
	}
	if got.SelfEarned.On(today) != 101 {
		t.Fatalf("self earned = %d, want 101", got.SelfEarned.On(today))
	}
	if got.AdCount.On(today) != 1 || got.TotalAdCount != 1 {
		t.Fatalf("ad counts = %d/%d, want 1/1", got.AdCount.On(today), got.TotalAdCount)
	}
	if got.AttendanceStreak != 1 || got.LastAttendanceDay != today {
		t.Fatalf("streak = %d on %q, want 1 on %q", got.AttendanceStreak, got.LastAttendanceDay, today)
	}
	if got.LastAdWatchedAt == nil || !got.LastAdWatchedAt.Equal(baseTime) {
		t.Fatalf("last ad watched = %v, want %v", got.LastAdWatchedAt, baseTime)
	}

	var days []models.AttendanceDay
	if err := db.Where("user_id = ?", u.ID).Find(&days).Error; err != nil {
		t.Fatalf("load attendance: %v", err)
	}
	if len(days) != 1 || days[0].Day != today {
		t.Fatalf("attendance = %+v, want one row for %s", days, today)
	}

	var act models.IPActivity
	if err := db.Where("ip_key = ?", NormalizeIP(testIP)).Take(&act).Error; err != nil {
		t.Fatalf("load ip activity: %v", err)
	}
	if act.Count != 1 {
		t.Fatalf("ip count = %d, want 1", act.Count)
	}
}

func TestRequestAdReward_CooldownAllowsOneOfTwoQuickRequests(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	if _, err := watchAd(t, e, clock, u.ID); err != nil {
		t.Fatalf("first ad: %v", err)
	}
	clock.Advance(29 * time.Second)
	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindResourceExhausted)

	clock.Advance(time.Second)
	if _, err := watchAd(t, e, clock, u.ID); err != nil {
		t.Fatalf("ad after cooldown: %v", err)
	}
	if got := reload(t, db, u.ID).AdCount.On(today); got != 2 {
		t.Fatalf("ad count = %d, want 2", got)
	}
}

func TestRequestAdReward_DailyLimit(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	for i := 0; i < MaxDailyAds; i++ {
		if _, err := watchAd(t, e, clock, u.ID); err != nil {
			t.Fatalf("ad %d: %v", i+1, err)
		}
		clock.Advance(31 * time.Second)
	}
	after50 := reload(t, db, u.ID)

	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindResourceExhausted)

	got := reload(t, db, u.ID)
	if got.Points != after50.Points {
		t.Fatalf("points = %d after rejected ad, want %d", got.Points, after50.Points)
	}
	if got.AdCount.On(today) != MaxDailyAds {
		t.Fatalf("ad count = %d, want %d", got.AdCount.On(today), MaxDailyAds)
	}
}

func TestRequestAdReward_CountersResetOnNextDay(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{
		AdCount:           models.DailyCounter{Value: MaxDailyAds, Epoch: today},
		SelfEarned:        models.DailyCounter{Value: 5000, Epoch: today},
		AttendanceStreak:  3,
		LastAttendanceDay: today,
	})

	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindResourceExhausted)

	clock.Advance(24 * time.Hour)
	if _, err := watchAd(t, e, clock, u.ID); err != nil {
		t.Fatalf("ad on next day: %v", err)
	}
	got := reload(t, db, u.ID)
	next := "2026-03-11"
	if got.AdCount.On(next) != 1 || got.SelfEarned.On(next) != 101 {
		t.Fatalf("next-day counters = %d ads / %d self, want 1 / 101", got.AdCount.On(next), got.SelfEarned.On(next))
	}
	if got.AttendanceStreak != 4 {
		t.Fatalf("streak = %d, want 4", got.AttendanceStreak)
	}
}

func TestRequestAdReward_ClientTimezoneOffset(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC))
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	req := adRequest(u.ID, testIP, clock.Now())
	req.TimezoneOffset = intPtr(300) // UTC-5: still 2026-03-10 locally
	if _, err := e.RequestAdReward(context.Background(), req); err != nil {
		t.Fatalf("request ad reward: %v", err)
	}
	if got := reload(t, db, u.ID).AdCount; got.Epoch != "2026-03-10" {
		t.Fatalf("ad count epoch = %q, want 2026-03-10", got.Epoch)
	}

	// The per-IP counter stays on the server's day, 2026-03-11 in UTC+9.
	var act models.IPActivity
	if err := db.Take(&act).Error; err != nil {
		t.Fatalf("load ip activity: %v", err)
	}
	if want := e.Days().ServerDay(clock.Now()); act.Day != want || want != "2026-03-11" {
		t.Fatalf("ip activity day = %q, server day %q, want 2026-03-11", act.Day, want)
	}
}

func TestRequestAdReward_RejectsBadSignature(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	tests := []struct {
		name string
		req  AdRequest
	}{
		{name: "wrong signature", req: AdRequest{UserID: u.ID, Timestamp: "1", Signature: "deadbeef", RemoteIP: testIP}},
		{name: "signed for another user", req: AdRequest{UserID: u.ID, Timestamp: "1", Signature: Sign([]byte(testSecret), u.ID+1, "1"), RemoteIP: testIP}},
		{name: "missing timestamp", req: AdRequest{UserID: u.ID, Signature: Sign([]byte(testSecret), u.ID, ""), RemoteIP: testIP}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RequestAdReward(context.Background(), tt.req)
			wantKind(t, err, KindPermissionDenied)
		})
	}

	var n int64
	db.Model(&models.IPActivity{}).Count(&n)
	if n != 0 {
		t.Fatalf("ip activity rows = %d, want 0", n)
	}
	if got := reload(t, db, u.ID); got.Points != 0 {
		t.Fatalf("points = %d, want 0", got.Points)
	}
}

func TestRequestAdReward_SignatureSkewWindow(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := NewEngine(db, Options{
		Secret:                testSecret,
		SignatureMaxSkew:      5 * time.Minute,
		DefaultTimezoneOffset: DefaultTimezoneOffset,
		Drawer:                base101,
		Clock:                 clock.Now,
	})
	u := createUser(t, db, models.User{})

	stale := adRequest(u.ID, testIP, baseTime.Add(-10*time.Minute))
	_, err := e.RequestAdReward(context.Background(), stale)
	wantKind(t, err, KindPermissionDenied)

	ts := "not-a-number"
	malformed := AdRequest{UserID: u.ID, Timestamp: ts, Signature: Sign([]byte(testSecret), u.ID, ts), RemoteIP: testIP}
	_, err = e.RequestAdReward(context.Background(), malformed)
	wantKind(t, err, KindPermissionDenied)

	fresh := adRequest(u.ID, testIP, baseTime.Add(-time.Minute))
	if _, err := e.RequestAdReward(context.Background(), fresh); err != nil {
		t.Fatalf("fresh request: %v", err)
	}
}

func TestRequestAdReward_UnknownAccount(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)

	_, err := watchAd(t, e, clock, 9999)
	wantKind(t, err, KindUnauthenticated)
}

func TestRequestAdReward_SelfEarningCap(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	limit := 300
	if err := db.Create(&models.GlobalSetting{ID: models.GlobalSettingID, SelfEarningLimit: &limit}).Error; err != nil {
		t.Fatalf("create settings: %v", err)
	}
	u := createUser(t, db, models.User{SelfEarned: models.DailyCounter{Value: 300, Epoch: today}})
	stale := createUser(t, db, models.User{SelfEarned: models.DailyCounter{Value: 300, Epoch: "2026-03-09"}})

	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindResourceExhausted)

	if _, err := watchAd(t, e, clock, stale.ID); err != nil {
		t.Fatalf("yesterday's earnings must not count: %v", err)
	}
}

func TestRequestAdReward_StreakMilestoneOnce(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{AttendanceStreak: 6, LastAttendanceDay: "2026-03-09"})

	grant, err := watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("first ad: %v", err)
	}
	if grant.Reward != 201 {
		t.Fatalf("reward = %d, want 101 + 100 bonus", grant.Reward)
	}
	got := reload(t, db, u.ID)
	if got.AttendanceStreak != 7 {
		t.Fatalf("streak = %d, want 7", got.AttendanceStreak)
	}

	clock.Advance(time.Minute)
	grant, err = watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("second ad: %v", err)
	}
	if grant.Reward != 101 {
		t.Fatalf("second reward = %d, want 101 without bonus", grant.Reward)
	}
	if got := reload(t, db, u.ID); got.Points != 302 || got.AttendanceStreak != 7 {
		t.Fatalf("points/streak = %d/%d, want 302/7", got.Points, got.AttendanceStreak)
	}
}

func TestRequestAdReward_StreakResetsAfterGap(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{AttendanceStreak: 14, LastAttendanceDay: "2026-03-07"})

	grant, err := watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("ad: %v", err)
	}
	if grant.Reward != 101 {
		t.Fatalf("reward = %d, want 101", grant.Reward)
	}
	if got := reload(t, db, u.ID).AttendanceStreak; got != 1 {
		t.Fatalf("streak = %d, want 1", got)
	}
}

func TestRequestAdReward_ReferralCommission(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, stubDrawer{roll: 50, amount: 120})
	referrer := createUser(t, db, models.User{ReferralCount: 35, Points: 1000})
	referrerID := referrer.ID
	u := createUser(t, db, models.User{ReferredBy: &referrerID, AttendanceStreak: 6, LastAttendanceDay: "2026-03-09"})

	grant, err := watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("ad: %v", err)
	}
	if grant.Reward != 220 {
		t.Fatalf("reward = %d, want 120 + 100 bonus", grant.Reward)
	}

	got := reload(t, db, referrer.ID)
	if got.Points != 1009 {
		t.Fatalf("referrer points = %d, want 1009 (floor(120*0.08) = 9)", got.Points)
	}
	if got.ReferralEarned.On(today) != 9 {
		t.Fatalf("referrer referral earned = %d, want 9", got.ReferralEarned.On(today))
	}
	if got.SelfEarned.On(today) != 0 {
		t.Fatalf("referrer self earned = %d, want 0", got.SelfEarned.On(today))
	}
}

func TestRequestAdReward_MissingReferrerIsSkipped(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	ghost := uint(4242)
	u := createUser(t, db, models.User{ReferredBy: &ghost})

	if _, err := watchAd(t, e, clock, u.ID); err != nil {
		t.Fatalf("ad: %v", err)
	}
}

type stubDrawer struct {
	roll   float64
	amount int
}

func (d stubDrawer) Roll() float64 { return d.roll }

func (d stubDrawer) Between(lo, hi int) int { return d.amount }

func TestRequestAdReward_IPBanAfterDailyLimit(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)

	var users []*models.User
	for i := 0; i < IPDailyLimit/MaxDailyAds; i++ {
		users = append(users, createUser(t, db, models.User{}))
	}
	for _, u := range users {
		for i := 0; i < MaxDailyAds; i++ {
			if _, err := watchAd(t, e, clock, u.ID); err != nil {
				t.Fatalf("user %d ad %d: %v", u.ID, i+1, err)
			}
			clock.Advance(31 * time.Second)
		}
	}

	fresh := createUser(t, db, models.User{})
	_, err := watchAd(t, e, clock, fresh.ID)
	wantKind(t, err, KindResourceExhausted)

	var ban models.BanRecord
	if err := db.Take(&ban, "ip_key = ?", NormalizeIP(testIP)).Error; err != nil {
		t.Fatalf("ban record: %v", err)
	}
	if want := clock.Now().Add(BanDuration); !ban.ExpiresAt.Equal(want) {
		t.Fatalf("ban expires at %v, want %v", ban.ExpiresAt, want)
	}
	if got := reload(t, db, fresh.ID); got.Points != 0 || got.AdCount.On(today) != 0 {
		t.Fatalf("banned request mutated user: points %d ads %d", got.Points, got.AdCount.On(today))
	}

	clock.Advance(time.Minute)
	_, err = watchAd(t, e, clock, fresh.ID)
	wantKind(t, err, KindPermissionDenied)
}

func TestRequestAdReward_ExpiredBanIsIgnored(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})
	key := NormalizeIP(testIP)
	if err := db.Create(&models.BanRecord{IPKey: key, IP: testIP, ExpiresAt: baseTime.Add(-time.Second)}).Error; err != nil {
		t.Fatalf("create ban: %v", err)
	}
	if _, err := watchAd(t, e, clock, u.ID); err != nil {
		t.Fatalf("ad after expired ban: %v", err)
	}

	if err := db.Model(&models.BanRecord{}).Where("ip_key = ?", key).
		Update("expires_at", baseTime.Add(time.Hour)).Error; err != nil {
		t.Fatalf("extend ban: %v", err)
	}
	clock.Advance(time.Minute)
	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindPermissionDenied)
	if got := reload(t, db, u.ID).AdCount.On(today); got != 1 {
		t.Fatalf("ad count = %d, want 1", got)
	}
}

func TestRequestAdReward_RejectionRollsBackIPCounter(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{AdCount: models.DailyCounter{Value: MaxDailyAds, Epoch: today}})

	_, err := watchAd(t, e, clock, u.ID)
	wantKind(t, err, KindResourceExhausted)

	var n int64
	db.Model(&models.IPActivity{}).Count(&n)
	if n != 0 {
		t.Fatalf("ip activity rows = %d after rejected request, want 0", n)
	}
}

func TestRequestAdReward_ConcurrentRequestsAtLastSlot(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{AdCount: models.DailyCounter{Value: MaxDailyAds - 1, Epoch: today}})

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RequestAdReward(context.Background(), adRequest(u.ID, testIP, clock.Now()))
			mu.Lock()
			defer mu.Unlock()
			switch KindOf(err) {
			case "":
				success++
			case KindResourceExhausted:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 || rejected != n-1 {
		t.Fatalf("success/rejected = %d/%d, want 1/%d", success, rejected, n-1)
	}
	got := reload(t, db, u.ID)
	if got.AdCount.On(today) != MaxDailyAds || got.Points != 101 {
		t.Fatalf("ad count/points = %d/%d, want %d/101", got.AdCount.On(today), got.Points, MaxDailyAds)
	}
}

func TestRequestAdReward_ReplaysOnVersionConflict(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	e := newTestEngine(db, clock, base101)
	u := createUser(t, db, models.User{})

	// The first write to the user row finds it already moved to a newer version.
	var writes int
	err := db.Callback().Update().Before("gorm:update").Register("test:bump_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "users" {
			return
		}
		writes++
		if writes == 1 {
			tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE users SET version = version + 1 WHERE id = ?", u.ID)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	grant, err := watchAd(t, e, clock, u.ID)
	if err != nil {
		t.Fatalf("request ad reward: %v", err)
	}
	if grant.Reward != 101 || writes != 2 {
		t.Fatalf("reward/writes = %d/%d, want 101/2", grant.Reward, writes)
	}

	got := reload(t, db, u.ID)
	if got.Points != 101 || got.Version != 1 || got.AdCount.On(today) != 1 {
		t.Fatalf("points/version/ads = %d/%d/%d, want 101/1/1", got.Points, got.Version, got.AdCount.On(today))
	}
	var acts []models.IPActivity
	db.Find(&acts)
	if len(acts) != 1 || acts[0].Count != 1 {
		t.Fatalf("ip activity = %+v, want one row counted once", acts)
	}
	var days int64
	db.Model(&models.AttendanceDay{}).Where("user_id = ?", u.ID).Count(&days)
	if days != 1 {
		t.Fatalf("attendance rows = %d, want 1", days)
	}
}

// newFileDB opens a WAL-mode database file with conns connections, so
// transactions on different connections really interleave.
func newFileDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// interleavingDrawer runs hook during its first draw, after the transaction has
// read the user row and before it writes it back.
type interleavingDrawer struct {
	Drawer
	mu    sync.Mutex
	draws int
	hook  func()
}

func (d *interleavingDrawer) Roll() float64 {
	d.mu.Lock()
	d.draws++
	first := d.draws == 1
	d.mu.Unlock()
	if first {
		d.hook()
	}
	return d.Drawer.Roll()
}

func TestRequestAdReward_ReplaysAfterCommittedInterleavedWrite(t *testing.T) {
	db := newFileDB(t, 2)
	clock := newFakeClock(baseTime)
	u := createUser(t, db, models.User{})

	d := &interleavingDrawer{Drawer: base101}
	d.hook = func() {
		err := db.Model(&models.User{}).Where("id = ?", u.ID).
			Updates(map[string]any{"points": gorm.Expr("points + ?", 1000), "version": gorm.Expr("version + 1")}).Error
		if err != nil {
			t.Errorf("interleaved write: %v", err)
		}
	}
	e := newTestEngine(db, clock, d)

	// No remote address, so nothing is written before the draw.
	grant, err := e.RequestAdReward(context.Background(), adRequest(u.ID, "", clock.Now()))
	if err != nil {
		t.Fatalf("request ad reward: %v", err)
	}
	if grant.Reward != 101 || d.draws != 2 {
		t.Fatalf("reward/draws = %d/%d, want 101/2", grant.Reward, d.draws)
	}

	got := reload(t, db, u.ID)
	if got.Points != 1101 || got.Version != 2 || got.AdCount.On(today) != 1 {
		t.Fatalf("points/version/ads = %d/%d/%d, want 1101/2/1", got.Points, got.Version, got.AdCount.On(today))
	}
}

func TestRequestAdReward_ConcurrentConnectionsAtLastSlot(t *testing.T) {
	const n = 8
	db := newFileDB(t, n)
	clock := newFakeClock(baseTime)
	e := NewEngine(db, Options{
		Secret:                testSecret,
		DefaultTimezoneOffset: DefaultTimezoneOffset,
		Drawer:                base101,
		Clock:                 clock.Now,
		MaxAttempts:           50,
	})
	u := createUser(t, db, models.User{AdCount: models.DailyCounter{Value: MaxDailyAds - 1, Epoch: today}})

	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			<-start
			_, err := e.RequestAdReward(context.Background(), adRequest(u.ID, testIP, clock.Now()))
			errs <- err
		}()
	}
	close(start)

	success := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("%d requests succeeded, want 1", success)
	}
	got := reload(t, db, u.ID)
	if got.AdCount.On(today) != MaxDailyAds || got.Points != 101 || got.Version != 1 {
		t.Fatalf("ads/points/version = %d/%d/%d, want %d/101/1", got.AdCount.On(today), got.Points, got.Version, MaxDailyAds)
	}
	var act models.IPActivity
	if err := db.Take(&act).Error; err != nil {
		t.Fatalf("load ip activity: %v", err)
	}
	if act.Count != 1 {
		t.Fatalf("ip activity count = %d, want 1", act.Count)
	}
}
