package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pocketpoints/server/models"
)

const defaultMaxAttempts = 10

// Options configures an Engine. Zero values pick sensible defaults except Secret,
// which must be set for ad rewards to verify.
type Options struct {
	// Secret is the HMAC key shared with the client for ad reward signatures.
	Secret string
	// SignatureMaxSkew bounds how far a signed timestamp may drift from server time.
	// Zero disables the check.
	SignatureMaxSkew time.Duration
	// DefaultTimezoneOffset resolves "today" when the client sends no offset.
	DefaultTimezoneOffset int
	// MaxAttempts caps transaction replays after write conflicts.
	MaxAttempts int
	Drawer      Drawer
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine executes reward operations as single read-check-write transactions.
type Engine struct {
	db          *gorm.DB
	guard       guard
	days        DayResolver
	drawer      Drawer
	now         func() time.Time
	maxAttempts int
	log         *zap.Logger
}

// NewEngine builds an Engine over db.
func NewEngine(db *gorm.DB, opts Options) *Engine {
	e := &Engine{
		db:          db,
		guard:       guard{secret: []byte(opts.Secret), maxSkew: opts.SignatureMaxSkew},
		days:        DayResolver{Default: opts.DefaultTimezoneOffset},
		drawer:      opts.Drawer,
		now:         opts.Clock,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
	}
	if e.drawer == nil {
		e.drawer = SystemDrawer()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Days exposes the engine's day resolver.
func (e *Engine) Days() DayResolver { return e.days }

// run executes fn in a transaction and replays it from scratch on write conflicts.
// fn must do all of its reads and writes through the tx it is given.
func (e *Engine) run(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isConflict(err) {
			return err
		}
		e.log.Debug("ledger write conflict, replaying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if werr := backoff(ctx, attempt); werr != nil {
			return werr
		}
	}
	e.log.Warn("ledger transaction gave up after conflicts",
		zap.String("op", op), zap.Int("attempts", e.maxAttempts), zap.Error(err))
	return reject(KindAborted, "too much concurrent activity, try again")
}

func backoff(ctx context.Context, attempt int) error {
	base := time.Duration(attempt) * 5 * time.Millisecond
	d := base + rand.N(base)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isConflict reports errors that mean another transaction won a race.
func isConflict(err error) bool {
	if errors.Is(err, errWriteConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 1062:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// lockUser loads a user row for update.
func lockUser(tx *gorm.DB, id uint) (*models.User, error) {
	var u models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return &u, nil
}

// loadCaller loads the requesting account. A token for a missing account is
// treated as unauthenticated.
func loadCaller(tx *gorm.DB, id uint) (*models.User, error) {
	u, err := lockUser(tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reject(KindUnauthenticated, "account not found")
	}
	return u, err
}

// saveUser writes every ledger-owned column of u if nobody else wrote the row
// since it was read. Columns owned by other writers are left alone.
func saveUser(tx *gorm.DB, u *models.User) error {
	prev := u.Version
	u.Version++
	res := tx.Model(u).
		Where("version = ?", prev).
		Select("*").
		Omit("id", "created_at", "email", "referral_code", "referral_count").
		Updates(u)
	if res.Error != nil {
		u.Version = prev
		return fmt.Errorf("save user %d: %w", u.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		u.Version = prev
		return errWriteConflict
	}
	return nil
}

// checkSelfCap rejects when the caller already earned the daily self-earning cap.
func checkSelfCap(cfg Config, u *models.User, day string) error {
	if u.SelfEarned.On(day) >= cfg.SelfEarningLimit {
		return reject(KindResourceExhausted, "daily earning limit of %dP reached", cfg.SelfEarningLimit)
	}
	return nil
}

// grantSelf credits points earned by the user's own action.
func grantSelf(u *models.User, day string, amount int) {
	u.Points += amount
	u.SelfEarned = u.SelfEarned.Add(day, amount)
}
