package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pocketpoints/server/models"
)

// Status is a read-only view of a user's reward counters for one day.
type Status struct {
	Day               string     `json:"day"`
	Points            int        `json:"points"`
	SelfEarnedToday   int        `json:"self_earned_today"`
	SelfEarningLimit  int        `json:"self_earning_limit"`
	ReferralEarnedDay int        `json:"referral_earned_today"`
	AdsToday          int        `json:"ads_today"`
	MaxDailyAds       int        `json:"max_daily_ads"`
	NextAdAt          *time.Time `json:"next_ad_at,omitempty"`
	FallbacksToday    int        `json:"fallbacks_today"`
	RouletteState     string     `json:"roulette_state"`
	ClaimedMissions   []int      `json:"claimed_missions"`
	AttendanceStreak  int        `json:"attendance_streak"`
	LastAttendanceDay string     `json:"last_attendance_day"`
	AttendanceDays    int64      `json:"attendance_days"`
	Referred          bool       `json:"referred"`
	ReferralCount     int        `json:"referral_count"`
	TotalAdCount      int        `json:"total_ad_count"`
}

// Status reports the caller's counters as seen on today.
func (e *Engine) Status(ctx context.Context, userID uint, offset *int) (Status, error) {
	now := e.now()
	requested := e.days.Today(now, offset)
	db := e.db.WithContext(ctx)

	cfg, err := LoadConfig(ctx, db)
	if err != nil {
		return Status{}, err
	}
	var u models.User
	if err := db.Take(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Status{}, reject(KindUnauthenticated, "account not found")
		}
		return Status{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	day := QuotaDay(&u, requested)
	var days int64
	if err := db.Model(&models.AttendanceDay{}).Where("user_id = ?", userID).Count(&days).Error; err != nil {
		return Status{}, fmt.Errorf("count attendance: %w", err)
	}

	st := Status{
		Day:               day,
		Points:            u.Points,
		SelfEarnedToday:   u.SelfEarned.On(day),
		SelfEarningLimit:  cfg.SelfEarningLimit,
		ReferralEarnedDay: u.ReferralEarned.On(day),
		AdsToday:          u.AdCount.On(day),
		MaxDailyAds:       MaxDailyAds,
		FallbacksToday:    u.FallbackCount.On(day),
		RouletteState:     RouletteStateOf(&u, day).String(),
		ClaimedMissions:   u.MissionClaims.On(day).Sorted(),
		AttendanceStreak:  u.AttendanceStreak,
		LastAttendanceDay: u.LastAttendanceDay,
		AttendanceDays:    days,
		Referred:          u.ReferredBy != nil,
		ReferralCount:     u.ReferralCount,
		TotalAdCount:      u.TotalAdCount,
	}
	if u.LastAdWatchedAt != nil {
		if next := u.LastAdWatchedAt.Add(AdCooldown); next.After(now) {
			st.NextAdAt = &next
		}
	}
	return st, nil
}
