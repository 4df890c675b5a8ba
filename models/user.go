package models

import (
	"time"

	"gorm.io/gorm"
)

// User is a reward account. Sign-up owns Email and ReferralCode; the ledger owns the
// balances and counters and only ever changes them inside a transaction.
type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Email        string `gorm:"size:255" json:"email"`
	ReferralCode string `gorm:"size:32;uniqueIndex" json:"referral_code"`
	Points       int    `gorm:"not null;default:0" json:"points"`
	TotalAdCount int    `gorm:"not null;default:0" json:"total_ad_count"`

	SelfEarned     DailyCounter `gorm:"embedded;embeddedPrefix:self_earned_" json:"self_earned"`
	ReferralEarned DailyCounter `gorm:"embedded;embeddedPrefix:referral_earned_" json:"referral_earned"`
	AdCount        DailyCounter `gorm:"embedded;embeddedPrefix:ad_count_" json:"ad_count"`
	RouletteSpins  DailyCounter `gorm:"embedded;embeddedPrefix:roulette_spins_" json:"roulette_spins"`
	SpinAdCount    DailyCounter `gorm:"embedded;embeddedPrefix:spin_ad_count_" json:"spin_ad_count"`
	FallbackCount  DailyCounter `gorm:"embedded;embeddedPrefix:fallback_count_" json:"fallback_count"`
	MissionClaims  DailyTierSet `gorm:"embedded;embeddedPrefix:mission_claims_" json:"mission_claims"`

	LastAdWatchedAt   *time.Time `json:"last_ad_watched_at"`
	AttendanceStreak  int        `gorm:"not null;default:0" json:"attendance_streak"`
	LastAttendanceDay string     `gorm:"size:10;not null;default:''" json:"last_attendance_day"`

	// ReferredBy is write-once.
	ReferredBy *uint `gorm:"index" json:"referred_by"`
	// ReferralCount is maintained by the referral sync job.
	ReferralCount int `gorm:"not null;default:0" json:"referral_count"`

	Version   int       `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}
