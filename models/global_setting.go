package models

import "time"

// GlobalSettingID is the primary key of the single settings row.
const GlobalSettingID = 1

// GlobalSetting carries persisted overrides for reward tunables. Nil columns fall back
// to the built-in defaults.
type GlobalSetting struct {
	ID                          uint      `gorm:"primaryKey" json:"id"`
	SelfEarningLimit            *int      `json:"self_earning_limit"`
	ReferralActivationThreshold *int      `json:"referral_activation_threshold"`
	ReferralActivationBonus     *int      `json:"referral_activation_bonus"`
	Version                     int       `gorm:"not null;default:0" json:"version"`
	UpdatedAt                   time.Time `json:"updated_at"`
}
