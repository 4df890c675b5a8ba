package models

import "time"

// IPActivity counts rewarded requests per normalized IP per day.
type IPActivity struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       string    `gorm:"uniqueIndex:idx_ip_activity_day_ip;size:10;not null" json:"day"`
	IPKey     string    `gorm:"uniqueIndex:idx_ip_activity_day_ip;size:64;not null" json:"ip_key"`
	Count     int       `gorm:"not null;default:0" json:"count"`
	Version   int       `gorm:"not null;default:0" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BanRecord blocks a normalized IP until ExpiresAt.
type BanRecord struct {
	IPKey     string    `gorm:"primaryKey;size:64" json:"ip_key"`
	IP        string    `gorm:"size:64" json:"ip"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the ban still applies at now.
func (b BanRecord) Active(now time.Time) bool {
	return b.ExpiresAt.After(now)
}
