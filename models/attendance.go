package models

import "time"

// AttendanceDay records one day on which a user earned an ad-mission reward.
// Rows are only ever inserted, so a user's history is append-only.
type AttendanceDay struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex:idx_attendance_user_day;not null" json:"user_id"`
	Day       string    `gorm:"uniqueIndex:idx_attendance_user_day;size:10;not null" json:"day"`
	CreatedAt time.Time `json:"created_at"`
}
