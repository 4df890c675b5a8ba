package models

import "time"

// RankingSnapshotID is the primary key of the published snapshot row.
const RankingSnapshotID = 1

// RankingEntry is one anonymized leaderboard line.
type RankingEntry struct {
	Email  string `json:"email"`
	Points int    `json:"points"`
}

// RankingSnapshot is the last published top-10 leaderboard.
type RankingSnapshot struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	Top10     []RankingEntry `gorm:"column:top10;serializer:json;type:text" json:"top10"`
	UpdatedAt time.Time      `json:"updated_at"`
}
