package jobs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pocketpoints/server/models"
	"github.com/pocketpoints/server/utils"
)

const (
	// RankingsCacheKey holds the JSON-encoded RankingSnapshot.
	RankingsCacheKey = "rankings:top10"
	rankingSize      = 10
	rankingsCacheTTL = 2 * time.Hour
)

var emailMask = regexp.MustCompile(`(.{2})(.*)(@.*)`)

// MaskEmail keeps the first two characters and the domain: "alice@x.io" -> "al***@x.io".
// Addresses too short to mask are returned unchanged.
func MaskEmail(email string) string {
	return emailMask.ReplaceAllString(email, "$1***$3")
}

// PublishRankings recomputes the top users by points and stores the snapshot in the
// database and, when configured, the cache.
func PublishRankings(ctx context.Context, db *gorm.DB, cache utils.Cache, now time.Time) (models.RankingSnapshot, error) {
	var users []models.User
	if err := db.WithContext(ctx).
		Select("id", "email", "points").
		Order("points DESC").Order("id ASC").
		Limit(rankingSize).
		Find(&users).Error; err != nil {
		return models.RankingSnapshot{}, fmt.Errorf("load top users: %w", err)
	}

	snap := models.RankingSnapshot{
		ID:        models.RankingSnapshotID,
		Top10:     make([]models.RankingEntry, 0, len(users)),
		UpdatedAt: now,
	}
	for _, u := range users {
		snap.Top10 = append(snap.Top10, models.RankingEntry{Email: MaskEmail(u.Email), Points: u.Points})
	}

	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"top10", "updated_at"}),
	}).Create(&snap).Error; err != nil {
		return models.RankingSnapshot{}, fmt.Errorf("save ranking snapshot: %w", err)
	}
	utils.CacheSetJSON(ctx, cache, RankingsCacheKey, snap, rankingsCacheTTL)
	return snap, nil
}

// ReadRankings serves the last published snapshot, preferring the cache. Before the
// first publish it returns an empty snapshot.
func ReadRankings(ctx context.Context, db *gorm.DB, cache utils.Cache) (models.RankingSnapshot, error) {
	var snap models.RankingSnapshot
	if utils.CacheGetJSON(ctx, cache, RankingsCacheKey, &snap) {
		return snap, nil
	}
	err := db.WithContext(ctx).Take(&snap, models.RankingSnapshotID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RankingSnapshot{ID: models.RankingSnapshotID, Top10: []models.RankingEntry{}}, nil
	}
	if err != nil {
		return models.RankingSnapshot{}, fmt.Errorf("load ranking snapshot: %w", err)
	}
	utils.CacheSetJSON(ctx, cache, RankingsCacheKey, snap, rankingsCacheTTL)
	return snap, nil
}
