package jobs

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/pocketpoints/server/models"
)

type referralTally struct {
	ReferredBy uint
	N          int
}

// SyncReferralCounts recomputes users.referral_count from the referred_by links and
// writes only the rows that changed. It returns the number of rows updated.
//
// The column is owned by this job; ledger transactions never write it, so the
// update does not bump the row version.
func SyncReferralCounts(ctx context.Context, db *gorm.DB) (int, error) {
	db = db.WithContext(ctx)

	var tallies []referralTally
	if err := db.Model(&models.User{}).
		Select("referred_by, COUNT(*) AS n").
		Where("referred_by IS NOT NULL").
		Group("referred_by").
		Scan(&tallies).Error; err != nil {
		return 0, fmt.Errorf("tally referrals: %w", err)
	}
	want := make(map[uint]int, len(tallies))
	for _, t := range tallies {
		want[t.ReferredBy] = t.N
	}

	var current []models.User
	q := db.Model(&models.User{}).Select("id", "referral_count").Where("referral_count > 0")
	if len(want) > 0 {
		ids := make([]uint, 0, len(want))
		for id := range want {
			ids = append(ids, id)
		}
		q = q.Or("id IN ?", ids)
	}
	if err := q.Find(&current).Error; err != nil {
		return 0, fmt.Errorf("load referral counts: %w", err)
	}

	updated := 0
	for _, u := range current {
		n := want[u.ID]
		if u.ReferralCount == n {
			continue
		}
		if err := db.Model(&models.User{}).Where("id = ?", u.ID).
			UpdateColumn("referral_count", n).Error; err != nil {
			return updated, fmt.Errorf("update referral count of user %d: %w", u.ID, err)
		}
		updated++
	}
	return updated, nil
}
