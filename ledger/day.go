package ledger

import (
	"time"

	"github.com/pocketpoints/server/models"
)

const (
	dayLayout = "2006-01-02"

	// DefaultTimezoneOffset is minutes behind UTC in the browser convention
	// (Date.getTimezoneOffset), so UTC+9 is -540.
	DefaultTimezoneOffset = -540

	minTimezoneOffset = -14 * 60
	maxTimezoneOffset = 12 * 60
)

// DayResolver maps an instant to the local calendar day used to key daily counters.
// Every operation resolves "today" through the same resolver.
type DayResolver struct {
	// Default is used when the caller supplies no offset or an out-of-range one.
	Default int
}

// Today returns the YYYY-MM-DD day at now for the given client offset.
func (r DayResolver) Today(now time.Time, offset *int) string {
	return resolveDay(now, r.Offset(offset))
}

// Offset returns the effective offset in minutes.
func (r DayResolver) Offset(offset *int) int {
	if offset == nil || *offset < minTimezoneOffset || *offset > maxTimezoneOffset {
		return r.Default
	}
	return *offset
}

// ServerDay resolves the day with the configured default only. Used for keys the
// client must not be able to shift, such as per-IP counters.
func (r DayResolver) ServerDay(now time.Time) string {
	return resolveDay(now, r.Default)
}

// QuotaDay returns the day that keys u's daily counters for a request resolved to
// requested. It never goes behind the latest day u already has counters on, so a
// client alternating offsets cannot reopen an earlier day's quotas.
func QuotaDay(u *models.User, requested string) string {
	if latest := latestEpoch(u); latest > requested {
		return latest
	}
	return requested
}

// latestEpoch is the most recent day stamped on any of u's own daily counters.
// ReferralEarned is excluded: it is keyed by the referee's day.
func latestEpoch(u *models.User) string {
	latest := u.LastAttendanceDay
	for _, epoch := range []string{
		u.SelfEarned.Epoch,
		u.AdCount.Epoch,
		u.RouletteSpins.Epoch,
		u.SpinAdCount.Epoch,
		u.FallbackCount.Epoch,
		u.MissionClaims.Epoch,
	} {
		if epoch > latest {
			latest = epoch
		}
	}
	return latest
}

func resolveDay(now time.Time, offset int) string {
	return now.UTC().Add(-time.Duration(offset) * time.Minute).Format(dayLayout)
}

// PrevDay returns the calendar day before day, or "" if day is malformed.
func PrevDay(day string) string {
	t, err := time.Parse(dayLayout, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dayLayout)
}
