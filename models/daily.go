package models

import (
	"sort"
)

// DailyCounter is a counter whose value only counts on the day stored in Epoch.
// Reads on any other day see zero; there is no reset job.
type DailyCounter struct {
	Value int    `gorm:"not null;default:0" json:"value"`
	Epoch string `gorm:"size:10;not null;default:''" json:"epoch"`
}

// On returns the counter value as seen on day.
func (c DailyCounter) On(day string) int {
	if c.Epoch != day {
		return 0
	}
	return c.Value
}

// Add returns the counter advanced by n on day. A stale epoch restarts from zero.
func (c DailyCounter) Add(day string, n int) DailyCounter {
	return DailyCounter{Value: c.On(day) + n, Epoch: day}
}

// TierSet is a set of claimed mission tiers.
type TierSet map[int]bool

// Has reports whether tier is in the set.
func (s TierSet) Has(tier int) bool {
	return s[tier]
}

// Sorted lists the tiers in ascending order.
func (s TierSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for tier, ok := range s {
		if ok {
			out = append(out, tier)
		}
	}
	sort.Ints(out)
	return out
}

// DailyTierSet holds the mission tiers claimed on Epoch.
type DailyTierSet struct {
	Tiers TierSet `gorm:"serializer:json;type:text" json:"tiers"`
	Epoch string  `gorm:"size:10;not null;default:''" json:"epoch"`
}

// On returns the tiers claimed on day.
func (s DailyTierSet) On(day string) TierSet {
	if s.Epoch != day || s.Tiers == nil {
		return TierSet{}
	}
	return s.Tiers
}

// With returns a copy that also contains tier on day.
func (s DailyTierSet) With(day string, tier int) DailyTierSet {
	current := s.On(day)
	next := make(TierSet, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[tier] = true
	return DailyTierSet{Tiers: next, Epoch: day}
}
