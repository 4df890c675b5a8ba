package ledger

import "strings"

// AdOutcome is what the ad bridge reports after presenting a rewarded ad.
type AdOutcome string

const (
	AdCompleted  AdOutcome = "completed"
	AdSkipped    AdOutcome = "skipped"
	AdLoadFailed AdOutcome = "load_failed"
	AdShowFailed AdOutcome = "show_failed"
)

// ParseAdOutcome accepts the bridge values, including the legacy "success"/"error".
func ParseAdOutcome(s string) (AdOutcome, bool) {
	switch o := AdOutcome(strings.ToLower(strings.TrimSpace(s))); o {
	case AdCompleted, AdSkipped, AdLoadFailed, AdShowFailed:
		return o, true
	case "success":
		return AdCompleted, true
	case "error":
		return AdShowFailed, true
	default:
		return "", false
	}
}

// Rewardable reports whether the outcome may trigger an ad reward or a spin unlock.
func (o AdOutcome) Rewardable() bool { return o == AdCompleted }

// FallbackEligible reports whether an ad-mission may fall back to the fixed reward.
func (o AdOutcome) FallbackEligible() bool {
	switch o {
	case AdSkipped, AdLoadFailed, AdShowFailed:
		return true
	default:
		return false
	}
}
