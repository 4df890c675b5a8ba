package ledger

// CommissionPercent is the referrer's cut of a base ad reward, tiered by how many
// users they have referred.
func CommissionPercent(referralCount int) int {
	switch {
	case referralCount >= 50:
		return 10
	case referralCount >= 30:
		return 8
	case referralCount >= 10:
		return 7
	default:
		return 5
	}
}

// Commission is floor(base * rate). Streak bonuses are not part of base.
func Commission(base, referralCount int) int {
	if base <= 0 {
		return 0
	}
	return base * CommissionPercent(referralCount) / 100
}
