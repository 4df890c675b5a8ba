package ledger

// NextStreak computes the attendance streak after an ad reward on today.
// advanced is false when today was already recorded; streak and bonus are then
// prev and 0.
func NextStreak(prev int, lastDay, today string) (streak, bonus int, advanced bool) {
	if lastDay == today {
		return prev, 0, false
	}
	streak = 1
	if lastDay != "" && lastDay == PrevDay(today) {
		streak = prev + 1
	}
	return streak, MilestoneBonus(streak), true
}

// MilestoneBonus is the one-off bonus for reaching streak.
func MilestoneBonus(streak int) int {
	switch streak {
	case 7:
		return 100
	case 15:
		return 200
	case 30:
		return 500
	default:
		return 0
	}
}
