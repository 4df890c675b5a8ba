package ledger

import "github.com/pocketpoints/server/models"

// RouletteState is derived from the day's spin and unlock counters; it is never stored.
type RouletteState int

const (
	NoSpinsToday RouletteState = iota
	FirstSpinDone
	SecondSpinUnlocked
	Exhausted
)

func (s RouletteState) String() string {
	switch s {
	case NoSpinsToday:
		return "no_spins_today"
	case FirstSpinDone:
		return "first_spin_done"
	case SecondSpinUnlocked:
		return "second_spin_unlocked"
	default:
		return "exhausted"
	}
}

// RouletteStateOf derives the gate state of u on day.
func RouletteStateOf(u *models.User, day string) RouletteState {
	switch spins := u.RouletteSpins.On(day); {
	case spins == 0:
		return NoSpinsToday
	case spins == 1 && u.SpinAdCount.On(day) >= 1:
		return SecondSpinUnlocked
	case spins == 1:
		return FirstSpinDone
	default:
		return Exhausted
	}
}

// Admit returns nil when a spin may run in state s.
func (s RouletteState) Admit() error {
	switch s {
	case NoSpinsToday, SecondSpinUnlocked:
		return nil
	case FirstSpinDone:
		return reject(KindFailedPrecondition, "watch an ad to unlock the second spin")
	default:
		return reject(KindResourceExhausted, "no roulette spins left today")
	}
}
