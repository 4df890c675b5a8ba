package ledger

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Drawer is the randomness source behind reward amounts.
type Drawer interface {
	// Roll returns a uniform value in (0, 100].
	Roll() float64
	// Between returns a uniform integer in [lo, hi].
	Between(lo, hi int) int
}

type globalDrawer struct{}

// SystemDrawer draws from the runtime's auto-seeded generator.
func SystemDrawer() Drawer { return globalDrawer{} }

func (globalDrawer) Roll() float64 { return 100 - rand.Float64()*100 }

func (globalDrawer) Between(lo, hi int) int { return lo + rand.IntN(hi-lo+1) }

// SeededDrawer is a reproducible Drawer. Safe for concurrent use.
type SeededDrawer struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededDrawer returns a Drawer whose sequence is fixed by seed.
func NewSeededDrawer(seed uint64) *SeededDrawer {
	return &SeededDrawer{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewSeed reads a seed from crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (d *SeededDrawer) Roll() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return 100 - d.r.Float64()*100
}

func (d *SeededDrawer) Between(lo, hi int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + d.r.IntN(hi-lo+1)
}

// AdReward draws the base reward of the ad-mission channel.
func AdReward(d Drawer) int {
	r := d.Roll()
	switch {
	case r <= 2:
		return d.Between(90, 100)
	case r <= 70:
		return d.Between(101, 129)
	case r <= 98:
		return d.Between(130, 200)
	default:
		return d.Between(201, 250)
	}
}

// RouletteReward draws the reward of one roulette spin.
func RouletteReward(d Drawer) int {
	if d.Roll() <= 70 {
		return d.Between(100, 130)
	}
	return d.Between(131, 250)
}
