package sim

import (
	"math/rand/v2"
	"sync"
)

// SpeedPolicy yields the speed in m/s for the next tick.
type SpeedPolicy interface {
	Next() float64
}

type constantSpeed float64

func (c constantSpeed) Next() float64 { return float64(c) }

func Constant(mps float64) SpeedPolicy { return constantSpeed(mps) }

type uniformSpeed struct {
	mu       sync.Mutex
	rng      *rand.Rand
	min, max float64
}

// UniformRange redraws the speed uniformly from [min, max) every tick. It is
// safe to share between tasks.
func UniformRange(min, max float64, seed uint64) SpeedPolicy {
	if max < min {
		min, max = max, min
	}
	return &uniformSpeed{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), min: min, max: max}
}

func (u *uniformSpeed) Next() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.min + u.rng.Float64()*(u.max-u.min)
}
