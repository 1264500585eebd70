package sim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// FaultConfig controls random fault injection on the simulated venue.
type FaultConfig struct {
	Seed              int64         `json:"seed"`
	ErrorRate         float64       `json:"errorRate"`
	DropFillRate      float64       `json:"dropFillRate"`
	DuplicateFillRate float64       `json:"duplicateFillRate"`
	MaxLatency        time.Duration `json:"maxLatency"`
}

// Validate ensures the config is within supported ranges.
func (c FaultConfig) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return fmt.Errorf("errorRate must be between 0 and 1")
	}
	if c.DropFillRate < 0 || c.DropFillRate > 1 {
		return fmt.Errorf("dropFillRate must be between 0 and 1")
	}
	if c.DuplicateFillRate < 0 || c.DuplicateFillRate > 1 {
		return fmt.Errorf("duplicateFillRate must be between 0 and 1")
	}
	if c.MaxLatency < 0 {
		return fmt.Errorf("maxLatency must be >= 0")
	}
	return nil
}

// faults applies seeded random faults. A nil *faults injects nothing.
type faults struct {
	mu  sync.Mutex
	cfg FaultConfig
	rng *rand.Rand
}

func newFaults(cfg FaultConfig) (*faults, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &faults{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (f *faults) roll(rate float64) bool {
	if f == nil || rate <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < rate
}

func (f *faults) shouldFail() bool {
	if f == nil {
		return false
	}
	return f.roll(f.cfg.ErrorRate)
}

func (f *faults) shouldDropFill() bool {
	if f == nil {
		return false
	}
	return f.roll(f.cfg.DropFillRate)
}

func (f *faults) shouldDuplicateFill() bool {
	if f == nil {
		return false
	}
	return f.roll(f.cfg.DuplicateFillRate)
}

func (f *faults) latency() time.Duration {
	if f == nil || f.cfg.MaxLatency <= 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Duration(f.rng.Int63n(f.cfg.MaxLatency.Nanoseconds() + 1))
}
