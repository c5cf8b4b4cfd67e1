package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Simulated is an in-process controller used when no hardware is attached.
// It fills every role: the signal it reports follows the measuring intensity
// it was last sent, with a small periodic ripple.
type Simulated struct {
	id       string
	maxRate  float64
	priority int

	mu          sync.Mutex
	functional  bool
	intensity   float64
	frequency   float64
	darkVolts   float64
	voltsPerPct float64
	started     time.Time
}

func NewSimulated(id string, maxSamplesPerMinute float64) *Simulated {
	return &Simulated{
		id:          id,
		maxRate:     maxSamplesPerMinute,
		priority:    1,
		functional:  true,
		darkVolts:   0.05,
		voltsPerPct: 0.02,
		started:     time.Now(),
	}
}

func (s *Simulated) UniqueID() string                      { return s.id }
func (s *Simulated) ShouldBeReplacedWhenBetterFound() bool { return true }
func (s *Simulated) ReplacementPriority() int              { return s.priority }
func (s *Simulated) SupportedFrequencies() []float64       { return nil }
func (s *Simulated) MaxSamplesPerMinute() float64          { return s.maxRate }

func (s *Simulated) IsFunctional() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.functional
}

// SetFunctional toggles the simulated connection state.
func (s *Simulated) SetFunctional(functional bool) {
	s.mu.Lock()
	s.functional = functional
	s.mu.Unlock()
}

func (s *Simulated) SendIntensity(percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.functional {
		return fmt.Errorf("%s: %w", s.id, ErrDisconnected)
	}
	s.intensity = percent
	return nil
}

// Intensity is the last intensity sent.
func (s *Simulated) Intensity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intensity
}

func (s *Simulated) Frequency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

func (s *Simulated) SendFrequency(hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.functional {
		return fmt.Errorf("%s: %w", s.id, ErrDisconnected)
	}
	s.frequency = hz
	return nil
}

func (s *Simulated) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.functional {
		return Sample{}, fmt.Errorf("%s: %w", s.id, ErrDisconnected)
	}
	now := time.Now()
	ripple := 0.001 * math.Sin(now.Sub(s.started).Seconds())
	return Sample{Volts: s.darkVolts + s.voltsPerPct*s.intensity + ripple, Time: now}, nil
}
