package device

import (
	"context"
	"fmt"
)

// DummyMaxSamplesPerMinute is the rate ceiling reported by placeholder sources.
const DummyMaxSamplesPerMinute = 600

// Dummy is the no-op placeholder that fills a role while no real controller
// is available. It is never functional and always yields to a real one.
type Dummy struct {
	role Role
}

func NewDummy(role Role) *Dummy {
	return &Dummy{role: role}
}

func (d *Dummy) UniqueID() string                      { return fmt.Sprintf("dummy-%s", d.role) }
func (d *Dummy) IsFunctional() bool                    { return false }
func (d *Dummy) ShouldBeReplacedWhenBetterFound() bool { return true }
func (d *Dummy) ReplacementPriority() int              { return 0 }
func (d *Dummy) SupportedFrequencies() []float64       { return nil }
func (d *Dummy) SendIntensity(percent float64) error   { return nil }
func (d *Dummy) SendFrequency(hz float64) error        { return nil }
func (d *Dummy) MaxSamplesPerMinute() float64          { return DummyMaxSamplesPerMinute }

func (d *Dummy) Sample(ctx context.Context) (Sample, error) {
	return Sample{}, ErrNotFunctional
}
