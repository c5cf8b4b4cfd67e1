// Package phase models the timed actinic intensity phases of an experiment
// and runs them in order.
package phase

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidDuration  = errors.New("invalid phase duration")
	ErrInvalidIntensity = errors.New("intensity must be within [0,100]")
	ErrPhaseIndex       = errors.New("phase index out of range")
)

// Unit is the time unit a phase duration is expressed in.
type Unit string

const (
	Milliseconds Unit = "ms"
	Seconds      Unit = "s"
	Minutes      Unit = "min"
	Hours        Unit = "h"
)

func (u Unit) factor() (float64, bool) {
	switch u {
	case Milliseconds:
		return 1, true
	case Seconds:
		return 1000, true
	case Minutes:
		return 60 * 1000, true
	case Hours:
		return 60 * 60 * 1000, true
	default:
		return 0, false
	}
}

// Duration is a phase length as entered by the operator.
type Duration struct {
	Value float64 `json:"value" yaml:"value" mapstructure:"value"`
	Unit  Unit    `json:"unit" yaml:"unit" mapstructure:"unit"`
}

func Millis(ms int64) Duration { return Duration{Value: float64(ms), Unit: Milliseconds} }

// Millis converts the duration to whole milliseconds, rounding half away
// from zero. Every comparison and extension works on this value.
func (d Duration) Millis() int64 {
	f, ok := d.Unit.factor()
	if !ok {
		return 0
	}
	return int64(math.Round(d.Value * f))
}

func (d Duration) Std() time.Duration {
	return time.Duration(d.Millis()) * time.Millisecond
}

func (d Duration) Validate() error {
	if _, ok := d.Unit.factor(); !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, d.Unit)
	}
	if math.IsNaN(d.Value) || math.IsInf(d.Value, 0) || d.Millis() <= 0 {
		return fmt.Errorf("%w: must be at least 1ms, got %v%s", ErrInvalidDuration, d.Value, d.Unit)
	}
	return nil
}

func (d Duration) String() string {
	return fmt.Sprintf("%g%s", d.Value, d.Unit)
}

// Filter is the optical filter in the actinic path during a phase.
type Filter struct {
	Position    int    `json:"position" yaml:"position" mapstructure:"position"`
	Description string `json:"description" yaml:"description" mapstructure:"description"`
}

type Phase struct {
	Duration         Duration `json:"duration" yaml:"duration" mapstructure:"duration"`
	IntensityPercent float64  `json:"intensity_percent" yaml:"intensity_percent" mapstructure:"intensity_percent"`
	Filter           Filter   `json:"filter" yaml:"filter" mapstructure:"filter"`
}

func ValidateIntensity(percent float64) error {
	if math.IsNaN(percent) || percent < 0 || percent > 100 {
		return fmt.Errorf("%w, got %v", ErrInvalidIntensity, percent)
	}
	return nil
}

func (p Phase) Validate() error {
	if err := p.Duration.Validate(); err != nil {
		return err
	}
	return ValidateIntensity(p.IntensityPercent)
}

// ValidateAll checks every phase, prefixing errors with the phase index.
func ValidateAll(phases []Phase) error {
	for i, p := range phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("phases[%d]: %w", i, err)
		}
	}
	return nil
}

// TotalMillis is the sum of all phase durations.
func TotalMillis(phases []Phase) int64 {
	var total int64
	for _, p := range phases {
		total += p.Duration.Millis()
	}
	return total
}

// MillisBefore is the sum of the durations of the phases preceding index.
func MillisBefore(phases []Phase, index int) int64 {
	var total int64
	for i := 0; i < index && i < len(phases); i++ {
		total += phases[i].Duration.Millis()
	}
	return total
}

// ExpectedEndTimes returns, for each phase i, onset + Σ(durations before i) + duration(i).
func ExpectedEndTimes(onset time.Time, phases []Phase) []time.Time {
	ends := make([]time.Time, len(phases))
	var acc int64
	for i, p := range phases {
		acc += p.Duration.Millis()
		ends[i] = onset.Add(time.Duration(acc) * time.Millisecond)
	}
	return ends
}

// MaxIntensity returns the highest intensity across all phases, 0 for none.
func MaxIntensity(phases []Phase) float64 {
	max := 0.0
	for _, p := range phases {
		if p.IntensityPercent > max {
			max = p.IntensityPercent
		}
	}
	return max
}

// MinIntensity returns the lowest intensity across all phases, 0 for none.
func MinIntensity(phases []Phase) float64 {
	if len(phases) == 0 {
		return 0
	}
	min := phases[0].IntensityPercent
	for _, p := range phases[1:] {
		if p.IntensityPercent < min {
			min = p.IntensityPercent
		}
	}
	return min
}

// Clone returns an independent copy of the phase list.
func Clone(phases []Phase) []Phase {
	return append([]Phase(nil), phases...)
}
