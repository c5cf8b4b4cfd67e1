// Package channel manages signal channels: controller selection, sampling
// rate, calibration constants and the background tasks that acquire and
// calibrate samples.
//
// A Manager is owned by a single control goroutine. Its background tasks
// never touch Manager state; they post messages to a Sink and the owner
// feeds them back through Accept, HandleFault and FinishCalibration.
package channel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SignalType is the physical quantity a channel records.
type SignalType string

const (
	Fluorescence  SignalType = "Fluorescence"
	Transmittance SignalType = "Transmittance"
	Reflectance   SignalType = "Reflectance"
)

var SignalTypes = []SignalType{Fluorescence, Transmittance, Reflectance}

func ParseSignalType(s string) (SignalType, error) {
	for _, t := range SignalTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSignalType, s)
}

const (
	MinSamplesPerMinute     = 1.0
	DefaultSamplesPerMinute = 60.0

	// AveragingWindow is the number of raw reads averaged into one sample.
	AveragingWindow = 10
)

var (
	ErrUnknownController     = errors.New("unknown signal source")
	ErrInvalidRate           = errors.New("invalid sampling rate")
	ErrInvalidSignalType     = errors.New("invalid signal type")
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	ErrNotConnected          = errors.New("channel is not connected")
	ErrDegenerateCalibration = errors.New("dark and lit references are indistinguishable")
	ErrStaleSample           = errors.New("sample from a superseded sampling task")
	ErrUncalibrated          = errors.New("calibration is not well specified")
)

// Calibration maps raw volts to a signal percentage.
type Calibration struct {
	Slope        float64
	Offset       float64
	CalibratedAt time.Time
}

func Uncalibrated() Calibration {
	return Calibration{Slope: math.NaN(), Offset: math.NaN()}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// WellSpecified reports whether both constants are finite.
func (c Calibration) WellSpecified() bool {
	return finite(c.Slope) && finite(c.Offset)
}

func (c Calibration) Apply(volts float64) float64 {
	return c.Slope*volts + c.Offset
}

// ComputeCalibration derives the constants that map the dark reference to
// 0% and the lit reference to referencePercent.
func ComputeCalibration(darkVolts, litVolts, referencePercent float64, at time.Time) (Calibration, error) {
	diff := litVolts - darkVolts
	if !finite(diff) || math.Abs(diff) < 1e-9 {
		return Calibration{}, fmt.Errorf("%w: dark=%g lit=%g", ErrDegenerateCalibration, darkVolts, litVolts)
	}
	slope := referencePercent / diff
	return Calibration{Slope: slope, Offset: -slope * darkVolts, CalibratedAt: at}, nil
}

// Sink receives messages from background tasks. Post must not block.
type Sink interface {
	Post(msg any)
}

// RawSample is an averaged, uncalibrated reading.
type RawSample struct {
	Channel      int
	Generation   uint64
	ControllerID string
	Volts        float64
	Time         time.Time
}

// Fault reports that the signal source failed while sampling.
type Fault struct {
	Channel      int
	Generation   uint64
	ControllerID string
	Err          error
}

// Sample is a calibrated reading.
type Sample struct {
	Channel      int       `json:"channel"`
	ControllerID string    `json:"controller_id"`
	Value        float64   `json:"value"`
	Volts        float64   `json:"volts"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Time         time.Time `json:"time"`
}

// Info is a read-only view of a channel.
type Info struct {
	Index               int        `json:"index"`
	SignalType          SignalType `json:"signal_type"`
	Slope               *float64   `json:"slope"`
	Offset              *float64   `json:"offset"`
	CalibratedAt        *time.Time `json:"calibrated_at,omitempty"`
	WellSpecified       bool       `json:"well_specified"`
	SamplesPerMinute    float64    `json:"samples_per_minute"`
	MaxSamplesPerMinute float64    `json:"max_samples_per_minute"`
	ControllerID        string     `json:"controller_id"`
	Connected           bool       `json:"connected"`
	Sampling            bool       `json:"sampling"`
	Calibrating         bool       `json:"calibrating"`
}
