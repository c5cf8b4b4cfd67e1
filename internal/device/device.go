package device

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Role is the logical function a controller fills in the instrument.
type Role string

const (
	RoleActinic      Role = "actinic"
	RoleMeasuring    Role = "measuring"
	RoleSignalSource Role = "signal_source"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleActinic, RoleMeasuring, RoleSignalSource}

var (
	ErrNotFunctional = errors.New("controller is not functional")
	ErrDisconnected  = errors.New("controller disconnected")
)

// Controller is the capability contract shared by every device controller.
type Controller interface {
	UniqueID() string
	IsFunctional() bool

	// ShouldBeReplacedWhenBetterFound reports whether a newly registered
	// controller of the same role may take over from this one.
	ShouldBeReplacedWhenBetterFound() bool
	ReplacementPriority() int

	SupportedFrequencies() []float64
}

// BeamController drives the actinic or the measuring beam.
type BeamController interface {
	Controller
	SendIntensity(percent float64) error
	SendFrequency(hz float64) error
}

// SignalSource acquires raw voltages for a signal channel.
type SignalSource interface {
	Controller
	Sample(ctx context.Context) (Sample, error)
	MaxSamplesPerMinute() float64
}

// Sample is a single raw reading.
type Sample struct {
	Volts float64
	Time  time.Time
}

// Closer is implemented by controllers that hold a transport.
type Closer interface {
	Close() error
}

// SortByPriority orders controllers by descending replacement priority, then by id.
func SortByPriority(controllers []Controller) {
	sort.SliceStable(controllers, func(i, j int) bool {
		pi, pj := controllers[i].ReplacementPriority(), controllers[j].ReplacementPriority()
		if pi != pj {
			return pi > pj
		}
		return controllers[i].UniqueID() < controllers[j].UniqueID()
	})
}

// IsPlaceholder reports whether c is one of the no-op placeholders.
func IsPlaceholder(c Controller) bool {
	_, ok := c.(*Dummy)
	return ok
}

// CommonFrequencies intersects the frequency sets of every controller that
// declares one. Controllers with an empty set accept any frequency.
func CommonFrequencies(controllers ...Controller) []float64 {
	var result []float64
	constrained := false
	for _, c := range controllers {
		if c == nil {
			continue
		}
		freqs := c.SupportedFrequencies()
		if len(freqs) == 0 {
			continue
		}
		if !constrained {
			result = append([]float64(nil), freqs...)
			constrained = true
			continue
		}
		keep := result[:0]
		for _, f := range result {
			for _, g := range freqs {
				if f == g {
					keep = append(keep, f)
					break
				}
			}
		}
		result = keep
	}
	sort.Float64s(result)
	return result
}
