package recording

import (
	"time"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/phase"
)

// State is a read-only snapshot of the model.
type State struct {
	Status             Status            `json:"status"`
	Predicates         Predicates        `json:"predicates"`
	Phases             []phase.Phase     `json:"phases"`
	TotalMs            int64             `json:"total_ms"`
	Stamp              *phase.Stamp      `json:"stamp,omitempty"`
	ExpectedEnds       []time.Time       `json:"expected_ends,omitempty"`
	Remainder          *phase.Remainder  `json:"remainder,omitempty"`
	Channels           []channel.Info    `json:"channels"`
	Destination        string            `json:"destination"`
	Measuring          MeasuringSettings `json:"measuring"`
	ActinicID          string            `json:"actinic_controller"`
	MeasuringID        string            `json:"measuring_controller"`
	CalibratingChannel *int              `json:"calibrating_channel,omitempty"`
	RecordingID        string            `json:"recording_id,omitempty"`
	LastSavedID        string            `json:"last_saved_id,omitempty"`
	LastSaveError      string            `json:"last_save_error,omitempty"`
}

func (m *Model) State() State {
	var s State
	m.do(func() { s = m.snapshot() })
	return s
}

func (m *Model) snapshot() State {
	s := State{
		Status:        m.status,
		Predicates:    m.computePredicates(),
		Phases:        phase.Clone(m.phases),
		TotalMs:       phase.TotalMillis(m.phases),
		ExpectedEnds:  m.expectedEnds(),
		Destination:   m.destination,
		Measuring:     m.measuring,
		ActinicID:     m.reg.Active(device.RoleActinic).UniqueID(),
		MeasuringID:   m.reg.Active(device.RoleMeasuring).UniqueID(),
		LastSavedID:   m.lastSavedID,
		LastSaveError: m.lastSaveError,
	}
	if m.haveStamp && m.status.active() {
		stamp := m.stamp
		s.Stamp = &stamp
	}
	if m.haveRemainder {
		r := m.remainder
		s.Remainder = &r
	}
	if m.calChannel >= 0 {
		c := m.calChannel
		s.CalibratingChannel = &c
	}
	if m.rec != nil {
		s.RecordingID = m.rec.id
	}
	for _, ch := range m.channels {
		s.Channels = append(s.Channels, ch.Info())
	}
	return s
}

func (m *Model) Status() Status {
	var s Status
	m.do(func() { s = m.status })
	return s
}

func (m *Model) Predicates() Predicates {
	var p Predicates
	m.do(func() { p = m.computePredicates() })
	return p
}

func (m *Model) IsRunEnabled() bool    { return m.Predicates().Run }
func (m *Model) IsStopEnabled() bool   { return m.Predicates().Stop }
func (m *Model) IsResumeEnabled() bool { return m.Predicates().Resume }
func (m *Model) IsCancelEnabled() bool { return m.Predicates().Cancel }

func (m *Model) IsCalibrateEnabled(i int) bool {
	return m.Predicates().CanCalibrate(i)
}

func (m *Model) IsCancelCalibrationEnabled() bool {
	return m.Predicates().CancelCalibration
}

func (m *Model) Phases() []phase.Phase {
	var ps []phase.Phase
	m.do(func() { ps = phase.Clone(m.phases) })
	return ps
}

// ExpectedEndTimes is nil unless a schedule is running.
func (m *Model) ExpectedEndTimes() []time.Time {
	var ends []time.Time
	m.do(func() { ends = m.expectedEnds() })
	return ends
}

// MaxIntensity is the highest phase intensity.
func (m *Model) MaxIntensity() float64 {
	var v float64
	m.do(func() { v = phase.MaxIntensity(m.phases) })
	return v
}

func (m *Model) Remainder() (phase.Remainder, bool) {
	var r phase.Remainder
	var ok bool
	m.do(func() { r, ok = m.remainder, m.haveRemainder })
	return r, ok
}

func (m *Model) Channels() []channel.Info {
	var infos []channel.Info
	m.do(func() {
		for _, ch := range m.channels {
			infos = append(infos, ch.Info())
		}
	})
	return infos
}

func (m *Model) Destination() string {
	var d string
	m.do(func() { d = m.destination })
	return d
}

func (m *Model) Measuring() MeasuringSettings {
	var s MeasuringSettings
	m.do(func() { s = m.measuring })
	return s
}
