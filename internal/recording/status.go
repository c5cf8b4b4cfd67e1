package recording

import (
	"slices"
	"strconv"

	"github.com/labphoton/actinic/internal/device"
)

// Status is the state of the whole experiment.
type Status string

const (
	Idle                         Status = "Idle"
	Running                      Status = "Running"
	Stopped                      Status = "Stopped"
	CancellingInProgress         Status = "CancellingInProgress"
	UnderCalibration             Status = "UnderCalibration"
	SettingsModifiedWhileRunning Status = "SettingsModifiedWhileRunning"
	SettingsModifiedWhileStopped Status = "SettingsModifiedWhileStopped"
)

var Statuses = []Status{
	Idle, Running, Stopped, CancellingInProgress, UnderCalibration,
	SettingsModifiedWhileRunning, SettingsModifiedWhileStopped,
}

// active reports whether a recording is in progress, running or not.
func (s Status) active() bool {
	switch s {
	case Running, Stopped, SettingsModifiedWhileRunning, SettingsModifiedWhileStopped, CancellingInProgress:
		return true
	}
	return false
}

func (s Status) stopped() bool {
	return s == Stopped || s == SettingsModifiedWhileStopped
}

// Predicates tell which operations are currently enabled.
type Predicates struct {
	Run               bool     `json:"run"`
	Stop              bool     `json:"stop"`
	Resume            bool     `json:"resume"`
	Cancel            bool     `json:"cancel"`
	CancelCalibration bool     `json:"cancel_calibration"`
	EditPhases        bool     `json:"edit_phases"`
	EditChannels      bool     `json:"edit_channels"`
	Calibrate         []bool   `json:"calibrate"`
	RunBlockers       []string `json:"run_blockers,omitempty"`
}

func (p Predicates) Equal(o Predicates) bool {
	return p.Run == o.Run && p.Stop == o.Stop && p.Resume == o.Resume &&
		p.Cancel == o.Cancel && p.CancelCalibration == o.CancelCalibration &&
		p.EditPhases == o.EditPhases && p.EditChannels == o.EditChannels &&
		slices.Equal(p.Calibrate, o.Calibrate) && slices.Equal(p.RunBlockers, o.RunBlockers)
}

// CanCalibrate reports whether channel i may be calibrated.
func (p Predicates) CanCalibrate(i int) bool {
	return i >= 0 && i < len(p.Calibrate) && p.Calibrate[i]
}

// connectivity lists what is missing for a recording to run.
func (m *Model) connectivity() []string {
	var missing []string
	if !m.reg.Active(device.RoleActinic).IsFunctional() {
		missing = append(missing, "actinic beam disconnected")
	}
	if !m.reg.Active(device.RoleMeasuring).IsFunctional() {
		missing = append(missing, "measuring beam disconnected")
	}
	for _, ch := range m.channels {
		if !ch.IsConnected() {
			missing = append(missing, "channel "+strconv.Itoa(ch.Index())+" disconnected")
		}
	}
	return missing
}

func (m *Model) calibrationBlockers() []string {
	var missing []string
	for _, ch := range m.channels {
		if !ch.IsCalibrationWellSpecified() {
			missing = append(missing, "channel "+strconv.Itoa(ch.Index())+" not calibrated")
		}
	}
	return missing
}

func (m *Model) computePredicates() Predicates {
	var p Predicates

	var blockers []string
	if m.status != Idle {
		blockers = append(blockers, "status is "+string(m.status))
	}
	if len(m.phases) == 0 {
		blockers = append(blockers, "no actinic phases")
	}
	if len(m.channels) == 0 {
		blockers = append(blockers, "no channels")
	}
	if m.destination == "" {
		blockers = append(blockers, "no output destination")
	}
	blockers = append(blockers, m.calibrationBlockers()...)
	blockers = append(blockers, m.connectivity()...)
	p.RunBlockers = blockers
	p.Run = len(blockers) == 0

	p.Stop = m.status == Running
	p.Resume = m.status.stopped() && !m.schedActive && m.haveRemainder &&
		len(m.connectivity()) == 0 && len(m.calibrationBlockers()) == 0
	p.Cancel = m.status == Running || m.status.stopped() || m.status == SettingsModifiedWhileRunning
	p.CancelCalibration = m.status == UnderCalibration
	p.EditPhases = m.status != UnderCalibration && m.status != CancellingInProgress
	p.EditChannels = m.status == Idle

	calibratable := m.status == Idle || (m.status.stopped() && !m.schedActive)
	measuring := m.reg.Active(device.RoleMeasuring).IsFunctional()
	p.Calibrate = make([]bool, len(m.channels))
	for i, ch := range m.channels {
		p.Calibrate[i] = calibratable && measuring && ch.IsConnected() && !ch.IsCalibrating()
	}
	return p
}
