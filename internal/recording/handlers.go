package recording

import (
	"errors"
	"fmt"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/registry"
)

func (m *Model) handle(msg any) {
	switch v := msg.(type) {
	case call:
		v.fn()
		close(v.done)
	case phaseBegan:
		m.onPhaseBegan(v)
	case scheduleDone:
		m.onScheduleDone(v)
	case channel.RawSample:
		m.onRawSample(v)
	case channel.Fault:
		m.onFault(v)
	case channel.CalibrationProgress:
		m.onCalibrationProgress(v)
	case channel.CalibrationResult:
		m.onCalibrationResult(v)
	case registry.Change:
		m.onRegistryChange(v)
	case saveDone:
		m.onSaveDone(v)
	default:
		m.logger.Warn("Unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (m *Model) channelAt(i int) *channel.Manager {
	if i < 0 || i >= len(m.channels) {
		return nil
	}
	return m.channels[i]
}

// recordingTime reports whether samples belong to the recording: only
// while the schedule runs.
func (m *Model) recordingTime() bool {
	return m.rec != nil && (m.status == Running || m.status == SettingsModifiedWhileRunning)
}

func (m *Model) onRawSample(raw channel.RawSample) {
	ch := m.channelAt(raw.Channel)
	if ch == nil {
		return
	}
	onset := m.liveOnset
	if m.haveStamp && m.rec != nil {
		onset = m.stamp.Onset
	}
	s, err := ch.Accept(raw, onset)
	if err != nil {
		reason := "uncalibrated"
		if errors.Is(err, channel.ErrStaleSample) {
			reason = "stale"
		}
		m.observer.ObserveDroppedSample(raw.Channel, reason)
		return
	}
	if m.recordingTime() {
		m.rec.points[raw.Channel] = append(m.rec.points[raw.Channel], output.Point{
			ElapsedMs: s.ElapsedMs,
			Value:     s.Value,
			Volts:     s.Volts,
		})
	}
	m.observer.ObserveSample(raw.Channel)
	m.bus.Publish(events.KindSample, s)
}

func (m *Model) onFault(f channel.Fault) {
	ch := m.channelAt(f.Channel)
	if ch == nil || !ch.HandleFault(f) {
		return
	}
	m.observer.ObserveSwap(string(device.RoleSignalSource))
	if c, ok := m.reg.Lookup(device.RoleSignalSource, f.ControllerID); ok && !c.IsFunctional() {
		m.reg.Remove(f.ControllerID)
	}
	m.publishChannels()
}

func (m *Model) onCalibrationProgress(p channel.CalibrationProgress) {
	ch := m.channelAt(p.Channel)
	if ch == nil || !ch.AcceptProgress(p) {
		return
	}
	m.bus.Publish(events.KindCalibrationProgress, p)
}

func (m *Model) onCalibrationResult(res channel.CalibrationResult) {
	ch := m.channelAt(res.Channel)
	if ch == nil || !ch.FinishCalibration(res) {
		return
	}
	done := CalibrationDone{Channel: res.Channel, Outcome: string(res.Outcome)}
	if res.Err != nil {
		done.Error = res.Err.Error()
	}
	m.observer.ObserveCalibration(res.Channel, string(res.Outcome))
	m.calChannel = -1
	m.setStatus(m.beforeCal)
	m.applyMeasuring()
	m.bus.Publish(events.KindCalibrationDone, done)
	m.publishChannels()
}

func (m *Model) onRegistryChange(c registry.Change) {
	switch c.Role {
	case device.RoleSignalSource:
		for _, ch := range m.channels {
			var swapped bool
			if c.Kind == registry.Added {
				swapped = ch.ControllerAdded(c.ControllerID)
			} else if c.Kind == registry.Removed {
				swapped = ch.ControllerRemoved(c.ControllerID)
			}
			if swapped {
				m.observer.ObserveSwap(string(c.Role))
			}
		}
		m.publishChannels()

	case device.RoleMeasuring:
		if c.Kind != registry.Activated {
			break
		}
		previous := m.activeIDs[string(c.Role)]
		m.activeIDs[string(c.Role)] = c.ControllerID
		if previous == c.ControllerID {
			break
		}
		m.observer.ObserveSwap(string(c.Role))
		if m.status == UnderCalibration {
			// The workflow holds the previous beam.
			m.logger.Warn("Measuring beam changed during calibration", "previous", previous, "controller", c.ControllerID)
			m.cancelCalibration()
			break
		}
		m.applyMeasuring()

	case device.RoleActinic:
		if c.Kind != registry.Activated {
			break
		}
		previous := m.activeIDs[string(c.Role)]
		m.activeIDs[string(c.Role)] = c.ControllerID
		if previous == c.ControllerID {
			break
		}
		m.observer.ObserveSwap(string(c.Role))
		if m.status == Running && m.actinicIndex >= 0 && m.actinicIndex < len(m.phases) {
			m.setActinic(m.phases[m.actinicIndex].IntensityPercent)
		} else {
			m.setActinic(0)
		}
	}
	m.bus.Publish(events.KindDevices, c)
}

func (m *Model) onSaveDone(d saveDone) {
	m.observer.ObserveSave(d.err, d.duration)
	payload := map[string]string{"id": d.id}
	if d.err != nil {
		m.lastSaveError = d.err.Error()
		payload["error"] = d.err.Error()
		m.logger.Error("Failed to save recording", "id", d.id, "error", d.err)
	} else {
		m.lastSaveError = ""
		m.logger.Info("Recording saved", "id", d.id, "duration", d.duration)
	}
	m.lastSavedID = d.id
	m.bus.Publish(events.KindRecordingSaved, payload)
}

func (m *Model) publishChannels() {
	infos := make([]channel.Info, len(m.channels))
	for i, ch := range m.channels {
		infos[i] = ch.Info()
	}
	m.bus.Publish(events.KindChannel, infos)
}

func (m *Model) publishPhases() {
	m.bus.Publish(events.KindPhases, PhasesChanged{
		Phases:       phase.Clone(m.phases),
		ExpectedEnds: m.expectedEnds(),
	})
}
