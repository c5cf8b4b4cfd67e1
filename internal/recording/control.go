package recording

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/phase"
)

// Run starts a recording from the first phase. It is a no-op returning
// false unless IsRunEnabled.
func (m *Model) Run() bool {
	var ok bool
	m.do(func() { ok = m.run() })
	return ok
}

func (m *Model) Stop() bool {
	var ok bool
	m.do(func() { ok = m.stop() })
	return ok
}

func (m *Model) Resume() bool {
	var ok bool
	m.do(func() { ok = m.resume() })
	return ok
}

func (m *Model) Cancel() bool {
	var ok bool
	m.do(func() { ok = m.cancelRecording() })
	return ok
}

// Calibrate starts the calibration workflow of channel i.
func (m *Model) Calibrate(i int) bool {
	var ok bool
	m.do(func() { ok = m.calibrate(i) })
	return ok
}

func (m *Model) CancelCalibration() bool {
	var ok bool
	m.do(func() { ok = m.cancelCalibration() })
	return ok
}

func (m *Model) run() bool {
	p := m.computePredicates()
	if !p.Run {
		m.logger.Debug("Run ignored", "status", m.status, "blockers", p.RunBlockers)
		return false
	}
	m.rec = &take{
		id:        uuid.NewString(),
		startedAt: m.clock.Now(),
		points:    make(map[int][]output.Point),
	}
	m.haveRemainder = false
	m.haveStamp = false
	m.setStatus(Running)
	m.applyMeasuring()
	m.startSchedule(phase.Plan{Phases: phase.Clone(m.phases)})
	m.logger.Info("Recording started", "id", m.rec.id, "phases", len(m.phases),
		"duration_ms", phase.TotalMillis(m.phases), "channels", len(m.channels))
	return true
}

func (m *Model) stop() bool {
	if m.status != Running {
		m.logger.Debug("Stop ignored", "status", m.status)
		return false
	}
	m.setStatus(Stopped)
	m.interruptSchedule()
	m.setActinic(0)
	m.logger.Info("Recording stopped")
	return true
}

func (m *Model) resume() bool {
	if !m.computePredicates().Resume {
		m.logger.Debug("Resume ignored", "status", m.status)
		return false
	}
	m.setStatus(Running)
	m.applyMeasuring()
	m.continueFrom(m.remainder)
	return true
}

// continueFrom rebuilds the schedule from an interrupted phase, applying
// its current duration. An exhausted remainder continues with the next
// phase; nothing left means the recording is complete.
func (m *Model) continueFrom(r phase.Remainder) {
	m.haveRemainder = false
	if r.Index >= len(m.phases) {
		m.complete()
		return
	}
	r = r.Reevaluate(m.phases[r.Index].Duration.Millis())
	plan := phase.Plan{Phases: phase.Clone(m.phases), StartIndex: r.Index}
	if r.IsInstantaneous() {
		plan.StartIndex = r.Index + 1
		if plan.StartIndex >= len(m.phases) {
			m.complete()
			return
		}
	} else {
		plan.Continuation = true
		plan.ElapsedOffsetMs = r.ElapsedMs
	}
	m.logger.Info("Recording resumed", "index", plan.StartIndex, "elapsed_ms", plan.ElapsedOffsetMs)
	m.startSchedule(plan)
}

func (m *Model) cancelRecording() bool {
	if !m.computePredicates().Cancel {
		m.logger.Debug("Cancel ignored", "status", m.status)
		return false
	}
	m.setActinic(0)
	if m.schedActive {
		m.setStatus(CancellingInProgress)
		m.interruptSchedule()
		return true
	}
	m.discard()
	return true
}

// discard drops the recording in progress.
func (m *Model) discard() {
	if m.rec != nil {
		m.logger.Info("Recording discarded", "id", m.rec.id)
	}
	m.rec = nil
	m.haveRemainder = false
	m.haveStamp = false
	m.actinicIndex = -1
	m.observer.ObservePhase(-1, 0)
	m.setStatus(Idle)
	m.applyMeasuring()
}

// complete finalizes the recording and hands it to the saver.
func (m *Model) complete() {
	rec := m.finalize()
	m.rec = nil
	m.haveRemainder = false
	m.haveStamp = false
	m.actinicIndex = -1
	m.setActinic(0)
	m.observer.ObservePhase(-1, 0)
	m.setStatus(Idle)
	m.applyMeasuring()
	if rec == nil {
		return
	}
	m.logger.Info("Recording completed", "id", rec.ID, "samples", rec.SampleCount())
	m.save(rec)
}

func (m *Model) finalize() *output.Recording {
	if m.rec == nil {
		return nil
	}
	rec := &output.Recording{
		ID:          m.rec.id,
		Destination: m.destination,
		StartedAt:   m.rec.startedAt,
		FinishedAt:  m.clock.Now(),
		ActinicID:   m.reg.Active(device.RoleActinic).UniqueID(),
		Measuring: output.MeasuringRecord{
			ControllerID:     m.reg.Active(device.RoleMeasuring).UniqueID(),
			FrequencyHz:      m.measuring.FrequencyHz,
			IntensityPercent: m.measuring.IntensityPercent,
		},
	}
	for _, p := range m.phases {
		rec.Phases = append(rec.Phases, output.PhaseRecord{
			DurationMs:        p.Duration.Millis(),
			IntensityPercent:  p.IntensityPercent,
			FilterPosition:    p.Filter.Position,
			FilterDescription: p.Filter.Description,
		})
	}
	for _, ch := range m.channels {
		cal := ch.Calibration()
		rec.Channels = append(rec.Channels, output.ChannelRecord{
			Index:            ch.Index(),
			SignalType:       string(ch.SignalType()),
			ControllerID:     ch.Controller().UniqueID(),
			Slope:            cal.Slope,
			Offset:           cal.Offset,
			CalibratedAt:     cal.CalibratedAt,
			SamplesPerMinute: ch.SamplingRate(),
			Points:           m.rec.points[ch.Index()],
		})
	}
	return rec
}

type saveDone struct {
	id       string
	err      error
	duration time.Duration
}

func (m *Model) save(rec *output.Recording) {
	if m.saver == nil {
		m.lastSavedID = rec.ID
		return
	}
	m.saves.Add(1)
	go func() {
		defer m.saves.Done()
		start := m.clock.Now()
		err := m.saver.Save(m.ctx, rec)
		m.inbox.Post(saveDone{id: rec.ID, err: err, duration: m.clock.Now().Sub(start)})
	}()
}

func (m *Model) calibrate(i int) bool {
	if !m.computePredicates().CanCalibrate(i) {
		m.logger.Debug("Calibration ignored", "channel", i, "status", m.status)
		return false
	}
	ch := m.channels[i]
	beam := m.reg.ActiveBeam(device.RoleMeasuring)

	// The beam goes back to what the restored status calls for.
	idle := m.measuringTargetFor(m.status)
	restore := func() {
		if err := beam.SendIntensity(idle); err != nil {
			m.logger.Warn("Failed to restore measuring beam", "error", err)
		}
	}
	if err := ch.StartCalibration(context.Background(), beam, m.calCfg, restore); err != nil {
		m.logger.Warn("Calibration not started", "channel", i, "error", err)
		return false
	}
	m.beforeCal = m.status
	m.calChannel = i
	m.setStatus(UnderCalibration)
	return true
}

func (m *Model) cancelCalibration() bool {
	if m.status != UnderCalibration || m.calChannel < 0 {
		return false
	}
	return m.channels[m.calChannel].CancelCalibration()
}

// CalibrationDone is published when a calibration workflow ends.
type CalibrationDone struct {
	Channel int    `json:"channel"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (m *Model) publishError(op string, err error) {
	m.bus.Publish(events.KindError, map[string]string{"operation": op, "error": err.Error()})
}
