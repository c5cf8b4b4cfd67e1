package recording

import (
	"context"
	"time"

	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/phase"
)

type phaseBegan struct {
	gen   uint64
	begin phase.Begin
}

type scheduleDone struct {
	gen    uint64
	result phase.Result
}

// PhaseBegin is published when the scheduler enters a phase.
type PhaseBegin struct {
	Stamp        phase.Stamp `json:"stamp"`
	Phase        phase.Phase `json:"phase"`
	Deadline     time.Time   `json:"deadline"`
	ExpectedEnds []time.Time `json:"expected_ends"`
}

func (m *Model) startSchedule(plan phase.Plan) {
	m.schedGen++
	gen := m.schedGen
	ctx, cancel := context.WithCancel(m.ctx)
	sched := phase.NewScheduler(m.clock, m.logger)
	m.sched = sched
	m.schedCancel = cancel
	m.schedActive = true

	go func() {
		res := sched.Run(ctx, plan, func(b phase.Begin) {
			m.inbox.Post(phaseBegan{gen: gen, begin: b})
		})
		m.inbox.Post(scheduleDone{gen: gen, result: res})
	}()
}

// interruptSchedule asks the running scheduler to stop; its result arrives
// as a scheduleDone message.
func (m *Model) interruptSchedule() {
	if m.schedCancel != nil {
		m.schedCancel()
	}
}

// stopSchedule abandons the scheduler; its pending messages become stale.
func (m *Model) stopSchedule() {
	m.interruptSchedule()
	m.schedCancel = nil
	m.schedActive = false
	m.sched = nil
	m.schedGen++
}

func (m *Model) onPhaseBegan(msg phaseBegan) {
	if msg.gen != m.schedGen {
		return
	}
	b := msg.begin
	m.stamp = b.Stamp
	m.haveStamp = true
	m.actinicIndex = b.Stamp.CurrentIndex
	if m.status == Running {
		m.setActinic(b.Phase.IntensityPercent)
	}
	m.observer.ObservePhase(b.Stamp.CurrentIndex, b.Phase.IntensityPercent)
	m.logger.Info("Phase started", "index", b.Stamp.CurrentIndex, "intensity", b.Phase.IntensityPercent,
		"deadline", b.Deadline)
	m.bus.Publish(events.KindPhaseBegin, PhaseBegin{
		Stamp:        b.Stamp,
		Phase:        b.Phase,
		Deadline:     b.Deadline,
		ExpectedEnds: m.expectedEnds(),
	})
}

func (m *Model) onScheduleDone(msg scheduleDone) {
	if msg.gen != m.schedGen {
		return
	}
	m.schedActive = false
	m.schedCancel = nil
	m.sched = nil
	res := msg.result
	if res.Outcome != phase.Failed {
		m.stamp = res.Stamp
	}

	switch res.Outcome {
	case phase.Failed:
		m.logger.Error("Schedule failed", "error", res.Err)
		m.publishError("schedule", res.Err)
		m.setActinic(0)
		m.rec = nil
		m.haveRemainder = false
		m.haveStamp = false
		m.actinicIndex = -1
		m.setStatus(Idle)
		m.applyMeasuring()

	case phase.Completed:
		switch m.status {
		case Running:
			m.complete()
		case SettingsModifiedWhileRunning:
			// Phases appended while the last one was finishing still run.
			m.setStatus(Running)
			m.continueFrom(phase.Remainder{Index: res.Stamp.FinishedCount})
		case CancellingInProgress:
			m.discard()
		default:
			// Stopped just as the last phase ran out.
			m.remainder = phase.Remainder{Index: res.Stamp.FinishedCount}
			m.haveRemainder = true
		}

	case phase.Interrupted:
		r := res.Remainder()
		switch m.status {
		case CancellingInProgress:
			m.discard()
		case SettingsModifiedWhileRunning:
			m.setStatus(Running)
			m.continueFrom(r)
		default:
			m.remainder = r
			m.haveRemainder = true
			m.logger.Debug("Phase remainder captured", "index", r.Index, "elapsed_ms", r.ElapsedMs,
				"remaining_ms", r.RemainingMs())
		}
	}
}

// expectedEnds predicts when each phase ends. It is only defined while a
// schedule runs.
func (m *Model) expectedEnds() []time.Time {
	if !m.schedActive || !m.haveStamp || m.status.stopped() {
		return nil
	}
	return phase.ExpectedEndTimes(m.stamp.Onset, m.phases)
}

func (m *Model) setActinic(percent float64) {
	beam := m.reg.ActiveBeam(device.RoleActinic)
	if !beam.IsFunctional() {
		return
	}
	if err := beam.SendIntensity(percent); err != nil {
		m.beamFault(beam, err)
	}
}

// measuringTargetFor is the measuring intensity a status calls for.
func (m *Model) measuringTargetFor(s Status) float64 {
	if s.active() || m.measuring.IdlePolicy == IdleOn {
		return m.measuring.IntensityPercent
	}
	return 0
}

// applyMeasuring configures the active measuring beam. The calibration
// workflow drives the beam itself.
func (m *Model) applyMeasuring() {
	if m.status == UnderCalibration {
		return
	}
	beam := m.reg.ActiveBeam(device.RoleMeasuring)
	if !beam.IsFunctional() {
		return
	}
	if m.measuring.FrequencyHz > 0 {
		if err := beam.SendFrequency(m.measuring.FrequencyHz); err != nil {
			m.beamFault(beam, err)
			return
		}
	}
	if err := beam.SendIntensity(m.measuringTargetFor(m.status)); err != nil {
		m.beamFault(beam, err)
	}
}

// beamFault drops a beam controller that stopped working; the registry
// falls back to the next best one.
func (m *Model) beamFault(c device.Controller, err error) {
	m.logger.Warn("Beam controller failed", "controller", c.UniqueID(), "error", err)
	if !c.IsFunctional() {
		m.reg.Remove(c.UniqueID())
	}
}
