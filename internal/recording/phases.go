package recording

import (
	"fmt"
	"time"

	"github.com/labphoton/actinic/internal/phase"
)

// PhasesChanged is published after every edit of the phase list.
type PhasesChanged struct {
	Phases       []phase.Phase `json:"phases"`
	ExpectedEnds []time.Time   `json:"expected_ends,omitempty"`
}

// SetPhases replaces the whole list. Only allowed while idle.
func (m *Model) SetPhases(phases []phase.Phase) error {
	var err error
	if !m.do(func() { err = m.setPhases(phases) }) {
		return ErrClosed
	}
	return err
}

// SetPhase replaces phase i. During a recording, phases already executed
// are locked and the executing phase may only be lengthened.
func (m *Model) SetPhase(i int, p phase.Phase) error {
	var err error
	if !m.do(func() { err = m.setPhase(i, p) }) {
		return ErrClosed
	}
	return err
}

func (m *Model) SetPhaseDuration(i int, d phase.Duration) error {
	return m.editPhase(i, func(p *phase.Phase) { p.Duration = d })
}

func (m *Model) SetPhaseIntensity(i int, percent float64) error {
	return m.editPhase(i, func(p *phase.Phase) { p.IntensityPercent = percent })
}

func (m *Model) SetPhaseFilter(i int, f phase.Filter) error {
	return m.editPhase(i, func(p *phase.Phase) { p.Filter = f })
}

func (m *Model) editPhase(i int, edit func(*phase.Phase)) error {
	var err error
	ok := m.do(func() {
		if i < 0 || i >= len(m.phases) {
			err = fmt.Errorf("%w: %d of %d", phase.ErrPhaseIndex, i, len(m.phases))
			return
		}
		p := m.phases[i]
		edit(&p)
		err = m.setPhase(i, p)
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// InsertPhase inserts p before index i; i == len appends.
func (m *Model) InsertPhase(i int, p phase.Phase) error {
	var err error
	if !m.do(func() { err = m.insertPhase(i, p) }) {
		return ErrClosed
	}
	return err
}

func (m *Model) RemovePhase(i int) error {
	var err error
	if !m.do(func() { err = m.removePhase(i) }) {
		return ErrClosed
	}
	return err
}

// executingIndex is the phase a recording is at, or false when idle.
func (m *Model) executingIndex() (int, bool) {
	if !m.status.active() {
		return -1, false
	}
	if m.status.stopped() && m.haveRemainder {
		return m.remainder.Index, true
	}
	if m.haveStamp {
		return m.stamp.CurrentIndex, true
	}
	return 0, true
}

func (m *Model) setPhases(phases []phase.Phase) error {
	if m.status != Idle {
		return fmt.Errorf("%w: %s", ErrDisabled, m.status)
	}
	if err := phase.ValidateAll(phases); err != nil {
		return err
	}
	m.phases = phase.Clone(phases)
	m.phasesChanged()
	return nil
}

func (m *Model) setPhase(i int, p phase.Phase) error {
	if i < 0 || i >= len(m.phases) {
		return fmt.Errorf("%w: %d of %d", phase.ErrPhaseIndex, i, len(m.phases))
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("phases[%d]: %w", i, err)
	}
	if !m.computePredicates().EditPhases {
		return fmt.Errorf("%w: %s", ErrDisabled, m.status)
	}

	cur, active := m.executingIndex()
	if active {
		switch {
		case i < cur:
			return fmt.Errorf("%w: phase %d", ErrPhaseLocked, i)
		case i == cur:
			if err := m.extendExecuting(i, p); err != nil {
				return err
			}
		default:
			m.futureEdited()
		}
	}
	m.phases[i] = p
	m.phasesChanged()
	return nil
}

// extendExecuting applies an edit of the executing phase: its intensity
// and filter are fixed and its duration may only grow.
func (m *Model) extendExecuting(i int, p phase.Phase) error {
	old := m.phases[i]
	if p.IntensityPercent != old.IntensityPercent || p.Filter != old.Filter {
		return fmt.Errorf("%w: intensity and filter of the executing phase %d are fixed", ErrPhaseLocked, i)
	}
	newMs, oldMs := p.Duration.Millis(), old.Duration.Millis()
	if newMs < oldMs {
		return fmt.Errorf("%w: the executing phase %d can only be extended", ErrPhaseLocked, i)
	}
	if newMs == oldMs {
		return nil
	}
	switch {
	case m.status == Running:
		if m.sched == nil || !m.sched.Extend(i, newMs) {
			return fmt.Errorf("%w: phase %d", ErrPhaseLocked, i)
		}
		m.logger.Info("Executing phase extended", "index", i, "from_ms", oldMs, "to_ms", newMs)
	case m.status.stopped():
		m.setStatus(SettingsModifiedWhileStopped)
	}
	return nil
}

// futureEdited tears the running schedule down so that it is rebuilt with
// the edited phases; a stopped recording only records the change.
func (m *Model) futureEdited() {
	switch {
	case m.status == Running:
		m.setStatus(SettingsModifiedWhileRunning)
		m.interruptSchedule()
	case m.status.stopped():
		m.setStatus(SettingsModifiedWhileStopped)
	}
}

func (m *Model) insertPhase(i int, p phase.Phase) error {
	if i < 0 || i > len(m.phases) {
		return fmt.Errorf("%w: %d of %d", phase.ErrPhaseIndex, i, len(m.phases))
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("phases[%d]: %w", i, err)
	}
	if !m.computePredicates().EditPhases {
		return fmt.Errorf("%w: %s", ErrDisabled, m.status)
	}
	if cur, active := m.executingIndex(); active {
		if i < cur || i == cur && cur < len(m.phases) {
			return fmt.Errorf("%w: cannot insert before phase %d", ErrPhaseLocked, cur+1)
		}
		m.futureEdited()
	}
	m.phases = append(m.phases[:i], append([]phase.Phase{p}, m.phases[i:]...)...)
	m.phasesChanged()
	return nil
}

func (m *Model) removePhase(i int) error {
	if i < 0 || i >= len(m.phases) {
		return fmt.Errorf("%w: %d of %d", phase.ErrPhaseIndex, i, len(m.phases))
	}
	if !m.computePredicates().EditPhases {
		return fmt.Errorf("%w: %s", ErrDisabled, m.status)
	}
	if cur, active := m.executingIndex(); active {
		if i <= cur {
			return fmt.Errorf("%w: phase %d", ErrPhaseLocked, i)
		}
		m.futureEdited()
	}
	m.phases = append(m.phases[:i], m.phases[i+1:]...)
	m.phasesChanged()
	return nil
}

func (m *Model) phasesChanged() {
	m.savePhases()
	m.publishPhases()
}
