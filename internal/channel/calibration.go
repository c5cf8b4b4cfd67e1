package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labphoton/actinic/internal/device"
)

// Stage is a step of the calibration workflow.
type Stage string

const (
	StagePreparing       Stage = "Preparing"
	StageBeamOffSettling Stage = "BeamOffSettling"
	StageBeamOnSettling  Stage = "BeamOnSettling"
	StageComputing       Stage = "Computing"
	StageDone            Stage = "Done"
)

type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

type CalibrationSettings struct {
	OffSettle time.Duration
	OnSettle  time.Duration

	// ReferencePercent is the signal value the lit reference represents.
	ReferencePercent float64

	// MeasuringIntensity is the measuring beam intensity for the lit reference.
	MeasuringIntensity float64

	Reads int
	Ticks int
}

func DefaultCalibrationSettings() CalibrationSettings {
	return CalibrationSettings{
		OffSettle:          2 * time.Second,
		OnSettle:           2 * time.Second,
		ReferencePercent:   100,
		MeasuringIntensity: 100,
		Reads:              AveragingWindow,
		Ticks:              10,
	}
}

// CalibrationProgress is posted at every stage transition and tick.
type CalibrationProgress struct {
	Channel    int    `json:"channel"`
	Generation uint64 `json:"-"`
	Stage      Stage  `json:"stage"`
	Percent    int    `json:"percent"`
}

// CalibrationResult is posted once when the workflow ends.
type CalibrationResult struct {
	Channel     int
	Generation  uint64
	Outcome     Outcome
	Calibration Calibration
	Err         error
}

// StartCalibration suspends sampling and runs the workflow in the
// background. restore is called when the workflow ends, however it ends,
// to put the measuring beam back to its idle setting.
func (m *Manager) StartCalibration(ctx context.Context, beam device.BeamController, s CalibrationSettings, restore func()) error {
	if m.calibrating {
		return ErrCalibrationInProgress
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	if beam == nil || !beam.IsFunctional() {
		return fmt.Errorf("%w: measuring beam unavailable", ErrNotConnected)
	}

	m.resumeAfterCal = m.IsSampling()
	m.calibrating = true
	m.halt()

	m.calGeneration++
	ctx, cancel := context.WithCancel(ctx)
	m.cancelCalibration = cancel
	w := calibrationWorkflow{
		channel:    m.index,
		generation: m.calGeneration,
		source:     m.source,
		beam:       beam,
		settings:   s,
		sink:       m.sink,
		restore:    restore,
		now:        m.now,
	}
	m.logger.Info("Calibration started", "controller", m.source.UniqueID(), "beam", beam.UniqueID())
	go func() {
		m.sink.Post(w.run(ctx))
	}()
	return nil
}

// CancelCalibration asks a running workflow to stop; its result arrives as
// Cancelled.
func (m *Manager) CancelCalibration() bool {
	if !m.calibrating || m.cancelCalibration == nil {
		return false
	}
	m.cancelCalibration()
	return true
}

// AcceptProgress reports whether a progress message belongs to the running workflow.
func (m *Manager) AcceptProgress(p CalibrationProgress) bool {
	return m.calibrating && p.Generation == m.calGeneration
}

// FinishCalibration applies a workflow result. Only a success touches the
// constants. Sampling resumes if it was running before.
func (m *Manager) FinishCalibration(res CalibrationResult) bool {
	if !m.calibrating || res.Generation != m.calGeneration {
		return false
	}
	m.calibrating = false
	if m.cancelCalibration != nil {
		m.cancelCalibration()
		m.cancelCalibration = nil
	}

	switch res.Outcome {
	case Succeeded:
		m.cal = res.Calibration
		m.saveCalibration()
		m.flush()
		m.logger.Info("Calibration succeeded", "slope", m.cal.Slope, "offset", m.cal.Offset)
	case Cancelled:
		m.logger.Info("Calibration cancelled")
	default:
		m.logger.Warn("Calibration failed", "error", res.Err)
	}

	if m.resumeAfterCal {
		m.restart()
	}
	m.resumeAfterCal = false
	return true
}

type calibrationWorkflow struct {
	channel    int
	generation uint64
	source     device.SignalSource
	beam       device.BeamController
	settings   CalibrationSettings
	sink       Sink
	restore    func()
	now        func() time.Time
}

func (w calibrationWorkflow) run(ctx context.Context) (res CalibrationResult) {
	res = CalibrationResult{Channel: w.channel, Generation: w.generation}
	defer func() {
		if w.restore != nil {
			w.restore()
		}
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				res.Outcome = Cancelled
			} else {
				res.Outcome = Failed
			}
		}
	}()

	w.progress(StagePreparing, 0)
	reads := w.settings.Reads
	if reads < 1 {
		reads = AveragingWindow
	}
	w.progress(StagePreparing, 100)

	if err := w.beam.SendIntensity(0); err != nil {
		res.Err = fmt.Errorf("failed to switch measuring beam off: %w", err)
		return res
	}
	if err := w.settle(ctx, StageBeamOffSettling, w.settings.OffSettle); err != nil {
		res.Err = err
		return res
	}
	dark, _, err := average(ctx, w.source, reads)
	if err != nil {
		res.Err = fmt.Errorf("failed to read dark reference: %w", err)
		return res
	}

	if err := w.beam.SendIntensity(w.settings.MeasuringIntensity); err != nil {
		res.Err = fmt.Errorf("failed to switch measuring beam on: %w", err)
		return res
	}
	if err := w.settle(ctx, StageBeamOnSettling, w.settings.OnSettle); err != nil {
		res.Err = err
		return res
	}
	lit, _, err := average(ctx, w.source, reads)
	if err != nil {
		res.Err = fmt.Errorf("failed to read lit reference: %w", err)
		return res
	}

	w.progress(StageComputing, 0)
	cal, err := ComputeCalibration(dark, lit, w.settings.ReferencePercent, w.now())
	if err != nil {
		res.Err = err
		return res
	}
	w.progress(StageComputing, 100)
	w.progress(StageDone, 100)

	res.Outcome = Succeeded
	res.Calibration = cal
	return res
}

// settle waits d, reporting progress in evenly spaced ticks.
func (w calibrationWorkflow) settle(ctx context.Context, stage Stage, d time.Duration) error {
	ticks := w.settings.Ticks
	if ticks < 1 {
		ticks = 1
	}
	w.progress(stage, 0)
	step := d / time.Duration(ticks)
	for i := 1; i <= ticks; i++ {
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		w.progress(stage, i*100/ticks)
	}
	return nil
}

func (w calibrationWorkflow) progress(stage Stage, percent int) {
	w.sink.Post(CalibrationProgress{
		Channel:    w.channel,
		Generation: w.generation,
		Stage:      stage,
		Percent:    percent,
	})
}
