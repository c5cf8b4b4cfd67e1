package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/labphoton/actinic/internal/device"
)

// Store is the persistence contract for channel settings.
type Store interface {
	Get(key string, def any) any
	Put(key string, value any)
	Delete(key string)
	Keys() []string
	Flush() error
}

// Controllers resolves signal sources by id and priority.
type Controllers interface {
	Lookup(role device.Role, id string) (device.Controller, bool)
	Best(role device.Role, exclude string) device.Controller
}

type Options struct {
	Index       int
	SignalType  SignalType
	Controllers Controllers
	Store       Store
	Sink        Sink
	Logger      *slog.Logger
	// Now stamps calibrations; defaults to time.Now.
	Now func() time.Time

	// Used when nothing is persisted for the channel yet.
	ControllerID     string
	SamplesPerMinute float64
}

type Manager struct {
	index       int
	signalType  SignalType
	cal         Calibration
	rate        float64
	defaultRate float64
	source      device.SignalSource
	preferredID string

	controllers Controllers
	store       Store
	sink        Sink
	logger      *slog.Logger
	now         func() time.Time

	enabled        bool
	generation     uint64
	cancelSampling context.CancelFunc

	calibrating       bool
	calGeneration     uint64
	cancelCalibration context.CancelFunc
	resumeAfterCal    bool
}

// New restores the channel's persisted settings and attaches the last used
// signal source when it is available, the best available one otherwise.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		index:       opts.Index,
		signalType:  opts.SignalType,
		controllers: opts.Controllers,
		store:       opts.Store,
		sink:        opts.Sink,
		source:      device.NewDummy(device.RoleSignalSource),
		defaultRate: DefaultSamplesPerMinute,
		now:         opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.SamplesPerMinute >= MinSamplesPerMinute {
		m.defaultRate = opts.SamplesPerMinute
	}
	m.logger = logger.With("component", "channel", "channel", m.index)

	if t, err := ParseSignalType(m.getString(m.channelKey("signal_type"), string(m.signalType))); err == nil {
		m.signalType = t
	}
	if m.signalType == "" {
		m.signalType = Fluorescence
	}
	m.load()

	m.preferredID = m.getString(m.channelKey("controller"), opts.ControllerID)
	if c := m.lookup(m.preferredID); c != nil && c.IsFunctional() {
		m.attach(c)
	} else if best := m.best(""); best != nil {
		m.attach(best)
	} else {
		m.attach(device.NewDummy(device.RoleSignalSource))
	}
	return m
}

func (m *Manager) Index() int             { return m.index }
func (m *Manager) SignalType() SignalType { return m.signalType }
func (m *Manager) Calibration() Calibration {
	return m.cal
}
func (m *Manager) SamplingRate() float64 { return m.rate }
func (m *Manager) Controller() device.SignalSource {
	return m.source
}

func (m *Manager) IsCalibrationWellSpecified() bool { return m.cal.WellSpecified() }
func (m *Manager) IsConnected() bool                { return m.source.IsFunctional() }
func (m *Manager) IsCalibrating() bool              { return m.calibrating }
func (m *Manager) IsSampling() bool                 { return m.cancelSampling != nil }

// MaxSamplingRate is the ceiling imposed by the selected controller.
func (m *Manager) MaxSamplingRate() float64 {
	max := m.source.MaxSamplesPerMinute()
	if max < MinSamplesPerMinute {
		return MinSamplesPerMinute
	}
	return max
}

// SamplingPeriod is the time between two averaged samples.
func (m *Manager) SamplingPeriod() time.Duration {
	return time.Duration(float64(time.Minute) / m.rate)
}

func (m *Manager) Info() Info {
	info := Info{
		Index:               m.index,
		SignalType:          m.signalType,
		WellSpecified:       m.cal.WellSpecified(),
		SamplesPerMinute:    m.rate,
		MaxSamplesPerMinute: m.MaxSamplingRate(),
		ControllerID:        m.source.UniqueID(),
		Connected:           m.IsConnected(),
		Sampling:            m.IsSampling(),
		Calibrating:         m.calibrating,
	}
	if finite(m.cal.Slope) {
		v := m.cal.Slope
		info.Slope = &v
	}
	if finite(m.cal.Offset) {
		v := m.cal.Offset
		info.Offset = &v
	}
	if !m.cal.CalibratedAt.IsZero() {
		at := m.cal.CalibratedAt
		info.CalibratedAt = &at
	}
	return info
}

// SelectController switches to a registered signal source.
func (m *Manager) SelectController(id string) error {
	c := m.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	m.preferredID = id
	m.put(m.channelKey("controller"), id)
	m.attach(c)
	m.restart()
	m.flush()
	return nil
}

// SetSamplingRate validates r, clamps it to the controller ceiling and
// restarts sampling at the new period. It returns the rate in effect.
func (m *Manager) SetSamplingRate(r float64) (float64, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) || r < MinSamplesPerMinute {
		return m.rate, fmt.Errorf("%w: must be at least %g per minute, got %g", ErrInvalidRate, MinSamplesPerMinute, r)
	}
	if max := m.MaxSamplingRate(); r > max {
		m.logger.Debug("Sampling rate clamped", "requested", r, "max", max)
		r = max
	}
	m.rate = r
	m.put(m.key("samples_per_minute"), r)
	m.restart()
	m.flush()
	return r, nil
}

// SetSignalType switches the recorded quantity; calibration and rate are
// kept per signal type.
func (m *Manager) SetSignalType(t SignalType) error {
	if _, err := ParseSignalType(string(t)); err != nil {
		return err
	}
	if t == m.signalType {
		return nil
	}
	m.signalType = t
	m.put(m.channelKey("signal_type"), string(t))
	m.load()
	m.clampRate()
	m.restart()
	m.flush()
	return nil
}

// SetCalibration replaces the constants directly.
func (m *Manager) SetCalibration(slope, offset float64) {
	m.cal = Calibration{Slope: slope, Offset: offset, CalibratedAt: m.now()}
	m.saveCalibration()
	m.flush()
}

// Reindex moves the channel to a new position. Every setting stored under
// the old position moves with it and the old keys are deleted.
func (m *Manager) Reindex(index int) {
	if index == m.index {
		return
	}
	if m.store != nil {
		from, to := m.keyPrefix(), fmt.Sprintf("channel.%d.", index)
		m.forgetPrefix(to)
		for _, k := range m.store.Keys() {
			if rest, ok := strings.CutPrefix(k, from); ok {
				m.store.Put(to+rest, m.store.Get(k, nil))
				m.store.Delete(k)
			}
		}
	}
	m.index = index
	m.logger = m.logger.With("channel", index)
	m.put(m.channelKey("signal_type"), string(m.signalType))
	m.put(m.channelKey("controller"), m.preferredID)
	m.put(m.key("samples_per_minute"), m.rate)
	m.saveCalibration()
	m.restart()
	m.flush()
}

// Forget deletes every setting stored for the channel's position.
func (m *Manager) Forget() {
	if m.store == nil {
		return
	}
	m.forgetPrefix(m.keyPrefix())
	m.flush()
}

// StartSampling enables the sampling task; it runs whenever the channel is
// connected and not calibrating.
func (m *Manager) StartSampling() {
	m.enabled = true
	if !m.IsSampling() {
		m.restart()
	}
}

func (m *Manager) StopSampling() {
	m.enabled = false
	m.halt()
}

// Accept calibrates a raw sample. Samples from a superseded task and
// samples taken while the calibration is not well specified are dropped.
func (m *Manager) Accept(raw RawSample, onset time.Time) (Sample, error) {
	if raw.Generation != m.generation || !m.IsSampling() {
		return Sample{}, ErrStaleSample
	}
	if !m.cal.WellSpecified() {
		return Sample{}, ErrUncalibrated
	}
	return Sample{
		Channel:      m.index,
		ControllerID: raw.ControllerID,
		Value:        m.cal.Apply(raw.Volts),
		Volts:        raw.Volts,
		ElapsedMs:    raw.Time.Sub(onset).Milliseconds(),
		Time:         raw.Time,
	}, nil
}

// HandleFault swaps to the best alternative source after the current one
// failed. It reports whether the fault concerned the current task.
func (m *Manager) HandleFault(f Fault) bool {
	if f.Generation != m.generation || f.ControllerID != m.source.UniqueID() {
		return false
	}
	m.logger.Warn("Signal source lost", "controller", f.ControllerID, "error", f.Err)
	m.swap(f.ControllerID)
	return true
}

// ControllerRemoved replaces the current source if it is the one removed.
func (m *Manager) ControllerRemoved(id string) bool {
	if m.source.UniqueID() != id {
		return false
	}
	m.swap(id)
	return true
}

// ControllerAdded adopts a newly registered source when the current one is
// a placeholder, is dead, is a lower-priority replaceable controller, or
// when the new one is the channel's last used source.
func (m *Manager) ControllerAdded(id string) bool {
	c := m.lookup(id)
	if c == nil || !c.IsFunctional() || c.UniqueID() == m.source.UniqueID() {
		return false
	}
	cur := m.source
	adopt := !cur.IsFunctional() ||
		id == m.preferredID && cur.UniqueID() != m.preferredID ||
		cur.ShouldBeReplacedWhenBetterFound() && c.ReplacementPriority() > cur.ReplacementPriority()
	if !adopt || m.calibrating {
		return false
	}
	m.logger.Info("Signal source adopted", "controller", id, "previous", cur.UniqueID())
	m.attach(c)
	m.restart()
	return true
}

// Close stops every background task.
func (m *Manager) Close() {
	m.enabled = false
	m.halt()
	if m.cancelCalibration != nil {
		m.cancelCalibration()
		m.cancelCalibration = nil
	}
	m.calibrating = false
	m.calGeneration++
}

func (m *Manager) swap(deadID string) {
	next := m.best(deadID)
	if next == nil {
		next = device.NewDummy(device.RoleSignalSource)
	}
	m.logger.Info("Signal source replaced", "previous", deadID, "controller", next.UniqueID())
	m.attach(next)
	m.restart()
}

func (m *Manager) attach(c device.SignalSource) {
	m.source = c
	m.clampRate()
}

func (m *Manager) clampRate() {
	if max := m.MaxSamplingRate(); m.rate > max {
		m.rate = max
	}
	if m.rate < MinSamplesPerMinute {
		m.rate = MinSamplesPerMinute
	}
}

// halt cancels the running task; its pending messages become stale.
func (m *Manager) halt() {
	if m.cancelSampling != nil {
		m.cancelSampling()
		m.cancelSampling = nil
	}
	m.generation++
}

func (m *Manager) restart() {
	m.halt()
	if !m.enabled || m.calibrating || !m.IsConnected() || m.sink == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelSampling = cancel
	t := samplingTask{
		channel:    m.index,
		generation: m.generation,
		source:     m.source,
		period:     m.SamplingPeriod(),
		sink:       m.sink,
	}
	go t.run(ctx)
	m.logger.Debug("Sampling started", "controller", m.source.UniqueID(), "period", t.period)
}

func (m *Manager) lookup(id string) device.SignalSource {
	if id == "" || m.controllers == nil {
		return nil
	}
	c, ok := m.controllers.Lookup(device.RoleSignalSource, id)
	if !ok {
		return nil
	}
	src, _ := c.(device.SignalSource)
	return src
}

func (m *Manager) best(exclude string) device.SignalSource {
	if m.controllers == nil {
		return nil
	}
	src, _ := m.controllers.Best(device.RoleSignalSource, exclude).(device.SignalSource)
	return src
}
