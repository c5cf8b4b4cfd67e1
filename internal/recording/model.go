// Package recording is the experiment state machine. A Model owns the phase
// list, the channels and the recording status; every mutation happens on its
// control goroutine. Background tasks (the phase scheduler, the sampling and
// calibration tasks, savers and registry listeners) post messages to it.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/registry"
)

var (
	ErrDisabled             = errors.New("operation not allowed in the current status")
	ErrPhaseLocked          = errors.New("phase already executed")
	ErrChannelIndex         = errors.New("channel index out of range")
	ErrUnsupportedFrequency = errors.New("frequency not supported by the active controllers")
	ErrClosed               = errors.New("recording model closed")
)

// IdlePolicy decides whether the measuring beam stays on outside recordings.
type IdlePolicy string

const (
	IdleOff IdlePolicy = "off"
	IdleOn  IdlePolicy = "on"
)

type MeasuringSettings struct {
	FrequencyHz      float64    `json:"frequency_hz"`
	IntensityPercent float64    `json:"intensity_percent"`
	IdlePolicy       IdlePolicy `json:"idle_policy"`
}

// ChannelSpec seeds a channel that has nothing persisted yet.
type ChannelSpec struct {
	SignalType       channel.SignalType
	ControllerID     string
	SamplesPerMinute float64
}

// Store is the persistence the model and its channels share.
type Store interface {
	channel.Store
	Decode(key string, out any) (bool, error)
}

// Observer receives metrics-worthy transitions.
type Observer interface {
	ObserveStatus(status string)
	ObservePhase(index int, intensityPercent float64)
	ObserveSample(channel int)
	ObserveDroppedSample(channel int, reason string)
	ObserveCalibration(channel int, outcome string)
	ObserveSwap(role string)
	ObserveSave(err error, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStatus(string)             {}
func (nopObserver) ObservePhase(int, float64)        {}
func (nopObserver) ObserveSample(int)                {}
func (nopObserver) ObserveDroppedSample(int, string) {}
func (nopObserver) ObserveCalibration(int, string)   {}
func (nopObserver) ObserveSwap(string)               {}
func (nopObserver) ObserveSave(error, time.Duration) {}

type Options struct {
	Registry    *registry.Registry
	Store       Store
	Bus         *events.Bus
	Saver       output.Saver
	Observer    Observer
	Clock       phase.Clock
	Logger      *slog.Logger
	Calibration channel.CalibrationSettings
	Measuring   MeasuringSettings

	// Defaults used when the store holds nothing.
	Phases      []phase.Phase
	Channels    []ChannelSpec
	Destination string
}

type Model struct {
	reg      *registry.Registry
	store    Store
	bus      *events.Bus
	saver    output.Saver
	observer Observer
	clock    phase.Clock
	logger   *slog.Logger
	calCfg   channel.CalibrationSettings

	inbox  *mailbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	saves  sync.WaitGroup

	status        Status
	phases        []phase.Phase
	channels      []*channel.Manager
	destination   string
	measuring     MeasuringSettings
	liveOnset     time.Time
	activeIDs     map[string]string
	lastPreds     Predicates
	lastSavedID   string
	lastSaveError string

	sched         *phase.Scheduler
	schedGen      uint64
	schedCancel   context.CancelFunc
	schedActive   bool
	stamp         phase.Stamp
	haveStamp     bool
	remainder     phase.Remainder
	haveRemainder bool
	actinicIndex  int

	beforeCal  Status
	calChannel int

	rec *take
}

// take collects the samples of the recording in progress.
type take struct {
	id        string
	startedAt time.Time
	points    map[int][]output.Point
}

// New restores the persisted state, starts the control goroutine and the
// live sampling of every channel.
func New(opts Options) (*Model, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("recording model requires a registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = phase.SystemClock{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	cal := opts.Calibration
	if cal == (channel.CalibrationSettings{}) {
		cal = channel.DefaultCalibrationSettings()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		reg:          opts.Registry,
		store:        opts.Store,
		bus:          bus,
		saver:        opts.Saver,
		observer:     observer,
		clock:        clock,
		logger:       logger.With("component", "recording"),
		calCfg:       cal,
		inbox:        newMailbox(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       Idle,
		measuring:    opts.Measuring,
		activeIDs:    make(map[string]string),
		calChannel:   -1,
		actinicIndex: -1,
	}
	if m.measuring.IdlePolicy == "" {
		m.measuring.IdlePolicy = IdleOff
	}
	if err := phase.ValidateIntensity(m.measuring.IntensityPercent); err != nil {
		cancel()
		return nil, fmt.Errorf("measuring: %w", err)
	}

	if err := m.restore(opts); err != nil {
		cancel()
		return nil, err
	}
	m.liveOnset = clock.Now()

	m.reg.Subscribe(func(c registry.Change) { m.inbox.Post(c) })
	go m.loop()

	m.do(func() {
		for _, ch := range m.channels {
			ch.StartSampling()
		}
		m.activeIDs[string(device.RoleActinic)] = m.reg.Active(device.RoleActinic).UniqueID()
		m.activeIDs[string(device.RoleMeasuring)] = m.reg.Active(device.RoleMeasuring).UniqueID()
		m.applyMeasuring()
		m.setActinic(0)
	})
	m.logger.Info("Recording model ready", "phases", len(m.phases), "channels", len(m.channels))
	return m, nil
}

func (m *Model) restore(opts Options) error {
	m.phases = phase.Clone(opts.Phases)
	if m.store != nil {
		var stored []phase.Phase
		ok, err := m.store.Decode(keyPhases, &stored)
		if err != nil {
			m.logger.Warn("Ignoring unreadable persisted phases", "error", err)
		} else if ok {
			if err := phase.ValidateAll(stored); err != nil {
				m.logger.Warn("Ignoring invalid persisted phases", "error", err)
			} else {
				m.phases = stored
			}
		}
	}
	if err := phase.ValidateAll(m.phases); err != nil {
		return err
	}

	m.destination = opts.Destination
	if s, ok := m.get(keyDestination, "").(string); ok && s != "" {
		m.destination = s
	}
	if f, ok := m.getFloat(keyMeasuringFrequency); ok && f >= 0 {
		m.measuring.FrequencyHz = f
	}
	if f, ok := m.getFloat(keyMeasuringIntensity); ok && phase.ValidateIntensity(f) == nil {
		m.measuring.IntensityPercent = f
	}

	count := len(opts.Channels)
	if n, ok := m.getFloat(keyChannelCount); ok && n >= 0 {
		count = int(n)
	}
	for i := 0; i < count; i++ {
		var spec ChannelSpec
		if i < len(opts.Channels) {
			spec = opts.Channels[i]
		}
		m.channels = append(m.channels, m.newChannel(i, spec))
	}
	m.put(keyChannelCount, len(m.channels))
	return nil
}

func (m *Model) newChannel(index int, spec ChannelSpec) *channel.Manager {
	return channel.New(channel.Options{
		Index:            index,
		SignalType:       spec.SignalType,
		Controllers:      m.reg,
		Store:            m.store,
		Sink:             m.inbox,
		Logger:           m.logger,
		Now:              m.clock.Now,
		ControllerID:     spec.ControllerID,
		SamplesPerMinute: spec.SamplesPerMinute,
	})
}

// Bus is where the model publishes its changes.
func (m *Model) Bus() *events.Bus { return m.bus }

// Close stops every task, switches both beams off and waits for pending
// saves.
func (m *Model) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	m.do(func() {
		m.stopSchedule()
		for _, ch := range m.channels {
			ch.Close()
		}
		m.setActinic(0)
		if b := m.reg.ActiveBeam(device.RoleMeasuring); b.IsFunctional() {
			b.SendIntensity(0)
		}
		m.flush()
	})
	m.saves.Wait()
	m.cancel()
	<-m.done
	m.logger.Info("Recording model closed")
}

// call runs fn on the control goroutine.
type call struct {
	fn   func()
	done chan struct{}
}

// do runs fn on the control goroutine and waits for it. It reports false
// when the model is closed.
func (m *Model) do(fn func()) bool {
	c := call{fn: fn, done: make(chan struct{})}
	m.inbox.Post(c)
	select {
	case <-c.done:
		return true
	case <-m.done:
		return false
	}
}

func (m *Model) loop() {
	defer close(m.done)
	m.lastPreds = m.computePredicates()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.inbox.notify:
			for _, msg := range m.inbox.drain() {
				m.handle(msg)
			}
			m.refresh()
		}
	}
}

// refresh broadcasts the predicates when they changed.
func (m *Model) refresh() {
	p := m.computePredicates()
	if p.Equal(m.lastPreds) {
		return
	}
	m.lastPreds = p
	m.bus.Publish(events.KindPredicates, p)
}

func (m *Model) setStatus(s Status) {
	if s == m.status {
		return
	}
	m.logger.Info("Status changed", "from", m.status, "to", s)
	m.status = s
	m.observer.ObserveStatus(string(s))
	m.bus.Publish(events.KindStatus, s)
}

func (m *Model) get(key string, def any) any {
	if m.store == nil {
		return def
	}
	return m.store.Get(key, def)
}

func (m *Model) getFloat(key string) (float64, bool) {
	switch v := m.get(key, nil).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (m *Model) put(key string, value any) {
	if m.store != nil {
		m.store.Put(key, value)
	}
}

func (m *Model) flush() {
	if m.store == nil {
		return
	}
	if err := m.store.Flush(); err != nil {
		m.logger.Warn("Failed to persist settings", "error", err)
	}
}
