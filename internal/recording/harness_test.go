package recording

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/registry"
	"github.com/labphoton/actinic/internal/store"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type captureSaver struct {
	mu    sync.Mutex
	saved []*output.Recording
}

func (s *captureSaver) Name() string { return "capture" }

func (s *captureSaver) Save(ctx context.Context, rec *output.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return nil
}

func (s *captureSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *captureSaver) last() *output.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

type countingObserver struct {
	nopObserver
	mu      sync.Mutex
	dropped map[string]int
	samples int
}

func (o *countingObserver) ObserveDroppedSample(channel int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dropped == nil {
		o.dropped = make(map[string]int)
	}
	o.dropped[reason]++
}

func (o *countingObserver) ObserveSample(channel int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples++
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samples, o.dropped["uncalibrated"]
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	reg      *registry.Registry
	store    *store.Store
	bus      *events.Bus
	act      *device.Simulated
	meas     *device.Simulated
	saver    *captureSaver
	observer *countingObserver
	model    *Model
	phaseCh  <-chan events.Event
}

type harnessOption func(*Options, *harness)

func uncalibrated() harnessOption {
	return func(o *Options, h *harness) {
		for i := range o.Channels {
			h.store.Delete(fmt.Sprintf("channel.%d.Fluorescence.slope", i))
			h.store.Delete(fmt.Sprintf("channel.%d.Fluorescence.offset", i))
		}
	}
}

func withoutDestination() harnessOption {
	return func(o *Options, h *harness) { o.Destination = "" }
}

func seconds(intensities ...float64) func(secs ...float64) []phase.Phase {
	return func(secs ...float64) []phase.Phase {
		phases := make([]phase.Phase, len(secs))
		for i, s := range secs {
			phases[i] = phase.Phase{
				Duration:         phase.Duration{Value: s, Unit: phase.Seconds},
				IntensityPercent: intensities[i],
			}
		}
		return phases
	}
}

func newHarness(t *testing.T, phases []phase.Phase, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    newFakeClock(epoch),
		reg:      registry.New(nil),
		store:    store.NewMemory(),
		bus:      events.NewBus(),
		act:      device.NewSimulated("act", 600),
		meas:     device.NewSimulated("meas", 600),
		saver:    &captureSaver{},
		observer: &countingObserver{},
	}
	h.reg.Register(h.act, device.RoleActinic)
	h.reg.Register(h.meas, device.RoleMeasuring, device.RoleSignalSource)
	h.store.Put("channel.0.Fluorescence.slope", 1.0)
	h.store.Put("channel.0.Fluorescence.offset", 0.0)

	cal := channel.DefaultCalibrationSettings()
	cal.OffSettle = 20 * time.Millisecond
	cal.OnSettle = 20 * time.Millisecond
	cal.Ticks = 2

	o := Options{
		Registry:    h.reg,
		Store:       h.store,
		Bus:         h.bus,
		Saver:       h.saver,
		Observer:    h.observer,
		Clock:       h.clock,
		Calibration: cal,
		Measuring:   MeasuringSettings{FrequencyHz: 100, IntensityPercent: 40},
		Phases:      phases,
		Channels:    []ChannelSpec{{SignalType: channel.Fluorescence}},
		Destination: t.TempDir(),
	}
	for _, opt := range opts {
		opt(&o, h)
	}

	ch, cancel := h.bus.Subscribe(256, events.KindPhaseBegin)
	t.Cleanup(cancel)
	h.phaseCh = ch

	m, err := New(o)
	if err != nil {
		t.Fatalf("Expected model, got %v", err)
	}
	t.Cleanup(m.Close)
	h.model = m
	return h
}

func (h *harness) waitPhase(index int) PhaseBegin {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.phaseCh:
			pb := e.Payload.(PhaseBegin)
			if pb.Stamp.CurrentIndex == index {
				return pb
			}
		case <-deadline:
			h.t.Fatalf("Timed out waiting for phase %d", index)
			return PhaseBegin{}
		}
	}
}

func (h *harness) waitUntil(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("Timed out waiting for %s", what)
}

func (h *harness) waitStatus(s Status) {
	h.t.Helper()
	h.waitUntil("status "+string(s), func() bool { return h.model.Status() == s })
}
