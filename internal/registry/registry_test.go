package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/labphoton/actinic/internal/device"
)

type testController struct {
	id          string
	priority    int
	replaceable bool
	freqs       []float64

	mu         sync.Mutex
	functional bool
	closed     bool
}

func newController(id string, priority int) *testController {
	return &testController{id: id, priority: priority, functional: true}
}

func (c *testController) UniqueID() string                      { return c.id }
func (c *testController) ShouldBeReplacedWhenBetterFound() bool { return c.replaceable }
func (c *testController) ReplacementPriority() int              { return c.priority }
func (c *testController) SupportedFrequencies() []float64       { return c.freqs }
func (c *testController) SendIntensity(float64) error           { return nil }
func (c *testController) SendFrequency(float64) error           { return nil }

func (c *testController) IsFunctional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.functional
}

func (c *testController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestRegisterPromotesOverPlaceholder(t *testing.T) {
	reg := New(nil)
	var changes []Change
	reg.Subscribe(func(c Change) { changes = append(changes, c) })

	if got := reg.Active(device.RoleActinic); !device.IsPlaceholder(got) {
		t.Fatalf("Expected placeholder before discovery, got %s", got.UniqueID())
	}

	led := newController("serial:/dev/ttyUSB0", 10)
	if !reg.Register(led, device.RoleActinic) {
		t.Fatal("Expected registration to succeed")
	}
	if got := reg.Active(device.RoleActinic).UniqueID(); got != led.id {
		t.Errorf("Expected %s active, got %s", led.id, got)
	}
	if len(changes) != 2 || changes[0].Kind != Added || changes[1].Kind != Activated {
		t.Errorf("Expected added then activated, got %+v", changes)
	}
}

func TestRegisterKeepsNonReplaceableActive(t *testing.T) {
	reg := New(nil)
	first := newController("first", 5)
	second := newController("second", 50)
	reg.Register(first, device.RoleMeasuring)
	reg.Register(second, device.RoleMeasuring)

	if got := reg.Active(device.RoleMeasuring).UniqueID(); got != "first" {
		t.Errorf("Expected first to stay active, got %s", got)
	}

	sim := newController("sim", 1)
	sim.replaceable = true
	reg2 := New(nil)
	reg2.Register(sim, device.RoleMeasuring)
	reg2.Register(first, device.RoleMeasuring)
	if got := reg2.Active(device.RoleMeasuring).UniqueID(); got != "first" {
		t.Errorf("Expected replaceable sim to give way, got %s", got)
	}
}

func TestRegisterIgnoresNonFunctional(t *testing.T) {
	reg := New(nil)
	dead := newController("dead", 10)
	dead.functional = false
	if reg.Register(dead, device.RoleActinic) {
		t.Error("Expected non functional controller to be ignored")
	}
	if len(reg.Available(device.RoleActinic)) != 0 {
		t.Error("Expected no available controllers")
	}
}

func TestRemoveFallsBackToBestAlternative(t *testing.T) {
	reg := New(nil)
	a := newController("a", 10)
	b := newController("b", 30)
	c := newController("c", 20)
	reg.Register(a, device.RoleActinic)
	reg.Register(b, device.RoleActinic)
	reg.Register(c, device.RoleActinic)
	c.functional = false

	reg.Remove("a")
	if got := reg.Active(device.RoleActinic).UniqueID(); got != "b" {
		t.Errorf("Expected b after removing a, got %s", got)
	}

	reg.Remove("b")
	if got := reg.Active(device.RoleActinic); !device.IsPlaceholder(got) {
		t.Errorf("Expected placeholder instead of disconnected c, got %s", got.UniqueID())
	}
	if reg.Remove("unknown") {
		t.Error("Expected removing an unknown controller to report false")
	}
}

func TestRemoveAffectsEveryRole(t *testing.T) {
	reg := New(nil)
	meas := newController("meas", 10)
	reg.Register(meas, device.RoleMeasuring, device.RoleSignalSource)

	if _, ok := reg.Lookup(device.RoleSignalSource, "meas"); !ok {
		t.Fatal("Expected signal source to be registered")
	}
	reg.Remove("meas")
	if _, ok := reg.Lookup(device.RoleSignalSource, "meas"); ok {
		t.Error("Expected signal source to be gone")
	}
	if !device.IsPlaceholder(reg.Active(device.RoleMeasuring)) {
		t.Error("Expected measuring placeholder")
	}
}

func TestMeasuringFrequencies(t *testing.T) {
	reg := New(nil)
	meas := newController("meas", 10)
	meas.freqs = []float64{10, 100, 1000}
	lockin := newController("lockin", 20)
	lockin.freqs = []float64{100, 1000, 10000}
	reg.Register(meas, device.RoleMeasuring)
	reg.Register(lockin, device.RoleSignalSource)

	got := reg.MeasuringFrequencies()
	if len(got) != 2 || got[0] != 100 || got[1] != 1000 {
		t.Errorf("Expected [100 1000], got %v", got)
	}

	reg.Remove("lockin")
	if got := reg.MeasuringFrequencies(); len(got) != 3 {
		t.Errorf("Expected measuring set after removal, got %v", got)
	}
}

func TestCloseReleasesControllersOnce(t *testing.T) {
	reg := New(nil)
	meas := newController("meas", 10)
	reg.Register(meas, device.RoleMeasuring, device.RoleSignalSource)
	reg.Close()
	if !meas.closed {
		t.Error("Expected controller to be closed")
	}
}

type stubDiscoverer struct {
	name string
	c    device.Controller
	err  error
}

func (s stubDiscoverer) Name() string { return s.name }

func (s stubDiscoverer) Discover(ctx context.Context, reg *Registry) error {
	if s.err != nil {
		return s.err
	}
	reg.Register(s.c, device.RoleActinic)
	return nil
}

func TestDiscoverToleratesFailingTransport(t *testing.T) {
	reg := New(nil)
	err := Discover(context.Background(), reg,
		stubDiscoverer{name: "broken", err: errors.New("no ports")},
		stubDiscoverer{name: "serial", c: newController("led", 10)},
	)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := reg.Active(device.RoleActinic).UniqueID(); got != "led" {
		t.Errorf("Expected led active, got %s", got)
	}
}
