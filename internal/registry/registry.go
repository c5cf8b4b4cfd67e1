// Package registry keeps track of the controllers available for each role
// and of the active controller of the two beams.
package registry

import (
	"log/slog"
	"sync"

	"github.com/labphoton/actinic/internal/device"
)

type ChangeKind string

const (
	Added     ChangeKind = "added"
	Removed   ChangeKind = "removed"
	Activated ChangeKind = "activated"
)

// Change describes a single registry mutation.
type Change struct {
	Kind         ChangeKind  `json:"kind"`
	Role         device.Role `json:"role"`
	ControllerID string      `json:"controller_id"`
}

// Listener receives changes after the registry lock is released, in the
// order they happened.
type Listener func(Change)

type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	available map[device.Role][]device.Controller
	active    map[device.Role]device.Controller
	listeners []Listener

	notifyMu sync.Mutex
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger.With("component", "registry"),
		available: make(map[device.Role][]device.Controller),
		active:    make(map[device.Role]device.Controller),
	}
	r.active[device.RoleActinic] = device.NewDummy(device.RoleActinic)
	r.active[device.RoleMeasuring] = device.NewDummy(device.RoleMeasuring)
	return r
}

func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register adds a functional controller under the given roles. For a beam
// role it becomes active when the current one is a replaceable controller
// of lower priority. Non-functional controllers are ignored.
func (r *Registry) Register(c device.Controller, roles ...device.Role) bool {
	if c == nil || !c.IsFunctional() {
		return false
	}

	var changes []Change
	r.mu.Lock()
	for _, role := range roles {
		list := r.available[role]
		replaced := false
		for i, existing := range list {
			if existing.UniqueID() == c.UniqueID() {
				list[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, c)
		}
		device.SortByPriority(list)
		r.available[role] = list
		changes = append(changes, Change{Kind: Added, Role: role, ControllerID: c.UniqueID()})

		if role == device.RoleSignalSource {
			continue
		}
		cur := r.active[role]
		if cur == nil || cur.UniqueID() == c.UniqueID() ||
			(cur.ShouldBeReplacedWhenBetterFound() && c.ReplacementPriority() > cur.ReplacementPriority()) ||
			!cur.IsFunctional() {
			r.active[role] = c
			changes = append(changes, Change{Kind: Activated, Role: role, ControllerID: c.UniqueID()})
		}
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info("Controller registered", "id", c.UniqueID(), "roles", roles, "priority", c.ReplacementPriority())
	r.notify(listeners, changes)
	return true
}

// Remove drops a controller from every role. An active beam controller is
// replaced by the best remaining functional controller, or a placeholder.
func (r *Registry) Remove(id string) bool {
	var changes []Change
	r.mu.Lock()
	for _, role := range device.Roles {
		list := r.available[role]
		kept := list[:0]
		found := false
		for _, c := range list {
			if c.UniqueID() == id {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		r.available[role] = kept
		if found {
			changes = append(changes, Change{Kind: Removed, Role: role, ControllerID: id})
		}

		if cur, ok := r.active[role]; ok && cur.UniqueID() == id {
			next := r.bestLocked(role, id)
			if next == nil {
				next = device.NewDummy(role)
			}
			r.active[role] = next
			changes = append(changes, Change{Kind: Activated, Role: role, ControllerID: next.UniqueID()})
		}
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	if len(changes) == 0 {
		return false
	}
	r.logger.Info("Controller removed", "id", id)
	r.notify(listeners, changes)
	return true
}

// Activate makes a registered controller the active one for a beam role.
func (r *Registry) Activate(role device.Role, id string) bool {
	r.mu.Lock()
	var target device.Controller
	for _, c := range r.available[role] {
		if c.UniqueID() == id {
			target = c
			break
		}
	}
	if target == nil || role == device.RoleSignalSource {
		r.mu.Unlock()
		return false
	}
	r.active[role] = target
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.notify(listeners, []Change{{Kind: Activated, Role: role, ControllerID: id}})
	return true
}

func (r *Registry) bestLocked(role device.Role, exclude string) device.Controller {
	for _, c := range r.available[role] {
		if c.UniqueID() != exclude && c.IsFunctional() {
			return c
		}
	}
	return nil
}

// Best returns the highest-priority functional controller of a role other
// than exclude, or nil.
func (r *Registry) Best(role device.Role, exclude string) device.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bestLocked(role, exclude)
}

// Active returns the active controller of a beam role; never nil.
func (r *Registry) Active(role device.Role) device.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.active[role]; ok {
		return c
	}
	return device.NewDummy(role)
}

// ActiveBeam is Active narrowed to the beam capability.
func (r *Registry) ActiveBeam(role device.Role) device.BeamController {
	if b, ok := r.Active(role).(device.BeamController); ok {
		return b
	}
	return device.NewDummy(role)
}

func (r *Registry) Lookup(role device.Role, id string) (device.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.available[role] {
		if c.UniqueID() == id {
			return c, true
		}
	}
	return nil, false
}

// Available lists the controllers of a role by descending priority.
func (r *Registry) Available(role device.Role) []device.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Controller(nil), r.available[role]...)
}

// MeasuringFrequencies is the set of modulation frequencies both the active
// measuring beam and every registered signal source can work with.
func (r *Registry) MeasuringFrequencies() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	controllers := []device.Controller{r.active[device.RoleMeasuring]}
	controllers = append(controllers, r.available[device.RoleSignalSource]...)
	return device.CommonFrequencies(controllers...)
}

// Close releases every controller holding a transport.
func (r *Registry) Close() {
	r.mu.Lock()
	seen := make(map[string]bool)
	var closers []device.Closer
	for _, list := range r.available {
		for _, c := range list {
			if seen[c.UniqueID()] {
				continue
			}
			seen[c.UniqueID()] = true
			if cl, ok := c.(device.Closer); ok {
				closers = append(closers, cl)
			}
		}
	}
	r.mu.Unlock()

	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			r.logger.Warn("Failed to close controller", "error", err)
		}
	}
}

func (r *Registry) notify(listeners []Listener, changes []Change) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for _, c := range changes {
		for _, l := range listeners {
			l(c)
		}
	}
}
