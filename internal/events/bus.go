package events

import (
	"sync"
	"time"
)

// Kind identifies the type of change carried by an Event.
type Kind string

const (
	KindStatus              Kind = "status"
	KindPredicates          Kind = "predicates"
	KindPhaseBegin          Kind = "phase_begin"
	KindPhases              Kind = "phases"
	KindChannel             Kind = "channel"
	KindSample              Kind = "sample"
	KindCalibrationProgress Kind = "calibration_progress"
	KindCalibrationDone     Kind = "calibration_done"
	KindDevices             Kind = "devices"
	KindRecordingSaved      Kind = "recording_saved"
	KindError               Kind = "error"
)

// Event is a single change notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	onDrop func(Kind)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// OnDrop installs a hook called for every event a subscriber missed.
func (b *Bus) OnDrop(fn func(Kind)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel receiving events of the given kinds (all kinds
// when none are given) and a function that ends the subscription.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(kind Kind, payload any) {
	e := Event{Kind: kind, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if b.onDrop != nil {
				b.onDrop(kind)
			}
		}
	}
}
