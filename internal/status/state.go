// Package status tracks the push transport's connection state.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/convsync/internal/bus"
)

// State is a push connection state.
type State string

const (
	Unavailable  State = "UNAVAILABLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Disconnected State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. Unavailable is
// re-entered when dial attempts run out; a later Connect starts over.
var validTransitions = map[State][]State{
	Unavailable:  {Connecting},
	Connecting:   {Connected, Disconnected, Unavailable},
	Connected:    {Disconnected},
	Disconnected: {Connecting, Unavailable},
}

// Machine tracks and enforces push connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	changed chan struct{}
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Unavailable.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Unavailable,
		changed: make(chan struct{}),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Changed returns a channel closed at the next transition.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// The bus event is published after the lock is released.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.PushState,
			Payload: StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for pushState events.
type StatusChange struct {
	From State
	To   State
}
