package status

import (
	"testing"

	"github.com/matheus3301/convsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Unavailable {
		t.Errorf("initial state = %s, want UNAVAILABLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Unavailable, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connecting, Unavailable},
		{Connected, Disconnected},
		{Disconnected, Connecting},
		{Disconnected, Unavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Unavailable, Connected},
		{Connected, Connecting},
		{Connected, Unavailable},
		{Disconnected, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state moved to %s on a rejected transition", m.Current())
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	var got []StatusChange
	unsub := b.Subscribe(bus.PushState, func(evt bus.Event) {
		got = append(got, evt.Payload.(StatusChange))
	})
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Connected)

	want := []StatusChange{{Unavailable, Connecting}, {Connecting, Connected}}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestChangedClosedOnTransition(t *testing.T) {
	m := NewMachine(nil)
	ch := m.Changed()

	select {
	case <-ch:
		t.Fatal("Changed() closed before any transition")
	default:
	}

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("Changed() not closed after transition")
	}
	if m.Changed() == ch {
		t.Error("Changed() should return a fresh channel after a transition")
	}
}

// walkTo drives the machine along the shortest legal path to target.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Unavailable:  {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Disconnected: {Connecting, Connected, Disconnected},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
