package unread

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
)

type fakeBackend struct {
	mu      sync.Mutex
	tally   model.Tally
	err     error
	markErr error
	marked  []string
}

func (f *fakeBackend) MarkRead(_ context.Context, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, sender)
	return f.markErr
}

func (f *fakeBackend) UnreadTally(context.Context) (model.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.tally.Clone(), nil
}

func newService(t *testing.T, backend *fakeBackend) (*Service, *cache.Cache, *bus.Bus) {
	t.Helper()
	c := cache.New(nil, nil)
	if err := c.Load("u1"); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	return NewService(c, b, backend, nil), c, b
}

func record(b *bus.Bus, kind bus.Kind) *[]bus.Event {
	var got []bus.Event
	b.Subscribe(kind, func(evt bus.Event) { got = append(got, evt) })
	return &got
}

// TestUnreadConvergence covers a markRead followed by an authoritative fetch:
// the server value always wins and the count never goes negative.
func TestUnreadConvergence(t *testing.T) {
	tests := []struct {
		name   string
		server model.Tally
		want   int
	}{
		{"server agrees", model.Tally{"P": 0}, 0},
		{"message arrived mid-flight", model.Tally{"P": 1}, 1},
		{"server reports negative", model.Tally{"P": -1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{tally: model.Tally{"P": 3}}
			s, _, _ := newService(t, backend)
			ctx := context.Background()

			if err := s.FetchAuthoritative(ctx); err != nil {
				t.Fatal(err)
			}
			if s.Count("P") != 3 {
				t.Fatalf("Count(P) = %d, want 3", s.Count("P"))
			}

			s.MarkRead(ctx, "P")
			if s.Count("P") != 0 {
				t.Fatalf("Count(P) after MarkRead = %d, want 0", s.Count("P"))
			}

			backend.tally = tt.server
			if err := s.FetchAuthoritative(ctx); err != nil {
				t.Fatal(err)
			}
			if got := s.Count("P"); got != tt.want {
				t.Errorf("Count(P) = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestMarkReadPublishesOneCountChanged verifies a badge subscriber sees
// exactly one countChanged with the updated count even when no conversation
// surface is mounted.
func TestMarkReadPublishesOneCountChanged(t *testing.T) {
	backend := &fakeBackend{tally: model.Tally{"P": 3, "Q": 2}}
	s, _, b := newService(t, backend)
	ctx := context.Background()
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}

	counts := record(b, bus.CountChanged)
	reads := record(b, bus.Read)
	s.MarkRead(ctx, "P")

	if len(*counts) != 1 {
		t.Fatalf("got %d countChanged events, want 1", len(*counts))
	}
	p := (*counts)[0].Payload.(bus.CountPayload)
	if p.SenderID != "P" || p.Count != 0 || p.Total != 2 {
		t.Errorf("payload = %+v, want P=0 total=2", p)
	}
	if len(*reads) != 1 {
		t.Errorf("got %d read events, want 1", len(*reads))
	}
	if len(backend.marked) != 1 || backend.marked[0] != "P" {
		t.Errorf("backend marked = %v", backend.marked)
	}
}

// TestMarkReadBackendFailure verifies the read event still fires and the
// optimistic zero stays when the backend call fails.
func TestMarkReadBackendFailure(t *testing.T) {
	backend := &fakeBackend{tally: model.Tally{"P": 2}, markErr: errors.New("boom")}
	s, _, b := newService(t, backend)
	ctx := context.Background()
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}
	reads := record(b, bus.Read)

	s.MarkRead(ctx, "P")

	if len(*reads) != 1 {
		t.Errorf("got %d read events, want 1", len(*reads))
	}
	if s.Count("P") != 0 {
		t.Errorf("Count(P) = %d, want 0", s.Count("P"))
	}
}

func TestFetchAuthoritativePublishesOnlyChanges(t *testing.T) {
	backend := &fakeBackend{tally: model.Tally{"P": 1, "Q": 2}}
	s, _, b := newService(t, backend)
	ctx := context.Background()
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}

	counts := record(b, bus.CountChanged)
	backend.tally = model.Tally{"P": 1, "Q": 5}
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}
	if len(*counts) != 1 || (*counts)[0].Payload.(bus.CountPayload).SenderID != "Q" {
		t.Errorf("events = %+v, want one for Q", *counts)
	}

	// A sender the server no longer reports drops to zero.
	*counts = nil
	backend.tally = model.Tally{"Q": 5}
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}
	if len(*counts) != 1 || (*counts)[0].Payload.(bus.CountPayload).Count != 0 {
		t.Errorf("events = %+v, want P dropped to 0", *counts)
	}
	if s.Total() != 5 {
		t.Errorf("Total() = %d, want 5", s.Total())
	}
}

func TestFetchAuthoritativeErrorKeepsLocal(t *testing.T) {
	backend := &fakeBackend{tally: model.Tally{"P": 2}}
	s, _, _ := newService(t, backend)
	ctx := context.Background()
	if err := s.FetchAuthoritative(ctx); err != nil {
		t.Fatal(err)
	}

	backend.err = &model.TransportError{Op: "GET /unread", Err: errors.New("down")}
	err := s.FetchAuthoritative(ctx)
	if !model.Retryable(err) {
		t.Fatalf("err = %v, want transport failure", err)
	}
	if s.Count("P") != 2 {
		t.Errorf("Count(P) = %d, want 2 kept", s.Count("P"))
	}
}

func TestOnIncoming(t *testing.T) {
	s, c, b := newService(t, &fakeBackend{})
	counts := record(b, bus.CountChanged)

	s.OnIncoming(model.Message{ID: "m1", SenderID: "P", ReceiverID: "u1"})
	s.OnIncoming(model.Message{ID: "m2", SenderID: "P", ReceiverID: "u1"})
	if s.Count("P") != 2 {
		t.Errorf("Count(P) = %d, want 2", s.Count("P"))
	}

	// Group messages count against the group key.
	s.OnIncoming(model.Message{ID: "m3", SenderID: "P", ReceiverID: "g1", ConversationKey: "g1"})
	if s.Count("g1") != 1 {
		t.Errorf("Count(g1) = %d, want 1", s.Count("g1"))
	}

	// Open conversation and own messages are not unread.
	c.SetActive("Q")
	s.OnIncoming(model.Message{ID: "m4", SenderID: "Q", ReceiverID: "u1"})
	s.OnIncoming(model.Message{ID: "m5", SenderID: "u1", ReceiverID: "P"})
	if s.Count("Q") != 0 || s.Count("P") != 2 {
		t.Errorf("snapshot = %v", s.Snapshot())
	}
	if len(*counts) != 3 {
		t.Errorf("got %d countChanged events, want 3", len(*counts))
	}
}
