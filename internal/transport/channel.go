// Package transport carries messages between the engine and the backend.
//
// Two Channel variants share one capability surface: a RequestChannel over
// HTTP that is always available, and an optional PushChannel over a
// WebSocket whose availability follows its connection state. The Router
// picks one of them for every outbound send.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Kind identifies a channel variant.
type Kind string

const (
	KindRequest Kind = "request"
	KindPush    Kind = "push"
)

// Inbound push event names.
const (
	EventNewMessage = "newMessage"
	EventTyping     = "typing"
	EventPresence   = "presence"
)

// Event is a normalized inbound event. Only the fields of its Name are set.
type Event struct {
	Name    string
	Message *model.Message
	UserID  string
	Typing  bool
	Status  string
}

// Handler receives inbound events on the channel's reader goroutine.
type Handler func(Event)

// Channel is the send capability shared by both transport variants.
type Channel interface {
	Kind() Kind
	IsAvailableForSend() bool
	// Send delivers msg. A request channel returns the canonical stored
	// message; a push channel is fire-and-forget and returns nil.
	Send(ctx context.Context, msg model.Message) (*model.Message, error)
	// OnInboundEvent registers h and returns its idempotent release.
	OnInboundEvent(h Handler) func()
}

// Backend is the request/response contract used for reconciliation.
type Backend interface {
	FetchConversation(ctx context.Context, peer string, since time.Time) ([]model.Message, error)
	MarkRead(ctx context.Context, sender string) error
	UnreadTally(ctx context.Context) (model.Tally, error)
	Contacts(ctx context.Context) ([]model.Conversation, error)
}

// Requester is a channel that also serves the backend contract.
type Requester interface {
	Channel
	Backend
}

// Pusher is a channel with observable readiness.
type Pusher interface {
	Channel
	AwaitReady(ctx context.Context, timeout time.Duration) error
	LastActivity() time.Time
}

// handlerSet is a registry of inbound handlers with idempotent release.
type handlerSet struct {
	mu   sync.RWMutex
	next int
	m    map[int]Handler
}

func (s *handlerSet) add(h Handler) func() {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.m[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.m, id)
			s.mu.Unlock()
		})
	}
}

func (s *handlerSet) dispatch(evt Event) {
	s.mu.RLock()
	hs := make([]Handler, 0, len(s.m))
	for _, h := range s.m {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	for _, h := range hs {
		h(evt)
	}
}

func (s *handlerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
