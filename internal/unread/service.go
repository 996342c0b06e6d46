// Package unread maintains the per-sender unread tally.
//
// The backend is authoritative. Local increments and zeroing are optimistic
// and are overwritten by the next FetchAuthoritative.
package unread

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Backend is the subset of the request transport the service needs.
type Backend interface {
	MarkRead(ctx context.Context, sender string) error
	UnreadTally(ctx context.Context) (model.Tally, error)
}

// Service keeps the tally in the shared cache and announces changes on the bus.
type Service struct {
	cache   *cache.Cache
	bus     *bus.Bus
	backend Backend
	logger  *zap.Logger
}

// NewService creates an unread counter service.
func NewService(c *cache.Cache, b *bus.Bus, backend Backend, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: c, bus: b, backend: backend, logger: logger}
}

// FetchAuthoritative replaces the local tally with the server's. One
// countChanged is published per sender whose count changed.
func (s *Service) FetchAuthoritative(ctx context.Context) error {
	server, err := s.backend.UnreadTally(ctx)
	if err != nil {
		return fmt.Errorf("fetch unread tally: %w", err)
	}
	prev, next := s.cache.UpdateTally(func(model.Tally) model.Tally { return server })

	senders := lo.Uniq(append(lo.Keys(prev), lo.Keys(next)...))
	slices.Sort(senders)
	for _, sender := range senders {
		if prev[sender] != next[sender] {
			s.publishCount(sender, next)
		}
	}
	return nil
}

// MarkRead zeroes sender's count, publishes one countChanged, tells the
// backend and publishes read. Backend failure is logged; the next
// FetchAuthoritative repairs any divergence.
func (s *Service) MarkRead(ctx context.Context, sender string) {
	_, next := s.cache.UpdateTally(func(t model.Tally) model.Tally {
		t[sender] = 0
		return t
	})
	s.publishCount(sender, next)

	if err := s.backend.MarkRead(ctx, sender); err != nil {
		s.logger.Warn("mark read failed", zap.String("sender", sender), zap.Error(err))
	}

	s.bus.Publish(bus.Event{
		Kind:    bus.Read,
		Payload: bus.ReadPayload{SenderID: sender},
	})
}

// OnIncoming counts msg as unread unless it belongs to the open
// conversation or was authored locally.
func (s *Service) OnIncoming(msg model.Message) {
	key := msg.ConversationKey
	if key == "" {
		key = msg.SenderID
	}
	if msg.SenderID == s.cache.Owner() || key == s.cache.Active() {
		return
	}
	_, next := s.cache.UpdateTally(func(t model.Tally) model.Tally {
		t[key]++
		return t
	})
	s.publishCount(key, next)
}

// Count returns the unread count for sender.
func (s *Service) Count(sender string) int {
	return s.cache.Tally()[sender]
}

// Total returns the sum of all unread counts.
func (s *Service) Total() int {
	return s.cache.Tally().Total()
}

// Snapshot returns a copy of the tally.
func (s *Service) Snapshot() model.Tally {
	return s.cache.Tally()
}

func (s *Service) publishCount(sender string, tally model.Tally) {
	s.bus.Publish(bus.Event{
		Kind: bus.CountChanged,
		Payload: bus.CountPayload{
			SenderID: sender,
			Count:    tally[sender],
			Total:    tally.Total(),
		},
	})
}
