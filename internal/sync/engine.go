// Package sync keeps a conversation's messages consistent between the local
// cache and the backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/unread"
	"go.uber.org/zap"
)

// checkpointOverlap widens incremental fetches so messages sharing the
// checkpoint's millisecond are not missed. Merge absorbs the duplicates.
const checkpointOverlap = time.Second

// Identity resolves the local participant.
type Identity interface {
	Participant() (string, error)
}

// Options tunes the engine's timeouts.
type Options struct {
	// OpenTimeout bounds the history fetch of Open.
	OpenTimeout time.Duration
	// EchoWindow is the CreatedAt tolerance for matching a server echo that
	// carries no ClientID to a provisional message.
	EchoWindow time.Duration
	// SendingTimeout is how long a provisional message may stay Sending
	// before reconciliation marks it Failed.
	SendingTimeout time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		OpenTimeout:    8 * time.Second,
		EchoWindow:     10 * time.Second,
		SendingTimeout: 30 * time.Second,
	}
}

// Engine handles open, send, retry and reconciliation of conversations, and
// ingests push events.
type Engine struct {
	cache    *cache.Cache
	bus      *bus.Bus
	router   *transport.Router
	unread   *unread.Service
	identity Identity
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	// acks tracks read acknowledgements sent off the push reader.
	acks sync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(c *cache.Cache, b *bus.Bus, router *transport.Router, u *unread.Service, identity Identity, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:    c,
		bus:      b,
		router:   router,
		unread:   u,
		identity: identity,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Start subscribes to inbound transport events.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.release != nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.release = e.router.OnInboundEvent(e.handleInbound)
}

// Stop releases the inbound subscription and waits for pending read
// acknowledgements.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.release != nil {
		e.release()
		e.release = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	e.acks.Wait()
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Open makes key the active conversation, fetches its history and marks it
// read. On transport failure the cached list is returned with the error. A
// peer the backend does not know is never made active nor cached.
func (e *Engine) Open(ctx context.Context, key string) ([]model.Message, error) {
	if err := session.ValidateID(key); err != nil {
		return nil, err
	}
	owner, err := e.identity.Participant()
	if err != nil {
		return nil, err
	}
	e.cache.SetActive(key)

	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.OpenTimeout)
	msgs, err := e.router.Request().FetchConversation(fetchCtx, key, time.Time{})
	cancel()

	var inbound int
	switch {
	case errors.Is(err, model.ErrMalformedResponse):
		e.logger.Warn("discarding malformed history", zap.String("conversation", key), zap.Error(err))
		inbound = e.apply(key, owner, nil)
	case errors.Is(err, model.ErrInvalidRecipient):
		if e.cache.Active() == key {
			e.cache.SetActive("")
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	case err != nil:
		e.logger.Warn("history fetch failed, showing cached messages",
			zap.String("conversation", key), zap.Error(err))
		e.apply(key, owner, nil)
		return e.cache.Messages(key), fmt.Errorf("open %s: %w", key, err)
	default:
		inbound = e.apply(key, owner, msgs)
	}

	if inbound > 0 || e.unread.Count(key) > 0 {
		e.unread.MarkRead(ctx, key)
	}
	return e.cache.Messages(key), nil
}

// Close clears the active conversation.
func (e *Engine) Close() {
	e.cache.SetActive("")
}

// Send appends a provisional message to key's conversation and delivers it.
// The message is in the cache before any network call. Over push the
// message stays Sending until its echo is reconciled; over request it ends
// Sent or Failed.
func (e *Engine) Send(ctx context.Context, key, content string, att *model.Attachment) (model.Message, error) {
	if strings.TrimSpace(content) == "" && att == nil {
		return model.Message{}, model.ErrEmptyMessage
	}
	if err := session.ValidateID(key); err != nil {
		return model.Message{}, err
	}
	owner, err := e.identity.Participant()
	if err != nil {
		return model.Message{}, err
	}
	att, err = prepareAttachment(att)
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:              model.TempIDPrefix + uuid.NewString(),
		ClientID:        uuid.NewString(),
		ConversationKey: key,
		SenderID:        owner,
		ReceiverID:      key,
		Content:         content,
		Attachment:      att,
		CreatedAt:       e.now(),
		State:           model.Sending,
	}
	e.cache.UpdateMessages(key, func(list []model.Message) []model.Message {
		msg.Seq = nextSeq(list)
		return append(list, msg)
	})
	e.publishChanged(key)

	return e.deliver(ctx, msg)
}

// Retry re-sends a Failed provisional message with its original ClientID.
// The message moves to the tail of the conversation. Messages the backend
// rejected for an unknown recipient cannot be retried.
func (e *Engine) Retry(ctx context.Context, key, id string) (model.Message, error) {
	var (
		msg   model.Message
		found bool
	)
	now := e.now()
	e.cache.UpdateMessages(key, func(list []model.Message) []model.Message {
		for i, m := range list {
			if m.ID != id || !m.IsProvisional() || m.State != model.Failed || m.Rejected {
				continue
			}
			m.State = model.Sending
			m.CreatedAt = now
			m.Seq = nextSeq(list)
			msg, found = m, true
			return append(append(list[:i:i], list[i+1:]...), m)
		}
		return list
	})
	if !found {
		return model.Message{}, fmt.Errorf("retry %s: %w", id, model.ErrNotRetryable)
	}
	e.publishChanged(key)
	return e.deliver(ctx, msg)
}

func (e *Engine) deliver(ctx context.Context, msg model.Message) (model.Message, error) {
	key := msg.ConversationKey

	if ch := e.router.Active(); ch.Kind() == transport.KindPush && !msg.Attachment.IsLocal() {
		_, err := ch.Send(ctx, msg)
		if err == nil {
			e.logger.Debug("message emitted over push", zap.String("client_id", msg.ClientID))
			return msg, nil
		}
		e.logger.Warn("push send failed, falling back to request transport",
			zap.String("client_id", msg.ClientID), zap.Error(err))
	}

	stored, err := e.router.Request().Send(ctx, msg)
	if err != nil {
		if errors.Is(err, model.ErrMalformedResponse) {
			// The backend likely stored it; reconciliation settles it.
			e.logger.Warn("unreadable send acknowledgement", zap.String("client_id", msg.ClientID), zap.Error(err))
			return msg, nil
		}
		failed := e.markFailed(key, msg.ID, errors.Is(err, model.ErrInvalidRecipient))
		e.logger.Warn("send failed", zap.String("client_id", msg.ClientID), zap.Error(err))
		e.bus.Publish(bus.Event{
			Kind:    bus.SendFailed,
			Payload: bus.SendFailedPayload{Message: failed, Err: err.Error()},
		})
		e.publishChanged(key)
		return failed, err
	}

	ack := *stored
	ack.ClientID = msg.ClientID
	ack.ConversationKey = key
	if ack.SenderID == "" {
		ack.SenderID = msg.SenderID
	}

	var res MergeResult
	e.cache.UpdateMessages(key, func(list []model.Message) []model.Message {
		res = Merge(list, []model.Message{ack}, e.opts.EchoWindow)
		return res.Messages
	})
	final := ack
	for _, m := range res.Messages {
		if m.ID == ack.ID {
			final = m
			break
		}
	}
	e.logger.Info("message sent", zap.String("client_id", msg.ClientID), zap.String("id", final.ID))
	e.publishChanged(key)
	e.bus.Publish(bus.Event{Kind: bus.MessageSent, Payload: bus.MessagePayload{Message: final}})
	return final, nil
}

func (e *Engine) markFailed(key, id string, rejected bool) model.Message {
	var failed model.Message
	e.cache.UpdateMessages(key, func(list []model.Message) []model.Message {
		for i, m := range list {
			if m.ID == id {
				m.State = model.Failed
				m.Rejected = rejected
				list[i] = m
				failed = m
				break
			}
		}
		return list
	})
	return failed
}

// Reconcile fetches messages newer than since and merges them into key's
// conversation. A malformed response is logged and treated as empty.
func (e *Engine) Reconcile(ctx context.Context, key string, since time.Time) error {
	if err := session.ValidateID(key); err != nil {
		return err
	}
	owner, err := e.identity.Participant()
	if err != nil {
		return err
	}

	msgs, err := e.router.Request().FetchConversation(ctx, key, since)
	if errors.Is(err, model.ErrInvalidRecipient) {
		return fmt.Errorf("reconcile %s: %w", key, err)
	}
	if err != nil && !errors.Is(err, model.ErrMalformedResponse) {
		// Still expire stale sends so nothing waits on a dead backend forever.
		e.apply(key, owner, nil)
		return fmt.Errorf("reconcile %s: %w", key, err)
	}
	if err != nil {
		e.logger.Warn("discarding malformed reconcile response", zap.String("conversation", key), zap.Error(err))
		msgs = nil
	}

	if inbound := e.apply(key, owner, msgs); inbound > 0 && e.cache.Active() == key {
		e.unread.MarkRead(ctx, key)
	}
	return nil
}

// ReconcileActive reconciles the open conversation from its newest settled
// message. It is a no-op when no conversation is open.
func (e *Engine) ReconcileActive(ctx context.Context) error {
	key := e.cache.Active()
	if key == "" {
		return nil
	}
	since := Checkpoint(e.cache.Messages(key))
	if !since.IsZero() {
		since = since.Add(-checkpointOverlap)
	}
	return e.Reconcile(ctx, key, since)
}

// LoadConversations fetches the contact list, creates a conversation for
// each entry and publishes usersLoaded.
func (e *Engine) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	owner, err := e.identity.Participant()
	if err != nil {
		return nil, err
	}
	convs, err := e.router.Request().Contacts(ctx)
	switch {
	case errors.Is(err, model.ErrMalformedResponse):
		e.logger.Warn("discarding malformed contact list", zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	for _, conv := range convs {
		if conv.Key == owner || session.ValidateID(conv.Key) != nil {
			continue
		}
		e.cache.EnsureConversation(conv)
	}
	all := e.cache.Conversations()
	e.bus.Publish(bus.Event{Kind: bus.UsersLoaded, Payload: bus.UsersPayload{Conversations: all}})
	return all, nil
}

// apply merges incoming into key's conversation, expires stale sends and
// publishes what changed. It returns the number of new inbound messages.
func (e *Engine) apply(key, owner string, incoming []model.Message) int {
	isGroup := false
	if conv, ok := e.cache.Conversation(key); ok {
		isGroup = conv.IsGroup
	}
	filtered := FilterExchange(incoming, owner, key, isGroup)
	if dropped := len(incoming) - len(filtered); dropped > 0 {
		e.logger.Debug("dropped cross-talk messages", zap.String("conversation", key), zap.Int("count", dropped))
	}

	var (
		res     MergeResult
		expired []model.Message
	)
	now := e.now()
	e.cache.UpdateMessages(key, func(list []model.Message) []model.Message {
		res = Merge(list, filtered, e.opts.EchoWindow)
		res.Messages, expired = ExpireSending(res.Messages, now, e.opts.SendingTimeout)
		return res.Messages
	})

	if res.Changed() || len(expired) > 0 {
		e.publishChanged(key)
	}
	for _, m := range res.Replaced {
		e.bus.Publish(bus.Event{Kind: bus.MessageSent, Payload: bus.MessagePayload{Message: m}})
	}
	e.publishExpired(expired)

	inbound := 0
	for _, m := range res.Added {
		if m.SenderID != owner {
			inbound++
		}
	}
	return inbound
}

// ExpireStale marks Failed every provisional message that has been Sending
// longer than SendingTimeout, in every conversation.
func (e *Engine) ExpireStale() {
	now := e.now()
	for _, conv := range e.cache.Conversations() {
		_, stale := ExpireSending(e.cache.Messages(conv.Key), now, e.opts.SendingTimeout)
		if len(stale) == 0 {
			continue
		}
		var expired []model.Message
		e.cache.UpdateMessages(conv.Key, func(list []model.Message) []model.Message {
			list, expired = ExpireSending(list, now, e.opts.SendingTimeout)
			return list
		})
		if len(expired) > 0 {
			e.publishChanged(conv.Key)
			e.publishExpired(expired)
		}
	}
}

func (e *Engine) publishExpired(expired []model.Message) {
	for _, m := range expired {
		e.logger.Warn("send timed out", zap.String("client_id", m.ClientID))
		e.bus.Publish(bus.Event{
			Kind:    bus.SendFailed,
			Payload: bus.SendFailedPayload{Message: m, Err: "no acknowledgement before timeout"},
		})
	}
}

func (e *Engine) handleInbound(evt transport.Event) {
	switch evt.Name {
	case transport.EventNewMessage:
		if evt.Message != nil {
			e.ingest(*evt.Message)
		}
	case transport.EventTyping:
		e.bus.Publish(bus.Event{Kind: bus.Typing, Payload: bus.TypingPayload{UserID: evt.UserID, Typing: evt.Typing}})
	case transport.EventPresence:
		e.bus.Publish(bus.Event{Kind: bus.Presence, Payload: bus.PresencePayload{UserID: evt.UserID, Status: evt.Status}})
	}
}

// ingest merges a pushed message by its own conversation key, whichever
// conversation is open.
func (e *Engine) ingest(msg model.Message) {
	owner, err := e.identity.Participant()
	if err != nil {
		e.logger.Debug("ignoring push message without participant", zap.Error(err))
		return
	}
	key := e.conversationOf(msg, owner)
	if key == "" {
		e.logger.Debug("dropping push message for another participant", zap.String("id", msg.ID))
		return
	}
	if _, known := e.cache.Conversation(key); !known {
		e.logger.Info("conversation created from push", zap.String("conversation", key))
	}

	inbound := e.apply(key, owner, []model.Message{msg})
	if inbound == 0 {
		return
	}
	msg.ConversationKey = key
	if e.cache.Active() == key {
		// The acknowledgement is a network call; keep it off the push reader.
		ctx := e.baseContext()
		e.acks.Go(func() { e.unread.MarkRead(ctx, key) })
		return
	}
	e.unread.OnIncoming(msg)
}

// conversationOf returns the conversation msg belongs to, or "" when it
// does not involve owner.
func (e *Engine) conversationOf(msg model.Message, owner string) string {
	for _, k := range []string{msg.ConversationKey, msg.ReceiverID} {
		if conv, ok := e.cache.Conversation(k); ok && conv.IsGroup {
			return k
		}
	}
	switch owner {
	case msg.SenderID:
		return msg.ReceiverID
	case msg.ReceiverID:
		return msg.SenderID
	}
	return ""
}

func (e *Engine) publishChanged(key string) {
	e.bus.Publish(bus.Event{Kind: bus.MessagesChanged, Payload: bus.ConversationPayload{ConversationKey: key}})
}
