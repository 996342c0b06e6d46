// Package convsync keeps a local view of conversations, unread counts and
// message delivery state consistent across an optional push transport, a
// request/response transport and any number of UI surfaces sharing one
// notification bus.
//
// A host either composes Module into its own fx application and takes a
// *Client from the graph, or calls Start.
package convsync

import (
	"context"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type (
	Message      = model.Message
	Conversation = model.Conversation
	Attachment   = model.Attachment
	Tally        = model.Tally
	State        = model.DeliveryState
	Event        = bus.Event
	EventKind    = bus.Kind
	Handler      = bus.Handler
	PushState    = status.State
	Preferences  = cache.Preferences
	Geometry     = cache.Geometry
)

// Delivery states.
const (
	StateSending   = model.Sending
	StateSent      = model.Sent
	StateDelivered = model.Delivered
	StateRead      = model.Read
	StateFailed    = model.Failed
)

// Event kinds.
const (
	EventAll             = bus.All
	EventRead            = bus.Read
	EventCountChanged    = bus.CountChanged
	EventUsersLoaded     = bus.UsersLoaded
	EventMessageSent     = bus.MessageSent
	EventMessagesChanged = bus.MessagesChanged
	EventSendFailed      = bus.SendFailed
	EventTyping          = bus.Typing
	EventPresence        = bus.Presence
	EventPushState       = bus.PushState
)

// Errors returned by Client operations; match with errors.Is.
var (
	ErrAuthRequired      = model.ErrAuthRequired
	ErrInvalidRecipient  = model.ErrInvalidRecipient
	ErrTransportFailure  = model.ErrTransportFailure
	ErrMalformedResponse = model.ErrMalformedResponse
	ErrEmptyMessage      = model.ErrEmptyMessage
	ErrNotRetryable      = model.ErrNotRetryable
)

// Client is the surface UI code talks to.
type Client struct {
	engine *intsync.Engine
	unread *unread.Service
	cache  *cache.Cache
	bus    *bus.Bus
	router *transport.Router
	push   *transport.PushChannel
	logger *zap.Logger

	app *fx.App
}

func newClient(engine *intsync.Engine, u *unread.Service, c *cache.Cache, b *bus.Bus, router *transport.Router, push *transport.PushChannel, logger *zap.Logger) *Client {
	return &Client{
		engine: engine,
		unread: u,
		cache:  c,
		bus:    b,
		router: router,
		push:   push,
		logger: logger,
	}
}

// Start builds and starts the fx application for p and returns its client.
// Call Stop to shut it down.
func Start(ctx context.Context, p Params) (*Client, error) {
	var c *Client
	app := fx.New(
		Module(p),
		fx.Populate(&c),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	c.app = app
	return c, nil
}

// Stop shuts down an application created by Start. It is a no-op for a
// client taken from a host's own fx graph.
func (c *Client) Stop(ctx context.Context) error {
	if c.app == nil {
		return nil
	}
	return c.app.Stop(ctx)
}

// Open makes key the active conversation and returns its messages.
func (c *Client) Open(ctx context.Context, key string) ([]Message, error) {
	return c.engine.Open(ctx, key)
}

// Close clears the active conversation.
func (c *Client) Close() { c.engine.Close() }

// Active returns the key of the open conversation, or "".
func (c *Client) Active() string { return c.cache.Active() }

// Send sends content and an optional attachment to key.
func (c *Client) Send(ctx context.Context, key, content string, att *Attachment) (Message, error) {
	return c.engine.Send(ctx, key, content, att)
}

// Retry resends a failed message.
func (c *Client) Retry(ctx context.Context, key, id string) (Message, error) {
	return c.engine.Retry(ctx, key, id)
}

// Refresh fetches key's full history and merges it into the cache.
func (c *Client) Refresh(ctx context.Context, key string) error {
	return c.engine.Reconcile(ctx, key, time.Time{})
}

// LoadConversations fetches the conversation list.
func (c *Client) LoadConversations(ctx context.Context) ([]Conversation, error) {
	return c.engine.LoadConversations(ctx)
}

// Conversations returns the cached conversations, most recent first.
func (c *Client) Conversations() []Conversation { return c.cache.Conversations() }

// Messages returns the cached messages of key.
func (c *Client) Messages(key string) []Message { return c.cache.Messages(key) }

// MarkRead zeroes sender's unread count.
func (c *Client) MarkRead(ctx context.Context, sender string) { c.unread.MarkRead(ctx, sender) }

// RefreshUnread replaces the local tally with the server's.
func (c *Client) RefreshUnread(ctx context.Context) error { return c.unread.FetchAuthoritative(ctx) }

// Unread returns sender's unread count.
func (c *Client) Unread(sender string) int { return c.unread.Count(sender) }

// UnreadTotal returns the badge total.
func (c *Client) UnreadTotal() int { return c.unread.Total() }

// Subscribe registers h for kind and returns its release function.
func (c *Client) Subscribe(kind EventKind, h Handler) func() { return c.bus.Subscribe(kind, h) }

// Watch delivers events of kind on a buffered channel. Events are dropped
// while the channel is full.
func (c *Client) Watch(kind EventKind, buf int) (<-chan Event, func()) {
	return c.bus.Watch(kind, buf)
}

// PushState returns the push transport state. It is Unavailable when no
// push endpoint is configured.
func (c *Client) PushState() PushState {
	if c.push == nil {
		return status.Unavailable
	}
	return c.push.State()
}

// SendTyping relays a typing indicator over push. It is dropped while push
// is not connected.
func (c *Client) SendTyping(ctx context.Context, receiver string, typing bool) error {
	if c.push == nil || !c.push.IsAvailableForSend() {
		return nil
	}
	return c.push.SendTyping(ctx, receiver, typing)
}

// Preferences returns the widget settings.
func (c *Client) Preferences() Preferences { return c.cache.Preferences() }

// SetPreferences replaces the widget settings.
func (c *Client) SetPreferences(p Preferences) { c.cache.SetPreferences(p) }

// Geometry returns the last widget position and size.
func (c *Client) Geometry() Geometry { return c.cache.Geometry() }

// SetGeometry records the widget position and size.
func (c *Client) SetGeometry(g Geometry) { c.cache.SetGeometry(g) }

// Star stars or unstars a message id.
func (c *Client) Star(id string, starred bool) { c.cache.SetStarred(id, starred) }

// IsStarred reports whether a message id is starred.
func (c *Client) IsStarred(id string) bool { return c.cache.IsStarred(id) }

// Starred returns the starred message ids, sorted.
func (c *Client) Starred() []string { return c.cache.Starred() }

// MarkNoticeRead records that a system notice was read now.
func (c *Client) MarkNoticeRead(id string) { c.cache.MarkNoticeRead(id, time.Now()) }

// NoticeRead reports whether a system notice was read.
func (c *Client) NoticeRead(id string) bool {
	_, ok := c.cache.NoticeReadAt(id)
	return ok
}

// Logout evicts cached conversations, messages and the tally. Settings are
// kept for the next login of the same participant.
func (c *Client) Logout() error {
	c.engine.Close()
	if err := c.cache.Evict(); err != nil {
		return err
	}
	c.logger.Info("cache evicted on logout")
	return nil
}
