package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
)

const (
	dialTimeout    = 5 * time.Second
	readLimit      = 1 << 20
	defaultBackoff = 500 * time.Millisecond
)

var errNotConnected = errors.New("push transport not connected")

// frame is the envelope of every push message in both directions.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type typingData struct {
	ReceiverID string `json:"receiverId"`
	Typing     bool   `json:"typing"`
}

// PushOptions configures a PushChannel.
type PushOptions struct {
	URL string
	// DialAttempts bounds consecutive failed dials before the channel
	// gives up and reports Unavailable.
	DialAttempts int
	// Backoff is the wait after the first failed dial; it doubles per attempt.
	Backoff time.Duration
	// Redial is the wait before a new round of dials after giving up. Zero
	// leaves the channel down until the next Start.
	Redial time.Duration
}

// PushChannel is the optional WebSocket transport. It is available for send
// only while its state is Connected.
type PushChannel struct {
	opts     PushOptions
	tokens   session.TokenSource
	machine  *status.Machine
	logger   *zap.Logger
	handlers handlerSet

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	lastActivity atomic.Int64
}

// NewPushChannel creates a channel in the Unavailable state. Nothing is
// dialed until Start.
func NewPushChannel(opts PushOptions, tokens session.TokenSource, machine *status.Machine, logger *zap.Logger) *PushChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DialAttempts < 1 {
		opts.DialAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	return &PushChannel{
		opts:    opts,
		tokens:  tokens,
		machine: machine,
		logger:  logger,
	}
}

func (p *PushChannel) Kind() Kind { return KindPush }

func (p *PushChannel) IsAvailableForSend() bool {
	return p.machine.Current() == status.Connected
}

// State returns the connection state.
func (p *PushChannel) State() status.State { return p.machine.Current() }

// OnInboundEvent registers h for newMessage, typing and presence frames.
func (p *PushChannel) OnInboundEvent(h Handler) func() {
	return p.handlers.add(h)
}

// LastActivity returns when the last inbound frame arrived, or the zero time.
func (p *PushChannel) LastActivity() time.Time {
	n := p.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *PushChannel) touch() { p.lastActivity.Store(time.Now().UnixNano()) }

// Start dials in the background and keeps the connection up until Stop.
// After DialAttempts consecutive failures the channel is Unavailable and
// dials again every Redial, or stops so that a later Start can retry.
func (p *PushChannel) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop closes the connection and waits for the background loop to exit.
func (p *PushChannel) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *PushChannel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.release(done)
	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil || p.opts.Redial <= 0 {
				return
			}
			select {
			case <-time.After(p.opts.Redial):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.readLoop(ctx, conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		p.transition(status.Disconnected)

		if ctx.Err() != nil {
			return
		}
		p.logger.Info("push connection lost, reconnecting")
	}
}

// release forgets the loop owning done, unless Stop already did.
func (p *PushChannel) release(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return
	}
	p.cancel()
	p.cancel, p.done = nil, nil
}

// connect dials with exponential backoff. It leaves the machine Connected on
// success, Unavailable once attempts are exhausted.
func (p *PushChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	p.transition(status.Connecting)

	backoff := p.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= p.opts.DialAttempts; attempt++ {
		conn, err := p.dial(ctx)
		if err == nil {
			conn.SetReadLimit(readLimit)
			p.mu.Lock()
			p.conn = conn
			p.mu.Unlock()
			p.touch()
			p.transition(status.Connected)
			p.logger.Info("push transport connected", zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			p.transition(status.Disconnected)
			return nil, ctx.Err()
		}
		p.logger.Warn("push dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.opts.DialAttempts),
			zap.Error(err))
		if attempt == p.opts.DialAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			p.transition(status.Disconnected)
			return nil, ctx.Err()
		}
	}

	p.transition(status.Unavailable)
	p.logger.Warn("push transport unavailable, giving up", zap.Error(lastErr))
	return nil, lastErr
}

func (p *PushChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	header := http.Header{}
	if p.tokens != nil {
		if token := p.tokens(); token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial push transport: %w", err)
	}
	return conn, nil
}

func (p *PushChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("push read failed", zap.Error(err))
			}
			return
		}
		p.touch()
		if typ != websocket.MessageText {
			continue
		}
		evt, err := ParseFrame(data)
		if err != nil {
			p.logger.Warn("dropping malformed push frame", zap.Error(err))
			continue
		}
		p.handlers.dispatch(evt)
	}
}

func (p *PushChannel) transition(to status.State) {
	if p.machine.Current() == to {
		return
	}
	if err := p.machine.Transition(to); err != nil {
		p.logger.Debug("push state transition rejected", zap.Error(err))
	}
}

// Send emits msg as a "send" frame. Delivery is not acknowledged; the
// message settles when its echo is reconciled.
func (p *PushChannel) Send(ctx context.Context, msg model.Message) (*model.Message, error) {
	if err := p.write(ctx, frame{Event: "send", Data: toOutgoing(msg)}); err != nil {
		return nil, err
	}
	return nil, nil
}

// SendTyping emits a typing indicator for receiver.
func (p *PushChannel) SendTyping(ctx context.Context, receiver string, typing bool) error {
	return p.write(ctx, frame{Event: EventTyping, Data: typingData{ReceiverID: receiver, Typing: typing}})
}

func (p *PushChannel) write(ctx context.Context, f frame) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !p.IsAvailableForSend() {
		return &model.TransportError{Op: "push " + f.Event, Err: errNotConnected}
	}
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return &model.TransportError{Op: "push " + f.Event, Err: err}
	}
	return nil
}

// AwaitReady blocks until the channel is Connected or timeout elapses.
func (p *PushChannel) AwaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		changed := p.machine.Changed()
		if p.machine.Current() == status.Connected {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("push transport not ready: %w", ctx.Err())
		}
	}
}
