package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type counter struct {
	calls  atomic.Int32
	sweeps atomic.Int32
	fn     func(ctx context.Context, n int32) error
}

func (c *counter) ReconcileActive(ctx context.Context) error    { return c.call(ctx) }
func (c *counter) FetchAuthoritative(ctx context.Context) error { return c.call(ctx) }
func (c *counter) ExpireStale()                                 { c.sweeps.Add(1) }

func (c *counter) call(ctx context.Context) error {
	n := c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, n)
	}
	return nil
}

type pushState struct{ active atomic.Bool }

func (p *pushState) PushActiveWithin(time.Duration) bool { return p.active.Load() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func fastOptions() Options {
	return Options{ConversationInterval: 10 * time.Millisecond, BadgeInterval: 15 * time.Millisecond}
}

func TestLoopRunsBothCadences(t *testing.T) {
	conv, badge := &counter{}, &counter{}
	l := NewLoop(conv, badge, nil, fastOptions(), nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return conv.calls.Load() >= 3 && badge.calls.Load() >= 3 })
}

// TestLoopSurvivesFailures verifies errors and panics never stop the loop.
func TestLoopSurvivesFailures(t *testing.T) {
	conv := &counter{fn: func(_ context.Context, n int32) error {
		if n == 2 {
			panic("backend exploded")
		}
		return errors.New("backend down")
	}}
	badge := &counter{fn: func(context.Context, int32) error { return errors.New("backend down") }}
	l := NewLoop(conv, badge, nil, fastOptions(), nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return conv.calls.Load() >= 5 && badge.calls.Load() >= 5 })
}

// TestLoopTickTimeout verifies a hung tick is cancelled by its timeout and
// later ticks still run.
func TestLoopTickTimeout(t *testing.T) {
	var cancelled atomic.Int32
	conv := &counter{fn: func(ctx context.Context, _ int32) error {
		<-ctx.Done()
		cancelled.Add(1)
		return ctx.Err()
	}}
	opts := fastOptions()
	opts.TickTimeout = 5 * time.Millisecond
	l := NewLoop(conv, &counter{}, nil, opts, nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return cancelled.Load() >= 3 })
}

func TestLoopSkipsConversationWhilePushActive(t *testing.T) {
	conv, badge := &counter{}, &counter{}
	push := &pushState{}
	push.active.Store(true)
	l := NewLoop(conv, badge, push, fastOptions(), nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return badge.calls.Load() >= 3 })
	if n := conv.calls.Load(); n != 0 {
		t.Errorf("conversation polled %d times while push was active", n)
	}

	push.active.Store(false)
	waitFor(t, func() bool { return conv.calls.Load() >= 1 })
}

// TestLoopExpiresSendsWhilePushActive verifies unacknowledged sends are
// still failed when the conversation fetch is skipped for push.
func TestLoopExpiresSendsWhilePushActive(t *testing.T) {
	conv := &counter{}
	push := &pushState{}
	push.active.Store(true)
	l := NewLoop(conv, &counter{}, push, fastOptions(), nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return conv.sweeps.Load() >= 3 })
	if n := conv.calls.Load(); n != 0 {
		t.Errorf("conversation polled %d times while push was active", n)
	}
}

func TestLoopStop(t *testing.T) {
	conv, badge := &counter{}, &counter{}
	l := NewLoop(conv, badge, nil, fastOptions(), nil)
	l.Start(context.Background())
	waitFor(t, func() bool { return conv.calls.Load() >= 1 })

	l.Stop()
	after := conv.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if conv.calls.Load() != after {
		t.Error("loop kept ticking after Stop()")
	}
	l.Stop()
}
