// Package poll reconciles against the backend on fixed cadences when the
// push transport is silent or absent.
package poll

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConversationReconciler refreshes the open conversation and fails sends
// that were never acknowledged.
type ConversationReconciler interface {
	ReconcileActive(ctx context.Context) error
	ExpireStale()
}

// TallyFetcher refreshes the unread tally.
type TallyFetcher interface {
	FetchAuthoritative(ctx context.Context) error
}

// PushActivity reports whether the push transport delivered recently.
type PushActivity interface {
	PushActiveWithin(d time.Duration) bool
}

// Options sets the two cadences.
type Options struct {
	ConversationInterval time.Duration
	BadgeInterval        time.Duration
	// TickTimeout bounds each tick. Zero means the tick's interval.
	TickTimeout time.Duration
}

// Loop runs the conversation and badge cadences until stopped. A failed,
// timed-out or panicking tick is logged and the next tick runs as scheduled.
type Loop struct {
	conv   ConversationReconciler
	badge  TallyFetcher
	push   PushActivity
	opts   Options
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a poll loop. push may be nil.
func NewLoop(conv ConversationReconciler, badge TallyFetcher, push PushActivity, opts Options, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		conv:   conv,
		badge:  badge,
		push:   push,
		opts:   opts,
		logger: logger,
	}
}

// Start begins both cadences.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.every(ctx, "conversation", l.opts.ConversationInterval, l.conversationTick)
		return nil
	})
	g.Go(func() error {
		l.every(ctx, "badge", l.opts.BadgeInterval, l.badge.FetchAuthoritative)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(l.done)
	}()
}

// Stop stops both cadences and waits for a running tick to return.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
}

func (l *Loop) every(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.run(ctx, name, interval, tick)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) run(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	timeout := l.opts.TickTimeout
	if timeout <= 0 {
		timeout = interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := safeTick(ctx, tick)
	if err == nil || ctx.Err() == context.Canceled {
		return
	}
	l.logger.Warn("poll tick failed", zap.String("cadence", name), zap.Error(err))
}

func safeTick(ctx context.Context, tick func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return tick(ctx)
}

// conversationTick always expires stale sends. The fetch is skipped while
// push is delivering; its frames keep the open conversation current.
func (l *Loop) conversationTick(ctx context.Context) error {
	l.conv.ExpireStale()
	if l.push != nil && l.push.PushActiveWithin(l.opts.ConversationInterval) {
		return nil
	}
	return l.conv.ReconcileActive(ctx)
}
