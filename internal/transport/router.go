package transport

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Router selects the channel for each outbound send.
type Router struct {
	request  Requester
	push     Pusher
	logger   *zap.Logger
	fellBack atomic.Bool
}

// NewRouter creates a router. push may be nil when no push endpoint is
// configured; the router then always uses request.
func NewRouter(request Requester, push Pusher, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{request: request, push: push, logger: logger}
}

// Active returns the push channel while it is connected, else the request
// channel.
func (r *Router) Active() Channel {
	if r.push != nil && r.push.IsAvailableForSend() {
		return r.push
	}
	return r.request
}

// Request returns the request channel.
func (r *Router) Request() Requester { return r.request }

// AwaitPush waits once for the push channel to connect. On timeout the
// router records the fallback; a push connection that appears later is
// still used.
func (r *Router) AwaitPush(ctx context.Context, timeout time.Duration) bool {
	if r.push == nil {
		r.fellBack.Store(true)
		r.logger.Info("no push transport configured, using request transport")
		return false
	}
	if err := r.push.AwaitReady(ctx, timeout); err != nil {
		r.fellBack.Store(true)
		r.logger.Warn("push transport not ready, falling back to request transport",
			zap.Duration("waited", timeout), zap.Error(err))
		return false
	}
	return true
}

// FellBack reports whether the startup wait for push timed out.
func (r *Router) FellBack() bool { return r.fellBack.Load() }

// PushActiveWithin reports whether the push channel is connected and
// received a frame within d.
func (r *Router) PushActiveWithin(d time.Duration) bool {
	if r.push == nil || !r.push.IsAvailableForSend() {
		return false
	}
	last := r.push.LastActivity()
	return !last.IsZero() && time.Since(last) < d
}

// OnInboundEvent registers h on both channels.
func (r *Router) OnInboundEvent(h Handler) func() {
	releases := []func(){r.request.OnInboundEvent(h)}
	if r.push != nil {
		releases = append(releases, r.push.OnInboundEvent(h))
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}
}
