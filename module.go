package convsync

import (
	"context"
	"fmt"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/poll"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/store/badgerkv"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds what the host application passes to the fx module.
type Params struct {
	// Config is used as is when set. Otherwise the config is resolved from
	// ConfigPath (empty means ~/.convsync/config.toml) and the environment.
	Config     *config.Config
	ConfigPath string
	// Tokens returns the current session token.
	Tokens session.TokenSource
	// ParticipantID overrides the id read from the session token.
	ParticipantID string
}

// participant is the resolved local participant id.
type participant string

// Module returns the fx module for the sync engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("convsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideResolver,
			provideParticipant,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSubstrate,
			provideCache,
			provideRequestChannel,
			providePushChannel,
			provideRouter,
			provideUnread,
			provideEngine,
			providePollLoop,
			newClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		if err := p.Config.Validate(); err != nil {
			return nil, err
		}
		return p.Config, nil
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideResolver(p Params) *session.Resolver {
	return session.NewResolver(p.Tokens, p.ParticipantID)
}

func provideParticipant(r *session.Resolver) (participant, error) {
	id, err := r.Participant()
	if err != nil {
		return "", err
	}
	if err := session.ValidateID(id); err != nil {
		return "", fmt.Errorf("participant id: %w", err)
	}
	return participant(id), nil
}

func provideLogger(cfg *config.Config, id participant) (*zap.Logger, error) {
	var path string
	if cfg.Log.File {
		path = session.LogPath(cfg.Cache.Dir, string(id))
	}
	return logging.New(path, string(id), cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// provideLock takes the participant's cache directory. A memory cache has
// no directory and needs no lock; Release is nil-safe.
func provideLock(lc fx.Lifecycle, cfg *config.Config, id participant, logger *zap.Logger) (*lock.Lock, error) {
	if cfg.Cache.Backend == config.BackendMemory {
		return nil, nil
	}
	if err := session.EnsureDir(cfg.Cache.Dir, string(id)); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(cfg.Cache.Dir, string(id)))
	if err != nil {
		return nil, err
	}
	logger.Info("cache lock acquired")
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing cache lock", zap.Error(err))
		}
	}))
	return l, nil
}

// provideSubstrate depends on the lock so the cache files are opened only
// by the process holding it.
func provideSubstrate(lc fx.Lifecycle, cfg *config.Config, id participant, _ *lock.Lock, logger *zap.Logger) (cache.Substrate, error) {
	switch cfg.Cache.Backend {
	case config.BackendBadger:
		dir := session.BadgerDir(cfg.Cache.Dir, string(id))
		s, err := badgerkv.Open(dir)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		logger.Info("badger cache opened", zap.String("path", dir))
		return s, nil

	case config.BackendMemory:
		s, err := badgerkv.Open("")
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		return s, nil

	default:
		path := session.CacheDBPath(cfg.Cache.Dir, string(id))
		db, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		lc.Append(fx.StopHook(db.Close))
		logger.Info("sqlite cache opened", zap.String("path", path))
		return db, nil
	}
}

func provideCache(sub cache.Substrate, id participant, logger *zap.Logger) (*cache.Cache, error) {
	c := cache.New(sub, logger)
	if err := c.Load(string(id)); err != nil {
		return nil, err
	}
	return c, nil
}

func provideRequestChannel(cfg *config.Config, r *session.Resolver, logger *zap.Logger) *transport.RequestChannel {
	return transport.NewRequestChannel(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout.Std(), r.Token, logger)
}

// providePushChannel returns nil when no push endpoint is configured.
func providePushChannel(cfg *config.Config, r *session.Resolver, m *status.Machine, logger *zap.Logger) *transport.PushChannel {
	if cfg.Backend.PushURL == "" {
		return nil
	}
	return transport.NewPushChannel(transport.PushOptions{
		URL:          cfg.Backend.PushURL,
		DialAttempts: cfg.Sync.PushDialAttempts,
		Redial:       cfg.Sync.PushRedialInterval.Std(),
	}, r.Token, m, logger)
}

func provideRouter(req *transport.RequestChannel, push *transport.PushChannel, logger *zap.Logger) *transport.Router {
	// A nil *PushChannel must not become a non-nil Pusher.
	var p transport.Pusher
	if push != nil {
		p = push
	}
	return transport.NewRouter(req, p, logger)
}

func provideUnread(c *cache.Cache, b *bus.Bus, req *transport.RequestChannel, logger *zap.Logger) *unread.Service {
	return unread.NewService(c, b, req, logger)
}

func provideEngine(c *cache.Cache, b *bus.Bus, router *transport.Router, u *unread.Service, r *session.Resolver, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(c, b, router, u, r, intsync.Options{
		OpenTimeout:    cfg.Sync.OpenTimeout.Std(),
		EchoWindow:     cfg.Sync.EchoWindow.Std(),
		SendingTimeout: cfg.Sync.SendingTimeout.Std(),
	}, logger)
}

func providePollLoop(engine *intsync.Engine, u *unread.Service, router *transport.Router, cfg *config.Config, logger *zap.Logger) *poll.Loop {
	return poll.NewLoop(engine, u, router, poll.Options{
		ConversationInterval: cfg.Sync.ConversationPollInterval.Std(),
		BadgeInterval:        cfg.Sync.BadgePollInterval.Std(),
		TickTimeout:          cfg.Sync.TickTimeout.Std(),
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, push *transport.PushChannel, router *transport.Router, engine *intsync.Engine, u *unread.Service, loop *poll.Loop, logger *zap.Logger) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Subscribe before push starts so no frame is missed.
			engine.Start(ctx)
			if push != nil {
				push.Start(ctx)
			}
			loop.Start(ctx)

			// Bootstrap in background: wait once for push, then load the
			// conversation list and the authoritative tally.
			go func() {
				defer close(done)
				router.AwaitPush(ctx, cfg.Sync.PushReadyTimeout.Std())
				if _, err := engine.LoadConversations(ctx); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
				if err := u.FetchAuthoritative(ctx); err != nil {
					logger.Warn("initial unread fetch failed", zap.Error(err))
				}
			}()

			logger.Info("sync engine started", zap.Bool("push", push != nil))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			<-done
			loop.Stop()
			if push != nil {
				push.Stop()
			}
			engine.Stop()
			logger.Info("sync engine stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
