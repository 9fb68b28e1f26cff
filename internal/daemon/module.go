package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/api"
	"github.com/matheus3301/socialchat/internal/auth"
	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/config"
	"github.com/matheus3301/socialchat/internal/lock"
	"github.com/matheus3301/socialchat/internal/logging"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/netwatch"
	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/profile"
	"github.com/matheus3301/socialchat/internal/realtime"
	"github.com/matheus3301/socialchat/internal/restapi"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/store"
	intsync "github.com/matheus3301/socialchat/internal/sync"
)

// seedLimit bounds how many cached conversations are shown before the first fetch.
const seedLimit = 200

// startupTimeout bounds the fetch and connect issued on startup and login.
const startupTimeout = 30 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAuth,
			provideRESTClient,
			provideDialer,
			provideNotifier,
			provideManager,
			provideSyncEngine,
			provideWatcher,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAuth(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*auth.Provider, error) {
	sess := auth.NewProvider(profile.CredentialsPath(p.Profile), nil, b, logger)
	if err := sess.Load(); err != nil {
		return nil, err
	}
	return sess, nil
}

func provideRESTClient(cfg *config.Config, sess *auth.Provider, logger *zap.Logger) (*restapi.Client, error) {
	c, err := restapi.New(cfg.Server.BaseURL, sess.Token,
		restapi.WithCallTimeout(cfg.Server.CallTimeout.Duration),
		restapi.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	sess.SetUserLookup(c)
	return c, nil
}

func provideDialer(cfg *config.Config) realtime.Dialer {
	return realtime.NewWSDialer(cfg.Realtime.ReadTimeout.Duration, cfg.Realtime.WriteTimeout.Duration)
}

func provideNotifier(b *bus.Bus, logger *zap.Logger) notify.Sink {
	return notify.NewBusSink(b, logger)
}

func provideManager(
	cfg *config.Config,
	sess *auth.Provider,
	client *restapi.Client,
	dialer realtime.Dialer,
	b *bus.Bus,
	machine *status.Machine,
	notifier notify.Sink,
	logger *zap.Logger,
) (*messaging.Manager, error) {
	mcfg, err := messaging.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	return messaging.New(mcfg, sess, client, dialer,
		messaging.WithBus(b),
		messaging.WithMachine(machine),
		messaging.WithNotifier(notifier),
		messaging.WithLogger(logger),
	), nil
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideWatcher(cfg *config.Config, m *messaging.Manager, logger *zap.Logger) (*netwatch.Watcher, error) {
	return netwatch.New(cfg.Server.BaseURL,
		cfg.Network.ProbeInterval.Duration,
		cfg.Network.ProbeTimeout.Duration,
		m.SetNetworkOnline,
		netwatch.WithLogger(logger),
	)
}

func provideChatService(p Params, m *messaging.Manager, sess *auth.Provider, db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.Profile, m, sess, db, engine.Reconciler(), b, logger)
}

type lifecycleDeps struct {
	fx.In

	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Session *auth.Provider
	Manager *messaging.Manager
	Engine  *intsync.Engine
	Watcher *netwatch.Watcher
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var unhook []func()

	goOnline := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startSession(ctx, d.Manager, d.Logger.With(zap.String("reason", reason)))
		}()
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to chat.* and conn.* bus events).
			d.Engine.Start(ctx)

			if cached, err := d.Engine.CachedConversations(seedLimit); err != nil {
				d.Logger.Warn("failed to load cached conversations", zap.Error(err))
			} else if len(cached) > 0 {
				d.Manager.Seed(cached)
				d.Logger.Info("seeded conversations from cache", zap.Int("count", len(cached)))
			}

			unhook = append(unhook,
				d.Session.OnLogin(func(auth.Identity) { goOnline("login") }),
				d.Session.OnLogout(func(auth.Identity) { d.Manager.Disconnect() }),
			)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			d.Watcher.Start(ctx)

			if d.Session.Current().LoggedIn() {
				goOnline("startup")
			} else {
				d.Logger.Info("no credentials found, login required")
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			for _, fn := range unhook {
				fn()
			}
			cancel()
			wg.Wait()
			d.Watcher.Stop()
			d.Manager.Close()
			d.Engine.Stop()
			d.Server.Stop(stopCtx)
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}

// startSession refreshes the conversation list and opens the realtime link.
func startSession(ctx context.Context, m *messaging.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if _, err := m.FetchConversations(ctx); err != nil {
		logger.Warn("conversation fetch failed", zap.Error(err))
	}
	if err := m.Connect(ctx); err != nil {
		logger.Warn("connect failed", zap.Error(err))
	}
}
