package app

import (
	"context"
	"errors"
	"time"

	"github.com/parleyapp/parley/internal/bus"
	"github.com/parleyapp/parley/internal/cache"
	"github.com/parleyapp/parley/internal/chat"
	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/conversation"
	"github.com/parleyapp/parley/internal/lock"
	"github.com/parleyapp/parley/internal/logging"
	"github.com/parleyapp/parley/internal/session"
	"github.com/parleyapp/parley/internal/status"
	"github.com/parleyapp/parley/internal/transport"
	"github.com/parleyapp/parley/internal/tui"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("parley",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideREST,
			provideSocket,
			provideStore,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err == nil {
		return cfg, nil
	}
	// First run: no config yet.
	cfg = config.Default()
	if saveErr := config.Save(session.ConfigPath(), cfg); saveErr != nil {
		return nil, saveErr
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, false)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideREST(p Params, cfg *config.Config, logger *zap.Logger) *transport.REST {
	tokenSource := func() string {
		token, err := session.LoadToken(p.SessionName)
		if err != nil {
			return ""
		}
		return token
	}
	return transport.NewREST(cfg.ServerURL, tokenSource, logger)
}

func provideSocket(cfg *config.Config, logger *zap.Logger) *transport.Socket {
	return transport.NewSocket(cfg.ServerURL, logger)
}

func provideStore(rest *transport.REST, sock *transport.Socket, db *cache.DB, b *bus.Bus, logger *zap.Logger) *chat.Store {
	s := chat.NewStore(rest, sock, b, logger)
	s.AttachCache(db)
	return s
}

func provideApp(p Params, store *chat.Store, rest *transport.REST, sock *transport.Socket, db *cache.DB, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *tui.App {
	factory := func(chatID string) *conversation.Controller {
		return conversation.New(chatID, store.UserID(), conversation.Deps{
			Store:        store,
			API:          rest,
			Socket:       sock,
			Cache:        db,
			Bus:          b,
			Logger:       logger,
			PollInterval: cfg.PollInterval(),
		})
	}
	return tui.NewApp(store, b, machine, factory, p.SessionName, logger)
}

// connect resolves the authenticated identity and brings the socket up.
func connect(p Params, store *chat.Store, rest *transport.REST, machine *status.Machine, token string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	me, err := rest.Me(ctx)
	if err != nil {
		if transport.IsAuth(err) {
			logger.Info("stored token rejected, logging out")
			_ = session.ClearToken(p.SessionName)
			_ = machine.Transition(status.LoggedOut)
			return
		}
		logger.Warn("identity fetch failed", zap.Error(err))
		_ = machine.Transition(status.Offline)
		return
	}

	if err := store.ConnectSocket(ctx, token, me.ID); err != nil {
		logger.Warn("socket connect failed", zap.Error(err))
		_ = machine.Transition(status.Offline)
		return
	}
	_ = machine.Transition(status.Online)
}

func registerLifecycle(lc fx.Lifecycle, sh fx.Shutdowner, p Params, app *tui.App, store *chat.Store, rest *transport.REST, db *cache.DB, lk *lock.Lock, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			token, err := session.LoadToken(p.SessionName)
			switch {
			case errors.Is(err, session.ErrNoToken):
				logger.Info("no session token, starting logged out")
				_ = machine.Transition(status.LoggedOut)
			case err != nil:
				return err
			default:
				_ = machine.Transition(status.Connecting)
				go connect(p, store, rest, machine, token, logger)
			}

			go func() {
				if err := app.Run(); err != nil {
					logger.Error("ui error", zap.Error(err))
				}
				_ = sh.Shutdown()
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			app.Stop()
			store.DisconnectSocket()
			if err := db.Close(); err != nil {
				logger.Warn("cache close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
