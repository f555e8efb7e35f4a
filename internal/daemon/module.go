// Package daemon composes the engine: one fx module providing every
// component and the lifecycle hooks that connect and tear down the session.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/pmoura/chirp/internal/auth"
	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/call"
	"github.com/pmoura/chirp/internal/chat"
	"github.com/pmoura/chirp/internal/config"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/contacts"
	"github.com/pmoura/chirp/internal/lock"
	"github.com/pmoura/chirp/internal/logging"
	"github.com/pmoura/chirp/internal/rest"
	"github.com/pmoura/chirp/internal/rtc"
	"github.com/pmoura/chirp/internal/session"
	"github.com/pmoura/chirp/internal/store"
	"github.com/pmoura/chirp/internal/typing"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideCredentials,
			provideIdentity,
			provideStore,
			provideManager,
			provideDirectory,
			provideRESTClient,
			provideChatStore,
			provideTyping,
			providePeerFactory,
			provideMediaDevices,
			provideCallEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("wrote default config", zap.String("path", path))
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCredentials(p Params) auth.Provider {
	return &auth.FileProvider{Path: session.TokenPath(p.SessionName)}
}

// provideIdentity resolves the local identity once at startup. The daemon
// refuses to start without a usable token.
func provideIdentity(creds auth.Provider, logger *zap.Logger) (*auth.Credentials, error) {
	c, err := creds.Credentials()
	if err != nil {
		logger.Error("no usable credentials", zap.Error(err))
		return nil, err
	}
	logger.Info("identity resolved", zap.String("email", c.Email))
	return c, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("history cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideManager(cfg *config.Config, creds auth.Provider, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.Server, creds, b, logger)
}

func provideDirectory(b *bus.Bus) *contacts.Directory {
	return contacts.NewDirectory(b)
}

func provideRESTClient(cfg *config.Config, creds auth.Provider, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.RESTBaseURL, creds, logger)
}

func provideChatStore(id *auth.Credentials, m *conn.Manager, dir *contacts.Directory, rc *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Store {
	return chat.NewStore(id.Email, m, dir, rc, db, b, logger)
}

func provideTyping(m *conn.Manager, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(m, b, logger)
}

func providePeerFactory(cfg *config.Config, logger *zap.Logger) *rtc.Factory {
	return rtc.NewFactory(cfg.Call.STUNServers, logger)
}

func provideMediaDevices(cfg *config.Config, logger *zap.Logger) *rtc.Devices {
	return rtc.NewDevices(rtc.MediaOptions{
		AudioPath: cfg.Call.AudioPath,
		VideoPath: cfg.Call.VideoPath,
	}, logger)
}

func provideCallEngine(id *auth.Credentials, m *conn.Manager, factory *rtc.Factory, media *rtc.Devices, b *bus.Bus, logger *zap.Logger) *call.Engine {
	return call.NewEngine(id.Email, m, factory, media, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, m *conn.Manager, chatStore *chat.Store, typ *typing.Coordinator, engine *call.Engine, dir *contacts.Directory, rc *rest.Client, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := m.SetRouter(&router{
				chat:     chatStore,
				typing:   typ,
				calls:    engine,
				contacts: dir,
			}); err != nil {
				return err
			}

			// Seed the directory from the local cache immediately, then
			// refresh from the server in the background.
			if cached, err := db.ListContacts(); err != nil {
				logger.Warn("load cached contacts failed", zap.Error(err))
			} else {
				for _, c := range cached {
					dir.Upsert(c)
				}
			}
			go seedContacts(dir, rc, db, logger)

			// Connect in the background so a slow or down server never
			// blocks daemon startup. A failure surfaces as a conn.lost
			// event; reconnect is a user action.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := m.Connect(ctx); err != nil {
					logger.Error("connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(context.Context) error {
			engine.EndCall(wire.ReasonHangup)
			m.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing history cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// seedContacts pulls the server contact book, merges it into the directory
// and persists it for offline starts. Best effort.
func seedContacts(dir *contacts.Directory, rc *rest.Client, db *store.DB, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	records, err := rc.ListContacts(ctx)
	if err != nil {
		logger.Warn("contact seed failed", zap.Error(err))
		return
	}
	merged := make([]contacts.Contact, 0, len(records))
	for _, r := range records {
		c := contacts.Contact{
			Email:     r.Email,
			Name:      r.Name,
			AvatarURL: r.AvatarURL,
			Online:    r.Online,
		}
		dir.Upsert(c)
		merged = append(merged, c)
	}
	if err := db.BulkUpsertContacts(merged); err != nil {
		logger.Warn("persist contacts failed", zap.Error(err))
	}
	logger.Info("contacts seeded", zap.Int("count", len(merged)))
}
