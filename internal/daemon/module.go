// Package daemon composes the warblerd process: profile lock, store,
// history engine, delivery pipeline and archive sync, wired through fx.
package daemon

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mfonseca/warbler/internal/bus"
	"github.com/mfonseca/warbler/internal/config"
	"github.com/mfonseca/warbler/internal/history"
	"github.com/mfonseca/warbler/internal/lock"
	"github.com/mfonseca/warbler/internal/logging"
	"github.com/mfonseca/warbler/internal/mamsync"
	"github.com/mfonseca/warbler/internal/outbox"
	"github.com/mfonseca/warbler/internal/profile"
	"github.com/mfonseca/warbler/internal/registry"
	"github.com/mfonseca/warbler/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
// Transport, Archive and the ciphers are the protocol-layer collaborators;
// leaving them nil runs the daemon offline (messages queue as unsent, sync
// is abandoned until a session exists).
type Params struct {
	Profile string
	Account string
	DataDir string // optional override for testing; empty = profile dir

	Transport outbox.Transport
	Archive   mamsync.ArchiveClient
	Decoder   history.Cipher
	Encoder   outbox.Cipher
}

// Module returns the fx module for the daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideHistory,
			provideSender,
			provideScheduler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func dataDir(p Params) string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return profile.Dir(p.Profile)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := profile.LogPath(p.Profile)
	if p.DataDir != "" {
		logPath = filepath.Join(p.DataDir, "warblerd.log")
	}
	return logging.New(logPath, p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir := dataDir(p)
	if p.DataDir == "" {
		if err := profile.EnsureDir(p.Profile); err != nil {
			return nil, err
		}
	}
	logger.Info("acquiring profile lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(dataDir(p), "history.db")
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry(db *store.DB) *registry.Registry {
	return registry.New(db)
}

func provideHistory(p Params, cfg *config.Config, db *store.DB, chats *registry.Registry, b *bus.Bus, logger *zap.Logger) *history.Store {
	return history.New(history.Options{
		DB:           db,
		Chats:        chats,
		Bus:          b,
		Log:          logger,
		Cipher:       p.Decoder,
		LinkPreviews: cfg.LinkPreviews,
	})
}

func provideSender(p Params, cfg *config.Config, h *history.Store, logger *zap.Logger) *outbox.Sender {
	transport := p.Transport
	if transport == nil {
		transport = offlineTransport{}
	}
	var encoder outbox.Cipher
	if cfg.Encryption == "e2ee" {
		encoder = p.Encoder
	}
	return outbox.New(h, transport, encoder, logger)
}

func provideScheduler(p Params, cfg *config.Config, db *store.DB, h *history.Store, b *bus.Bus, logger *zap.Logger) *mamsync.Scheduler {
	client := p.Archive
	if client == nil {
		client = offlineArchive{}
	}
	return mamsync.New(mamsync.Options{
		DB:          db,
		History:     h,
		Bus:         b,
		Log:         logger,
		Client:      client,
		Auto:        cfg.SyncAuto,
		WindowHours: cfg.SyncWindowHours,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, chats *registry.Registry, h *history.Store, sender *outbox.Sender, scheduler *mamsync.Scheduler, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := chats.Load(p.Account); err != nil {
				return err
			}
			h.Start()

			// With a live session, replay pending sends and catch up on
			// the archive.
			if p.Transport != nil && p.Transport.Connected() {
				if err := sender.ResumeUnsent(p.Account); err != nil {
					logger.Error("unsent replay failed", zap.Error(err))
				}
				if err := scheduler.Schedule(p.Account); err != nil {
					logger.Error("archive sync scheduling failed", zap.Error(err))
				}
			}
			logger.Info("daemon started", zap.String("account", p.Account))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			sender.Stop()
			h.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
