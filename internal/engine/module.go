package engine

import (
	"context"
	"errors"
	"os"

	"github.com/jonboulle/clockwork"
	miniolib "github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/export"
	"github.com/tarekmestiri/souqtalk/internal/ingest"
	"github.com/tarekmestiri/souqtalk/internal/lock"
	"github.com/tarekmestiri/souqtalk/internal/logging"
	"github.com/tarekmestiri/souqtalk/internal/media"
	"github.com/tarekmestiri/souqtalk/internal/outbox"
	"github.com/tarekmestiri/souqtalk/internal/presence"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/session"
	"github.com/tarekmestiri/souqtalk/internal/status"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the engine daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRedisClient,
			provideDocStore,
			provideMinioClient,
			provideBlobStore,
			provideFileSystem,
			provideClock,
			provideTracker,
			provideChatStore,
			providePipeline,
			providePresenceMonitor,
			provideIngestEngine,
			provideSender,
			provideStateMachine,
			provideExporter,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if saveErr := config.Save(path, cfg); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func provideDocStore(rdb *redis.Client, logger *zap.Logger) remote.DocStore {
	return remote.NewRedisStore(rdb, logger)
}

func provideMinioClient(cfg *config.Config) (*miniolib.Client, error) {
	return remote.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey,
		cfg.Minio.SecretKey, cfg.Minio.UseSSL)
}

func provideBlobStore(client *miniolib.Client, cfg *config.Config) (remote.BlobStore, error) {
	return remote.NewMinioStore(context.Background(), client, cfg.Minio.Bucket)
}

func provideFileSystem() remote.FileSystem {
	return remote.NewOSFileSystem()
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideTracker(b *bus.Bus, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(b, logger)
}

func provideChatStore(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chatstate.Store {
	return chatstate.NewStore(db, b, cfg.SelfID, logger)
}

func providePipeline(fs remote.FileSystem, blobs remote.BlobStore, db *store.DB, b *bus.Bus, tracker *delivery.Tracker, cfg *config.Config, logger *zap.Logger) *media.Pipeline {
	return media.NewPipeline(fs, blobs, db, b, tracker, cfg.Engine, logger)
}

func providePresenceMonitor(docs remote.DocStore, b *bus.Bus, clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *presence.Monitor {
	return presence.NewMonitor(docs, b, clock, cfg.Engine, logger)
}

func provideIngestEngine(docs remote.DocStore, chats *chatstate.Store, tracker *delivery.Tracker, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(docs, chats, tracker, db, b, cfg.SelfID, logger)
}

func provideSender(db *store.DB, docs remote.DocStore, uploads *media.Pipeline, tracker *delivery.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, docs, uploads, tracker, b, cfg.SelfID, cfg.Engine, logger)
}

func provideStateMachine(b *bus.Bus, chats *chatstate.Store, logger *zap.Logger) *status.Machine {
	return status.NewMachine(b, chats, logger)
}

func provideExporter(db *store.DB) *export.Exporter {
	return export.NewExporter(db)
}

func provideEngine(chats *chatstate.Store, tracker *delivery.Tracker, sender *outbox.Sender, docs remote.DocStore, pipeline *media.Pipeline, monitor *presence.Monitor, exporter *export.Exporter, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Engine {
	return NewEngine(chats, tracker, sender, docs, pipeline, monitor, exporter, db, b, cfg.Engine, cfg.SelfID, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, eng *Engine, chats *chatstate.Store, ing *ingest.Engine, sender *outbox.Sender, machine *status.Machine, db *store.DB, rdb *redis.Client, lk *lock.Lock, cfg *config.Config, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := chats.Load(); err != nil {
				return err
			}
			go chats.Run(runCtx, cfg.Engine.SnapshotBuffer)

			if err := machine.Set(status.StateConnecting); err != nil {
				return err
			}
			if err := ing.Start(runCtx); err != nil {
				_ = machine.Set(status.StateError)
				return err
			}
			if err := machine.Set(status.StateSyncing); err != nil {
				return err
			}

			sender.Start(runCtx)

			if err := machine.Set(status.StateReady); err != nil {
				return err
			}
			logger.Info("engine started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			ing.Stop()
			eng.Close()
			cancel()
			chats.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis client", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
