package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatsql/chatsql/internal/api"
	"github.com/chatsql/chatsql/internal/archive"
	s3archive "github.com/chatsql/chatsql/internal/archive/s3"
	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/catalog"
	catalogpostgres "github.com/chatsql/chatsql/internal/catalog/postgres"
	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/query/sqldb"
	"github.com/chatsql/chatsql/internal/session"
	sessionpostgres "github.com/chatsql/chatsql/internal/session/postgres"
	"github.com/chatsql/chatsql/internal/stream"
	"github.com/chatsql/chatsql/internal/stream/redisrelay"
	"github.com/chatsql/chatsql/internal/task"
)

func main() {
	cfg, err := config.LoadFromEnv("chatsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type storeHealth interface {
	session.Store
	HealthCheck(ctx context.Context) error
}

func run(cfg config.Config, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	store, policies, closer, err := openStores(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	connections, err := sqldb.ParseConnections(cfg.Connections.Entries)
	if err != nil {
		return fmt.Errorf("parse database connections: %w", err)
	}
	engines := sqldb.NewRegistry(connections, sqldb.PoolConfig{
		MaxOpenConns:    cfg.Connections.MaxOpenConns,
		MaxIdleConns:    cfg.Connections.MaxIdleConns,
		ConnMaxLifetime: cfg.Connections.ConnMaxLifetime,
	})
	closers = append(closers, engines)
	logger.Info("database connections configured", slog.Any("refs", engines.Refs()))

	var translator nl2sql.Translator = nl2sql.DirectTranslator{}
	if cfg.AI.Enabled {
		translator, err = nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			return fmt.Errorf("initialize query translator: %w", err)
		}
	} else {
		logger.Warn("model translation disabled; messages are treated as SQL")
	}

	broker := stream.NewBroker(
		stream.WithSubscriberBuffer(cfg.Stream.SubscriberBuffer),
		stream.WithIdleRetention(cfg.Stream.IdleRetention),
	)
	var relay *redisrelay.Relay
	if cfg.Stream.RedisAddr != "" {
		redisClient, err := redisrelay.NewClient(redisrelay.Config{
			Addr:          cfg.Stream.RedisAddr,
			Password:      cfg.Stream.RedisPassword,
			DB:            cfg.Stream.RedisDB,
			ChannelPrefix: cfg.Stream.RedisChannelPrefix,
		})
		if err != nil {
			return fmt.Errorf("initialize stream relay: %w", err)
		}
		closers = append(closers, redisClient)
		relay = redisrelay.New(redisClient, broker, cfg.Stream.RedisChannelPrefix, logger)
	}

	var archiver *archive.Archiver
	if cfg.ObjectStore.Enabled {
		objectStore, err := s3archive.New(context.Background(), s3archive.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
		archiver = archive.NewArchiver(objectStore)
	}

	manager, err := task.NewManager(task.Config{
		MaxConcurrent:         cfg.Task.MaxConcurrent,
		ExplorationSampleRows: cfg.Task.ExplorationSampleRows,
		RunTimeout:            cfg.Task.RunTimeout,
		DefaultSalt:           cfg.Masking.Salt,
		InstanceID:            cfg.Task.InstanceID,
	}, task.Dependencies{
		Store:      store,
		Catalog:    policies,
		Engines:    engines,
		Translator: translator,
		Broker:     broker,
		Archiver:   archiver,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize task manager: %w", err)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := manager.Recover(startupCtx)
	cancelStartup()
	if err != nil {
		return fmt.Errorf("recover unfinished tasks: %w", err)
	}
	if recovered > 0 {
		logger.Warn("failed tasks interrupted by a previous shutdown", slog.Int("count", recovered), slog.String("instance_id", manager.InstanceID()))
	}

	validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		return fmt.Errorf("parse static auth keys: %w", err)
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(api.CheckStore(store), api.CheckObjectStoreConfig(cfg)),
		AuthMiddleware:    auth.Middleware(logger, validator, cfg.Auth.Required),
		DependencyTimeout: time.Second,
		Tasks:             manager,
		Sessions:          store,
		Broker:            broker,
		Archiver:          archiver,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		// Streams stay open; WriteTimeout would cut them off.
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if relay != nil {
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return manager.RunRecovery(groupCtx, cfg.Task.RecoverInterval)
	})
	group.Go(func() error {
		return broker.RunSweeper(groupCtx, cfg.Stream.IdleRetention)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.Any("error", err))
			_ = server.Close()
		}
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn("running tasks cancelled at shutdown", slog.Any("error", err))
		}
		return nil
	})
	return group.Wait()
}

// openStores picks the session store and the policy catalog. Both postgres
// choices share one connection pool.
func openStores(cfg config.Config) (storeHealth, catalog.Source, io.Closer, error) {
	var (
		store  storeHealth
		closer io.Closer
	)
	needDB := cfg.Store.Driver == config.StorePostgres || cfg.Catalog.Source == config.CatalogPostgres
	var repo *catalogpostgres.Repository
	if needDB {
		db, err := sessionpostgres.Open(context.Background(), sessionpostgres.DBConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open store db: %w", err)
		}
		closer = db
		repo = catalogpostgres.NewRepository(db)
		if cfg.Store.Driver == config.StorePostgres {
			store = sessionpostgres.NewRepository(db)
		}
	}
	if store == nil {
		store = session.NewMemoryStore()
	}

	if cfg.Catalog.Source == config.CatalogPostgres {
		return store, repo, closer, nil
	}
	file, err := catalog.LoadFile(cfg.Catalog.PolicyFile)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, nil, fmt.Errorf("load policy catalog: %w", err)
	}
	return store, file, closer, nil
}
