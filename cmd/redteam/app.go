package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/redteam/internal/config"
	"github.com/seantiz/redteam/internal/engine"
	"github.com/seantiz/redteam/internal/lock"
	"github.com/seantiz/redteam/internal/probe"
	"github.com/seantiz/redteam/internal/snapshot"
	"github.com/seantiz/redteam/internal/store"
	"github.com/seantiz/redteam/internal/strategy"
	"github.com/seantiz/redteam/internal/target"
)

const lockPrefix = "redteam:job:"

// app is the wired service shared by the commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	targets *target.Registry
	engine  *engine.Engine
	closers []func() error
}

func loadConfig(opts *rootOptions) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, config.NewLogger(os.Stderr, cfg.Level()), nil
}

func openStore(ctx context.Context, cfg config.DBConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return store.NewSQLiteStore(cfg.DSN)
	}
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	s, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	eopts := engine.Options{Workers: cfg.Engine.Workers, Logger: logger}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		eopts.Locker = lock.NewRedis(client, lockPrefix, cfg.Redis.LockTTL)
		logger.Info("using redis run lock", "addr", cfg.Redis.Addr)
	}

	var writers snapshot.Multi
	if cfg.Snapshot.Dir != "" {
		writers = append(writers, snapshot.NewDir(cfg.Snapshot.Dir))
	}
	if s3 := cfg.Snapshot.S3; s3.Endpoint != "" {
		m, err := snapshot.NewMinio(ctx, snapshot.MinioConfig{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to object store: %w", err)
		}
		writers = append(writers, m)
		logger.Info("mirroring snapshots to object store", "endpoint", s3.Endpoint, "bucket", s3.Bucket)
	}
	if len(writers) > 0 {
		eopts.Snapshots = writers
	}

	a.targets = target.NewDefaultRegistry(target.Options{
		AzureAPIKey:     cfg.Azure.APIKey,
		AzureAPIVersion: cfg.Azure.APIVersion,
		RequestTimeout:  cfg.Engine.TargetTimeout,
		Logger:          logger,
	})
	a.engine = engine.New(a.store, a.targets,
		strategy.NewResolver(logger),
		probe.NewSimulator(cfg.Engine.MaxConcurrent, logger),
		eopts,
	)
	return a, nil
}

// Close waits for in-flight executions and releases connections in reverse
// order of creation.
func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
