// Package main is the entrypoint for the SaveSync API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/blob"
	"github.com/savesync/savesync/internal/cache"
	"github.com/savesync/savesync/internal/config"
	"github.com/savesync/savesync/internal/handler"
	"github.com/savesync/savesync/internal/logging"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/middleware"
	"github.com/savesync/savesync/internal/repository"
	"github.com/savesync/savesync/internal/server"
	"github.com/savesync/savesync/internal/service"
)

// metadataStore is satisfied by both the Postgres and the in-memory repository.
type metadataStore interface {
	service.IdentityStore
	service.BundleStore
	Ping(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		JSON:       cfg.LogFormat == "json",
		Writer:     os.Stdout,
		SetDefault: true,
	})
	if err != nil {
		slog.Error("invalid log configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Backing services opened during setup. Closed here if setup fails,
	// otherwise handed to the server for its shutdown sequence.
	type closer struct {
		name string
		fn   server.Closer
	}
	var closers []closer
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].fn(context.Background())
		}
	}()

	// Metadata store
	var store metadataStore
	var dbCheck handler.HealthChecker
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory metadata store")
		store = repository.NewMemory()
	} else {
		repo, err := repository.New(ctx, cfg.DatabaseURL, repository.Options{
			MaxConns: cfg.DatabaseMaxConns,
			MinConns: cfg.DatabaseMinConns,
		})
		if err != nil {
			logger.Error("failed to connect to database",
				slog.String("error", logging.SanitizeError(err, cfg.DatabaseURL)),
				slog.String("database_url", logging.RedactURL(cfg.DatabaseURL)),
			)
			return err
		}
		closers = append(closers, closer{"postgres", func(context.Context) error { repo.Close(); return nil }})
		logger.Info("connected to database")

		if cfg.DatabaseAutoMigrate {
			n, err := repo.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("database schema up to date", slog.Int("applied", n))
		}
		store = repo
		dbCheck = repo
	}

	// Cache and rate limiting
	var authCache service.AuthCache
	var limiter middleware.RateLimiter
	var cacheCheck handler.HealthChecker
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, auth cache and rate limiting disabled")
	} else {
		c, err := cache.New(ctx, cfg.RedisURL, cache.Options{
			Namespace: cfg.RedisNamespace,
			PoolSize:  cfg.RedisPoolSize,
		})
		if err != nil {
			logger.Error("failed to connect to Redis",
				slog.String("error", logging.SanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", logging.RedactURL(cfg.RedisURL)),
			)
			return err
		}
		closers = append(closers, closer{"redis", func(context.Context) error { return c.Close() }})
		logger.Info("connected to Redis")
		authCache, limiter, cacheCheck = c, c, c
	}

	// Payload storage
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("payload storage ready", slog.String("driver", cfg.StorageDriver))

	hashParams := auth.DefaultParams
	if cfg.KeyHashProfile == config.HashProfileLight {
		hashParams = auth.LightParams
	}

	recorder := metrics.NewInMemory()

	identity := service.NewIdentityService(store, authCache, service.IdentityOptions{
		KeyEnv:     cfg.KeyEnv(),
		HashParams: hashParams,
		Metrics:    recorder,
		Logger:     logger,
	})
	bundles := service.NewBundleService(store, blobs, service.BundleOptions{
		Emulators:     cfg.Emulators,
		MaxBundleSize: cfg.MaxBundleSize,
		Metrics:       recorder,
		Logger:        logger,
	})

	router := server.NewRouter(server.RouterDeps{
		Logger:             logger,
		Identity:           identity,
		Bundles:            bundles,
		Limiter:            limiter,
		Metrics:            recorder,
		DB:                 dbCheck,
		Cache:              cacheCheck,
		Blobs:              blobs,
		IsDevelopment:      cfg.IsDevelopment(),
		AuthMinDuration:    cfg.AuthMinDuration,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		RateLimit: middleware.RateLimitConfig{
			KeyEnabled:           cfg.RateLimitAPIEnabled,
			KeyRequestsPerMinute: cfg.RateLimitAPIPerMinute,
			KeyBurst:             cfg.RateLimitAPIBurst,
			IPEnabled:            cfg.RateLimitRegisterEnabled,
			IPRPS:                cfg.RateLimitRegisterRPS,
			IPBurst:              cfg.RateLimitRegisterBurst,
		},
	})

	srv := server.New(router, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	for _, c := range closers {
		srv.OnShutdown(c.name, c.fn)
	}
	handedOff = true

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"emulators", cfg.Emulators,
	)

	return srv.Run(ctx)
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.StorageDriver == config.StorageS3 {
		return blob.NewS3(ctx, blob.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	}
	return blob.NewFS(afero.NewOsFs(), cfg.DataDir)
}
