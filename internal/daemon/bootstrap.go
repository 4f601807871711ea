// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ManuGH/vidgate/internal/api"
	"github.com/ManuGH/vidgate/internal/cache"
	"github.com/ManuGH/vidgate/internal/coalesce"
	"github.com/ManuGH/vidgate/internal/config"
	"github.com/ManuGH/vidgate/internal/fetch"
	"github.com/ManuGH/vidgate/internal/gateway"
	"github.com/ManuGH/vidgate/internal/health"
	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/storage"
	"github.com/ManuGH/vidgate/internal/telemetry"
)

const serviceName = "vidgate"

// Options overrides pieces of the wiring, mainly for tests.
type Options struct {
	// Store replaces the S3-backed storage gateway.
	Store StorageBackend
	// Listener replaces listening on server.listen_addr.
	Listener net.Listener
}

// StorageBackend is the storage gateway as used by the daemon.
type StorageBackend interface {
	gateway.ObjectStore
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context) error
}

// Build wires every component from cfg and returns an App ready to Run.
// Startup work (stale work dir purge, bucket bootstrap) happens here.
func Build(ctx context.Context, holder *config.ConfigHolder, opts Options) (*App, error) {
	cfg := holder.Get()
	logger := log.WithComponent("daemon")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Closers accumulate so a failed build releases what was already opened.
	var closers []namedHook
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].hook(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	closers = append(closers, namedHook{"telemetry", tp.Shutdown})

	existence, err := cache.New(cache.Config{
		Backend:         cfg.Cache.Backend,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		},
	}, log.WithComponent("cache"))
	if err != nil {
		return fail(fmt.Errorf("cache: %w", err))
	}
	closers = append(closers, namedHook{"cache", func(context.Context) error { return existence.Close() }})

	store := opts.Store
	if store == nil {
		store, err = newStorage(ctx, cfg, existence)
		if err != nil {
			return fail(err)
		}
	}
	if cfg.Storage.EnsureBucket {
		if err := store.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("bucket bootstrap: %w", err))
		}
	}

	runner, err := fetch.NewRunner(fetch.Config{
		Bin:            cfg.Fetch.Bin,
		FFmpegLocation: cfg.Fetch.FFmpegLocation,
		WorkDir:        cfg.Fetch.WorkDir,
		Format:         cfg.Fetch.Format,
		MergeFormat:    cfg.Fetch.MergeFormat,
		Timeout:        cfg.Fetch.Timeout,
		KillGrace:      cfg.Fetch.KillGrace,
		MaxConcurrent:  cfg.Fetch.MaxConcurrent,
		StartRate:      cfg.Fetch.StartRate,
		StartBurst:     cfg.Fetch.StartBurst,
	})
	if err != nil {
		return fail(fmt.Errorf("fetch runner: %w", err))
	}
	if n, err := runner.PurgeStale(); err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "startup.purge_failed").Msg("failed to purge stale work dirs")
	} else if n > 0 {
		logger.Info().Int("count", n).Str(log.FieldEvent, "startup.purged").Msg("removed stale work dirs")
	}
	if err := runner.CheckBinary(); err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "startup.fetch_tool_missing").Msg("fetch tool not found, fetches will fail until it is installed")
	}

	// Pipelines outlive their callers but not the process.
	pipelineCtx, cancelPipelines := context.WithCancel(context.WithoutCancel(ctx))
	flights := coalesce.New(pipelineCtx)
	svc := gateway.New(store, runner, flights)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewStorageChecker(store.Ping))
	hm.RegisterChecker(health.NewFetchToolChecker(runner.CheckBinary))
	if rc, ok := existence.(*cache.RedisCache); ok {
		hm.RegisterChecker(health.NewCacheChecker(rc.HealthCheck))
	}

	srv := api.New(api.Config{
		Version:            cfg.Version,
		RequestTimeout:     cfg.Server.RequestTimeout,
		Origins:            holder.CORSOrigins,
		RateLimitEnabled:   cfg.RateLimit.Enabled,
		RateLimitRPM:       cfg.RateLimit.RPM,
		RateLimitWhitelist: cfg.RateLimit.Whitelist,
		TracingService:     serviceName,
		Metrics:            true,
	}, svc, hm)

	mgr, err := NewManager(cfg.Server, Deps{
		Logger:         logger,
		APIHandler:     srv.Handler(),
		Listener:       opts.Listener,
		BeforeShutdown: func() { hm.SetDraining(true) },
	})
	if err != nil {
		cancelPipelines()
		return fail(err)
	}

	for _, c := range closers {
		mgr.RegisterShutdownHook(c.name, c.hook)
	}
	mgr.RegisterShutdownHook("pipelines", drainPipelines(flights, cancelPipelines, cfg.Fetch.KillGrace))

	logger.Info().
		Str(log.FieldBucket, cfg.Storage.Bucket).
		Str("cache", existence.Kind()).
		Str("fetch_bin", cfg.Fetch.Bin).
		Msg("gateway wired")

	return NewApp(logger, mgr, holder), nil
}

func newStorage(ctx context.Context, cfg config.AppConfig, existence cache.Cache) (*storage.Gateway, error) {
	scfg := storage.Config{
		Host:      cfg.Storage.Host,
		Port:      cfg.Storage.Port,
		UseSSL:    cfg.Storage.UseSSL,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	}
	client, err := storage.NewS3Client(ctx, scfg)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return storage.New(client, scfg, storage.WithExistenceCache(existence, cfg.Cache.TTL)), nil
}

// drainPipelines waits for in-flight pipelines. When the shutdown deadline
// passes first they are canceled, which terminates their fetch processes.
func drainPipelines(flights *coalesce.Coalescer, cancel context.CancelFunc, killGrace time.Duration) ShutdownHook {
	return func(ctx context.Context) error {
		defer cancel()
		err := flights.Wait(ctx)
		if err == nil {
			return nil
		}

		pending := flights.Pending()
		cancel()
		graceCtx, stop := context.WithTimeout(context.Background(), killGrace+time.Second)
		defer stop()
		_ = flights.Wait(graceCtx)
		return fmt.Errorf("%w: %d still running: %w", ErrPipelinesAbandoned, pending, err)
	}
}
