// Package main is the entry point for ledgerd, the record platform server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/approval"
	"github.com/pitabwire/ledgerly/internal/audit"
	"github.com/pitabwire/ledgerly/internal/config"
	"github.com/pitabwire/ledgerly/internal/entity"
	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/internal/realtime"
	"github.com/pitabwire/ledgerly/internal/record"
	"github.com/pitabwire/ledgerly/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const defaultArchiveInterval = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags and load configuration.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "ledgerd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Open storage.
	store, err := buildBackend(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return 1
	}
	defer store.close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			return 1
		}
	}

	// Step 4: Load entities and seed their system fields.
	entities := entity.NewRegistry(nil)
	fields := field.NewRegistry(store.fields, entities, logger.Named("fields"))

	policy, err := permission.NewRolePolicy(cfg.Permissions.PolicyFile)
	if err != nil {
		logger.Error("role policy load failed", zap.Error(err))
		return 1
	}
	resolver := permission.NewResolver(store.permissions, policy, cfg.Permissions.CacheTTL,
		permission.WithCacheObserver(metrics.RecordPermissionCache),
	)

	reloader := &entityReloader{
		dirs:       cfg.Entities.Directories,
		loader:     entity.NewLoader(),
		validator:  entity.NewValidator(),
		entities:   entities,
		fields:     fields,
		policy:     policy,
		policyFile: cfg.Permissions.PolicyFile,
		resolver:   resolver,
		metrics:    metrics,
		logger:     logger,
	}
	if err := reloader.reload(ctx); err != nil {
		logger.Error("entity loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the real-time distributor.
	hub := realtime.NewHub(resolver,
		realtime.WithBuffer(cfg.Realtime.SubscriberBuffer),
		realtime.WithMonitorRoles(cfg.Realtime.MonitorRoles...),
		realtime.WithObserver(metrics),
		realtime.WithLogger(logger.Named("realtime")),
	)
	var publisher record.Publisher = hub
	var bridge *realtime.RedisBridge
	if cfg.Realtime.Bridge == "redis" {
		bridge = realtime.NewRedisBridge(redisClient, cfg.Realtime.Channel, hub, logger.Named("bridge"))
		publisher = bridge
	}

	// Step 6: Build services.
	recordOpts := []record.ServiceOption{
		record.WithActivityRecorder(store.log),
		record.WithPublisher(publisher),
		record.WithObserver(metrics),
		record.WithLogger(logger.Named("records")),
		record.WithRedactor(observability.NewRedactor(cfg.Observability.RedactKeys...)),
	}
	if cfg.Idempotency.Enabled {
		recordOpts = append(recordOpts, record.WithIdempotencyStore(buildIdempotencyStore(cfg.Idempotency, redisClient, logger), cfg.Idempotency.TTL))
	}
	records := record.NewService(store.records, entities, fields, resolver, recordOpts...)

	machine := approval.NewMachine(store.records, entities, resolver,
		approval.WithRecorder(store.log),
		approval.WithPublisher(publisher),
		approval.WithObserver(metrics),
		approval.WithLogger(logger.Named("approval")),
	)

	// Step 7: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		EntitiesLoaded: func() bool { return len(entities.All()) > 0 },
		Dependencies:   map[string]observability.HealthChecker{},
	}
	if store.health != nil {
		readiness.Dependencies["storage"] = store.health
	}
	if redisClient != nil {
		readiness.Dependencies["redis"] = observability.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Metrics:      metrics,
		Readiness:    readiness,
		Records:      records,
		History:      audit.NewHistory(store.log, records, resolver),
		Approvals:    machine,
		Fields:       fields,
		Entities:     entities,
		Permissions:  permission.NewService(store.permissions, resolver, cfg.Permissions.AdminRoles, logger.Named("permissions")),
		Events:       hub,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if bridge != nil {
		go func() {
			if err := bridge.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				logger.Error("realtime bridge stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Archive.Enabled {
		archiver, err := buildArchiver(ctx, cfg.Archive, store.log, logger)
		if err != nil {
			logger.Error("archive initialization failed", zap.Error(err))
			return 1
		}
		archiver.OnBatch(metrics.RecordArchived)
		archiver.SettleWindow(cfg.Archive.Settle)
		interval := cfg.Archive.Interval
		if interval <= 0 {
			interval = defaultArchiveInterval
		}
		go archiver.Run(bgCtx, interval)
	}

	go reloader.watch(bgCtx)

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("entities", len(entities.All())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Open event streams never go idle; end them so Shutdown can drain.
	srv.RegisterOnShutdown(hub.CloseAll)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildIdempotencyStore creates the create-deduplication store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) record.IdempotencyStore {
	if cfg.Driver == "redis" && client != nil {
		logger.Info("using redis idempotency store")
		return record.NewRedisIdempotencyStore(client)
	}
	logger.Info("using in-memory idempotency store")
	return record.NewMemoryIdempotencyStore()
}

// buildArchiver connects the activity exporter to its bucket.
func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, log audit.Log, logger *zap.Logger) (*audit.Archiver, error) {
	client, err := audit.NewS3Client(ctx, audit.S3Config{
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.Endpoint,
		PathStyle: cfg.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return audit.NewArchiver(log, client, cfg.Bucket, cfg.Prefix, cfg.BatchSize, logger.Named("archive")), nil
}
