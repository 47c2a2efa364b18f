package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/ledgerly/internal/audit"
	"github.com/pitabwire/ledgerly/internal/config"
	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/internal/record"
)

// backend bundles the stores of one storage driver.
type backend struct {
	records     record.Store
	fields      field.Store
	permissions permission.Store
	log         audit.Log
	health      observability.HealthChecker
	close       func()
}

// buildBackend opens the configured storage driver and prepares its schema.
func buildBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory storage; data is lost on restart")
		return &backend{
			records:     record.NewMemoryStore(),
			fields:      field.NewMemoryStore(),
			permissions: permission.NewMemoryStore(),
			log:         audit.NewMemoryLog(),
			close:       func() {},
		}, nil
	case config.DriverPostgres:
		return buildPostgres(ctx, cfg)
	case config.DriverSQLite:
		return buildSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

func buildPostgres(ctx context.Context, cfg config.StorageConfig) (*backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	records := record.NewPgStore(pool)
	fields := field.NewPgStore(pool)
	perms := permission.NewPgStore(pool)
	log := audit.NewPgLog(pool)
	for name, ensure := range map[string]func(context.Context) error{
		"records":     records.EnsureSchema,
		"fields":      fields.EnsureSchema,
		"permissions": perms.EnsureSchema,
		"audit":       log.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: %s schema: %w", name, err)
		}
	}

	return &backend{
		records:     records,
		fields:      fields,
		permissions: perms,
		log:         log,
		health:      observability.CheckFunc(pool.Ping),
		close:       pool.Close,
	}, nil
}

func buildSQLite(ctx context.Context, cfg config.StorageConfig) (*backend, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create dirs: %w", err)
		}
	}
	dsn := "file:" + cfg.SQLitePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single writer connection serializes the conditional updates.
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	fail := func(err error) (*backend, error) {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	records, err := record.NewSQLiteStore(ctx, db)
	if err != nil {
		return fail(err)
	}
	fields, err := field.NewSQLiteStore(ctx, db)
	if err != nil {
		return fail(err)
	}
	perms, err := permission.NewSQLiteStore(ctx, db)
	if err != nil {
		return fail(err)
	}
	log, err := audit.NewSQLiteLog(ctx, db)
	if err != nil {
		return fail(err)
	}

	return &backend{
		records:     records,
		fields:      fields,
		permissions: perms,
		log:         log,
		health:      observability.CheckFunc(db.PingContext),
		close:       func() { _ = db.Close() },
	}, nil
}
