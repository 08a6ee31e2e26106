package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/retry"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds store connection settings
type Config struct {
	URL             string        `toml:"url" yaml:"url" validate:"required"`
	MaxOpenConns    int           `toml:"max_open_conns" yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `toml:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Debug           bool          `toml:"debug" yaml:"debug"` // log every SQL statement
}

// sqlite needs a busy timeout and immediate transactions so concurrent batches queue instead of failing
const sqliteDefaults = "_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=1"

// Open resolves the dialect from the URL, connects (retried under policy), configures the pool and migrates
func Open(ctx context.Context, cfg Config, policy retry.Policy) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg.URL)
	if err != nil {
		return nil, err
	}

	// Configure GORM logger
	gormLogger := logger.Default.LogMode(logger.Warn)
	if cfg.Debug || strings.EqualFold(os.Getenv("LOG_LEVEL"), "DEBUG") {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := retry.Execute(ctx, policy, func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger:                 gormLogger,
			SkipDefaultTransaction: true,
		})
		if err != nil {
			return nil, &TransientStoreError{Op: "connect", Err: err}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database instance: %w", err)
		}
		// Health check
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, &TransientStoreError{Op: "ping", Err: err}
		}
		return db, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	slog.Info("database connection pool configured",
		"dialect", dialector.Name(),
		"max_open", cfg.MaxOpenConns,
		"max_idle", cfg.MaxIdleConns,
		"max_lifetime", cfg.ConnMaxLifetime)

	// Auto-migrate models
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	return db, nil
}

// dialectorFor maps sqlite://path and postgres:// URLs to GORM dialectors
func dialectorFor(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dbPath := strings.TrimPrefix(databaseURL, "sqlite://")
		if dbPath == "" {
			return nil, fmt.Errorf("sqlite URL without a path: %s", databaseURL)
		}
		if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dbPath, "?") {
			dbPath += "?" + sqliteDefaults
		}
		return sqlite.Open(dbPath), nil
	case strings.HasPrefix(databaseURL, "postgresql://"), strings.HasPrefix(databaseURL, "postgres://"):
		return postgres.Open(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database URL format: %s", redact(databaseURL))
	}
}

// redact hides credentials in a URL before it reaches a log line
func redact(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CycleTimeRecord{},
		&models.ApiRecord{},
		&models.ImportBatch{},
		&models.ErrorLog{},
		&models.IngestRun{},
	)
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
