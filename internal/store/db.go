// Package store is the cloudmetrics persistence layer.
// It opens GORM on SQLite (default) or PostgreSQL and owns every query the
// pipeline and the query surface run against the metrics, alerts and
// instances tables.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/cloudmetrics/internal/config"
	"github.com/vesaa/cloudmetrics/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and verifies it answers a ping.
// Any error here is fatal for startup.
func Open(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DBPath)
	case "postgres":
		dialector = postgres.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite' or 'postgres')", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBDriver != "postgres" {
		// SQLite allows one writer; parallel instance appends queue on the pool instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	slog.Info("database opened", "module", "store", "driver", cfg.DBDriver)
	return db, nil
}

// Migrate creates or updates the metrics, alerts and instances tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Instance{}, &models.Metric{}, &models.Alert{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Store runs queries against an open database.
type Store struct {
	db *gorm.DB
}

// New wraps db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for seeding and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
