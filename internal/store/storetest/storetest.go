// Package storetest provides a throwaway SQLite-backed store for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/cloudmetrics/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens a migrated SQLite store in t's temp dir and closes it when the
// test ends.
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return store.New(db)
}
