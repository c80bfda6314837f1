// Package testutil holds the sqlite store and in-memory fakes shared by package
// tests.
package testutil

import (
	"path/filepath"
	"testing"

	"taskorch/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB opens a migrated sqlite database in a temp dir. One connection only:
// sqlite serializes writers anyway, and a second connection would deadlock
// against an open transaction.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskorch.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), repository.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(db))
	return db
}
