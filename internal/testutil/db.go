// Package testutil provisions throwaway infrastructure for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harvey240/evcharger-scheduler/internal/db"
)

// OpenDB opens a migrated SQLite database in a per-test temp dir.
// Foreign keys are enabled so the set-null relationship between run
// history and schedules behaves as it does on Postgres.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "scheduler.db") + "?_fk=1&_busy_timeout=2000"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// SQLite handles one writer at a time; serialize connections so
	// concurrent dispatches don't trip over locked-database errors.
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Migrate(gdb))

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return gdb
}
