// Package db owns the database connection and schema migration.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
)

// Connect opens the Postgres database behind both the schedule store
// and the job queue. Keeping them in one database is what lets the
// queue's replace-by-key writes and the schedule rows stay in step.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return gdb, nil
}

// Migrate creates or updates the schema for all persisted types.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&model.Schedule{},
		&model.RunHistoryEntry{},
		&queue.Job{},
		&queue.KnownCrontab{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
