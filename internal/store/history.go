package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harvey240/evcharger-scheduler/internal/model"
)

// HistoryStore records one row per execution attempt. Rows are
// append-only from the scheduler's perspective: they are created
// running, completed exactly once, and never deleted except by the
// retention sweep.
type HistoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewHistoryStore(db *gorm.DB, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

// Append inserts a new entry, assigning its id.
func (s *HistoryStore) Append(ctx context.Context, entry *model.RunHistoryEntry) error {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append run history: %w", err)
	}
	return nil
}

// Complete moves an entry out of the running state, stamping its
// completion time and, for failures, the captured error message.
func (s *HistoryStore) Complete(ctx context.Context, id int64, status model.RunStatus, errorMessage *string) error {
	updates := map[string]any{
		"status":       status,
		"completed_at": time.Now(),
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	}
	err := s.db.WithContext(ctx).
		Model(&model.RunHistoryEntry{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to complete run history %d: %w", id, err)
	}
	return nil
}

// List returns entries newest first, optionally filtered by schedule,
// bounded by limit.
func (s *HistoryStore) List(ctx context.Context, scheduleID *int64, limit int) ([]model.RunHistoryEntry, error) {
	q := s.db.WithContext(ctx).
		Model(&model.RunHistoryEntry{}).
		Order("started_at DESC").
		Limit(limit)
	if scheduleID != nil {
		q = q.Where("schedule_id = ?", *scheduleID)
	}

	var entries []model.RunHistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	return entries, nil
}

// DeleteBefore removes entries that started before the given cutoff
// and returns how many were deleted.
func (s *HistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("started_at < ?", before).
		Delete(&model.RunHistoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete run history: %w", res.Error)
	}

	s.logger.Info("Deleted old run history entries",
		zap.Time("before", before),
		zap.Int64("deleted", res.RowsAffected))
	return res.RowsAffected, nil
}
