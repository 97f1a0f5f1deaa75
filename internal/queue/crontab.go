package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harvey240/evcharger-scheduler/internal/cronexpr"
)

// CrontabEntry is a fixed recurring job registered directly with the
// queue, bypassing any schedule storage. The identifier names both the
// task type and the job key, so a missed tick replaces rather than
// stacks.
type CrontabEntry struct {
	Identifier string
	Expression string
}

// KnownCrontab is the queue's own bookkeeping row for one crontab
// identifier.
type KnownCrontab struct {
	Identifier    string `gorm:"primaryKey;size:100"`
	LastExecution *time.Time
	UpdatedAt     time.Time
}

func (KnownCrontab) TableName() string { return "known_crontabs" }

// RegisterCrontab adds fixed entries to schedule at Start. The
// expressions must be valid 5-field cron strings.
func (q *Queue) RegisterCrontab(entries ...CrontabEntry) error {
	for _, e := range entries {
		if err := cronexpr.Validate(e.Expression); err != nil {
			return fmt.Errorf("crontab entry %s: %w", e.Identifier, err)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.crontab = append(q.crontab, entries...)
	return nil
}

// LastExecution returns when the crontab identifier last fired, or nil
// if it never has. This is the read path used to display system tasks.
func (q *Queue) LastExecution(ctx context.Context, identifier string) (*time.Time, error) {
	var row KnownCrontab
	err := q.db.WithContext(ctx).First(&row, "identifier = ?", identifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read crontab %s: %w", identifier, err)
	}
	return row.LastExecution, nil
}

// initCrontab seeds bookkeeping rows so a fresh identifier waits for
// its next boundary instead of firing immediately.
func (q *Queue) initCrontab(ctx context.Context, entries []CrontabEntry) error {
	now := time.Now()
	for _, e := range entries {
		var row KnownCrontab
		err := q.db.WithContext(ctx).First(&row, "identifier = ?", e.Identifier).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = KnownCrontab{Identifier: e.Identifier, LastExecution: &now}
			if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to seed crontab %s: %w", e.Identifier, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read crontab %s: %w", e.Identifier, err)
		}
	}
	return nil
}

// tickCrontab enqueues any crontab entry whose next occurrence has
// passed, advancing its bookkeeping row.
func (q *Queue) tickCrontab(ctx context.Context) {
	q.mu.Lock()
	entries := q.crontab
	q.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		var row KnownCrontab
		if err := q.db.WithContext(ctx).First(&row, "identifier = ?", e.Identifier).Error; err != nil {
			q.logger.Error("Failed to read crontab row",
				zap.String("identifier", e.Identifier),
				zap.Error(err))
			continue
		}

		base := now
		if row.LastExecution != nil {
			base = *row.LastExecution
		}
		next, err := cronexpr.Next(e.Expression, base)
		if err != nil || next.After(now) {
			continue
		}

		opts := &EnqueueOptions{JobKey: e.Identifier, JobKeyMode: KeyModeReplace}
		if err := q.Enqueue(ctx, e.Identifier, nil, opts); err != nil {
			q.logger.Error("Failed to enqueue crontab job",
				zap.String("identifier", e.Identifier),
				zap.Error(err))
			continue
		}

		err = q.db.WithContext(ctx).
			Model(&KnownCrontab{}).
			Where("identifier = ?", e.Identifier).
			Update("last_execution", now).Error
		if err != nil {
			q.logger.Error("Failed to advance crontab row",
				zap.String("identifier", e.Identifier),
				zap.Error(err))
		}
	}
}
