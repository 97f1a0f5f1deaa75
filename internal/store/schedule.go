package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harvey240/evcharger-scheduler/internal/model"
)

// ScheduleStore owns persistence of user-defined schedules. Callers
// validate cron syntax and field combinations before writing; the
// store trusts well-formed input.
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// List returns all schedules in creation order.
func (s *ScheduleStore) List(ctx context.Context) ([]model.Schedule, error) {
	var schedules []model.Schedule
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

// Get returns the schedule with the given id, or nil if absent.
func (s *ScheduleStore) Get(ctx context.Context, id int64) (*model.Schedule, error) {
	var schedule model.Schedule
	err := s.db.WithContext(ctx).First(&schedule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	return &schedule, nil
}

// Create inserts the schedule, assigning its id and timestamps.
func (s *ScheduleStore) Create(ctx context.Context, schedule *model.Schedule) error {
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Update applies the given column updates to one schedule and returns
// the resulting row. Only supplied columns change; updated_at is
// always refreshed.
func (s *ScheduleStore) Update(ctx context.Context, id int64, updates map[string]any) (*model.Schedule, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Schedule{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update schedule %d: %w", id, res.Error)
	}
	return s.Get(ctx, id)
}

// Delete removes the schedule row. Run-history rows referencing it are
// kept with their schedule_id nulled by the FK constraint.
func (s *ScheduleStore) Delete(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&model.Schedule{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	return nil
}

// UpdateLastRun stamps last_run_at with the current time.
func (s *ScheduleStore) UpdateLastRun(ctx context.Context, id int64) error {
	updates := map[string]any{"last_run_at": time.Now()}
	if _, err := s.Update(ctx, id, updates); err != nil {
		return err
	}
	return nil
}

// UpdateNextRun sets next_run_at; a nil value clears it.
func (s *ScheduleStore) UpdateNextRun(ctx context.Context, id int64, next *time.Time) error {
	updates := map[string]any{"next_run_at": next}
	if _, err := s.Update(ctx, id, updates); err != nil {
		return err
	}
	return nil
}
