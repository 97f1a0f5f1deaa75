// Package scheduler keeps the job queue's pending-job state consistent
// with the declared configuration of every schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/cronexpr"
	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
	"github.com/harvey240/evcharger-scheduler/internal/registry"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

// JobQueue is the slice of the queue contract the reconciler needs.
type JobQueue interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts *queue.EnqueueOptions) error
	RemoveByKey(ctx context.Context, key string) error
	LastExecution(ctx context.Context, identifier string) (*time.Time, error)
}

// Reconciler owns the API-facing schedule operations. Every mutation
// recomputes the pending queue entry fresh from the resulting schedule
// state; replace-by-key makes the write idempotent, so partial
// failures heal on the next reconciliation.
type Reconciler struct {
	schedules *store.ScheduleStore
	queue     JobQueue
	logger    *zap.Logger
}

func NewReconciler(schedules *store.ScheduleStore, jobQueue JobQueue, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		schedules: schedules,
		queue:     jobQueue,
		logger:    logger.Named("reconciler"),
	}
}

// CreateInput carries the fields of a schedule creation request.
type CreateInput struct {
	Name           string             `json:"name"`
	TaskType       string             `json:"taskType"`
	ScheduleType   model.ScheduleType `json:"scheduleType"`
	CronExpression *string            `json:"cronExpression"`
	IntervalMs     *int64             `json:"intervalMs"`
	Config         json.RawMessage    `json:"config"`
	Enabled        *bool              `json:"enabled"`
}

// UpdateInput carries a partial update; nil fields keep their previous
// values.
type UpdateInput struct {
	Name           *string             `json:"name"`
	TaskType       *string             `json:"taskType"`
	ScheduleType   *model.ScheduleType `json:"scheduleType"`
	CronExpression *string             `json:"cronExpression"`
	IntervalMs     *int64              `json:"intervalMs"`
	Config         json.RawMessage     `json:"config"`
	Enabled        *bool               `json:"enabled"`
}

// JobKey returns the deterministic queue key for a schedule id.
func JobKey(scheduleID int64) string {
	return fmt.Sprintf("schedule:%d", scheduleID)
}

// Create validates and persists a new schedule, arming its first queue
// entry when one is due.
func (r *Reconciler) Create(ctx context.Context, createdBy string, in CreateInput) (*model.Schedule, error) {
	if in.Name == "" || in.TaskType == "" || in.ScheduleType == "" {
		return nil, validationErrorf("name, taskType, and scheduleType are required")
	}
	if !in.ScheduleType.Valid() {
		return nil, validationErrorf("unknown scheduleType: %s", in.ScheduleType)
	}
	if _, ok := registry.Lookup(in.TaskType); !ok {
		return nil, validationErrorf("unknown taskType: %s", in.TaskType)
	}
	if err := registry.ValidateConfig(in.TaskType, in.Config); err != nil {
		return nil, validationErrorf("%v", err)
	}

	switch in.ScheduleType {
	case model.ScheduleTypeCron:
		if in.CronExpression == nil || *in.CronExpression == "" {
			return nil, validationErrorf("cronExpression is required for cron schedule type")
		}
		if err := cronexpr.Validate(*in.CronExpression); err != nil {
			return nil, validationErrorf("invalid cron expression")
		}
	case model.ScheduleTypeInterval:
		if in.IntervalMs == nil || *in.IntervalMs <= 0 {
			return nil, validationErrorf("intervalMs must be a positive integer for interval schedule type")
		}
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	schedule := &model.Schedule{
		Name:           in.Name,
		TaskType:       in.TaskType,
		ScheduleType:   in.ScheduleType,
		CronExpression: in.CronExpression,
		IntervalMs:     in.IntervalMs,
		Enabled:        enabled,
		Config:         in.Config,
		CreatedBy:      createdBy,
	}

	nextRunAt, err := nextRun(enabled, in.ScheduleType, in.CronExpression, in.IntervalMs)
	if err != nil {
		return nil, err
	}
	schedule.NextRunAt = nextRunAt

	if err := r.schedules.Create(ctx, schedule); err != nil {
		return nil, err
	}

	if nextRunAt != nil {
		key := JobKey(schedule.ID)
		err := r.queue.Enqueue(ctx, schedule.TaskType,
			model.TaskPayload{ScheduleID: schedule.ID},
			&queue.EnqueueOptions{RunAt: *nextRunAt, JobKey: key, JobKeyMode: queue.KeyModeReplace})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue first run: %w", err)
		}
		schedule, err = r.schedules.Update(ctx, schedule.ID, map[string]any{"job_key": key})
		if err != nil {
			return nil, err
		}
	}

	r.logger.Info("Created schedule",
		zap.Int64("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("task_type", schedule.TaskType),
		zap.String("schedule_type", string(schedule.ScheduleType)))
	return schedule, nil
}

// Update merges incoming fields over the existing schedule, recomputes
// the next run, and replaces or removes the pending queue entry to
// match.
func (r *Reconciler) Update(ctx context.Context, id int64, in UpdateInput) (*model.Schedule, error) {
	existing, err := r.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrScheduleNotFound
	}

	if in.ScheduleType != nil && !in.ScheduleType.Valid() {
		return nil, validationErrorf("unknown scheduleType: %s", *in.ScheduleType)
	}
	if in.TaskType != nil {
		if _, ok := registry.Lookup(*in.TaskType); !ok {
			return nil, validationErrorf("unknown taskType: %s", *in.TaskType)
		}
	}
	if in.CronExpression != nil && *in.CronExpression != "" {
		if err := cronexpr.Validate(*in.CronExpression); err != nil {
			return nil, validationErrorf("invalid cron expression")
		}
	}
	if in.IntervalMs != nil && *in.IntervalMs <= 0 {
		return nil, validationErrorf("intervalMs must be a positive integer")
	}

	// Effective state after the merge.
	schedType := existing.ScheduleType
	if in.ScheduleType != nil {
		schedType = *in.ScheduleType
	}
	cronExpr := existing.CronExpression
	if in.CronExpression != nil {
		cronExpr = in.CronExpression
	}
	intervalMs := existing.IntervalMs
	if in.IntervalMs != nil {
		intervalMs = in.IntervalMs
	}
	enabled := existing.Enabled
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	taskType := existing.TaskType
	if in.TaskType != nil {
		taskType = *in.TaskType
	}
	if in.Config != nil {
		if err := registry.ValidateConfig(taskType, in.Config); err != nil {
			return nil, validationErrorf("%v", err)
		}
	}

	nextRunAt, err := nextRun(enabled, schedType, cronExpr, intervalMs)
	if err != nil {
		return nil, err
	}

	key := JobKey(id)
	updates := map[string]any{"next_run_at": nextRunAt}

	if nextRunAt != nil {
		err := r.queue.Enqueue(ctx, taskType,
			model.TaskPayload{ScheduleID: id},
			&queue.EnqueueOptions{RunAt: *nextRunAt, JobKey: key, JobKeyMode: queue.KeyModeReplace})
		if err != nil {
			return nil, fmt.Errorf("failed to replace queue entry: %w", err)
		}
		updates["job_key"] = key
	} else {
		if err := r.queue.RemoveByKey(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to remove queue entry: %w", err)
		}
		updates["job_key"] = nil
	}

	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.TaskType != nil {
		updates["task_type"] = *in.TaskType
	}
	if in.ScheduleType != nil {
		updates["schedule_type"] = *in.ScheduleType
	}
	if in.CronExpression != nil {
		updates["cron_expression"] = *in.CronExpression
	}
	if in.IntervalMs != nil {
		updates["interval_ms"] = *in.IntervalMs
	}
	if in.Config != nil {
		updates["config"] = in.Config
	}
	if in.Enabled != nil {
		updates["enabled"] = *in.Enabled
	}

	updated, err := r.schedules.Update(ctx, id, updates)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Updated schedule",
		zap.Int64("id", id),
		zap.Bool("enabled", enabled),
		zap.Bool("armed", nextRunAt != nil))
	return updated, nil
}

// Delete removes the pending queue entry, then the schedule row.
func (r *Reconciler) Delete(ctx context.Context, id int64) error {
	existing, err := r.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrScheduleNotFound
	}

	if err := r.queue.RemoveByKey(ctx, JobKey(id)); err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	if err := r.schedules.Delete(ctx, id); err != nil {
		return err
	}

	r.logger.Info("Deleted schedule", zap.Int64("id", id))
	return nil
}

// RunNow enqueues an immediate one-shot run. No job key is attached,
// so the recurring cadence is left untouched. Disabled schedules may
// still be run manually.
func (r *Reconciler) RunNow(ctx context.Context, id int64) error {
	schedule, err := r.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if schedule == nil {
		return ErrScheduleNotFound
	}

	err = r.queue.Enqueue(ctx, schedule.TaskType,
		model.TaskPayload{ScheduleID: schedule.ID, TriggeredBy: model.TriggerManual}, nil)
	if err != nil {
		return fmt.Errorf("failed to enqueue manual run: %w", err)
	}

	r.logger.Info("Enqueued manual run",
		zap.Int64("id", id),
		zap.String("task_type", schedule.TaskType))
	return nil
}

// Entry is one row of the merged schedule listing. System tasks appear
// read-only: no id, no mutation.
type Entry struct {
	ID             *int64          `json:"id"`
	Name           string          `json:"name"`
	TaskType       string          `json:"taskType"`
	ScheduleType   string          `json:"scheduleType"`
	CronExpression *string         `json:"cronExpression"`
	IntervalMs     *int64          `json:"intervalMs"`
	Enabled        bool            `json:"enabled"`
	Config         json.RawMessage `json:"config"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      *time.Time      `json:"createdAt"`
	UpdatedAt      *time.Time      `json:"updatedAt"`
	LastRunAt      *time.Time      `json:"lastRunAt"`
	NextRunAt      *time.Time      `json:"nextRunAt"`
	JobKey         *string         `json:"jobKey"`
	IsSystem       bool            `json:"isSystem"`
}

// List merges persisted user schedules with the fixed system tasks.
// System entries get their last execution from the queue's crontab
// bookkeeping and a live next occurrence.
func (r *Reconciler) List(ctx context.Context) ([]Entry, error) {
	schedules, err := r.schedules.List(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(schedules)+len(registry.SystemTasks))
	for i := range schedules {
		s := schedules[i]
		createdAt, updatedAt := s.CreatedAt, s.UpdatedAt
		entries = append(entries, Entry{
			ID:             &s.ID,
			Name:           s.Name,
			TaskType:       s.TaskType,
			ScheduleType:   string(s.ScheduleType),
			CronExpression: s.CronExpression,
			IntervalMs:     s.IntervalMs,
			Enabled:        s.Enabled,
			Config:         s.Config,
			CreatedBy:      s.CreatedBy,
			CreatedAt:      &createdAt,
			UpdatedAt:      &updatedAt,
			LastRunAt:      s.LastRunAt,
			NextRunAt:      s.NextRunAt,
			JobKey:         s.JobKey,
			IsSystem:       false,
		})
	}

	for _, st := range registry.SystemTasks {
		lastRun, err := r.queue.LastExecution(ctx, st.TaskID)
		if err != nil {
			r.logger.Warn("Failed to resolve system task last execution",
				zap.String("task_id", st.TaskID),
				zap.Error(err))
		}

		var nextRunAt *time.Time
		if next, err := cronexpr.Next(st.Cron, time.Now()); err == nil {
			nextRunAt = &next
		}

		cron := st.Cron
		jobKey := st.TaskID
		entries = append(entries, Entry{
			Name:           st.Name,
			TaskType:       "SYSTEM",
			ScheduleType:   "system",
			CronExpression: &cron,
			Enabled:        true,
			CreatedBy:      "SYSTEM",
			LastRunAt:      lastRun,
			NextRunAt:      nextRunAt,
			JobKey:         &jobKey,
			IsSystem:       true,
		})
	}

	return entries, nil
}

// nextRun computes when a schedule should fire next given its
// effective state; nil means nothing to arm.
func nextRun(enabled bool, schedType model.ScheduleType, cronExpr *string, intervalMs *int64) (*time.Time, error) {
	if !enabled {
		return nil, nil
	}
	switch {
	case schedType == model.ScheduleTypeCron && cronExpr != nil && *cronExpr != "":
		next, err := cronexpr.Next(*cronExpr, time.Now())
		if err != nil {
			return nil, validationErrorf("invalid cron expression")
		}
		return &next, nil
	case schedType == model.ScheduleTypeInterval && intervalMs != nil && *intervalMs > 0:
		next := time.Now().Add(time.Duration(*intervalMs) * time.Millisecond)
		return &next, nil
	}
	return nil, nil
}
