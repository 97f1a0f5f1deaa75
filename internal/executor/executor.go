// Package executor runs due jobs dispatched by the queue: it re-reads
// the owning schedule, executes the registered work, records the run
// outcome, and re-arms the next occurrence.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/cronexpr"
	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
	"github.com/harvey240/evcharger-scheduler/internal/registry"
	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

// WorkFunc is the actual work behind a task type. It receives the
// schedule's config as decoded by the registry schema.
type WorkFunc func(ctx context.Context, config map[string]any) error

// Stats counts run outcomes since process start.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Executor wires one queue handler per known task type plus the fixed
// system tasks, and owns the per-run bookkeeping sequence.
type Executor struct {
	queue     *queue.Queue
	schedules *store.ScheduleStore
	history   *store.HistoryStore
	logger    *zap.Logger

	work       map[string]WorkFunc
	systemWork map[string]WorkFunc

	mu      sync.Mutex
	started bool
	stats   Stats
}

func New(q *queue.Queue, schedules *store.ScheduleStore, history *store.HistoryStore, logger *zap.Logger) *Executor {
	return &Executor{
		queue:      q,
		schedules:  schedules,
		history:    history,
		logger:     logger.Named("executor"),
		work:       make(map[string]WorkFunc),
		systemWork: make(map[string]WorkFunc),
	}
}

// RegisterWork binds a work implementation to a user-schedulable task
// type. Registration must happen before Start.
func (e *Executor) RegisterWork(taskType string, fn WorkFunc) {
	e.work[taskType] = fn
}

// RegisterSystemWork binds a work implementation to a fixed system
// task id.
func (e *Executor) RegisterSystemWork(taskID string, fn WorkFunc) {
	e.systemWork[taskID] = fn
}

// Start registers all handlers with the queue, arms the system
// crontab, and launches the queue's run loop. Starting twice is a
// no-op.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.register(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	e.logger.Info("Executor started",
		zap.Int("task_types", len(registry.TaskTypes)),
		zap.Int("system_tasks", len(registry.SystemTasks)))
	return nil
}

func (e *Executor) register(ctx context.Context) error {
	for _, tt := range registry.TaskTypes {
		e.queue.RegisterHandler(tt.ID, e.handleScheduled)
	}

	for _, st := range registry.SystemTasks {
		fn, ok := e.systemWork[st.TaskID]
		if !ok {
			return fmt.Errorf("no work registered for system task %s", st.TaskID)
		}
		e.queue.RegisterHandler(st.TaskID, e.systemHandler(st.TaskID, fn))
		if err := e.queue.RegisterCrontab(queue.CrontabEntry{
			Identifier: st.TaskID,
			Expression: st.Cron,
		}); err != nil {
			return err
		}
	}

	return e.queue.Start(ctx)
}

// Stop drains the queue's run loop.
func (e *Executor) Stop() {
	e.queue.Stop()
	e.logger.Info("Executor stopped")
}

// Stats returns a snapshot of run counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// handleScheduled is the shared handler for every user-defined task
// type. Business failures are recorded on the run-history entry and
// swallowed: the job counts as delivered either way, so the queue
// never retries a failed report as if it were an infrastructure
// error.
func (e *Executor) handleScheduled(ctx context.Context, payload json.RawMessage, helpers *queue.Helpers) error {
	var p model.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed task payload: %w", err)
	}
	triggeredBy := p.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = model.TriggerCron
	}

	schedule, err := e.schedules.Get(ctx, p.ScheduleID)
	if err != nil {
		return err
	}
	if schedule == nil {
		// Deleted after the job was queued; not a failure.
		helpers.Logger.Info("Schedule not found, skipping",
			zap.Int64("schedule_id", p.ScheduleID))
		e.count(func(s *Stats) { s.Skipped++ })
		return nil
	}
	if !schedule.Enabled {
		helpers.Logger.Info("Schedule is disabled, skipping",
			zap.Int64("schedule_id", p.ScheduleID))
		e.count(func(s *Stats) { s.Skipped++ })
		return nil
	}

	entry := &model.RunHistoryEntry{
		ScheduleID:  &schedule.ID,
		TaskType:    schedule.TaskType,
		Status:      model.RunStatusRunning,
		TriggeredBy: triggeredBy,
	}
	if err := e.history.Append(ctx, entry); err != nil {
		return err
	}

	workErr := e.runWork(ctx, schedule)
	if workErr != nil {
		msg := workErr.Error()
		if err := e.history.Complete(ctx, entry.ID, model.RunStatusFailed, &msg); err != nil {
			helpers.Logger.Error("Failed to record run failure", zap.Error(err))
		}
		helpers.Logger.Error("Schedule run failed",
			zap.Int64("schedule_id", schedule.ID),
			zap.String("name", schedule.Name),
			zap.Error(workErr))
		e.count(func(s *Stats) { s.Failed++ })
	} else {
		if err := e.history.Complete(ctx, entry.ID, model.RunStatusSuccess, nil); err != nil {
			helpers.Logger.Error("Failed to record run success", zap.Error(err))
		}
		helpers.Logger.Info("Schedule run completed",
			zap.Int64("schedule_id", schedule.ID),
			zap.String("name", schedule.Name))
		e.count(func(s *Stats) { s.Succeeded++ })
	}

	if err := e.schedules.UpdateLastRun(ctx, schedule.ID); err != nil {
		helpers.Logger.Error("Failed to update last run", zap.Error(err))
	}

	// Manual one-shots never move the recurring cadence.
	if triggeredBy != model.TriggerManual {
		if err := e.rearm(ctx, schedule, helpers); err != nil {
			helpers.Logger.Error("Failed to re-arm schedule",
				zap.Int64("schedule_id", schedule.ID),
				zap.Error(err))
		}
	}

	return nil
}

// runWork dispatches to the registered work implementation, containing
// panics so a crashing task can never take the executor down or leave
// the run stuck in running.
func (e *Executor) runWork(ctx context.Context, schedule *model.Schedule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", schedule.TaskType, r)
		}
	}()

	fn, ok := e.work[schedule.TaskType]
	if !ok {
		return fmt.Errorf("unknown task type: %s", schedule.TaskType)
	}

	var config map[string]any
	if len(schedule.Config) > 0 {
		if err := json.Unmarshal(schedule.Config, &config); err != nil {
			return fmt.Errorf("malformed config: %w", err)
		}
	}
	return fn(ctx, config)
}

// rearm computes the next occurrence from the schedule's current state
// and replaces the queue entry under the schedule's key.
func (e *Executor) rearm(ctx context.Context, schedule *model.Schedule, helpers *queue.Helpers) error {
	var next time.Time
	switch {
	case schedule.ScheduleType == model.ScheduleTypeCron && schedule.CronExpression != nil:
		var err error
		next, err = cronexpr.Next(*schedule.CronExpression, time.Now())
		if err != nil {
			return err
		}
	case schedule.ScheduleType == model.ScheduleTypeInterval && schedule.IntervalMs != nil:
		next = time.Now().Add(time.Duration(*schedule.IntervalMs) * time.Millisecond)
	default:
		return nil
	}

	err := helpers.Enqueue(ctx, schedule.TaskType,
		model.TaskPayload{ScheduleID: schedule.ID},
		&queue.EnqueueOptions{
			RunAt:      next,
			JobKey:     scheduler.JobKey(schedule.ID),
			JobKeyMode: queue.KeyModeReplace,
		})
	if err != nil {
		return err
	}

	if err := e.schedules.UpdateNextRun(ctx, schedule.ID, &next); err != nil {
		return err
	}

	helpers.Logger.Info("Schedule re-armed",
		zap.Int64("schedule_id", schedule.ID),
		zap.Time("next_run", next))
	return nil
}

// systemHandler wraps a system task's work. System tasks have no
// schedule row and no run-history bookkeeping; the queue's crontab
// table records their last execution.
func (e *Executor) systemHandler(taskID string, fn WorkFunc) queue.Handler {
	return func(ctx context.Context, _ json.RawMessage, helpers *queue.Helpers) error {
		helpers.Logger.Info("Running system task", zap.String("task_id", taskID))
		if err := fn(ctx, nil); err != nil {
			helpers.Logger.Error("System task failed",
				zap.String("task_id", taskID),
				zap.Error(err))
			return err
		}
		helpers.Logger.Info("System task complete", zap.String("task_id", taskID))
		return nil
	}
}

func (e *Executor) count(update func(*Stats)) {
	e.mu.Lock()
	update(&e.stats)
	e.mu.Unlock()
}
