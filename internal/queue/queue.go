// Package queue implements the durable job queue backing the task
// scheduler: jobs are rows in the application database, optionally
// keyed for replace-on-enqueue de-duplication, dispatched to
// registered handlers by a bounded-concurrency run loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStatus is the queue-level state of a job row. Completed jobs are
// deleted; only dispatch failures leave a row behind.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusFailed  JobStatus = "failed"
)

// KeyMode controls what happens when a job is enqueued under a key
// that already has a pending entry.
type KeyMode string

const (
	// KeyModeReplace replaces the pending job under the same key,
	// keeping at most one outstanding instance.
	KeyModeReplace KeyMode = "replace"
)

// Job is one queued unit of work.
type Job struct {
	ID        uint64          `gorm:"primaryKey"`
	TaskType  string          `gorm:"size:100;not null;index"`
	Payload   json.RawMessage `gorm:"type:jsonb"`
	Key       *string         `gorm:"size:100;uniqueIndex"`
	RunAt     time.Time       `gorm:"not null;index"`
	Status    JobStatus       `gorm:"size:20;not null;default:'pending';index"`
	LockedBy  *string         `gorm:"size:100"`
	LockedAt  *time.Time      ``
	LastError *string         ``
	CreatedAt time.Time       ``
	UpdatedAt time.Time       ``
}

func (Job) TableName() string { return "queued_jobs" }

// EnqueueOptions modify how a job is queued.
type EnqueueOptions struct {
	// RunAt defers execution until the given time. Zero means now.
	RunAt time.Time
	// JobKey de-duplicates: at most one pending job exists per key.
	JobKey string
	// JobKeyMode selects the de-duplication behavior for JobKey.
	JobKeyMode KeyMode
}

// Helpers is handed to every handler invocation.
type Helpers struct {
	Logger *zap.Logger
	queue  *Queue
}

// NewHelpers returns handler helpers bound to q.
func NewHelpers(q *Queue, logger *zap.Logger) *Helpers {
	return &Helpers{Logger: logger, queue: q}
}

// Enqueue queues a further job from inside a handler.
func (h *Helpers) Enqueue(ctx context.Context, taskType string, payload any, opts *EnqueueOptions) error {
	return h.queue.Enqueue(ctx, taskType, payload, opts)
}

// Handler processes one dispatched job. A returned error marks the job
// failed at the queue level; business failures belong to the caller's
// own bookkeeping and should not be surfaced here.
type Handler func(ctx context.Context, payload json.RawMessage, helpers *Helpers) error

// Options configure the run loop.
type Options struct {
	PollInterval time.Duration
	Concurrency  int
}

// Queue is a database-backed, at-least-once job queue with
// replace-by-key de-duplication and a native crontab for fixed
// recurring jobs.
type Queue struct {
	db         *gorm.DB
	logger     *zap.Logger
	instanceID string

	pollInterval time.Duration
	sem          chan struct{}

	mu       sync.Mutex
	handlers map[string]Handler
	crontab  []CrontabEntry
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue over the given database.
func New(gdb *gorm.DB, logger *zap.Logger, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &Queue{
		db:           gdb,
		logger:       logger.Named("queue"),
		instanceID:   uuid.New().String(),
		pollInterval: opts.PollInterval,
		sem:          make(chan struct{}, opts.Concurrency),
		handlers:     make(map[string]Handler),
		stopCh:       make(chan struct{}),
	}
}

// RegisterHandler binds a task type to a handler. Registration must
// happen before Start.
func (q *Queue) RegisterHandler(taskType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

// Enqueue queues a job for the given task type. With a JobKey in
// replace mode the pending entry under that key is replaced in place;
// keyless jobs are always independent.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts *EnqueueOptions) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{
		TaskType: taskType,
		Payload:  raw,
		RunAt:    time.Now(),
		Status:   JobStatusPending,
	}
	if opts != nil {
		if !opts.RunAt.IsZero() {
			job.RunAt = opts.RunAt
		}
		if opts.JobKey != "" {
			key := opts.JobKey
			job.Key = &key
		}
	}

	tx := q.db.WithContext(ctx)
	if job.Key != nil {
		// Claimed jobs release their key and processed jobs are
		// deleted, so a conflicting row is always a pending one.
		onConflict := clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}
		if opts.JobKeyMode == KeyModeReplace {
			onConflict.DoNothing = false
			onConflict.DoUpdates = clause.Assignments(map[string]any{
				"task_type":  job.TaskType,
				"payload":    job.Payload,
				"run_at":     job.RunAt,
				"updated_at": time.Now(),
			})
		}
		tx = tx.Clauses(onConflict)
	}

	if err := tx.Create(&job).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", taskType, err)
	}
	return nil
}

// RemoveByKey deletes the pending job under the given key, if any.
// Absence is not an error.
func (q *Queue) RemoveByKey(ctx context.Context, key string) error {
	err := q.db.WithContext(ctx).
		Where("key = ? AND status = ?", key, JobStatusPending).
		Delete(&Job{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove job key %s: %w", key, err)
	}
	return nil
}

// PendingByKey returns the pending job under key, or nil.
func (q *Queue) PendingByKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).
		Where("key = ? AND status = ?", key, JobStatusPending).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job key %s: %w", key, err)
	}
	return &job, nil
}

// Start launches the poll/dispatch loop. Starting an already-running
// queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.stopCh = make(chan struct{})
	entries := q.crontab
	q.mu.Unlock()

	if err := q.initCrontab(ctx, entries); err != nil {
		return err
	}

	q.wg.Add(1)
	go q.loop(ctx, q.stopCh)

	q.logger.Info("Queue started",
		zap.String("instance", q.instanceID),
		zap.Duration("poll_interval", q.pollInterval),
		zap.Int("concurrency", cap(q.sem)))
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("Queue stopped")
}

func (q *Queue) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			q.tickCrontab(ctx)
			q.dispatchDue(ctx)
		}
	}
}

// dispatchDue claims due jobs up to the free concurrency slots and
// dispatches each on its own goroutine.
func (q *Queue) dispatchDue(ctx context.Context) {
	for {
		select {
		case q.sem <- struct{}{}:
		default:
			return
		}

		job, err := q.claim(ctx)
		if err != nil {
			q.logger.Error("Failed to claim job", zap.Error(err))
			<-q.sem
			return
		}
		if job == nil {
			<-q.sem
			return
		}

		q.wg.Add(1)
		go func(job *Job) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.dispatch(ctx, job)
		}(job)
	}
}

// claim atomically takes the oldest due pending job, moving it to
// running and releasing its key so a replace-enqueue during execution
// arms a fresh pending entry instead of colliding.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", JobStatusPending, time.Now()).
		Order("run_at, id").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", job.ID, JobStatusPending).
		Updates(map[string]any{
			"status":    JobStatusRunning,
			"key":       nil,
			"locked_by": q.instanceID,
			"locked_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another instance got there first.
		return nil, nil
	}

	job.Status = JobStatusRunning
	job.LockedBy = &q.instanceID
	job.LockedAt = &now
	return &job, nil
}

func (q *Queue) dispatch(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Handler panicked",
				zap.Uint64("job_id", job.ID),
				zap.String("task_type", job.TaskType),
				zap.Any("panic", r))
			q.markFailed(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	q.mu.Lock()
	handler, ok := q.handlers[job.TaskType]
	q.mu.Unlock()
	if !ok {
		q.markFailed(ctx, job, fmt.Sprintf("no handler registered for task type %s", job.TaskType))
		return
	}

	helpers := NewHelpers(q, q.logger.Named(job.TaskType))
	if err := handler(ctx, job.Payload, helpers); err != nil {
		q.markFailed(ctx, job, err.Error())
		return
	}

	// Processed jobs leave no row behind.
	if err := q.db.WithContext(ctx).Delete(&Job{}, job.ID).Error; err != nil {
		q.logger.Error("Failed to delete processed job",
			zap.Uint64("job_id", job.ID),
			zap.Error(err))
	}
}

func (q *Queue) markFailed(ctx context.Context, job *Job, msg string) {
	q.logger.Error("Job dispatch failed",
		zap.Uint64("job_id", job.ID),
		zap.String("task_type", job.TaskType),
		zap.String("error", msg))

	err := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":     JobStatusFailed,
			"last_error": msg,
		}).Error
	if err != nil {
		q.logger.Error("Failed to mark job failed",
			zap.Uint64("job_id", job.ID),
			zap.Error(err))
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
