package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
	"github.com/harvey240/evcharger-scheduler/internal/store"
	"github.com/harvey240/evcharger-scheduler/internal/testutil"
)

type fixture struct {
	db        *gorm.DB
	queue     *queue.Queue
	schedules *store.ScheduleStore
	history   *store.HistoryStore
	executor  *Executor
	helpers   *queue.Helpers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.OpenDB(t)
	q := queue.New(gdb, zap.NewNop(), queue.Options{})
	schedules := store.NewScheduleStore(gdb)
	history := store.NewHistoryStore(gdb, zap.NewNop())
	return &fixture{
		db:        gdb,
		queue:     q,
		schedules: schedules,
		history:   history,
		executor:  New(q, schedules, history, zap.NewNop()),
		helpers:   queue.NewHelpers(q, zap.NewNop()),
	}
}

func (f *fixture) seedSchedule(t *testing.T, mutate func(*model.Schedule)) *model.Schedule {
	t.Helper()
	intervalMs := int64(3_600_000)
	s := &model.Schedule{
		Name:         "hourly export",
		TaskType:     "data_export",
		ScheduleType: model.ScheduleTypeInterval,
		IntervalMs:   &intervalMs,
		Enabled:      true,
		Config:       json.RawMessage(`{"format":"csv"}`),
		CreatedBy:    "ops@company.com",
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, f.schedules.Create(context.Background(), s))
	return s
}

func payloadFor(t *testing.T, scheduleID int64, triggeredBy model.TriggerSource) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(model.TaskPayload{ScheduleID: scheduleID, TriggeredBy: triggeredBy})
	require.NoError(t, err)
	return raw
}

func (f *fixture) historyEntries(t *testing.T) []model.RunHistoryEntry {
	t.Helper()
	entries, err := f.history.List(context.Background(), nil, 50)
	require.NoError(t, err)
	return entries
}

func TestHandleScheduled(t *testing.T) {
	ctx := context.Background()

	t.Run("deleted schedule is skipped silently", func(t *testing.T) {
		f := newFixture(t)
		err := f.executor.handleScheduled(ctx, payloadFor(t, 12345, ""), f.helpers)
		require.NoError(t, err)
		assert.Empty(t, f.historyEntries(t))
		assert.EqualValues(t, 1, f.executor.Stats().Skipped)
	})

	t.Run("disabled schedule is skipped silently", func(t *testing.T) {
		f := newFixture(t)
		s := f.seedSchedule(t, func(s *model.Schedule) { s.Enabled = false })
		err := f.executor.handleScheduled(ctx, payloadFor(t, s.ID, ""), f.helpers)
		require.NoError(t, err)
		assert.Empty(t, f.historyEntries(t))
	})

	t.Run("successful run records history and re-arms", func(t *testing.T) {
		f := newFixture(t)
		var gotConfig map[string]any
		f.executor.RegisterWork("data_export", func(ctx context.Context, config map[string]any) error {
			gotConfig = config
			return nil
		})
		s := f.seedSchedule(t, nil)

		require.NoError(t, f.executor.handleScheduled(ctx, payloadFor(t, s.ID, ""), f.helpers))
		assert.Equal(t, map[string]any{"format": "csv"}, gotConfig)

		entries := f.historyEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, model.RunStatusSuccess, entries[0].Status)
		assert.Equal(t, model.TriggerCron, entries[0].TriggeredBy)
		assert.NotNil(t, entries[0].CompletedAt)
		assert.Nil(t, entries[0].ErrorMessage)

		reloaded, err := f.schedules.Get(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.LastRunAt)
		require.NotNil(t, reloaded.NextRunAt)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *reloaded.NextRunAt, 5*time.Second)

		job, err := f.queue.PendingByKey(ctx, scheduler.JobKey(s.ID))
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.WithinDuration(t, *reloaded.NextRunAt, job.RunAt, time.Second)
	})

	t.Run("failing work records failure without propagating", func(t *testing.T) {
		f := newFixture(t)
		f.executor.RegisterWork("data_export", func(ctx context.Context, config map[string]any) error {
			return errors.New("disk full")
		})
		s := f.seedSchedule(t, nil)

		require.NoError(t, f.executor.handleScheduled(ctx, payloadFor(t, s.ID, ""), f.helpers),
			"business failures must not surface as dispatch failures")

		entries := f.historyEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, model.RunStatusFailed, entries[0].Status)
		require.NotNil(t, entries[0].CompletedAt)
		require.NotNil(t, entries[0].ErrorMessage)
		assert.Equal(t, "disk full", *entries[0].ErrorMessage)

		reloaded, err := f.schedules.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.NotNil(t, reloaded.LastRunAt, "lastRunAt is updated even on failure")

		// A failed run still re-arms the next occurrence.
		job, err := f.queue.PendingByKey(ctx, scheduler.JobKey(s.ID))
		require.NoError(t, err)
		assert.NotNil(t, job)
		assert.EqualValues(t, 1, f.executor.Stats().Failed)
	})

	t.Run("panicking work is contained", func(t *testing.T) {
		f := newFixture(t)
		f.executor.RegisterWork("data_export", func(ctx context.Context, config map[string]any) error {
			panic("went sideways")
		})
		s := f.seedSchedule(t, nil)

		require.NoError(t, f.executor.handleScheduled(ctx, payloadFor(t, s.ID, ""), f.helpers))

		entries := f.historyEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, model.RunStatusFailed, entries[0].Status)
		require.NotNil(t, entries[0].ErrorMessage)
		assert.Contains(t, *entries[0].ErrorMessage, "panic")
	})

	t.Run("unknown task type fails the run, not the process", func(t *testing.T) {
		f := newFixture(t)
		s := f.seedSchedule(t, nil) // no work registered for data_export

		require.NoError(t, f.executor.handleScheduled(ctx, payloadFor(t, s.ID, ""), f.helpers))

		entries := f.historyEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, model.RunStatusFailed, entries[0].Status)
		require.NotNil(t, entries[0].ErrorMessage)
		assert.Contains(t, *entries[0].ErrorMessage, "unknown task type")
	})

	t.Run("manual trigger never touches the cadence", func(t *testing.T) {
		f := newFixture(t)
		f.executor.RegisterWork("data_export", func(ctx context.Context, config map[string]any) error {
			return nil
		})
		next := time.Now().Add(30 * time.Minute)
		s := f.seedSchedule(t, func(s *model.Schedule) { s.NextRunAt = &next })

		require.NoError(t, f.executor.handleScheduled(ctx, payloadFor(t, s.ID, model.TriggerManual), f.helpers))

		entries := f.historyEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, model.TriggerManual, entries[0].TriggeredBy)

		reloaded, err := f.schedules.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.NotNil(t, reloaded.LastRunAt)
		require.NotNil(t, reloaded.NextRunAt)
		assert.WithinDuration(t, next, *reloaded.NextRunAt, time.Second, "nextRunAt untouched")

		job, err := f.queue.PendingByKey(ctx, scheduler.JobKey(s.ID))
		require.NoError(t, err)
		assert.Nil(t, job, "no recurring entry was armed")
	})

	t.Run("malformed payload is a dispatch failure", func(t *testing.T) {
		f := newFixture(t)
		err := f.executor.handleScheduled(ctx, json.RawMessage(`{"scheduleId":`), f.helpers)
		assert.Error(t, err)
	})
}

func TestStartIdempotent(t *testing.T) {
	f := newFixture(t)
	f.executor.RegisterSystemWork("session_cleanup", func(ctx context.Context, config map[string]any) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.executor.Start(ctx))
	require.NoError(t, f.executor.Start(ctx), "second start is a no-op")
	f.executor.Stop()
}

func TestStartRequiresSystemWork(t *testing.T) {
	f := newFixture(t)
	err := f.executor.Start(context.Background())
	assert.Error(t, err)
}
