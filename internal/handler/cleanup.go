package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/store"
)

// SessionCleanup prunes run history older than the configured
// retention window. It backs the session_cleanup system task.
type SessionCleanup struct {
	logger    *zap.Logger
	history   *store.HistoryStore
	retention time.Duration
}

func NewSessionCleanup(logger *zap.Logger, history *store.HistoryStore, retention time.Duration) *SessionCleanup {
	return &SessionCleanup{logger: logger, history: history, retention: retention}
}

// Work implements the session_cleanup system task.
func (h *SessionCleanup) Work(ctx context.Context, _ map[string]any) error {
	cutoff := time.Now().Add(-h.retention)
	deleted, err := h.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		h.logger.Info("Session cleanup removed expired entries",
			zap.Int64("deleted", deleted),
			zap.Duration("retention", h.retention))
	}
	return nil
}
