package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/store"
)

const exportBatchLimit = 1000

// DataExporter writes recent run history to a file in the export
// directory.
type DataExporter struct {
	logger  *zap.Logger
	history *store.HistoryStore
	dir     string
}

func NewDataExporter(logger *zap.Logger, history *store.HistoryStore, dir string) *DataExporter {
	return &DataExporter{logger: logger, history: history, dir: dir}
}

// Work implements the data_export task type.
func (h *DataExporter) Work(ctx context.Context, config map[string]any) error {
	format, _ := config["format"].(string)
	if format == "" {
		return fmt.Errorf("format is required")
	}
	switch format {
	case "csv", "json":
	case "xlsx":
		return fmt.Errorf("xlsx export is not implemented; use csv or json")
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}

	entries, err := h.history.List(ctx, nil, exportBatchLimit)
	if err != nil {
		return fmt.Errorf("failed to read export data: %w", err)
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("run-history-%s.%s", time.Now().Format("20060102-150405"), format)
	path := filepath.Join(h.dir, name)

	if format == "csv" {
		err = writeCSV(path, entries)
	} else {
		err = writeJSON(path, entries)
	}
	if err != nil {
		return err
	}

	h.logger.Info("Data export complete",
		zap.String("format", format),
		zap.String("path", path),
		zap.Int("rows", len(entries)))
	return nil
}

func writeCSV(path string, entries []model.RunHistoryEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "schedule_id", "task_type", "status", "triggered_by", "started_at", "completed_at", "error_message"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	for _, e := range entries {
		scheduleID := ""
		if e.ScheduleID != nil {
			scheduleID = strconv.FormatInt(*e.ScheduleID, 10)
		}
		completedAt := ""
		if e.CompletedAt != nil {
			completedAt = e.CompletedAt.Format(time.RFC3339)
		}
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = *e.ErrorMessage
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			scheduleID,
			e.TaskType,
			string(e.Status),
			string(e.TriggeredBy),
			e.StartedAt.Format(time.RFC3339),
			completedAt,
			errMsg,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func writeJSON(path string, entries []model.RunHistoryEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}
