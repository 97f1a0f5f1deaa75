// Package registry holds the static catalog of schedulable task types
// and the fixed system tasks that run outside the schedule store.
package registry

import (
	"encoding/json"
	"fmt"
)

// FieldType is the input kind of a task config field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldSelect FieldType = "select"
	FieldNumber FieldType = "number"
)

// ConfigOption is one choice of a select field.
type ConfigOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ConfigField declares one entry of a task type's config schema.
type ConfigField struct {
	Key      string         `json:"key"`
	Label    string         `json:"label"`
	Type     FieldType      `json:"type"`
	Required bool           `json:"required"`
	Options  []ConfigOption `json:"options,omitempty"`
}

// TaskType describes one user-schedulable kind of work.
type TaskType struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Description  string        `json:"description"`
	ConfigFields []ConfigField `json:"configFields"`
}

// SystemTask is a compile-time-fixed schedule registered directly with
// the job queue's crontab, never stored as a schedule row.
type SystemTask struct {
	Name   string `json:"name"`
	TaskID string `json:"taskId"`
	Cron   string `json:"cron"`
}

// TaskTypes is the static catalog of user-schedulable task types.
var TaskTypes = []TaskType{
	{
		ID:          "report_publish",
		Label:       "Report Publishing",
		Description: "Generates and publishes a report",
		ConfigFields: []ConfigField{
			{
				Key:      "reportId",
				Label:    "Report",
				Type:     FieldSelect,
				Required: true,
				Options: []ConfigOption{
					{Value: "compliance-weekly", Label: "Weekly Compliance Report"},
					{Value: "usage-monthly", Label: "Monthly Usage Report"},
					{Value: "billing-summary", Label: "Billing Summary"},
				},
			},
		},
	},
	{
		ID:          "send_email",
		Label:       "Email Notification",
		Description: "Sends an email notification",
		ConfigFields: []ConfigField{
			{
				Key:      "templateId",
				Label:    "Email Template",
				Type:     FieldSelect,
				Required: true,
				Options: []ConfigOption{
					{Value: "weekly-digest", Label: "Weekly Digest"},
					{Value: "monthly-summary", Label: "Monthly Summary"},
				},
			},
		},
	},
	{
		ID:          "data_export",
		Label:       "Data Export",
		Description: "Exports data to a file",
		ConfigFields: []ConfigField{
			{
				Key:      "format",
				Label:    "Export Format",
				Type:     FieldSelect,
				Required: true,
				Options: []ConfigOption{
					{Value: "csv", Label: "CSV"},
					{Value: "json", Label: "JSON"},
					{Value: "xlsx", Label: "Excel"},
				},
			},
		},
	},
}

// SystemTasks are scheduled with the queue's native crontab at worker
// start. Their last execution lives in the queue's crontab bookkeeping.
var SystemTasks = []SystemTask{
	{
		Name:   "Session Cleanup",
		TaskID: "session_cleanup",
		Cron:   "*/5 * * * *",
	},
}

// Lookup returns the task type definition for id.
func Lookup(id string) (TaskType, bool) {
	for _, tt := range TaskTypes {
		if tt.ID == id {
			return tt, true
		}
	}
	return TaskType{}, false
}

// ValidateConfig checks config against the declared schema of the task
// type: every required field must be present and non-empty.
func ValidateConfig(taskTypeID string, config json.RawMessage) error {
	tt, ok := Lookup(taskTypeID)
	if !ok {
		return fmt.Errorf("unknown task type: %s", taskTypeID)
	}

	var values map[string]any
	if len(config) > 0 {
		if err := json.Unmarshal(config, &values); err != nil {
			return fmt.Errorf("config is not a JSON object: %w", err)
		}
	}

	for _, field := range tt.ConfigFields {
		if !field.Required {
			continue
		}
		v, ok := values[field.Key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("config field %q is required for task type %s", field.Key, taskTypeID)
		}
	}
	return nil
}
