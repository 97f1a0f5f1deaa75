package model

import (
	"encoding/json"
	"time"
)

// ScheduleType determines how a schedule's occurrences are computed.
type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeManual   ScheduleType = "manual"
)

// Valid reports whether t is one of the known schedule types.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleTypeCron, ScheduleTypeInterval, ScheduleTypeManual:
		return true
	}
	return false
}

// Schedule is a user-defined recurring or manual task definition. The
// schedule row is the source of truth for intent; the pending queue
// entry under JobKey is derived from it on every reconciliation.
type Schedule struct {
	ID             int64           `gorm:"primaryKey" json:"id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	TaskType       string          `gorm:"size:100;not null;index" json:"taskType"`
	ScheduleType   ScheduleType    `gorm:"size:20;not null" json:"scheduleType"`
	CronExpression *string         `gorm:"size:100" json:"cronExpression"`
	IntervalMs     *int64          `json:"intervalMs"`
	Enabled        bool            `gorm:"not null;default:true" json:"enabled"`
	Config         json.RawMessage `gorm:"type:jsonb" json:"config"`
	CreatedBy      string          `gorm:"size:255;not null" json:"createdBy"`
	LastRunAt      *time.Time      `json:"lastRunAt"`
	NextRunAt      *time.Time      `json:"nextRunAt"`
	JobKey         *string         `gorm:"size:100" json:"jobKey"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (Schedule) TableName() string { return "task_schedules" }
