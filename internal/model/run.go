package model

import "time"

// RunStatus represents the state of a single execution attempt. A run
// only ever moves running -> success or running -> failed.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// TriggerSource records why a run fired.
type TriggerSource string

const (
	TriggerCron   TriggerSource = "cron"
	TriggerManual TriggerSource = "manual"
	TriggerSystem TriggerSource = "system"
)

// RunHistoryEntry is one execution attempt of a schedule's task. The
// ScheduleID reference is nulled when the owning schedule is deleted;
// the history row itself is never deleted by the scheduler core.
type RunHistoryEntry struct {
	ID           int64         `gorm:"primaryKey" json:"id"`
	ScheduleID   *int64        `gorm:"index" json:"scheduleId"`
	Schedule     *Schedule     `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	TaskType     string        `gorm:"size:100;not null" json:"taskType"`
	Status       RunStatus     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  TriggerSource `gorm:"size:20;not null" json:"triggeredBy"`
	StartedAt    time.Time     `gorm:"not null;index" json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt"`
	ErrorMessage *string       `json:"errorMessage"`
}

func (RunHistoryEntry) TableName() string { return "task_run_history" }

// TaskPayload is the wire shape of a queued job for a user-defined
// schedule. TriggeredBy is omitted for recurring occurrences and set
// to manual for one-shot runs.
type TaskPayload struct {
	ScheduleID  int64         `json:"scheduleId"`
	TriggeredBy TriggerSource `json:"triggeredBy,omitempty"`
}
