package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Job names
const (
	JobReminders = "reminders"
	JobSweep     = "sweep"
)

type JobRun struct {
	ID         int64           `json:"id" db:"id"`
	Job        string          `json:"job" db:"job"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at" db:"finished_at"`
	Status     RunStatus       `json:"status" db:"status"`
	Summary    json.RawMessage `json:"summary" db:"summary"`
	Error      string          `json:"error,omitempty" db:"error"`
}

// ReminderSummary is the result of one Reminder Scheduler run.
type ReminderSummary struct {
	TotalExpiring      int       `json:"totalExpiring"`
	UniquePhones       int       `json:"uniquePhones"`
	Sent               int       `json:"sent"`
	Queued             int       `json:"queued"`
	Errors             int       `json:"errors"`
	SkippedDuplicates  int       `json:"skippedDuplicates"`
	SkippedActivePhone int       `json:"skippedActivePhone"`
	InvalidPhones      int       `json:"invalidPhones"`
	QuietDay           bool      `json:"quietDay"`
	Timestamp          time.Time `json:"timestamp"`
}

// SweepSummary is the result of one Expiry Sweeper run.
type SweepSummary struct {
	ExpiredFound int       `json:"expiredFound"`
	UpdatedCount int       `json:"updatedCount"`
	Timestamp    time.Time `json:"timestamp"`
}
