package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunReminders CommandType = "run_reminders"
	CmdRunSweep     CommandType = "run_sweep"
	CmdPause        CommandType = "pause"
	CmdResume       CommandType = "resume"
)

func (c CommandType) Valid() bool {
	switch c {
	case CmdRunReminders, CmdRunSweep, CmdPause, CmdResume:
		return true
	}
	return false
}

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}
