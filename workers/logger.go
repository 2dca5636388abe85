package workers

import "github.com/MyDira/Hadirot-sub006/models"

// LogFunc writes a job log line, usually to the job_logs table
type LogFunc func(runID *int64, level models.LogLevel, job, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(runID *int64, level models.LogLevel, job, message string) {}
