package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/models"
)

// ErrJobRunning is returned when a run is requested while one is in progress.
var ErrJobRunning = errors.New("job already running")

// JobFunc performs one run and returns a JSON-serializable summary.
type JobFunc func(ctx context.Context) (any, error)

type RunRecorder interface {
	CreateRun(run *models.JobRun) (int64, error)
	FinishRun(run *models.JobRun) error
}

type RunArchiver interface {
	ArchiveRun(ctx context.Context, run *models.JobRun) (string, error)
	ObjectURL(key string) string
}

// JobWorker runs a batch job on demand, never two at a time, recording every
// run.
type JobWorker struct {
	name      string
	job       JobFunc
	runs      RunRecorder
	archiver  RunArchiver
	clock     clock.Clock
	mu        sync.Mutex
	triggerCh chan struct{}
	logFunc   LogFunc
}

func NewJobWorker(name string, job JobFunc, runs RunRecorder, clk clock.Clock) *JobWorker {
	return &JobWorker{
		name:      name,
		job:       job,
		runs:      runs,
		clock:     clk,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
	}
}

func (w *JobWorker) Name() string {
	return w.name
}

func (w *JobWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// SetArchiver uploads each finished run in addition to recording it.
func (w *JobWorker) SetArchiver(a RunArchiver) {
	w.archiver = a
}

// Trigger causes the worker to run as soon as it is idle
func (w *JobWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *JobWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s worker stopping", w.name)
			return
		case <-w.triggerCh:
			if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrJobRunning) {
				log.Printf("Error: %s run failed: %v", w.name, err)
			}
		}
	}
}

// RunOnce executes the job synchronously. It returns ErrJobRunning without
// waiting if another run holds the worker.
func (w *JobWorker) RunOnce(ctx context.Context) (*models.JobRun, error) {
	if !w.mu.TryLock() {
		return nil, ErrJobRunning
	}
	defer w.mu.Unlock()

	run := &models.JobRun{
		Job:       w.name,
		StartedAt: w.clock.Now(),
		Status:    models.RunStatusRunning,
	}
	var runID *int64
	if _, err := w.runs.CreateRun(run); err != nil {
		log.Printf("Warning: %s: failed to record run start: %v", w.name, err)
	} else {
		runID = &run.ID
	}
	w.logFunc(runID, models.LogLevelInfo, w.name, "run started")

	summary, jobErr := w.job(ctx)

	finished := w.clock.Now()
	run.FinishedAt = &finished
	if jobErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = jobErr.Error()
		w.logFunc(runID, models.LogLevelError, w.name, jobErr.Error())
	} else {
		run.Status = models.RunStatusCompleted
		if data, err := json.Marshal(summary); err != nil {
			log.Printf("Warning: %s: marshal summary: %v", w.name, err)
		} else {
			run.Summary = data
			w.logFunc(runID, models.LogLevelInfo, w.name, string(data))
		}
	}

	if runID != nil {
		if err := w.runs.FinishRun(run); err != nil {
			log.Printf("Warning: %s: failed to record run finish: %v", w.name, err)
		}
	}

	if w.archiver != nil {
		if key, err := w.archiver.ArchiveRun(ctx, run); err != nil {
			log.Printf("Warning: %s: archive run %d: %v", w.name, run.ID, err)
		} else {
			url := w.archiver.ObjectURL(key)
			log.Printf("%s: archived run %d to %s", w.name, run.ID, url)
			w.logFunc(runID, models.LogLevelInfo, w.name, "archived to "+url)
		}
	}

	log.Printf("%s: run %d %s in %s", w.name, run.ID, run.Status, finished.Sub(run.StartedAt).Round(time.Millisecond))
	if jobErr != nil {
		return run, fmt.Errorf("%s: %w", w.name, jobErr)
	}
	return run, nil
}
