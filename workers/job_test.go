package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRuns struct {
	mu       sync.Mutex
	created  []models.JobRun
	finished []models.JobRun
}

func (m *memRuns) CreateRun(run *models.JobRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = int64(len(m.created) + 1)
	m.created = append(m.created, *run)
	return run.ID, nil
}

func (m *memRuns) FinishRun(run *models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *run)
	return nil
}

type memArchive struct {
	keys []string
}

func (a *memArchive) ArchiveRun(ctx context.Context, run *models.JobRun) (string, error) {
	key := run.Job + "/" + string(run.Status)
	a.keys = append(a.keys, key)
	return key, nil
}

func (a *memArchive) ObjectURL(key string) string {
	return "https://runs.example.com/" + key
}

type logLine struct {
	runID   *int64
	level   models.LogLevel
	message string
}

func TestJobWorker_RecordsSummary(t *testing.T) {
	runs := &memRuns{}
	archive := &memArchive{}
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	var lines []logLine

	w := NewJobWorker(models.JobSweep, func(ctx context.Context) (any, error) {
		clk.Advance(2 * time.Second)
		return &models.SweepSummary{ExpiredFound: 3, UpdatedCount: 3}, nil
	}, runs, clk)
	w.SetArchiver(archive)
	w.SetLogger(func(runID *int64, level models.LogLevel, job, message string) {
		lines = append(lines, logLine{runID, level, message})
	})

	run, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, clk.Now(), *run.FinishedAt)
	assert.JSONEq(t, `{"expiredFound":3,"updatedCount":3,"timestamp":"0001-01-01T00:00:00Z"}`, string(run.Summary))

	require.Len(t, runs.finished, 1)
	assert.Equal(t, models.RunStatusCompleted, runs.finished[0].Status)
	assert.Equal(t, []string{"sweep/completed"}, archive.keys)

	require.Len(t, lines, 3)
	require.NotNil(t, lines[0].runID)
	assert.Equal(t, int64(1), *lines[0].runID)
	assert.Equal(t, "run started", lines[0].message)
	assert.Equal(t, "archived to https://runs.example.com/sweep/completed", lines[2].message)
}

func TestJobWorker_FailedRun(t *testing.T) {
	runs := &memRuns{}
	w := NewJobWorker(models.JobReminders, func(ctx context.Context) (any, error) {
		return nil, errors.New("listings query: connection refused")
	}, runs, clock.Real())

	run, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Empty(t, run.Summary)
	require.Len(t, runs.finished, 1)
	assert.Equal(t, "listings query: connection refused", runs.finished[0].Error)
}

func TestJobWorker_NoOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := NewJobWorker(models.JobReminders, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return struct{}{}, nil
	}, &memRuns{}, clock.Real())

	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(context.Background())
		done <- err
	}()
	<-started

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestJobWorker_TriggerRunsLoop(t *testing.T) {
	ran := make(chan struct{}, 4)
	w := NewJobWorker(models.JobSweep, func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}, &memRuns{}, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	w.Trigger()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered run did not happen")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
