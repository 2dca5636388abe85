package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MyDira/Hadirot-sub006/models"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY,
		job TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		summary JSON,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS job_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		job TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_job ON job_runs(job, started_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON job_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Job runs
// =============================================================================

func (s *SQLiteStore) CreateRun(run *models.JobRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO job_runs (job, started_at, status) VALUES (?, ?, ?)`,
		run.Job, run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

func (s *SQLiteStore) FinishRun(run *models.JobRun) error {
	var summary any
	if len(run.Summary) > 0 {
		summary = string(run.Summary)
	}
	_, err := s.db.Exec(`
		UPDATE job_runs SET finished_at = ?, status = ?, summary = ?, error = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, summary, run.Error, run.ID)
	return err
}

// ListRuns returns the most recent runs, newest first. An empty job matches
// every job.
func (s *SQLiteStore) ListRuns(job string, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, job, started_at, finished_at, status, summary, error
		FROM job_runs
		WHERE ? = '' OR job = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, job, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var run models.JobRun
		var finished sql.NullTime
		var summary, runErr sql.NullString
		if err := rows.Scan(&run.ID, &run.Job, &run.StartedAt, &finished, &run.Status, &summary, &runErr); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		if summary.Valid {
			run.Summary = json.RawMessage(summary.String)
		}
		run.Error = runErr.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkStaleRuns fails runs left in running state by a previous process.
func (s *SQLiteStore) MarkStaleRuns() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE job_runs SET status = ?, finished_at = ?, error = 'interrupted'
		WHERE status = ?`,
		models.RunStatusFailed, time.Now(), models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =============================================================================
// Job logs
// =============================================================================

func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, message, job string) error {
	_, err := s.db.Exec(`
		INSERT INTO job_logs (run_id, timestamp, level, message, job)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now(), level, message, job)
	return err
}

func (s *SQLiteStore) GetRunLogs(runID int64) ([]models.JobLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, job
		FROM job_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Job); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params any) (int64, error) {
	if !cmd.Valid() {
		return 0, fmt.Errorf("unknown command %q", cmd)
	}
	var raw any
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("marshal params: %w", err)
		}
		raw = string(b)
	}
	result, err := s.db.Exec(`
		INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, raw, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}
