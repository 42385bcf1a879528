package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/promptrelay/api-go/internal/model"
)

// SQLite archives job snapshots so finished jobs stay listable after the
// in-memory registry forgets them on restart.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Writes go through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  completed_at INTEGER,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  current_task TEXT NOT NULL DEFAULT '',
  results_json TEXT NOT NULL DEFAULT '[]',
  error_message TEXT
);
CREATE INDEX IF NOT EXISTS jobs_created_at ON jobs (created_at);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// SaveJob inserts or replaces the stored snapshot of job.
func (s *SQLite) SaveJob(ctx context.Context, job model.Job) error {
	results := job.Results
	if results == nil {
		results = []model.UnitResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, completed_at, status, progress, total, current_task, results_json, error_message)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             completed_at = excluded.completed_at,
             status = excluded.status,
             progress = excluded.progress,
             total = excluded.total,
             current_task = excluded.current_task,
             results_json = excluded.results_json,
             error_message = excluded.error_message`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		nullableTime(job.CompletedAt),
		string(job.Status),
		job.Progress,
		job.Total,
		job.CurrentTask,
		string(resultsJSON),
		nullableString(job.Error),
	)
	return err
}

const selectColumns = `SELECT id, created_at, completed_at, status, progress, total, current_task, results_json, error_message
       FROM jobs`

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

// ListJobs returns stored jobs newest first, optionally filtered by status.
func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	query := selectColumns
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		jid, statusStr, currentTask, resultsJSON string
		createdMs                                int64
		completedMs                              sql.NullInt64
		progress, total                          int
		errorMsg                                 sql.NullString
	)
	if err := row.Scan(&jid, &createdMs, &completedMs, &statusStr, &progress, &total, &currentTask, &resultsJSON, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:          jid,
		CreatedAt:   time.UnixMilli(createdMs).UTC(),
		Status:      model.JobStatus(statusStr),
		Progress:    progress,
		Total:       total,
		CurrentTask: currentTask,
	}
	if err := json.Unmarshal([]byte(resultsJSON), &job.Results); err != nil {
		return model.Job{}, fmt.Errorf("decode results for %s: %w", jid, err)
	}
	if job.Results == nil {
		job.Results = []model.UnitResult{}
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
