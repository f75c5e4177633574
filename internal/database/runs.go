package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunRecord is one persisted sensitivity sweep. Request, Result and
// Diagnosis hold JSON documents.
type RunRecord struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Strategy   string          `json:"strategy" db:"strategy"`
	Status     string          `json:"status" db:"status"`
	Source     string          `json:"source" db:"source"`
	Request    json.RawMessage `json:"request" db:"request"`
	Progress   int             `json:"progress" db:"progress"`
	Total      int             `json:"total" db:"total"`
	Message    string          `json:"message" db:"message"`
	Error      string          `json:"error,omitempty" db:"error"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Diagnosis  json.RawMessage `json:"diagnosis,omitempty" db:"diagnosis"`
	Score      *float64        `json:"score,omitempty" db:"score"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// RunRepository stores sweeps in the sensitivity_runs table
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a repository over an open pool
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, strategy, status, source, request, progress, total, message, error,
	result, diagnosis, score, created_at, started_at, finished_at`

// Create inserts a new run
func (r *RunRepository) Create(ctx context.Context, run *RunRecord) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO sensitivity_runs (id, strategy, status, source, request, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID.String(), run.Strategy, run.Status, run.Source, string(run.Request), run.Total, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// MarkStarted sets the status to running
func (r *RunRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	return r.exec(ctx, `UPDATE sensitivity_runs SET status = 'running', started_at = $2 WHERE id = $1`,
		id.String(), startedAt)
}

// UpdateProgress records sweep progress
func (r *RunRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress, total int, message string) error {
	return r.exec(ctx, `UPDATE sensitivity_runs SET progress = $2, total = $3, message = $4 WHERE id = $1`,
		id.String(), progress, total, message)
}

// Finish stores the terminal status with the result and diagnosis documents
func (r *RunRepository) Finish(ctx context.Context, run *RunRecord) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	query := `
		UPDATE sensitivity_runs
		SET status = $2, progress = $3, total = $4, message = $5, error = $6,
		    result = $7, diagnosis = $8, score = $9, finished_at = $10
		WHERE id = $1
	`
	return r.exec(ctx, query,
		run.ID.String(), run.Status, run.Progress, run.Total, run.Message, run.Error,
		nullJSON(run.Result), nullJSON(run.Diagnosis), run.Score, *run.FinishedAt)
}

// Get loads one run by id
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sensitivity_runs WHERE id = $1`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// List returns the latest runs, newest first. An empty status matches all.
func (r *RunRepository) List(ctx context.Context, status string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM sensitivity_runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkInterrupted fails runs left pending or running by a previous process
func (r *RunRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sensitivity_runs
		SET status = 'failed', error = 'interrupted by restart', finished_at = NOW()
		WHERE status IN ('pending', 'running')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (r *RunRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %v: %w", args[0], ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		idStr             string
		request           []byte
		result, diagnosis []byte
		score             sql.NullFloat64
		started, finished sql.NullTime
	)
	run := &RunRecord{}
	err := row.Scan(&idStr, &run.Strategy, &run.Status, &run.Source, &request,
		&run.Progress, &run.Total, &run.Message, &run.Error,
		&result, &diagnosis, &score, &run.CreatedAt, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("failed to parse run ID: %w", err)
	}
	run.Request = json.RawMessage(request)
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	if len(diagnosis) > 0 {
		run.Diagnosis = json.RawMessage(diagnosis)
	}
	if score.Valid {
		run.Score = &score.Float64
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// lib/pq sends []byte as bytea, so JSONB parameters go over as text
func nullJSON(doc json.RawMessage) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}
