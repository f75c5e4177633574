package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"miniquant/internal/database"
	"miniquant/internal/strategy/sensitivity"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task sources
const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
	SourceCLI       = "cli"
)

// SubmitRequest describes one sweep. Empty axes fall back to the strategy's
// default grid, empty codes and dates to the manager's configuration.
type SubmitRequest struct {
	Strategy   string                     `json:"strategy" binding:"required"`
	X          sensitivity.ParameterRange `json:"x"`
	Y          sensitivity.ParameterRange `json:"y"`
	BaseParams sensitivity.Params         `json:"base_params,omitempty"`
	Codes      []string                   `json:"codes,omitempty"`
	StartDate  string                     `json:"start_date,omitempty"`
	EndDate    string                     `json:"end_date,omitempty"`
	Source     string                     `json:"source,omitempty"`
}

// Task is a snapshot of one sweep
type Task struct {
	ID         uuid.UUID                     `json:"id"`
	Strategy   string                        `json:"strategy"`
	Status     TaskStatus                    `json:"status"`
	Source     string                        `json:"source"`
	Request    SubmitRequest                 `json:"request"`
	Progress   int                           `json:"progress"`
	Total      int                           `json:"total"`
	Message    string                        `json:"message"`
	Error      string                        `json:"error,omitempty"`
	Result     *sensitivity.GridSearchResult `json:"result,omitempty"`
	Diagnosis  *sensitivity.DiagnosisResult  `json:"diagnosis,omitempty"`
	CreatedAt  time.Time                     `json:"created_at"`
	StartedAt  *time.Time                    `json:"started_at,omitempty"`
	FinishedAt *time.Time                    `json:"finished_at,omitempty"`
}

// Percent returns progress in [0, 100]
func (t *Task) Percent() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Progress) * 100 / float64(t.Total)
}

// Summary drops the result matrix, for listings and progress polling
func (t *Task) Summary() *Task {
	out := *t
	out.Result = nil
	return &out
}

// record converts the task into its database row
func (t *Task) record() (*database.RunRecord, error) {
	request, err := json.Marshal(t.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	run := &database.RunRecord{
		ID:         t.ID,
		Strategy:   t.Strategy,
		Status:     string(t.Status),
		Source:     t.Source,
		Request:    request,
		Progress:   t.Progress,
		Total:      t.Total,
		Message:    t.Message,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Result != nil {
		if run.Result, err = json.Marshal(t.Result); err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
	}
	if t.Diagnosis != nil {
		if run.Diagnosis, err = json.Marshal(t.Diagnosis); err != nil {
			return nil, fmt.Errorf("failed to encode diagnosis: %w", err)
		}
		score := t.Diagnosis.Score
		run.Score = &score
	}
	return run, nil
}

// taskFromRecord is the inverse of record
func taskFromRecord(run *database.RunRecord) (*Task, error) {
	t := &Task{
		ID:         run.ID,
		Strategy:   run.Strategy,
		Status:     TaskStatus(run.Status),
		Source:     run.Source,
		Progress:   run.Progress,
		Total:      run.Total,
		Message:    run.Message,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if len(run.Request) > 0 {
		if err := json.Unmarshal(run.Request, &t.Request); err != nil {
			return nil, fmt.Errorf("failed to decode request of run %s: %w", run.ID, err)
		}
	}
	if len(run.Result) > 0 {
		t.Result = &sensitivity.GridSearchResult{}
		if err := json.Unmarshal(run.Result, t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of run %s: %w", run.ID, err)
		}
	}
	if len(run.Diagnosis) > 0 {
		t.Diagnosis = &sensitivity.DiagnosisResult{}
		if err := json.Unmarshal(run.Diagnosis, t.Diagnosis); err != nil {
			return nil, fmt.Errorf("failed to decode diagnosis of run %s: %w", run.ID, err)
		}
	}
	return t, nil
}

// Event is a progress notification pushed to subscribers
type Event struct {
	TaskID    uuid.UUID  `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Total     int        `json:"total"`
	Message   string     `json:"message"`
	Error     string     `json:"error,omitempty"`
	Score     *float64   `json:"score,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func eventFor(t *Task) Event {
	ev := Event{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Total:     t.Total,
		Message:   t.Message,
		Error:     t.Error,
		Timestamp: time.Now(),
	}
	if t.Diagnosis != nil {
		score := t.Diagnosis.Score
		ev.Score = &score
	}
	return ev
}
