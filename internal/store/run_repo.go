package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the workspace_runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunSuccess, RunPartial, RunError:
		return RunStatus(s), nil
	default:
		return "", errors.New("status must be one of running, success, partial, error")
	}
}

// Run is one bulk operation (token recalculation, compression, scrape).
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Operation  string     `json:"operation"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Note       *string    `json:"note,omitempty"`
	Items      int64      `json:"items"`
	Tokens     int64      `json:"tokens"`
	Bytes      int64      `json:"bytes"`
	Failures   int64      `json:"failures"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunTotals are deltas applied to a run's counters.
type RunTotals struct {
	Items    int64
	Tokens   int64
	Bytes    int64
	Failures int64
}

// IsZero reports whether the totals carry no change.
func (t RunTotals) IsZero() bool {
	return t == RunTotals{}
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun records a running run; repeated calls are idempotent.
	StartRun(ctx context.Context, id uuid.UUID, operation string, startedAt time.Time) error
	// FinishRun marks the run finished.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, note *string) error
	// AddRunTotals applies counter deltas.
	AddRunTotals(ctx context.Context, id uuid.UUID, delta RunTotals, at time.Time) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs, newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
