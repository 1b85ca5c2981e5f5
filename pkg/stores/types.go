package stores

import (
	"context"
	"time"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// Run is one invocation of a module against a host pattern.
type Run struct {
	ID          string         `json:"id"`
	Pattern     string         `json:"pattern"`
	Module      string         `json:"module"`
	Args        string         `json:"args,omitempty"`
	Status      RunStatus      `json:"status"`
	HostCount   int            `json:"host_count"`
	Stats       map[string]int `json:"stats,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HostResult is the outcome of a run on a single host.
type HostResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Host       string    `json:"host"`
	Status     string    `json:"status"`
	RC         *int      `json:"rc,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists run history.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, stats map[string]int) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	AppendHostResult(ctx context.Context, result *HostResult) error
	ListHostResults(ctx context.Context, runID string) ([]*HostResult, error)

	HealthCheck(ctx context.Context) error
}
