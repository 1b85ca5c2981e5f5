package engine

import (
	"context"
	"time"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
	"github.com/openfroyo/froyoctl/pkg/policy"
)

// DefaultForks is the worker pool size when a task does not set one.
const DefaultForks = 5

// Task is the unit of work dispatched to every selected host.
type Task struct {
	// Module names the module to run (ping, raw, command, shell, script).
	Module string `json:"module"`

	// Args is the module argument string: free form or a JSON object.
	Args string `json:"args,omitempty"`

	// Pattern is recorded on run events; it does not affect selection.
	Pattern string `json:"pattern,omitempty"`

	// Forks bounds the number of hosts processed concurrently.
	Forks int `json:"forks,omitempty"`

	// FailFast cancels in-flight hosts after the first failure.
	FailFast bool `json:"fail_fast,omitempty"`

	// Check connects to each host without executing the module.
	Check bool `json:"check,omitempty"`

	// ConnectTimeout bounds opening a session. Zero leaves it to the
	// connection plugin.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`

	// TaskTimeout bounds module execution on one host. Zero means no limit.
	TaskTimeout time.Duration `json:"task_timeout,omitempty"`
}

func (t Task) forks() int {
	if t.Forks <= 0 {
		return DefaultForks
	}
	return t.Forks
}

// HostOutcome is the result of one host's pipeline.
type HostOutcome struct {
	Host      string        `json:"host"`
	Status    HostStatus    `json:"status"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	RC        *int          `json:"rc,omitempty"`
	Err       error         `json:"-"`
	ErrorCode errs.Code     `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Error returns the outcome's error message, or "".
func (o HostOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunSummary describes a finished run.
type RunSummary struct {
	RunID   string    `json:"run_id"`
	Pattern string    `json:"pattern,omitempty"`
	Module  string    `json:"module"`
	Status  RunStatus `json:"status"`

	// Stats counts outcomes by host status.
	Stats map[string]int `json:"stats"`

	// Outcomes holds one entry per host in the order hosts were given.
	Outcomes []HostOutcome `json:"outcomes"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Outcome returns the outcome for host.
func (s *RunSummary) Outcome(host string) (HostOutcome, bool) {
	for _, o := range s.Outcomes {
		if o.Host == host {
			return o, true
		}
	}
	return HostOutcome{}, false
}

// VarsResolver returns a host's effective variables.
type VarsResolver interface {
	ResolveVars(ctx context.Context, h *inventory.Host) (inventory.Vars, error)
}

// Guard decides whether a task may run on a host.
type Guard interface {
	Check(ctx context.Context, in policy.Input) (*policy.Decision, error)
}

// ResolvedVars serves variables computed ahead of dispatch.
type ResolvedVars map[string]inventory.Vars

// ResolveVars returns the variables stored for h.
func (r ResolvedVars) ResolveVars(_ context.Context, h *inventory.Host) (inventory.Vars, error) {
	vars, ok := r[h.Name]
	if !ok {
		return nil, errs.Newf(errs.CodeUnknownGroupOrHost, "no variables resolved for host %q", h.Name).
			WithHost(h.Name)
	}
	return vars, nil
}

// SnapshotResolver resolves variables from an inventory snapshot on demand.
type SnapshotResolver struct {
	Snapshot *inventory.Snapshot
	Options  inventory.ResolveOptions
}

// ResolveVars resolves h against the snapshot.
func (r SnapshotResolver) ResolveVars(ctx context.Context, h *inventory.Host) (inventory.Vars, error) {
	return r.Snapshot.ResolveVars(ctx, h, r.Options)
}
