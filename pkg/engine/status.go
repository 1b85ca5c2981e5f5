package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every host finished ok (or skipped in
	// check mode).
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some hosts finished ok and some did not.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no host finished ok, or fail-fast stopped
	// the run.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled the run before it
	// completed.
	RunStatusCancelled RunStatus = "cancelled"
)

// ExitCode maps a run status to the CLI exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSucceeded:
		return 0
	case RunStatusPartial:
		return 2
	case RunStatusCancelled:
		return 3
	default:
		return 1
	}
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// HostStatus is the outcome of one host's pipeline.
type HostStatus string

const (
	// HostStatusOK indicates the module ran and exited zero.
	HostStatusOK HostStatus = "ok"

	// HostStatusFailed indicates variable resolution, policy, plugin
	// selection or execution failed, or the module exited non-zero.
	HostStatusFailed HostStatus = "failed"

	// HostStatusUnreachable indicates no session could be opened.
	HostStatusUnreachable HostStatus = "unreachable"

	// HostStatusSkipped indicates check mode connected without executing.
	HostStatusSkipped HostStatus = "skipped"

	// HostStatusCancelled indicates the run was cancelled before or while
	// the host executed.
	HostStatusCancelled HostStatus = "cancelled"
)

// Failure reports whether the status triggers fail-fast.
func (s HostStatus) Failure() bool {
	return s == HostStatusFailed || s == HostStatusUnreachable
}

// Validate checks if the host status is valid.
func (s HostStatus) Validate() error {
	switch s {
	case HostStatusOK, HostStatusFailed, HostStatusUnreachable,
		HostStatusSkipped, HostStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid host status: %s", s)
	}
}

// summarize derives the run status from host outcomes. cancelled reports
// whether the caller's context ended before the run completed.
func summarize(outcomes []HostOutcome, cancelled, failFastTripped bool) (RunStatus, map[string]int) {
	stats := map[string]int{
		string(HostStatusOK):          0,
		string(HostStatusFailed):      0,
		string(HostStatusUnreachable): 0,
		string(HostStatusSkipped):     0,
		string(HostStatusCancelled):   0,
	}
	for _, o := range outcomes {
		stats[string(o.Status)]++
	}

	done := stats[string(HostStatusOK)] + stats[string(HostStatusSkipped)]
	switch {
	case cancelled && stats[string(HostStatusCancelled)] > 0:
		return RunStatusCancelled, stats
	case failFastTripped:
		return RunStatusFailed, stats
	case done == len(outcomes):
		return RunStatusSucceeded, stats
	case done > 0:
		return RunStatusPartial, stats
	default:
		return RunStatusFailed, stats
	}
}
