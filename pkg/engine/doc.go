// Package engine dispatches a task to the hosts a pattern selects.
//
// A Controller evaluates the pattern against an inventory snapshot and
// resolves every selected host's variables, decrypting vault values, before
// anything is contacted; any failure there aborts the run. The Dispatcher
// then runs each host's pipeline on a bounded worker pool:
//
//	resolve vars -> policy check -> select plugins -> open session -> execute -> close
//
// Failures after resolution stay with the host that hit them. Outcomes are
// published as hosts complete and callback plugins receive run events in
// completion order. The run status is derived from the outcomes:
//
//	succeeded  every host ok (or skipped in check mode)
//	partial    some hosts ok
//	failed     no host ok, or fail-fast tripped
//	cancelled  the caller cancelled before the run completed
//
// Unreachable hosts (connection errors) are reported apart from failed ones
// (execution errors). Hosts interrupted by cancellation keep their partial
// output and are reported cancelled.
package engine
