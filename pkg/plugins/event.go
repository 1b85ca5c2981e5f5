package plugins

import (
	"time"
)

// EventType names a run event.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventHostStart       EventType = "host_start"
	EventHostOK          EventType = "host_ok"
	EventHostFailed      EventType = "host_failed"
	EventHostUnreachable EventType = "host_unreachable"
	EventHostSkipped     EventType = "host_skipped"
	EventHostCancelled   EventType = "host_cancelled"
	EventRunEnd          EventType = "run_end"
)

// AllEvents lists every event type.
var AllEvents = []EventType{
	EventRunStart,
	EventHostStart,
	EventHostOK,
	EventHostFailed,
	EventHostUnreachable,
	EventHostSkipped,
	EventHostCancelled,
	EventRunEnd,
}

// Event is delivered to callback plugins. Host events arrive in completion
// order, not in the order hosts were selected.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"event"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	// Run fields, set on run_start and run_end.
	Pattern string   `json:"pattern,omitempty"`
	Module  string   `json:"module,omitempty"`
	Args    string   `json:"args,omitempty"`
	Hosts   []string `json:"hosts,omitempty"`

	// Host fields.
	Host      string        `json:"host,omitempty"`
	Status    string        `json:"status,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	RC        *int          `json:"rc,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Stats counts host outcomes by status, set on run_end.
	Stats map[string]int `json:"stats,omitempty"`
}

// Wants reports whether a callback listening for types should receive t.
func Wants(types []EventType, t EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
