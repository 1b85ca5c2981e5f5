package policy

import (
	"regexp"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError denies the host.
	SeverityError Severity = "error"

	// SeverityCritical denies the host.
	SeverityCritical Severity = "critical"
)

// Denies reports whether a violation of severity s blocks dispatch.
func (s Severity) Denies() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module.
type Policy struct {
	// Name is the unique name of the policy, the file name without
	// extension for loaded policies.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity applies to deny entries that do not carry their own.
	Severity Severity `json:"severity"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	Builtin bool `json:"builtin,omitempty"`
}

// TaskInput describes the work about to be dispatched.
type TaskInput struct {
	RunID  string `json:"run_id,omitempty"`
	Module string `json:"module"`
	Args   string `json:"args"`
	Check  bool   `json:"check"`
}

// Input is the document policies evaluate against.
type Input struct {
	Host string                 `json:"host"`
	Vars map[string]interface{} `json:"vars"`
	Task TaskInput              `json:"task"`
}

// Violation is one deny entry.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the combined result of every policy for one host.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Denials returns the messages of the violations that block the host.
func (d *Decision) Denials() []string {
	var out []string
	for _, v := range d.Violations {
		if v.Severity.Denies() {
			out = append(out, v.Message)
		}
	}
	return out
}

// Redacted is the placeholder for secret variable values.
const Redacted = "********"

var secretKey = regexp.MustCompile(`(?i)(pass|secret|token|private_key|credential|api_key)`)

// RedactVars returns a copy of vars with values of secret-looking keys
// replaced by Redacted, recursing into nested mappings.
func RedactVars(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if secretKey.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return RedactVars(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
