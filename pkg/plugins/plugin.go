package plugins

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"time"
)

// Kind is the role a plugin plays.
type Kind string

const (
	KindConnection Kind = "connection"
	KindShell      Kind = "shell"
	KindCallback   Kind = "callback"
)

// Kinds lists every plugin kind in search order.
var Kinds = []Kind{KindConnection, KindShell, KindCallback}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindConnection, KindShell, KindCallback:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown plugin kind %q", s)
	}
}

// Origin tells where a plugin came from.
type Origin string

const (
	// OriginStatic plugins are compiled into the binary.
	OriginStatic Origin = "static"

	// OriginDynamic plugins are WASM artifacts found on a search path.
	OriginDynamic Origin = "dynamic"
)

// Descriptor identifies a plugin. It is immutable once discovered.
type Descriptor struct {
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	Origin     Origin `json:"origin"`
	Path       string `json:"path,omitempty"`
	ABIVersion uint32 `json:"abi_version"`
}

// Key returns "kind/name".
func (d Descriptor) Key() string {
	return string(d.Kind) + "/" + d.Name
}

func (d Descriptor) String() string {
	if d.Path != "" {
		return fmt.Sprintf("%s (%s, %s)", d.Key(), d.Origin, d.Path)
	}
	return fmt.Sprintf("%s (%s)", d.Key(), d.Origin)
}

// Target describes how to reach one host. It is derived from the host's
// resolved variables.
type Target struct {
	// Host is the inventory name.
	Host string `json:"host"`

	// Address is the network address, froyo_host when set.
	Address        string        `json:"address"`
	Port           int           `json:"port,omitempty"`
	User           string        `json:"user,omitempty"`
	Password       string        `json:"-"`
	PrivateKeyFile string        `json:"private_key_file,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`

	// Vars are the host's resolved variables. Connection plugins read
	// plugin-specific settings from them.
	Vars map[string]interface{} `json:"-"`
}

// Host variables read by TargetFromVars and Select.
const (
	VarConnection     = "froyo_connection"
	VarShell          = "froyo_shell"
	VarHost           = "froyo_host"
	VarPort           = "froyo_port"
	VarUser           = "froyo_user"
	VarPassword       = "froyo_password"
	VarPrivateKeyFile = "froyo_private_key_file"
	VarTimeout        = "froyo_timeout"
)

// Default plugin names per kind.
const (
	DefaultConnection = "ssh"
	DefaultShell      = "sh"
)

// TargetFromVars builds a Target for host from its resolved variables,
// falling back to defaults for values the variables do not set.
func TargetFromVars(host string, vars map[string]interface{}, defaults Target) Target {
	t := defaults
	t.Host = host
	t.Address = host
	t.Vars = vars

	if s, ok := stringVar(vars, VarHost); ok {
		t.Address = s
	}
	if p, ok := intVar(vars, VarPort); ok {
		t.Port = p
	}
	if s, ok := stringVar(vars, VarUser); ok {
		t.User = s
	}
	if s, ok := stringVar(vars, VarPassword); ok {
		t.Password = s
	}
	if s, ok := stringVar(vars, VarPrivateKeyFile); ok {
		t.PrivateKeyFile = s
	}
	if secs, ok := intVar(vars, VarTimeout); ok && secs > 0 {
		t.Timeout = time.Duration(secs) * time.Second
	}
	return t
}

func stringVar(vars map[string]interface{}, key string) (string, bool) {
	v, ok := vars[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

func intVar(vars map[string]interface{}, key string) (int, bool) {
	switch n := vars[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"rc"`
	Duration time.Duration `json:"duration"`
}

// ConnectionPlugin opens sessions to hosts.
type ConnectionPlugin interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// Session is a live connection to exactly one host. Close must be called on
// every exit path.
type Session interface {
	// Exec runs cmd. A non-zero exit status is reported in the result, not
	// as an error; errors mean the command could not be run at all.
	Exec(ctx context.Context, cmd string, stdin []byte) (*ExecResult, error)
	Put(ctx context.Context, data []byte, remotePath string, mode fs.FileMode) error
	Fetch(ctx context.Context, remotePath string) ([]byte, error)
	Close() error
}

// ShellPlugin renders command lines for a remote shell. Built-in shells
// never fail; WASM shells report guest errors.
type ShellPlugin interface {
	Quote(s string) (string, error)
	Mktemp(base string) (string, error)
	// Join chains commands so each runs only if the previous succeeded.
	Join(cmds ...string) (string, error)
	Rmdir(path string) (string, error)
}

// PathChecker is an optional ShellPlugin extension used by the creates=
// argument. Exists returns a command that exits zero when path exists.
type PathChecker interface {
	Exists(path string) (string, error)
}

// CallbackPlugin receives run events.
type CallbackPlugin interface {
	// Events lists the event types the plugin wants. Empty means all.
	Events() []EventType
	OnEvent(ctx context.Context, ev Event) error
}

// Closer is implemented by plugins that hold resources.
type Closer interface {
	Close() error
}
