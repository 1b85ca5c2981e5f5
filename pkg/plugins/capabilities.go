package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Capability is a host facility a WASM plugin may declare in its manifest.
type Capability string

const (
	// CapExecLocal lets a plugin run commands on the controller.
	CapExecLocal Capability = "exec:local"

	// CapLog lets a plugin write to the controller log.
	CapLog Capability = "log"
)

var knownCapabilities = map[Capability]bool{
	CapExecLocal: true,
	CapLog:       true,
}

// hostModule is the import module name plugins link host functions from.
const hostModule = "froyo"

// execLocalTimeout bounds a single exec_local call.
const execLocalTimeout = 5 * time.Minute

// CapabilityEnforcer grants host functions to one plugin instance.
type CapabilityEnforcer struct {
	plugin  string
	granted map[Capability]bool
	logger  zerolog.Logger
}

// NewCapabilityEnforcer creates an enforcer for the capabilities a plugin
// declared.
func NewCapabilityEnforcer(plugin string, granted map[Capability]bool, logger zerolog.Logger) *CapabilityEnforcer {
	if granted == nil {
		granted = map[Capability]bool{}
	}
	return &CapabilityEnforcer{plugin: plugin, granted: granted, logger: logger}
}

// HasCapability reports whether c was declared.
func (e *CapabilityEnforcer) HasCapability(c Capability) bool {
	return e.granted[c]
}

func (e *CapabilityEnforcer) require(c Capability) error {
	if !e.granted[c] {
		e.logger.Warn().Str("plugin", e.plugin).Str("capability", string(c)).
			Msg("plugin called a host function it did not declare")
		return fmt.Errorf("capability %s not granted", c)
	}
	return nil
}

type execLocalResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	RC     int    `json:"rc"`
	Error  string `json:"error,omitempty"`
}

// ExecLocal runs cmd with /bin/sh on the controller.
func (e *CapabilityEnforcer) ExecLocal(ctx context.Context, cmd string) (*execLocalResult, error) {
	if err := e.require(CapExecLocal); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, execLocalTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr

	res := &execLocalResult{}
	err := c.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		res.RC = exitErr.ExitCode()
	}
	return res, nil
}

// Log writes msg at level (0 debug, 1 info, 2 warn, 3 error).
func (e *CapabilityEnforcer) Log(level uint32, msg string) error {
	if err := e.require(CapLog); err != nil {
		return err
	}
	var ev *zerolog.Event
	switch level {
	case 0:
		ev = e.logger.Debug()
	case 2:
		ev = e.logger.Warn()
	case 3:
		ev = e.logger.Error()
	default:
		ev = e.logger.Info()
	}
	ev.Str("plugin", e.plugin).Msg(msg)
	return nil
}

// registerHostFunctions exports the host module. Every function is always
// linked; calls without the matching capability fail at call time.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, enforcer *CapabilityEnforcer) error {
	builder := rt.NewHostModuleBuilder(hostModule)

	// exec_local(cmd_ptr, cmd_len) -> (ptr << 32) | len of a JSON result
	// allocated with the guest's malloc; 0 when nothing could be returned.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, cmdPtr, cmdLen uint32) uint64 {
			cmdBytes, ok := mod.Memory().Read(cmdPtr, cmdLen)
			if !ok {
				return 0
			}
			res, err := enforcer.ExecLocal(ctx, string(cmdBytes))
			if err != nil {
				res = &execLocalResult{RC: -1, Error: err.Error()}
			}
			out, err := json.Marshal(res)
			if err != nil {
				return 0
			}
			packed, err := writeGuest(ctx, mod, out)
			if err != nil {
				return 0
			}
			return packed
		}).
		Export("exec_local")

	// log(level, msg_ptr, msg_len) -> 0 on success, 1 on failure.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) uint32 {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return 1
			}
			if err := enforcer.Log(level, string(msg)); err != nil {
				return 1
			}
			return 0
		}).
		Export("log")

	_, err := builder.Instantiate(ctx)
	return err
}

// writeGuest copies data into memory allocated by the guest's malloc and
// returns the packed pointer.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, fmt.Errorf("module does not export malloc")
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write to guest memory")
	}
	return uint64(ptr)<<32 | uint64(len(data)), nil
}
