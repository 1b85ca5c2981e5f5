// Package local is the connection plugin for the controller machine itself.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// Name is the plugin's registry name.
const Name = "local"

// waitDelay bounds how long a killed command's orphaned children may keep
// its output pipes open.
const waitDelay = time.Second

// Plugin runs commands with the local /bin/sh.
type Plugin struct {
	// Shell is the interpreter, /bin/sh by default.
	Shell string
}

// New creates the plugin.
func New() *Plugin {
	return &Plugin{Shell: "/bin/sh"}
}

// Open never fails: the controller is always reachable.
func (p *Plugin) Open(_ context.Context, target plugins.Target) (plugins.Session, error) {
	return &Session{host: target.Host, shell: p.Shell}, nil
}

// Session runs commands as child processes.
type Session struct {
	host  string
	shell string
}

// Exec runs cmd with "sh -c". On cancellation the process is killed and the
// output captured so far is returned with ctx's error.
func (s *Session) Exec(ctx context.Context, cmd string, stdin []byte) (*plugins.ExecResult, error) {
	start := time.Now()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, s.shell, "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = waitDelay
	if len(stdin) > 0 {
		c.Stdin = bytes.NewReader(stdin)
	}

	err := c.Run()
	res := &plugins.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, errs.Wrap(errs.CodeExecution, "failed to start command", err).
			WithHost(s.host).WithOperation("exec")
	}
	return res, nil
}

// Put writes data to path, creating parent directories.
func (s *Session) Put(_ context.Context, data []byte, path string, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, mode.Perm()); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Fetch reads path.
func (s *Session) Fetch(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Close is a no-op.
func (s *Session) Close() error {
	return nil
}
