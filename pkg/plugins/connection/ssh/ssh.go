// Package ssh is the default connection plugin. It runs commands over
// golang.org/x/crypto/ssh and transfers files over SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// Name is the plugin's registry name.
const Name = "ssh"

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// Plugin opens ssh sessions.
type Plugin struct {
	opts   Options
	logger zerolog.Logger
}

// New creates the plugin.
func New(opts Options, logger zerolog.Logger) *Plugin {
	return &Plugin{opts: opts, logger: logger.With().Str("plugin", "connection/"+Name).Logger()}
}

// Open dials the target, through its jump host when one is set.
func (p *Plugin) Open(ctx context.Context, target plugins.Target) (plugins.Session, error) {
	cfg, err := configFor(target, p.opts)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnection, "invalid ssh settings", err).WithHost(target.Host)
	}

	s := &Session{host: target.Host, logger: p.logger.With().Str("host", target.Host).Logger()}
	if cfg.Jump != nil {
		s.jump, err = dial(ctx, cfg.Jump, nil)
		if err != nil {
			return nil, classify(ctx, target.Host, "jump host "+cfg.Jump.Address(), err)
		}
	}
	s.client, err = dial(ctx, cfg, s.jump)
	if err != nil {
		if s.jump != nil {
			_ = s.jump.Close()
		}
		return nil, classify(ctx, target.Host, cfg.Address(), err)
	}

	s.logger.Debug().Str("address", cfg.Address()).Msg("ssh connection established")
	return s, nil
}

// dial connects to cfg directly or through via. The handshake is bounded by
// both ctx and cfg.ConnectTimeout.
func dial(ctx context.Context, cfg *Config, via *ssh.Client) (*ssh.Client, error) {
	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", cfg.Address())
	} else {
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err = d.DialContext(ctx, "tcp", cfg.Address())
	}
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// classify maps a dial failure to ConnectionTimeout or ConnectionError.
func classify(ctx context.Context, host, address string, err error) error {
	code := errs.CodeConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = errs.CodeConnectionTimeout
	}
	if ctx.Err() == context.Canceled {
		code = errs.CodeCancelled
	}
	return errs.Wrap(code, "failed to connect to "+address, err).
		WithHost(host).
		WithOperation("open")
}

// Session is an open ssh connection to one host.
type Session struct {
	host   string
	client *ssh.Client
	jump   *ssh.Client
	logger zerolog.Logger

	sftpMu sync.Mutex
	sftp   *sftp.Client

	closeOnce sync.Once
	closeErr  error
}

// Exec runs cmd in a new channel. When ctx ends first the command is
// signalled and the output captured so far is returned with ctx's error.
func (s *Session) Exec(ctx context.Context, cmd string, stdin []byte) (*plugins.ExecResult, error) {
	start := time.Now()

	session, err := s.client.NewSession()
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnection, "failed to create ssh channel", err).
			WithHost(s.host).WithOperation("exec")
	}
	defer session.Close()

	var stdout, stderr lockedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		_ = session.Close()
		// Run returns once the output copies have drained.
		select {
		case <-done:
		case <-time.After(killGrace):
		}
		runErr = ctx.Err()
	case runErr = <-done:
	}

	res := &plugins.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	s.logger.Debug().
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitCode = -1
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, errs.Wrap(errs.CodeExecution, "command did not complete", runErr).
		WithHost(s.host).WithOperation("exec")
}

// lockedBuffer lets a cancelled Exec read the captured output while the
// channel copy may still be writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Close closes the sftp client, the connection and any jump connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.sftpMu.Lock()
		if s.sftp != nil {
			_ = s.sftp.Close()
			s.sftp = nil
		}
		s.sftpMu.Unlock()

		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = fmt.Errorf("failed to close ssh connection: %w", err)
		}
		if s.jump != nil {
			_ = s.jump.Close()
		}
		s.logger.Debug().Msg("ssh connection closed")
	})
	return s.closeErr
}
