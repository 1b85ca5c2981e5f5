package ssh

import (
	"bytes"
	"context"
	"errors"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// testSSHServer is a minimal exec-only server.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "hunter2" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, config: config, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testSSHServer) target() plugins.Target {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return plugins.Target{
		Host:     "web1",
		Address:  host,
		Port:     p,
		User:     "deploy",
		Password: "hunter2",
	}
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		command := string(req.Payload[4:])
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		switch command {
		case "echo pong":
			_, _ = channel.Write([]byte("pong\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		case "yes":
			// Streams until the client goes away; signals are ignored.
			go ssh.DiscardRequests(requests)
			chunk := bytes.Repeat([]byte("y\n"), 2048)
			for {
				if _, err := channel.Write(chunk); err != nil {
					return
				}
			}
		case "false":
			_, _ = channel.Stderr().Write([]byte("failed\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(1))
		default:
			_, _ = channel.Write([]byte("command: " + command + "\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		}
		return
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func testOptions() Options {
	return Options{HostKeyChecking: false, ConnectTimeout: 5 * time.Second}
}

func TestOpenAndExec(t *testing.T) {
	server := newTestSSHServer(t)
	p := New(testOptions(), zerolog.Nop())

	session, err := p.Open(context.Background(), server.target())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	tests := []struct {
		name       string
		cmd        string
		wantStdout string
		wantStderr string
		wantRC     int
	}{
		{name: "success", cmd: "echo pong", wantStdout: "pong\n", wantRC: 0},
		{name: "non-zero exit", cmd: "false", wantStderr: "failed\n", wantRC: 1},
		{name: "other command", cmd: "uptime", wantStdout: "command: uptime\n", wantRC: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := session.Exec(context.Background(), tt.cmd, nil)
			if err != nil {
				t.Fatalf("Exec failed: %v", err)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("Expected stdout %q, got %q", tt.wantStdout, res.Stdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("Expected stderr %q, got %q", tt.wantStderr, res.Stderr)
			}
			if res.ExitCode != tt.wantRC {
				t.Errorf("Expected rc %d, got %d", tt.wantRC, res.ExitCode)
			}
		})
	}
}

func TestOpenWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	p := New(testOptions(), zerolog.Nop())

	target := server.target()
	target.Password = "wrong"
	_, err := p.Open(context.Background(), target)
	if err == nil {
		t.Fatal("Expected authentication failure, got nil")
	}
	if !errs.HasCode(err, errs.CodeConnection) {
		t.Errorf("Expected ConnectionError, got %v", errs.CodeOf(err))
	}
}

func TestOpenUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()

	p := New(testOptions(), zerolog.Nop())
	_, err = p.Open(context.Background(), plugins.Target{
		Host:     "gone",
		Address:  "127.0.0.1",
		Port:     addr.Port,
		User:     "deploy",
		Password: "x",
	})
	if err == nil {
		t.Fatal("Expected connection error, got nil")
	}
	if !errs.IsUnreachable(err) {
		t.Errorf("Expected an unreachable error, got %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	server := newTestSSHServer(t)
	p := New(testOptions(), zerolog.Nop())

	session, err := p.Open(context.Background(), server.target())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Expected first Close to succeed, got %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func TestExecCancelledKeepsPartialOutput(t *testing.T) {
	server := newTestSSHServer(t)
	p := New(testOptions(), zerolog.Nop())

	session, err := p.Open(context.Background(), server.target())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := session.Exec(ctx, "yes", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if res == nil {
		t.Fatal("Expected a partial result, got nil")
	}
	if res.ExitCode != -1 {
		t.Errorf("Expected rc -1, got %d", res.ExitCode)
	}
	if len(res.Stdout) == 0 {
		t.Error("Expected partial stdout to be kept")
	}
	if !bytes.HasPrefix([]byte(res.Stdout), []byte("y\ny\n")) {
		t.Errorf("Expected streamed output, got %q", res.Stdout[:min(len(res.Stdout), 16)])
	}

	// The connection stays usable for the next command.
	res, err = session.Exec(context.Background(), "echo pong", nil)
	if err != nil {
		t.Fatalf("Exec after cancel failed: %v", err)
	}
	if res.Stdout != "pong\n" {
		t.Errorf("Expected pong, got %q", res.Stdout)
	}
}
