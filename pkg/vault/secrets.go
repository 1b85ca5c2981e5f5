package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// SecretSource supplies the secret for one vault id. Secret returns a fresh
// buffer that the caller clears after use.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)

	// Describe names the source without revealing the secret.
	Describe() string
}

// PasswordSource holds a secret given directly, for example from a flag.
type PasswordSource struct {
	secret []byte
}

// NewPasswordSource copies secret into a new source.
func NewPasswordSource(secret []byte) *PasswordSource {
	return &PasswordSource{secret: bytes.Clone(secret)}
}

// Secret implements SecretSource.
func (s *PasswordSource) Secret(_ context.Context) ([]byte, error) {
	return bytes.Clone(s.secret), nil
}

// Describe implements SecretSource.
func (s *PasswordSource) Describe() string {
	return "password"
}

// FileSource reads the secret from a file on every call, so a rotated file
// takes effect once the cache entry is invalidated. Trailing newlines are
// trimmed. An executable file is run and its standard output is used.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the secret file path.
func (s *FileSource) Path() string {
	return s.path
}

// Secret implements SecretSource.
func (s *FileSource) Secret(ctx context.Context) ([]byte, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeVaultSecretUnavailable, fmt.Sprintf("cannot read vault password file %s", s.path), err)
	}

	var content []byte
	if info.Mode().IsRegular() && info.Mode()&0o111 != 0 {
		cmd := exec.CommandContext(ctx, s.path)
		cmd.Stderr = os.Stderr
		content, err = cmd.Output()
		if err != nil {
			return nil, errs.Wrap(errs.CodeVaultSecretUnavailable, fmt.Sprintf("vault password script %s failed", s.path), err)
		}
	} else {
		content, err = os.ReadFile(s.path)
		if err != nil {
			return nil, errs.Wrap(errs.CodeVaultSecretUnavailable, fmt.Sprintf("cannot read vault password file %s", s.path), err)
		}
	}

	secret := bytes.TrimRight(content, "\r\n")
	if len(secret) == 0 {
		clear(content)
		return nil, errs.Newf(errs.CodeVaultSecretUnavailable, "vault password file %s is empty", s.path)
	}
	out := bytes.Clone(secret)
	clear(content)
	return out, nil
}

// Describe implements SecretSource.
func (s *FileSource) Describe() string {
	return "file:" + s.path
}

// PromptSource asks for the secret on the terminal the first time it is
// needed and remembers it for the rest of the process.
type PromptSource struct {
	id     string
	in     *os.File
	out    io.Writer
	once   sync.Once
	secret []byte
	err    error
}

// NewPromptSource prompts on stdin/stderr for vault id.
func NewPromptSource(id string) *PromptSource {
	return &PromptSource{id: id, in: os.Stdin, out: os.Stderr}
}

// Secret implements SecretSource.
func (s *PromptSource) Secret(_ context.Context) ([]byte, error) {
	s.once.Do(func() {
		fd := int(s.in.Fd())
		if !term.IsTerminal(fd) {
			s.err = errs.Newf(errs.CodeVaultSecretUnavailable, "cannot prompt for vault password %q: stdin is not a terminal", s.id)
			return
		}
		prompt := "Vault password: "
		if s.id != DefaultID {
			prompt = fmt.Sprintf("Vault password (%s): ", s.id)
		}
		fmt.Fprint(s.out, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(s.out)
		if err != nil {
			s.err = errs.Wrap(errs.CodeVaultSecretUnavailable, "failed to read vault password", err)
			return
		}
		if len(secret) == 0 {
			s.err = errs.New(errs.CodeVaultSecretUnavailable, "vault password is empty")
			return
		}
		s.secret = secret
	})
	if s.err != nil {
		return nil, s.err
	}
	return bytes.Clone(s.secret), nil
}

// Describe implements SecretSource.
func (s *PromptSource) Describe() string {
	return "prompt"
}

// ParseIDSpec parses a --vault-id argument of the form [id@]source, where
// source is "prompt" or a file path. A spec without id uses DefaultID.
func ParseIDSpec(spec string) (string, SecretSource, error) {
	id, source := DefaultID, spec
	if before, after, ok := strings.Cut(spec, "@"); ok {
		id, source = before, after
	}
	if id == "" || source == "" {
		return "", nil, fmt.Errorf("invalid vault id %q, expected [id@]source", spec)
	}
	if source == "prompt" {
		return id, NewPromptSource(id), nil
	}
	return id, NewFileSource(source), nil
}
