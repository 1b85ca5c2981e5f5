// Package shell holds the built-in shell plugins: sh for POSIX hosts and
// powershell for Windows hosts.
package shell

import (
	"fmt"
	"strings"
	"time"
)

// Sh renders POSIX sh command lines.
type Sh struct {
	// TmpDir is where Mktemp creates directories, /tmp by default.
	TmpDir string
}

// NewSh creates the sh plugin.
func NewSh() *Sh {
	return &Sh{TmpDir: "/tmp"}
}

// Quote wraps s in single quotes, escaping embedded ones.
func (s *Sh) Quote(str string) (string, error) {
	if str == "" {
		return "''", nil
	}
	if isSafe(str) {
		return str, nil
	}
	return "'" + strings.ReplaceAll(str, "'", `'"'"'`) + "'", nil
}

// Mktemp returns a command that creates a private temporary directory and
// prints its path.
func (s *Sh) Mktemp(base string) (string, error) {
	dir := s.TmpDir
	if dir == "" {
		dir = "/tmp"
	}
	name := fmt.Sprintf("%s-%d-XXXXXX", sanitize(base), time.Now().UnixNano())
	q, _ := s.Quote(dir + "/" + name)
	return "umask 77 && mktemp -d " + q, nil
}

// Join chains cmds with &&.
func (s *Sh) Join(cmds ...string) (string, error) {
	return strings.Join(nonEmpty(cmds), " && "), nil
}

// Rmdir returns a command that removes path recursively.
func (s *Sh) Rmdir(path string) (string, error) {
	q, _ := s.Quote(path)
	return "rm -rf " + q + " > /dev/null 2>&1", nil
}

// Exists returns a command that exits zero when path exists.
func (s *Sh) Exists(path string) (string, error) {
	q, _ := s.Quote(path)
	return "test -e " + q, nil
}

// PowerShell renders PowerShell command lines.
type PowerShell struct{}

// NewPowerShell creates the powershell plugin.
func NewPowerShell() *PowerShell {
	return &PowerShell{}
}

// Quote wraps s in single quotes, doubling embedded ones.
func (p *PowerShell) Quote(str string) (string, error) {
	return "'" + strings.ReplaceAll(str, "'", "''") + "'", nil
}

// Mktemp returns a command that creates a directory under $env:TEMP and
// prints its path.
func (p *PowerShell) Mktemp(base string) (string, error) {
	name := fmt.Sprintf("%s-%d", sanitize(base), time.Now().UnixNano())
	q, _ := p.Quote(name)
	return "(New-Item -ItemType Directory -Path (Join-Path $env:TEMP " + q + ")).FullName", nil
}

// Join chains cmds so each runs only when the previous succeeded.
func (p *PowerShell) Join(cmds ...string) (string, error) {
	cmds = nonEmpty(cmds)
	if len(cmds) <= 1 {
		return strings.Join(cmds, ""), nil
	}
	return strings.Join(cmds, "; if (-not $?) { exit 1 }; "), nil
}

// Rmdir returns a command that removes path recursively.
func (p *PowerShell) Rmdir(path string) (string, error) {
	q, _ := p.Quote(path)
	return "Remove-Item -Recurse -Force -ErrorAction SilentlyContinue -Path " + q, nil
}

// Exists returns a command that exits zero when path exists.
func (p *PowerShell) Exists(path string) (string, error) {
	q, _ := p.Quote(path)
	return "if (Test-Path -LiteralPath " + q + ") { exit 0 } else { exit 1 }", nil
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%_-+=:,./", r):
		default:
			return false
		}
	}
	return true
}

func sanitize(base string) string {
	if base == "" {
		return "froyo"
	}
	var b strings.Builder
	for _, r := range base {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "froyo"
	}
	return b.String()
}

func nonEmpty(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}
