// Package callback holds the built-in callback plugins: minimal prints one
// block per host, json writes JSON lines and history records runs in the
// sqlite run store.
package callback

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// Names of the built-in callbacks.
const (
	MinimalName = "minimal"
	JSONName    = "json"
	HistoryName = "history"
)

// Minimal prints a human readable block for every finished host and a recap
// line at the end of the run.
type Minimal struct {
	mu  sync.Mutex
	out io.Writer
}

// NewMinimal creates the callback writing to out.
func NewMinimal(out io.Writer) *Minimal {
	return &Minimal{out: out}
}

// Events returns the events Minimal prints.
func (m *Minimal) Events() []plugins.EventType {
	return []plugins.EventType{
		plugins.EventHostOK,
		plugins.EventHostFailed,
		plugins.EventHostUnreachable,
		plugins.EventHostSkipped,
		plugins.EventHostCancelled,
		plugins.EventRunEnd,
	}
}

// OnEvent writes ev.
func (m *Minimal) OnEvent(_ context.Context, ev plugins.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Type == plugins.EventRunEnd {
		_, err := fmt.Fprintf(m.out, "\nRECAP %s %s\n", ev.Status, formatStats(ev.Stats))
		return err
	}

	var b strings.Builder
	b.WriteString(ev.Host)
	b.WriteString(" | ")
	b.WriteString(strings.ToUpper(ev.Status))
	if ev.RC != nil {
		fmt.Fprintf(&b, " | rc=%d", *ev.RC)
	}
	b.WriteString(" >>\n")
	if ev.Stdout != "" {
		b.WriteString(ensureNewline(ev.Stdout))
	}
	if ev.Stderr != "" {
		b.WriteString(ensureNewline(ev.Stderr))
	}
	if ev.Error != "" {
		b.WriteString(ensureNewline(ev.Error))
	}

	_, err := io.WriteString(m.out, b.String())
	return err
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func formatStats(stats map[string]int) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}
	return strings.Join(parts, " ")
}
