// Package builtin registers the statically linked plugins.
package builtin

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/plugins/callback"
	"github.com/openfroyo/froyoctl/pkg/plugins/connection/local"
	"github.com/openfroyo/froyoctl/pkg/plugins/connection/ssh"
	"github.com/openfroyo/froyoctl/pkg/plugins/shell"
)

// Options configures the built-in plugins.
type Options struct {
	SSH ssh.Options
	// RemoteTmp is where the sh plugin creates temporary directories.
	RemoteTmp string
	// HistoryDB is the run history database. Empty disables the history
	// callback.
	HistoryDB string
	// Out receives the minimal and json callback output, stdout by default.
	Out    io.Writer
	Logger zerolog.Logger
}

type registration struct {
	key string
	fn  func() error
}

// Register adds every built-in plugin to r.
func Register(r *plugins.Registry, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	sh := shell.NewSh()
	if opts.RemoteTmp != "" {
		sh.TmpDir = opts.RemoteTmp
	}

	steps := []registration{
		{"connection/" + ssh.Name, func() error {
			return r.RegisterConnection(ssh.Name, ssh.New(opts.SSH, opts.Logger.With().Str("plugin", "ssh").Logger()))
		}},
		{"connection/" + local.Name, func() error { return r.RegisterConnection(local.Name, local.New()) }},
		{"shell/sh", func() error { return r.RegisterShell("sh", sh) }},
		{"shell/powershell", func() error { return r.RegisterShell("powershell", shell.NewPowerShell()) }},
		{"callback/" + callback.MinimalName, func() error {
			return r.RegisterCallback(callback.MinimalName, callback.NewMinimal(out))
		}},
		{"callback/" + callback.JSONName, func() error {
			return r.RegisterCallback(callback.JSONName, callback.NewJSON(out))
		}},
	}
	if opts.HistoryDB != "" {
		steps = append(steps, registration{"callback/" + callback.HistoryName, func() error {
			return r.RegisterCallback(callback.HistoryName, callback.NewHistory(opts.HistoryDB))
		}})
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to register %s: %w", step.key, err)
		}
	}
	return nil
}
