package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/froyoctl/pkg/engine"
	"github.com/openfroyo/froyoctl/pkg/pattern"
	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/plugins/callback"
)

// flagAliases maps short spellings to the flag named after a config key.
var flagAliases = map[string]string{
	"private-key": "private-key-file",
	"user":        "remote-user",
}

func normalizeAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if full, ok := flagAliases[name]; ok {
		name = full
	}
	return pflag.NormalizedName(name)
}

func newRunCommand(version string) *cobra.Command {
	var (
		limit      string
		module     string
		moduleArgs string
		failFast   bool
		check      bool
		connection string
		listHosts  bool
		callbacks  []string
		vf         vaultFlags
	)

	cmd := &cobra.Command{
		Use:   "run <pattern>",
		Short: "Run a module on the hosts matching a pattern",
		Long: `Run a module on every host matched by a pattern.

Hosts are selected from the inventory, their variables resolved and any
vault values decrypted before the first host is contacted. Hosts then run
in parallel, at most --forks at a time. A failure on one host never stops
the others unless --fail-fast is set.

Modules:
  ping     connect and run "echo pong"
  raw      run the arguments verbatim
  command  run the arguments as one command, each word quoted
  shell    run the arguments through the remote shell
  script   copy a local script to the host and run it

Arguments are a free string or a JSON object with cmd, chdir and creates.

Exit status is 0 when every host succeeded, 2 when only some did, 1 when
none did or the run could not start, and 3 when it was interrupted.`,
		Example: `  # Check connectivity to every web server
  froyoctl run web -i hosts.yaml -m ping

  # Run a command on two groups, limited to one datacenter
  froyoctl run 'web,db' -l 'dc1' -a 'uptime'

  # Use a shell pipeline, stop at the first failure
  froyoctl run all -m shell -a 'df -h | grep /var' --fail-fast

  # Skip the command when its output already exists
  froyoctl run db -a '{"cmd": "make install", "chdir": "/opt/app", "creates": "/usr/local/bin/app"}'

  # Show which hosts a pattern matches
  froyoctl run 'all:!db*' --list-hosts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, limit, err := expandPatterns(args[0], limit)
			if err != nil {
				return err
			}

			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			snap, err := a.loadInventory(ctx)
			if err != nil {
				return err
			}

			if listHosts {
				hosts, err := pattern.Select(expr, limit, snap)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "  hosts (%d):\n", len(hosts))
				for _, h := range hosts {
					fmt.Fprintf(out, "    %s\n", h.Name)
				}
				return nil
			}

			s := a.settings
			if jsonOutput {
				s.StdoutCallback = callback.JSONName
			}

			registry, err := a.loadRegistry(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				if err := registry.Close(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to close plugins")
				}
			}()

			v, err := a.loadVault(&vf)
			if err != nil {
				return err
			}

			guard, err := a.loadGuard(ctx)
			if err != nil {
				return err
			}

			watchCtx, stopWatching := context.WithCancel(ctx)
			defer stopWatching()
			a.watchPolicies(watchCtx, guard)

			ctrl := &engine.Controller{
				Snapshot: snap,
				Registry: registry,
				Guard:    guard,
				Defaults: plugins.Target{
					User:           s.RemoteUser,
					PrivateKeyFile: plugins.ExpandHome(s.PrivateKeyFile),
				},
				StrictVault: s.StrictVault,
				Connection:  connection,
				Telemetry:   a.tel,
			}
			if v != nil {
				ctrl.Vault = v
				a.watchVault(watchCtx, v)
			}

			summary, err := ctrl.Run(ctx, engine.RunRequest{
				Pattern: expr,
				Limit:   limit,
				Task: engine.Task{
					Module:         module,
					Args:           moduleArgs,
					Forks:          s.Forks,
					FailFast:       failFast,
					Check:          check,
					ConnectTimeout: s.ConnectTimeout(),
					TaskTimeout:    s.ExecTimeout(),
				},
				Callbacks: appendUnique(s.Callbacks(), callbacks...),
			})
			if err != nil {
				return err
			}

			log.Debug().
				Str("run_id", summary.RunID).
				Str("status", string(summary.Status)).
				Interface("stats", summary.Stats).
				Dur("duration", summary.Duration).
				Msg("Run finished")

			if !jsonOutput {
				printRecap(cmd.ErrOrStderr(), summary)
			}
			if code := summary.Status.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeAliases)
	flags.StringSliceP("inventory", "i", nil, "inventory file, directory or comma-separated host list (repeatable)")
	flags.StringVarP(&limit, "limit", "l", "", "further limit the selected hosts with a pattern")
	flags.StringVarP(&module, "module", "m", engine.DefaultModule, "module to run")
	flags.StringVarP(&moduleArgs, "args", "a", "", "module arguments")
	flags.IntP("forks", "f", engine.DefaultForks, "number of hosts processed in parallel")
	flags.BoolVar(&failFast, "fail-fast", false, "cancel remaining hosts after the first failure")
	flags.BoolVarP(&check, "check", "C", false, "connect without executing the module")
	flags.StringVarP(&connection, "connection", "c", "", "connection plugin for hosts that do not set froyo_connection")
	flags.IntP("timeout", "T", 10, "connection timeout in seconds")
	flags.Int("task-timeout", 0, "per-host execution timeout in seconds (0 disables)")
	flags.String("private-key-file", "", "SSH private key file")
	flags.StringP("remote-user", "u", "", "remote user")
	flags.Bool("strict-vault", false, "reject vault fragments that override plain variables")
	flags.BoolVar(&listHosts, "list-hosts", false, "list matching hosts and exit")
	flags.StringSliceVar(&callbacks, "callback", nil, "additional callback plugin (repeatable)")
	vf.register(flags)

	return cmd
}

// printRecap writes the per-status host counts.
func printRecap(w io.Writer, s *engine.RunSummary) {
	fmt.Fprintf(w, "\n%s %s  ", TitleStyle.Render("RECAP"), statusStyle(string(s.Status)).Render(string(s.Status)))
	for _, status := range []engine.HostStatus{
		engine.HostStatusOK,
		engine.HostStatusFailed,
		engine.HostStatusUnreachable,
		engine.HostStatusSkipped,
		engine.HostStatusCancelled,
	} {
		fmt.Fprintf(w, "%s=%d  ", status, s.Stats[string(status)])
	}
	fmt.Fprintln(w, SubtitleStyle.Render(s.Duration.Round(time.Millisecond).String()))
}

func appendUnique(list []string, more ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[s] = true
	}
	for _, s := range more {
		if !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}
	return list
}

// expandPatterns replaces @file terms in the pattern and the limit with the
// patterns listed in those files.
func expandPatterns(expr, limit string) (string, string, error) {
	expr, err := pattern.ExpandFiles(expr)
	if err != nil {
		return "", "", err
	}
	limit, err = pattern.ExpandFiles(limit)
	if err != nil {
		return "", "", err
	}
	return expr, limit, nil
}
