package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/froyoctl/pkg/config"
	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/plugins/builtin"
	"github.com/openfroyo/froyoctl/pkg/plugins/connection/ssh"
	"github.com/openfroyo/froyoctl/pkg/policy"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
	"github.com/openfroyo/froyoctl/pkg/vault"
)

// app holds what every command builds first: the merged settings and the
// telemetry they configure.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// newApp loads settings with cmd's flags layered on top and configures
// logging, metrics and tracing from them.
func newApp(cmd *cobra.Command, version string) (*app, error) {
	settings, err := config.Load(config.LoadOptions{
		ConfigFile: configPath,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	cmd.SetContext(tel.WithContext(cmd.Context()))

	if err := tel.Metrics.Serve(cmd.Context(), tel.Logger); err != nil {
		log.Warn().Err(err).Str("address", settings.MetricsListen).Msg("Failed to serve metrics")
	}

	log.Debug().
		Str("home", settings.Home).
		Str("config_file", settings.ConfigFile).
		Msg("Configuration loaded")

	return &app{settings: settings, tel: tel, logger: log.Logger}, nil
}

// close flushes traces.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// loadInventory builds a snapshot from every configured inventory path.
// Without any, the snapshot holds only the implicit localhost.
func (a *app) loadInventory(ctx context.Context) (_ *inventory.Snapshot, err error) {
	op := telemetry.StartOperation(ctx, "inventory.load")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	mode, err := inventory.ParseMergeMode(a.settings.MergeMode)
	if err != nil {
		return nil, err
	}

	var sources []inventory.Source
	for _, path := range a.settings.Inventory {
		srcs, err := inventory.SourcesForPath(plugins.ExpandHome(path), a.logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, srcs...)
	}

	inv, err := inventory.Build(ctx, sources, inventory.BuildOptions{MergeMode: mode, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	snap := inv.Snapshot()
	a.logger.Debug().
		Int("hosts", len(snap.Hosts())).
		Int("groups", len(snap.Groups())).
		Msg("Inventory loaded")
	return snap, nil
}

// loadRegistry registers the built-in plugins and discovers dynamic ones.
// Callback output goes to out.
func (a *app) loadRegistry(ctx context.Context, out io.Writer) (_ *plugins.Registry, err error) {
	op := telemetry.StartOperation(ctx, "plugins.discover")
	defer func() { op.End(err) }()
	ctx = op.Ctx
	s := a.settings

	sshOpts := ssh.DefaultOptions()
	if s.RemoteUser != "" {
		sshOpts.User = s.RemoteUser
	}
	if s.KnownHosts != "" {
		sshOpts.KnownHostsFile = plugins.ExpandHome(s.KnownHosts)
	}
	sshOpts.PrivateKeyFile = plugins.ExpandHome(s.PrivateKeyFile)
	sshOpts.HostKeyChecking = s.HostKeyChecking
	sshOpts.ConnectTimeout = s.ConnectTimeout()

	registry := plugins.NewRegistry(
		plugins.WithLogger(a.logger),
		plugins.WithMetrics(a.tel.Metrics),
	)
	if err := builtin.Register(registry, builtin.Options{
		SSH:       sshOpts,
		RemoteTmp: s.RemoteTmp,
		HistoryDB: plugins.ExpandHome(s.HistoryDB),
		Out:       out,
		Logger:    a.logger,
	}); err != nil {
		return nil, err
	}

	loaded, err := registry.Discover(ctx, s.SearchPaths())
	if err != nil {
		return nil, err
	}
	for _, c := range registry.Excluded() {
		a.logger.Warn().Str("path", c.Path).Str("kind", string(c.Kind)).Msg("Plugin excluded: " + c.Reason())
	}
	a.logger.Debug().Int("dynamic", len(loaded)).Msg("Plugins discovered")
	return registry, nil
}

// loadGuard compiles the built-in policies plus the configured ones.
func (a *app) loadGuard(ctx context.Context) (*policy.Guard, error) {
	guard, err := policy.NewGuard(a.logger)
	if err != nil {
		return nil, err
	}
	if paths := a.policyPaths(); len(paths) > 0 {
		if err := guard.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func (a *app) policyPaths() []string {
	paths := make([]string, 0, len(a.settings.PolicyPaths))
	for _, p := range a.settings.PolicyPaths {
		paths = append(paths, plugins.ExpandHome(p))
	}
	return paths
}

// watchPolicies swaps the guard's policies whenever a .rego file under the
// policy paths changes, until ctx is done. Hosts not yet checked see the
// new policies.
func (a *app) watchPolicies(ctx context.Context, guard *policy.Guard) {
	paths := a.policyPaths()
	if len(paths) == 0 {
		return
	}
	err := policy.NewLoader(a.logger).Watch(ctx, paths, func(policies []policy.Policy) error {
		return guard.Replace(ctx, policies)
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to watch policy paths")
	}
}

// vaultFlags are shared by every command that opens vault envelopes.
type vaultFlags struct {
	ids []string
	ask bool
}

func (f *vaultFlags) register(flags *pflag.FlagSet) {
	flags.StringSliceVar(&f.ids, "vault-id", nil, "vault secret as [id@]source, source is a password file or 'prompt' (repeatable)")
	flags.String("vault-password-file", "", "file holding the default vault password")
	flags.BoolVarP(&f.ask, "ask-vault-pass", "J", false, "prompt for the default vault password")
}

// loadVault builds a vault from the configured and flagged secrets. It
// returns nil when no secret is configured.
func (a *app) loadVault(f *vaultFlags) (*vault.Vault, error) {
	keyring := vault.NewKeyring()

	specs := append([]string(nil), a.settings.VaultIDs...)
	specs = append(specs, f.ids...)
	for _, spec := range specs {
		id, src, err := vault.ParseIDSpec(plugins.ExpandHome(spec))
		if err != nil {
			return nil, errs.Wrap(errs.CodeVaultSecretUnavailable, "invalid vault id", err)
		}
		keyring.Add(id, src)
	}
	if path := a.settings.VaultPasswordFile; path != "" {
		keyring.Add(vault.DefaultID, vault.NewFileSource(plugins.ExpandHome(path)))
	}
	if f.ask {
		keyring.Add(vault.DefaultID, vault.NewPromptSource(vault.DefaultID))
	}

	if keyring.Len() == 0 {
		return nil, nil
	}
	return vault.New(keyring,
		vault.WithLogger(a.logger),
		vault.WithMetrics(a.tel.Metrics),
	), nil
}

// requireVault is loadVault for commands that cannot work without a secret.
func (a *app) requireVault(f *vaultFlags) (*vault.Vault, error) {
	v, err := a.loadVault(f)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errs.New(errs.CodeVaultSecretUnavailable,
			"no vault secret configured, use --vault-id, --vault-password-file or --ask-vault-pass")
	}
	return v, nil
}

// watchVault invalidates cached plaintext when a password file changes,
// until ctx is done.
func (a *app) watchVault(ctx context.Context, v *vault.Vault) {
	w, err := vault.NewWatcher(v, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to watch vault password files")
		return
	}
	go w.Run(ctx)
}
