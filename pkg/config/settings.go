package config

import (
	"path/filepath"
	"time"

	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
)

// Settings is the effective froyoctl configuration. Every key can be set in
// the config file, through FROYO_<KEY> environment variables, or by the
// command-line flag of the same name.
type Settings struct {
	// Home roots every default path. Set by FROYO_HOME, default ~/.froyo.
	Home string `mapstructure:"home" validate:"required"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `mapstructure:"-"`

	Inventory []string `mapstructure:"inventory"`

	// MergeMode combines variables defined twice: replace or merge.
	MergeMode string `mapstructure:"merge_mode" validate:"oneof=replace merge"`

	// Plugin search paths, colon-separated, highest precedence first.
	ConnectionPlugins string `mapstructure:"connection_plugins"`
	ShellPlugins      string `mapstructure:"shell_plugins"`
	CallbackPlugins   string `mapstructure:"callback_plugins"`

	LocalTmp  string `mapstructure:"local_tmp" validate:"required"`
	RemoteTmp string `mapstructure:"remote_tmp" validate:"required"`

	Forks int `mapstructure:"forks" validate:"min=1,max=1000"`

	// Timeout is the connection timeout in seconds.
	Timeout int `mapstructure:"timeout" validate:"min=0"`

	// TaskTimeout bounds execution on one host in seconds; 0 disables it.
	TaskTimeout int `mapstructure:"task_timeout" validate:"min=0"`

	RemoteUser      string `mapstructure:"remote_user"`
	PrivateKeyFile  string `mapstructure:"private_key_file"`
	HostKeyChecking bool   `mapstructure:"host_key_checking"`
	KnownHosts      string `mapstructure:"known_hosts"`

	StrictVault       bool     `mapstructure:"strict_vault"`
	VaultIDs          []string `mapstructure:"vault_identity_list"`
	VaultPasswordFile string   `mapstructure:"vault_password_file"`

	// HistoryDB is the run history database. Empty disables history.
	HistoryDB string `mapstructure:"history_db"`

	PolicyPaths []string `mapstructure:"policy_paths"`

	// StdoutCallback renders run events on the terminal.
	StdoutCallback string `mapstructure:"stdout_callback" validate:"required"`

	// CallbacksEnabled lists additional callback plugins.
	CallbacksEnabled []string `mapstructure:"callbacks_enabled"`

	LogLevel        string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string `mapstructure:"log_format" validate:"oneof=console json"`
	MetricsListen   string `mapstructure:"metrics_listen" validate:"omitempty,hostname_port"`
	TracingExporter string `mapstructure:"tracing_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `mapstructure:"otlp_endpoint" validate:"required_if=TracingExporter otlp"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults(home string) *Settings {
	return &Settings{
		Home:              home,
		MergeMode:         "replace",
		ConnectionPlugins: filepath.Join(home, "plugins", string(plugins.KindConnection)),
		ShellPlugins:      filepath.Join(home, "plugins", string(plugins.KindShell)),
		CallbackPlugins:   filepath.Join(home, "plugins", string(plugins.KindCallback)),
		LocalTmp:          filepath.Join(home, "tmp"),
		RemoteTmp:         "/tmp",
		Forks:             5,
		Timeout:           10,
		HostKeyChecking:   true,
		HistoryDB:         filepath.Join(home, "history.db"),
		StdoutCallback:    "minimal",
		LogLevel:          "warn",
		LogFormat:         "console",
		TracingExporter:   "none",
	}
}

// SearchPaths returns the plugin search paths per kind.
func (s *Settings) SearchPaths() plugins.SearchPaths {
	return plugins.SearchPaths{
		Connection: plugins.SplitList(s.ConnectionPlugins),
		Shell:      plugins.SplitList(s.ShellPlugins),
		Callback:   plugins.SplitList(s.CallbackPlugins),
	}
}

// ConnectTimeout returns Timeout as a duration.
func (s *Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ExecTimeout returns TaskTimeout as a duration.
func (s *Settings) ExecTimeout() time.Duration {
	return time.Duration(s.TaskTimeout) * time.Second
}

// Callbacks returns the stdout callback followed by the enabled ones,
// without duplicates. The history callback is appended when a history
// database is configured.
func (s *Settings) Callbacks() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(s.StdoutCallback)
	for _, name := range s.CallbacksEnabled {
		add(name)
	}
	if s.HistoryDB != "" {
		add("history")
	}
	return out
}

// Telemetry builds the telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Metrics.ListenAddress = s.MetricsListen
	cfg.Tracing.Exporter = s.TracingExporter
	cfg.Tracing.Enabled = s.TracingExporter != "none"
	cfg.Tracing.Endpoint = s.OTLPEndpoint
	return cfg
}
