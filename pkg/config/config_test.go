package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Chdir(t.TempDir())

	s, err := Load(LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if s.Forks != 5 {
		t.Errorf("Expected 5 forks, got %d", s.Forks)
	}
	if s.HistoryDB != filepath.Join(home, "history.db") {
		t.Errorf("Expected history db under home, got %s", s.HistoryDB)
	}
	if s.ConfigFile != "" {
		t.Errorf("Expected no config file, got %s", s.ConfigFile)
	}
	paths := s.SearchPaths()
	if len(paths.Shell) != 1 || paths.Shell[0] != filepath.Join(home, "plugins", "shell") {
		t.Errorf("Expected default shell search path, got %v", paths.Shell)
	}
	if s.ConnectTimeout() != 10*time.Second {
		t.Errorf("Expected 10s connect timeout, got %s", s.ConnectTimeout())
	}
}

func TestLoadPrecedence(t *testing.T) {
	home := t.TempDir()
	t.Chdir(t.TempDir())
	writeFile(t, filepath.Join(home, ConfigFileName), `
forks: 20
timeout: 30
remote_user: fromfile
policy_paths: [/etc/froyo/policies]
`)
	t.Setenv("FROYO_TIMEOUT", "45")
	t.Setenv("FROYO_CONNECTION_PLUGINS", "/opt/a:/opt/b")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("forks", 5, "")
	flags.String("remote-user", "", "")
	flags.Bool("unrelated", false, "")
	if err := flags.Parse([]string{"--remote-user", "fromflag"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	s, err := Load(LoadOptions{Home: home, Flags: flags})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"file over default", s.Forks, 20},
		{"env over file", s.Timeout, 45},
		{"flag over file", s.RemoteUser, "fromflag"},
		{"list from file", s.PolicyPaths, []string{"/etc/froyo/policies"}},
		{"colon list from env", s.SearchPaths().Connection, []string{"/opt/a", "/opt/b"}},
		{"config file recorded", s.ConfigFile, filepath.Join(home, ConfigFileName)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestLoadLocalConfigFile(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Chdir(work)
	writeFile(t, filepath.Join(work, LocalConfigFileName), "log_format: json\n")

	s, err := Load(LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s.LogFormat != "json" {
		t.Errorf("Expected json log format, got %s", s.LogFormat)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown key", content: "forkz: 3\n", wantErr: "validation failed"},
		{name: "bad enum", content: "log_format: xml\n", wantErr: "validation failed"},
		{name: "forks out of range", content: "forks: 0\n", wantErr: "validation failed"},
		{name: "malformed yaml", content: "forks: [\n", wantErr: "failed to parse config file"},
		{name: "env fails struct validation", content: "", env: map[string]string{"FROYO_FORKS": "5000"}, wantErr: "invalid configuration"},
		{name: "otlp needs endpoint", content: "tracing_exporter: otlp\n", wantErr: "invalid configuration"},
		{name: "bad listen address", content: "metrics_listen: nowhere\n", wantErr: "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Chdir(t.TempDir())
			path := filepath.Join(home, "custom.yaml")
			writeFile(t, path, tt.content)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(LoadOptions{Home: home, ConfigFile: path})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{Home: t.TempDir(), ConfigFile: "/nonexistent/froyo.yaml"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Expected config file not found, got %v", err)
	}
}

func TestHomeDirFromEnv(t *testing.T) {
	t.Setenv(HomeEnv, "/srv/froyo")
	home, err := HomeDir("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if home != "/srv/froyo" {
		t.Errorf("Expected /srv/froyo, got %s", home)
	}
}

func TestCallbacks(t *testing.T) {
	s := Defaults("/h")
	s.CallbacksEnabled = []string{"json", "minimal"}
	want := []string{"minimal", "json", "history"}
	if got := s.Callbacks(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	s.HistoryDB = ""
	want = []string{"minimal", "json"}
	if got := s.Callbacks(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if got := sr.ListSchemas(); !reflect.DeepEqual(got, []string{"Settings"}) {
		t.Errorf("Expected [Settings], got %v", got)
	}
	if err := sr.RegisterSchema("Broken", "#Broken: {"); err == nil {
		t.Error("Expected compile error for broken schema")
	}
	if err := sr.RegisterSchema("Missing", "#Other: string"); err == nil {
		t.Error("Expected error for schema without its definition")
	}
	if err := sr.ValidateAgainstSchema("Nope", map[string]interface{}{}); err == nil {
		t.Error("Expected error for unknown schema")
	}
	if err := sr.ValidateAgainstSchema("Settings", map[string]interface{}{
		"forks":        10,
		"policy_paths": "/etc/froyo/policies",
	}); err != nil {
		t.Errorf("Expected valid settings, got %v", err)
	}
}

func TestTelemetryConfig(t *testing.T) {
	s := Defaults("/h")
	s.TracingExporter = "stdout"
	s.MetricsListen = "127.0.0.1:9464"

	cfg := s.Telemetry("1.2.3")
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "stdout" {
		t.Errorf("Expected stdout tracing enabled, got %+v", cfg.Tracing)
	}
	if cfg.Metrics.ListenAddress != "127.0.0.1:9464" {
		t.Errorf("Expected metrics listen address, got %s", cfg.Metrics.ListenAddress)
	}
	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", cfg.ServiceVersion)
	}
}
