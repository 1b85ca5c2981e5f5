package engine

import (
	"context"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/plugins/shell"
	"github.com/openfroyo/froyoctl/pkg/vault"
)

const cloudYAML = `
azure:
  hosts:
    h1:
    h2:
k8s:
  hosts:
    h3:
`

// setupController builds a controller over yamlDoc with a fake connection
// registered as the default.
func setupController(t *testing.T, yamlDoc string, extra map[string]inventory.Vars) (*Controller, *fakeConnection) {
	t.Helper()

	data, err := inventory.ParseYAML([]byte(yamlDoc), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to parse inventory: %v", err)
	}
	inv := inventory.New(inventory.MergeReplace)
	if err := inv.Ingest(data); err != nil {
		t.Fatalf("Failed to ingest inventory: %v", err)
	}
	for name, vars := range extra {
		inv.MergeHostVars(inv.AddHost(name), vars)
	}

	conn := newFakeConnection()
	registry := plugins.NewRegistry()
	if err := registry.RegisterConnection(plugins.DefaultConnection, conn); err != nil {
		t.Fatalf("Failed to register connection: %v", err)
	}
	if err := registry.RegisterShell(plugins.DefaultShell, shell.NewSh()); err != nil {
		t.Fatalf("Failed to register shell: %v", err)
	}

	return &Controller{Snapshot: inv.Snapshot(), Registry: registry}, conn
}

func outcomeHosts(s *RunSummary) []string {
	hosts := make([]string, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		hosts = append(hosts, o.Host)
	}
	sort.Strings(hosts)
	return hosts
}

func TestController_PatternWithLimit(t *testing.T) {
	c, conn := setupController(t, cloudYAML, nil)

	summary, err := c.Run(context.Background(), RunRequest{
		Pattern: "azure,k8s",
		Limit:   "h1,h3",
		Task:    Task{Module: "ping"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := outcomeHosts(summary)
	if len(got) != 2 || got[0] != "h1" || got[1] != "h3" {
		t.Errorf("Expected hosts [h1 h3], got %v", got)
	}
	if summary.Pattern != "azure,k8s" {
		t.Errorf("Expected pattern recorded, got %q", summary.Pattern)
	}
	if len(conn.Opened()) != 2 {
		t.Errorf("Expected 2 sessions, got %v", conn.Opened())
	}
}

func TestController_ResolutionErrorsAbortBeforeDispatch(t *testing.T) {
	tests := []struct {
		name     string
		req      RunRequest
		extra    map[string]inventory.Vars
		wantCode errs.Code
	}{
		{
			name:     "pattern syntax",
			req:      RunRequest{Pattern: "h1,,h2", Task: Task{Module: "ping"}},
			wantCode: errs.CodePatternSyntax,
		},
		{
			name:     "unknown group",
			req:      RunRequest{Pattern: "gcp", Task: Task{Module: "ping"}},
			wantCode: errs.CodeUnknownGroupOrHost,
		},
		{
			name: "vault secret unavailable",
			req:  RunRequest{Pattern: "all", Task: Task{Module: "ping"}},
			extra: map[string]inventory.Vars{
				"h4": {"db_password": inventory.Encrypted("$FROYO_VAULT;1.1;AES256\n6162")},
			},
			wantCode: errs.CodeVaultSecretUnavailable,
		},
		{
			name:     "unknown callback",
			req:      RunRequest{Pattern: "all", Task: Task{Module: "ping"}, Callbacks: []string{"slack"}},
			wantCode: errs.CodePluginNotFound,
		},
		{
			name:     "unknown module",
			req:      RunRequest{Pattern: "all", Task: Task{Module: "apt"}},
			wantCode: errs.CodeExecution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, conn := setupController(t, cloudYAML, tt.extra)

			summary, err := c.Run(context.Background(), tt.req)
			if err == nil {
				t.Fatalf("Expected error, got summary %+v", summary)
			}
			if code := errs.CodeOf(err); code != tt.wantCode {
				t.Errorf("Expected code %s, got %s (%v)", tt.wantCode, code, err)
			}
			if len(conn.Opened()) != 0 {
				t.Errorf("Expected no host contacted, got %v", conn.Opened())
			}
		})
	}
}

func TestController_DecryptsVaultVariables(t *testing.T) {
	secret := []byte("correct horse")
	envelope, err := vault.Encrypt([]byte("s3cret"), secret, "")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	c, _ := setupController(t, cloudYAML, map[string]inventory.Vars{
		"h4": {"db_password": inventory.Encrypted(envelope)},
	})
	keyring := vault.NewKeyring()
	keyring.Add(vault.DefaultID, vault.NewPasswordSource(secret))
	c.Vault = vault.New(keyring)

	hosts, err := c.Select("h4", "")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	resolved, err := c.Resolve(context.Background(), hosts, 2)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := resolved["h4"]["db_password"]; got != "s3cret" {
		t.Errorf("Expected decrypted password, got %v", got)
	}

	c.Vault = vault.New(func() *vault.Keyring {
		k := vault.NewKeyring()
		k.Add(vault.DefaultID, vault.NewPasswordSource([]byte("wrong")))
		return k
	}())
	_, err = c.Run(context.Background(), RunRequest{Pattern: "h4", Task: Task{Module: "ping"}})
	if !errs.HasCode(err, errs.CodeVaultIntegrity) {
		t.Errorf("Expected VaultIntegrityError with the wrong secret, got %v", err)
	}
}

func TestController_DefaultConnection(t *testing.T) {
	c, conn := setupController(t, cloudYAML, map[string]inventory.Vars{
		"h4": {plugins.VarConnection: plugins.DefaultConnection},
	})
	other := newFakeConnection()
	if err := c.Registry.RegisterConnection("other", other); err != nil {
		t.Fatalf("Failed to register connection: %v", err)
	}
	c.Connection = "other"

	summary, err := c.Run(context.Background(), RunRequest{Pattern: "h1,h4", Task: Task{Module: "ping"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", summary.Status)
	}
	if got := other.Opened(); len(got) != 1 || got[0] != "h1" {
		t.Errorf("Expected h1 on the run-level connection, got %v", got)
	}
	if got := conn.Opened(); len(got) != 1 || got[0] != "h4" {
		t.Errorf("Expected h4 to keep its own connection, got %v", got)
	}
}
