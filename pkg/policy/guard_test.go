package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	return g
}

func TestBuiltinPolicies(t *testing.T) {
	g := newTestGuard(t)

	tests := []struct {
		name      string
		input     Input
		wantAllow bool
	}{
		{
			name:      "plain host",
			input:     Input{Host: "web1", Vars: map[string]interface{}{}, Task: TaskInput{Module: "shell", Args: "uptime"}},
			wantAllow: true,
		},
		{
			name:      "frozen host",
			input:     Input{Host: "db1", Vars: map[string]interface{}{"froyo_frozen": true}, Task: TaskInput{Module: "ping"}},
			wantAllow: false,
		},
		{
			name:      "frozen host in check mode",
			input:     Input{Host: "db1", Vars: map[string]interface{}{"froyo_frozen": true}, Task: TaskInput{Module: "ping", Check: true}},
			wantAllow: true,
		},
		{
			name:      "root wipe",
			input:     Input{Host: "web1", Vars: map[string]interface{}{}, Task: TaskInput{Module: "shell", Args: "rm -rf /"}},
			wantAllow: false,
		},
		{
			name:      "scoped removal",
			input:     Input{Host: "web1", Vars: map[string]interface{}{}, Task: TaskInput{Module: "shell", Args: "rm -rf /tmp/build"}},
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Check(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if d.Allowed != tt.wantAllow {
				t.Errorf("Expected allowed=%v, got %v (violations %v)", tt.wantAllow, d.Allowed, d.Violations)
			}
			if !d.Allowed && len(d.Denials()) == 0 {
				t.Error("Expected denial messages for a denied host")
			}
		})
	}
}

func TestCustomPolicySeverity(t *testing.T) {
	g := newTestGuard(t)

	err := g.Add(context.Background(), Policy{
		Name: "maintenance",
		Rego: `package froyo.maintenance

import rego.v1

deny contains {"msg": "maintenance window", "severity": "warning"} if {
	input.vars.env == "staging"
}

deny contains msg if {
	input.vars.env == "prod"
	input.task.module == "raw"
	msg := sprintf("raw is not allowed on %s", [input.host])
}
`,
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	d, err := g.Check(context.Background(), Input{Host: "s1", Vars: map[string]interface{}{"env": "staging"}, Task: TaskInput{Module: "raw"}})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("Expected warnings not to deny, got %v", d.Violations)
	}
	if len(d.Violations) != 1 || d.Violations[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got %v", d.Violations)
	}

	d, err = g.Check(context.Background(), Input{Host: "p1", Vars: map[string]interface{}{"env": "prod"}, Task: TaskInput{Module: "raw"}})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Error("Expected raw on prod to be denied")
	}
	denials := d.Denials()
	if len(denials) != 1 || denials[0] != "raw is not allowed on p1" {
		t.Errorf("Unexpected denials %v", denials)
	}
}

func TestPolicyPackageMustBeUnderRoot(t *testing.T) {
	g := newTestGuard(t)
	err := g.Add(context.Background(), Policy{Name: "other", Rego: "package other\n\ndeny := set()\n"})
	if err == nil {
		t.Error("Expected error for a package outside froyo")
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	g := newTestGuard(t)
	err := g.Add(context.Background(), Policy{
		Name: "leak",
		Rego: `package froyo.leak

import rego.v1

deny contains msg if {
	msg := input.vars.froyo_password
	msg != "********"
}
`,
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	d, err := g.Check(context.Background(), Input{Host: "web1", Vars: map[string]interface{}{"froyo_password": "hunter2"}})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("Expected the password to be redacted before evaluation, got %v", d.Violations)
	}
}

func TestRedactVars(t *testing.T) {
	in := map[string]interface{}{
		"user":          "deploy",
		"db_password":   "x",
		"API_TOKEN":     "y",
		"nested":        map[string]interface{}{"secret_key": "z", "port": 5432},
		"list":          []interface{}{map[string]interface{}{"token": "t"}},
		"froyo_connect": "ssh",
	}
	out := RedactVars(in)

	if out["user"] != "deploy" || out["froyo_connect"] != "ssh" {
		t.Errorf("Expected plain values to survive, got %v", out)
	}
	if out["db_password"] != Redacted || out["API_TOKEN"] != Redacted {
		t.Errorf("Expected top-level secrets redacted, got %v", out)
	}
	nested := out["nested"].(map[string]interface{})
	if nested["secret_key"] != Redacted || nested["port"] != 5432 {
		t.Errorf("Expected nested secret redacted, got %v", nested)
	}
	item := out["list"].([]interface{})[0].(map[string]interface{})
	if item["token"] != Redacted {
		t.Errorf("Expected list item secret redacted, got %v", item)
	}
	if in["db_password"] != "x" {
		t.Error("Expected input to be left untouched")
	}
}

func TestLoadPoliciesAndReplace(t *testing.T) {
	dir := t.TempDir()
	src := "# Blocks the canary group.\npackage froyo.canary\n\nimport rego.v1\n\ndeny contains \"canary\" if input.host == \"canary1\"\n"
	if err := os.WriteFile(filepath.Join(dir, "canary.rego"), []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	g := newTestGuard(t)
	if err := g.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	var found *Policy
	for _, p := range g.Policies() {
		if p.Name == "canary" {
			found = &p
		}
	}
	if found == nil {
		t.Fatal("Expected canary policy to be loaded")
	}
	if found.Description != "Blocks the canary group." {
		t.Errorf("Unexpected description %q", found.Description)
	}

	d, err := g.Check(context.Background(), Input{Host: "canary1"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Error("Expected canary1 to be denied")
	}

	if err := g.Replace(context.Background(), nil); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if len(g.Policies()) != len(GetBuiltinPolicies()) {
		t.Errorf("Expected only built-ins after Replace, got %d policies", len(g.Policies()))
	}
}

func TestLoadPoliciesMissingPath(t *testing.T) {
	g := newTestGuard(t)
	if err := g.LoadPolicies(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("Expected error for a missing policy path")
	}
}
