package inventory

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

const sampleYAML = `
all:
  vars:
    ntp: pool.ntp.org
    http_port: 1
webservers:
  vars:
    http_port: 80
  hosts:
    web[01:02]:
    web03:
      http_port: 8080
  children:
    canary:
      vars:
        http_port: 81
      hosts:
        web01:
dbservers:
  hosts:
    db1:2222:
`

func loadSample(t *testing.T, mode MergeMode) *Inventory {
	t.Helper()
	data, err := ParseYAML([]byte(sampleYAML), zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error parsing sample, got: %v", err)
	}
	inv := New(mode)
	if err := inv.Ingest(data); err != nil {
		t.Fatalf("Expected no error ingesting sample, got: %v", err)
	}
	return inv
}

func hostNames(hosts []*Host) []string {
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Name)
	}
	return names
}

func TestInventory_New(t *testing.T) {
	inv := New(MergeReplace)

	if len(inv.Groups()) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(inv.Groups()))
	}
	all, ok := inv.LookupGroup(AllGroup)
	if !ok {
		t.Fatal("Expected all group to exist")
	}
	ungrouped, ok := inv.LookupGroup(UngroupedGroup)
	if !ok {
		t.Fatal("Expected ungrouped group to exist")
	}
	if len(all.Children) != 1 || all.Children[0] != ungrouped.ID {
		t.Errorf("Expected ungrouped to be the only child of all, got %v", all.Children)
	}
	if ungrouped.Depth != 1 {
		t.Errorf("Expected ungrouped depth 1, got %d", ungrouped.Depth)
	}
}

func TestInventory_AddHostIdempotent(t *testing.T) {
	inv := New(MergeReplace)
	a := inv.AddHost("web1")
	b := inv.AddHost("web1")
	if a != b {
		t.Errorf("Expected same id for repeated host, got %d and %d", a, b)
	}
	if len(inv.Hosts()) != 1 {
		t.Errorf("Expected 1 host, got %d", len(inv.Hosts()))
	}
}

func TestInventory_AddEdgeCycleLeavesGraphUnchanged(t *testing.T) {
	inv := New(MergeReplace)
	a := inv.AddGroup("a")
	b := inv.AddGroup("b")
	c := inv.AddGroup("c")
	if err := inv.AddEdge(a, b); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := inv.AddEdge(b, c); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	before := inv.Snapshot()

	tests := []struct {
		name          string
		parent, child GroupID
	}{
		{"closing edge", c, a},
		{"back edge", b, a},
		{"self loop", a, a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := inv.AddEdge(tt.parent, tt.child)
			if !errs.HasCode(err, errs.CodeCycleDetected) {
				t.Fatalf("Expected CycleDetected, got: %v", err)
			}
			if !reflect.DeepEqual(before, inv.Snapshot()) {
				t.Error("Expected graph to be unchanged after rejected edge")
			}
		})
	}
}

func TestInventory_AddEdgeDepth(t *testing.T) {
	inv := New(MergeReplace)
	a := inv.AddGroup("a")
	b := inv.AddGroup("b")
	all, _ := inv.LookupGroup(AllGroup)

	_ = inv.AddEdge(all.ID, a)
	_ = inv.AddEdge(a, b)
	_ = inv.AddEdge(all.ID, b)

	if got := inv.Group(b).Depth; got != 2 {
		t.Errorf("Expected depth of b to be the longest path 2, got %d", got)
	}
}

func TestInventory_IngestYAML(t *testing.T) {
	inv := loadSample(t, MergeReplace)

	wantHosts := []string{"web01", "web02", "web03", "db1"}
	if got := hostNames(inv.Hosts()); !reflect.DeepEqual(got, wantHosts) {
		t.Errorf("Expected hosts %v, got %v", wantHosts, got)
	}

	web, _ := inv.LookupGroup("webservers")
	if got := hostNames(inv.GroupHosts(web.ID)); !reflect.DeepEqual(got, []string{"web01", "web02", "web03"}) {
		t.Errorf("Expected webservers hosts in order without duplicates, got %v", got)
	}

	canary, _ := inv.LookupGroup("canary")
	if canary.Depth != 2 {
		t.Errorf("Expected canary depth 2, got %d", canary.Depth)
	}
	if len(canary.Parents) != 1 || canary.Parents[0] != web.ID {
		t.Errorf("Expected canary parent to be webservers only, got %v", canary.Parents)
	}

	db1, _ := inv.LookupHost("db1")
	if db1.Vars["froyo_port"] != "2222" {
		t.Errorf("Expected froyo_port 2222 from host entry, got %v", db1.Vars["froyo_port"])
	}

	ungrouped, _ := inv.LookupGroup(UngroupedGroup)
	if len(ungrouped.Hosts) != 0 {
		t.Errorf("Expected ungrouped to be empty, got %d hosts", len(ungrouped.Hosts))
	}
}

func TestInventory_UngroupedMembership(t *testing.T) {
	inv := New(MergeReplace)
	src := NewHostListSource("alpha, beta:2201,,gamma")
	data, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := inv.Ingest(data); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ungrouped, _ := inv.LookupGroup(UngroupedGroup)
	if got := hostNames(inv.GroupHosts(ungrouped.ID)); !reflect.DeepEqual(got, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("Expected all listed hosts in ungrouped, got %v", got)
	}

	beta, _ := inv.LookupHost("beta")
	if beta.Vars["froyo_port"] != "2201" {
		t.Errorf("Expected port 2201, got %v", beta.Vars["froyo_port"])
	}

	// Joining a real group removes the host from ungrouped.
	err = inv.Ingest(&Data{Groups: []*GroupData{{Name: "web", Hosts: []HostData{{Name: "alpha"}}}}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := hostNames(inv.GroupHosts(ungrouped.ID)); !reflect.DeepEqual(got, []string{"beta", "gamma"}) {
		t.Errorf("Expected alpha to leave ungrouped, got %v", got)
	}
}

func TestInventory_InvalidGroupName(t *testing.T) {
	inv := New(MergeReplace)
	err := inv.Ingest(&Data{Groups: []*GroupData{{Name: "web,db"}}})
	if !errs.HasCode(err, errs.CodeIngest) {
		t.Errorf("Expected IngestError, got: %v", err)
	}
}

func TestInventory_AllCannotBeChild(t *testing.T) {
	inv := New(MergeReplace)
	err := inv.Ingest(&Data{Groups: []*GroupData{{
		Name:     "web",
		Children: []*GroupData{{Name: AllGroup}},
	}}})
	if !errs.HasCode(err, errs.CodeIngest) {
		t.Errorf("Expected IngestError, got: %v", err)
	}
}

func TestInventory_IngestCycle(t *testing.T) {
	inv := New(MergeReplace)
	err := inv.Ingest(&Data{Groups: []*GroupData{{
		Name: "a",
		Children: []*GroupData{{
			Name:     "b",
			Children: []*GroupData{{Name: "a"}},
		}},
	}}})
	if !errs.HasCode(err, errs.CodeCycleDetected) {
		t.Errorf("Expected CycleDetected, got: %v", err)
	}
}

func TestInventory_GroupVarsForUnknownGroupIgnored(t *testing.T) {
	inv := New(MergeReplace)
	err := inv.Ingest(&Data{
		Groups:    []*GroupData{{Name: "web", Hosts: []HostData{{Name: "web1"}}}},
		GroupVars: map[string]Vars{"web": {"a": 1}, "ghost": {"b": 2}},
		HostVars:  map[string]Vars{"web1": {"c": 3}, "nobody": {"d": 4}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := inv.LookupGroup("ghost"); ok {
		t.Error("Expected group_vars not to create groups")
	}
	if _, ok := inv.LookupHost("nobody"); ok {
		t.Error("Expected host_vars not to create hosts")
	}
	web, _ := inv.LookupGroup("web")
	if web.Vars["a"] != 1 {
		t.Errorf("Expected group var a=1, got %v", web.Vars["a"])
	}
}

func TestSnapshot_IsolatedFromInventory(t *testing.T) {
	inv := loadSample(t, MergeReplace)
	snap := inv.Snapshot()

	inv.AddHost("late")
	web, _ := inv.LookupGroup("webservers")
	inv.MergeGroupVars(web.ID, Vars{"http_port": 9999})

	if _, ok := snap.LookupHost("late"); ok {
		t.Error("Expected snapshot not to see hosts added later")
	}
	snapWeb, _ := snap.LookupGroup("webservers")
	if snapWeb.Vars["http_port"] != 80 {
		t.Errorf("Expected snapshot group var to stay 80, got %v", snapWeb.Vars["http_port"])
	}
}

func TestSnapshot_ImplicitLocalhost(t *testing.T) {
	snap := loadSample(t, MergeReplace).Snapshot()
	lh := snap.ImplicitLocalhost()
	if lh == nil {
		t.Fatal("Expected implicit localhost")
	}
	if lh.Vars["froyo_connection"] != "local" {
		t.Errorf("Expected local connection, got %v", lh.Vars["froyo_connection"])
	}
	if snap.Host(ImplicitHostID) != lh {
		t.Error("Expected Host(ImplicitHostID) to return the implicit localhost")
	}
	if _, ok := snap.LookupHost("localhost"); ok {
		t.Error("Expected implicit localhost not to be part of the host list")
	}

	inv := New(MergeReplace)
	inv.AddHost("localhost")
	if inv.Snapshot().ImplicitLocalhost() != nil {
		t.Error("Expected no implicit localhost when one is declared")
	}
}

func TestMergeMode(t *testing.T) {
	tests := []struct {
		name string
		mode MergeMode
		want interface{}
	}{
		{"replace", MergeReplace, []interface{}{"b"}},
		{"union", MergeUnion, []interface{}{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeVars(Vars{"list": []interface{}{"a", "b"}}, Vars{"list": []interface{}{"b"}}, tt.mode)
			if !reflect.DeepEqual(got["list"], tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got["list"])
			}
		})
	}

	t.Run("union merges maps", func(t *testing.T) {
		got := mergeVars(
			Vars{"m": map[string]interface{}{"a": 1, "b": 1}},
			Vars{"m": map[string]interface{}{"b": 2, "c": 2}},
			MergeUnion,
		)
		want := map[string]interface{}{"a": 1, "b": 2, "c": 2}
		if !reflect.DeepEqual(got["m"], want) {
			t.Errorf("Expected %v, got %v", want, got["m"])
		}
	})
}

func TestParseMergeMode(t *testing.T) {
	for _, in := range []string{"", "replace"} {
		if m, err := ParseMergeMode(in); err != nil || m != MergeReplace {
			t.Errorf("Expected replace for %q, got %v (%v)", in, m, err)
		}
	}
	if m, err := ParseMergeMode("merge"); err != nil || m != MergeUnion {
		t.Errorf("Expected merge, got %v (%v)", m, err)
	}
	if _, err := ParseMergeMode("bogus"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestExpandHostPattern(t *testing.T) {
	tests := []struct {
		entry   string
		want    []string
		wantErr bool
	}{
		{entry: "web1", want: []string{"web1"}},
		{entry: "web[01:03]", want: []string{"web01", "web02", "web03"}},
		{entry: "web[1:9:4]", want: []string{"web1", "web5", "web9"}},
		{entry: "db-[a:c].lan", want: []string{"db-a.lan", "db-b.lan", "db-c.lan"}},
		{entry: "r[1:2]n[a:b]", want: []string{"r1na", "r1nb", "r2na", "r2nb"}},
		{entry: "web[3:1]", wantErr: true},
		{entry: "web[1:c]", wantErr: true},
		{entry: "web[aa:c]", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			got, err := ExpandHostPattern(tt.entry)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseYAML_VaultTagAndMergeKeys(t *testing.T) {
	content := `
web:
  vars:
    base: &base
      user: deploy
      shell: bash
    login:
      <<: *base
      shell: zsh
    password: !vault |
      $FROYO_VAULT;1.1;AES256
      6162
  hosts:
    web1:
`
	data, err := ParseYAML([]byte(content), zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	vars := data.Groups[0].Vars

	if _, ok := vars["password"].(Encrypted); !ok {
		t.Errorf("Expected password to be Encrypted, got %T", vars["password"])
	}
	login, ok := vars["login"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected login to be a map, got %T", vars["login"])
	}
	if login["user"] != "deploy" || login["shell"] != "zsh" {
		t.Errorf("Expected merged login {deploy zsh}, got %v", login)
	}
}

func TestParseYAML_InvalidRoot(t *testing.T) {
	if _, err := ParseYAML([]byte("- a\n- b\n"), zerolog.Nop()); err == nil {
		t.Error("Expected error for a sequence root")
	}
	data, err := ParseYAML([]byte(""), zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error for empty content, got: %v", err)
	}
	if len(data.Groups) != 0 {
		t.Errorf("Expected no groups, got %d", len(data.Groups))
	}
}

func TestParseScriptOutput(t *testing.T) {
	out := `{
  "web": {"hosts": ["web1", "web2"], "vars": {"port": 80}, "children": ["canary"]},
  "canary": ["web1"],
  "_meta": {"hostvars": {"web2": {"role": "standby"}}}
}`
	data, err := ParseScriptOutput([]byte(out))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	inv := New(MergeReplace)
	if err := inv.Ingest(data); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	canary, _ := inv.LookupGroup("canary")
	web, _ := inv.LookupGroup("web")
	if len(canary.Parents) != 1 || canary.Parents[0] != web.ID {
		t.Errorf("Expected canary under web, got parents %v", canary.Parents)
	}
	web2, _ := inv.LookupHost("web2")
	if web2.Vars["role"] != "standby" {
		t.Errorf("Expected role standby from _meta, got %v", web2.Vars["role"])
	}
	if web.Vars["port"] != float64(80) {
		t.Errorf("Expected port 80, got %v", web.Vars["port"])
	}
}

func TestEvalStarlark(t *testing.T) {
	script := `
def inventory():
    return {
        "web": {"hosts": ["web%d" % i for i in range(1, 3)], "vars": {"port": 80}},
        "db": {
            "hosts": {"db1": {"role": "primary"}},
            "children": {"replicas": {"hosts": ["db2"]}},
        },
    }
`
	data, err := EvalStarlark(context.Background(), "inv.star", []byte(script))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(data.Groups) != 2 || data.Groups[0].Name != "web" || data.Groups[1].Name != "db" {
		t.Fatalf("Expected groups [web db] in order, got %d groups", len(data.Groups))
	}
	web := data.Groups[0]
	if len(web.Hosts) != 2 || web.Hosts[1].Name != "web2" {
		t.Errorf("Expected hosts web1 web2, got %v", web.Hosts)
	}
	if web.Vars["port"] != int64(80) {
		t.Errorf("Expected port 80, got %v", web.Vars["port"])
	}
	db := data.Groups[1]
	if len(db.Children) != 1 || db.Children[0].Name != "replicas" {
		t.Errorf("Expected replicas child, got %v", db.Children)
	}
}

func TestEvalStarlark_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"missing inventory", "x = 1\n"},
		{"not a dict", "inventory = [1, 2]\n"},
		{"bad hosts", "inventory = {\"web\": {\"hosts\": 3}}\n"},
		{"unknown key", "inventory = {\"web\": {\"nope\": 1}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EvalStarlark(context.Background(), "inv.star", []byte(tt.script)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestEvalStarlark_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return {}
inventory = spin()
`
	if _, err := EvalStarlark(ctx, "inv.star", []byte(script)); err == nil {
		t.Error("Expected cancelled script to fail")
	}
}

func TestParseCUE(t *testing.T) {
	content := `
_port: 8080
web: {
	vars: tier: "frontend"
	hosts: {
		web1: null
		web2: port: _port
	}
}
db: hosts: db1: null
`
	data, err := ParseCUE([]byte(content), "inv.cue")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(data.Groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(data.Groups))
	}
	web := data.Groups[0]
	if web.Name != "web" || web.Vars["tier"] != "frontend" {
		t.Errorf("Expected web with tier frontend, got %s %v", web.Name, web.Vars)
	}
	if len(web.Hosts) != 2 {
		t.Fatalf("Expected 2 web hosts, got %d", len(web.Hosts))
	}
	if got := fmt.Sprint(web.Hosts[1].Vars["port"]); got != "8080" {
		t.Errorf("Expected port 8080, got %s", got)
	}
}

func TestParseCUE_Incomplete(t *testing.T) {
	if _, err := ParseCUE([]byte("web: vars: port: int\n"), "inv.cue"); err == nil {
		t.Error("Expected error for non-concrete value")
	}
}
