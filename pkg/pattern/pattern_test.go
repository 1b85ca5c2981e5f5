package pattern

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
)

func group(name string, hosts ...string) *inventory.GroupData {
	gd := &inventory.GroupData{Name: name}
	for _, h := range hosts {
		gd.Hosts = append(gd.Hosts, inventory.HostData{Name: h})
	}
	return gd
}

func snapshot(t *testing.T, groups ...*inventory.GroupData) *inventory.Snapshot {
	t.Helper()
	inv := inventory.New(inventory.MergeReplace)
	if err := inv.Ingest(&inventory.Data{Groups: groups}); err != nil {
		t.Fatalf("Expected no error building inventory, got: %v", err)
	}
	return inv.Snapshot()
}

func webDB(t *testing.T) *inventory.Snapshot {
	return snapshot(t,
		group("webservers", "web1", "web2"),
		group("dbservers", "db1"),
	)
}

func names(hosts []*inventory.Host) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Name)
	}
	return out
}

func evaluate(t *testing.T, expr string, snap *inventory.Snapshot) []string {
	t.Helper()
	ast, err := Compile(expr)
	if err != nil {
		t.Fatalf("Expected %q to compile, got: %v", expr, err)
	}
	ids, err := Evaluate(ast, snap)
	if err != nil {
		t.Fatalf("Expected %q to evaluate, got: %v", expr, err)
	}
	return names(Hosts(snap, ids))
}

func TestEvaluate(t *testing.T) {
	snap := webDB(t)

	tests := []struct {
		expr string
		want []string
	}{
		{"all", []string{"web1", "web2", "db1"}},
		{"*", []string{"web1", "web2", "db1"}},
		{"web*", []string{"web1", "web2"}},
		{"web*[0]", []string{"web1"}},
		{"all,!db1", []string{"web1", "web2"}},
		{"!db1", []string{"web1", "web2"}},
		{"&webservers", []string{"web1", "web2"}},
		{"webservers:dbservers", []string{"web1", "web2", "db1"}},
		{"dbservers,webservers", []string{"db1", "web1", "web2"}},
		{"all:&webservers:!web2", []string{"web1"}},
		{"!web1,web1", []string{"web1"}},
		{"web1,!web1", []string{}},
		{"~web\\d", []string{"web1", "web2"}},
		{"~^db", []string{"db1"}},
		{"web?", []string{"web1", "web2"}},
		{"zz*", []string{}},
		{"~nothing", []string{}},
		{"all[1:2]", []string{"web2", "db1"}},
		{"all[-1]", []string{"db1"}},
		{"all[:1]", []string{"web1", "web2"}},
		{"all[1:]", []string{"web2", "db1"}},
		{"all[5]", []string{}},
		{"all[2:1]", []string{}},
		{"all[0-1]", []string{"web1", "web2"}},
		{" 'web1' , \"db1\" ", []string{"web1", "db1"}},
		{"localhost", []string{"localhost"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, tt.expr, snap)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateUnknownLiteral(t *testing.T) {
	snap := webDB(t)
	for _, expr := range []string{"nosuchhost", "web1,nosuch", "!nosuch"} {
		ast, err := Compile(expr)
		if err != nil {
			t.Fatalf("Expected %q to compile, got: %v", expr, err)
		}
		if _, err := Evaluate(ast, snap); !errs.HasCode(err, errs.CodeUnknownGroupOrHost) {
			t.Errorf("Expected UnknownGroupOrHost for %q, got: %v", expr, err)
		}
	}
}

func TestEvaluateLiteralGroupAndHost(t *testing.T) {
	snap := snapshot(t,
		group("web", "app1"),
		group("db.example.com", "app2"),
		group("other", "web", "db.example.com"),
	)

	tests := []struct {
		expr string
		want []string
	}{
		{"web", []string{"app1"}},
		{"db.example.com", []string{"app2", "db.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := evaluate(t, tt.expr, snap); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateGroupExpansionFollowsInventoryOrder(t *testing.T) {
	snap := snapshot(t,
		group("webservers", "web1", "web2"),
		group("dbservers", "db1"),
		group("mixed", "db1", "web1"),
	)
	if got := evaluate(t, "mixed", snap); !reflect.DeepEqual(got, []string{"web1", "db1"}) {
		t.Errorf("Expected inventory order [web1 db1], got %v", got)
	}
}

func TestEvaluateChildGroups(t *testing.T) {
	parent := group("prod")
	parent.Children = []*inventory.GroupData{group("prod_web", "pw1"), group("prod_db", "pd1")}
	snap := snapshot(t, group("other", "o1"), parent)

	if got := evaluate(t, "prod", snap); !reflect.DeepEqual(got, []string{"pw1", "pd1"}) {
		t.Errorf("Expected descendants [pw1 pd1], got %v", got)
	}
	if got := evaluate(t, "prod_*", snap); !reflect.DeepEqual(got, []string{"pw1", "pd1"}) {
		t.Errorf("Expected glob over group names [pw1 pd1], got %v", got)
	}
}

func TestSelectWithLimit(t *testing.T) {
	snap := snapshot(t,
		group("azure", "h1", "h2"),
		group("k8s", "h3"),
	)

	hosts, err := Select("azure,k8s", "h1,h3", snap)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := names(hosts); !reflect.DeepEqual(got, []string{"h1", "h3"}) {
		t.Errorf("Expected [h1 h3], got %v", got)
	}

	// The pattern decides the order, the limit only filters.
	hosts, err = Select("k8s,azure", "azure,k8s", snap)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := names(hosts); !reflect.DeepEqual(got, []string{"h3", "h1", "h2"}) {
		t.Errorf("Expected [h3 h1 h2], got %v", got)
	}

	hosts, err = Select("all", "", snap)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(hosts) != 3 {
		t.Errorf("Expected empty limit to keep all 3 hosts, got %d", len(hosts))
	}

	if _, err := Select("all", "nosuch", snap); !errs.HasCode(err, errs.CodeUnknownGroupOrHost) {
		t.Errorf("Expected limit errors to surface, got: %v", err)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	snap := snapshot(t,
		group("a", "h5", "h1", "h3"),
		group("b", "h2", "h4", "h1"),
		group("c", "h6"),
	)
	exprs := []string{"b,a", "*", "~h[135]", "a:&b", "all,!c[0]", "b[1:],a[-1]"}
	for _, expr := range exprs {
		first := evaluate(t, expr, snap)
		for i := 0; i < 20; i++ {
			if got := evaluate(t, expr, snap); !reflect.DeepEqual(got, first) {
				t.Fatalf("Expected %q to evaluate to %v every time, got %v", expr, first, got)
			}
		}
	}
}

func TestImplicitLocalhostOnlyWhenUndeclared(t *testing.T) {
	snap := snapshot(t, group("local", "localhost"))
	ids, err := Evaluate(MustCompile("localhost"), snap)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ids) != 1 || ids[0] == inventory.ImplicitHostID {
		t.Errorf("Expected the declared localhost, got %v", ids)
	}

	empty := snapshot(t)
	ids, err = Evaluate(MustCompile("localhost"), empty)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ids) != 1 || ids[0] != inventory.ImplicitHostID {
		t.Errorf("Expected the implicit localhost, got %v", ids)
	}
	if got := evaluate(t, "all", empty); len(got) != 0 {
		t.Errorf("Expected all to exclude the implicit localhost, got %v", got)
	}
}

func TestCompileSyntaxErrors(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"web1,,web2",
		"web1,",
		"!",
		"&",
		"!&web",
		"~",
		"~web(",
		"web[1:",
		"web]",
		"web[a]",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := Compile(expr); !errs.HasCode(err, errs.CodePatternSyntax) {
				t.Errorf("Expected PatternSyntaxError for %q, got: %v", expr, err)
			}
		})
	}
}

func TestCompileStructure(t *testing.T) {
	ast, err := Compile("web*[1:3],!~db\\d,&prod")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ast.ImplicitAll {
		t.Error("Expected no implicit all when a union term is present")
	}
	if len(ast.Terms) != 3 {
		t.Fatalf("Expected 3 terms, got %d", len(ast.Terms))
	}

	first := ast.Terms[0]
	if first.Op != OpUnion || first.Selector.Kind != KindGlob || first.Selector.Text != "web*" {
		t.Errorf("Expected union glob web*, got %s %s %q", first.Op, first.Selector.Kind, first.Selector.Text)
	}
	if sub := first.Selector.Subscript; sub == nil || !sub.Range || sub.Start != 1 || sub.End != 3 {
		t.Errorf("Expected subscript [1:3], got %v", sub)
	}
	if second := ast.Terms[1]; second.Op != OpExclude || second.Selector.Kind != KindRegex {
		t.Errorf("Expected exclude regex, got %s %s", second.Op, second.Selector.Kind)
	}
	if third := ast.Terms[2]; third.Op != OpIntersect || third.Selector.Kind != KindLiteral {
		t.Errorf("Expected intersect literal, got %s %s", third.Op, third.Selector.Kind)
	}
	if got := ast.String(); got != "web*[1:3],!~db\\d,&prod" {
		t.Errorf("Expected canonical form to round trip, got %q", got)
	}
}

func TestCompileImplicitAll(t *testing.T) {
	ast := MustCompile("!db1,&web*")
	if !ast.ImplicitAll || len(ast.Terms) != 3 {
		t.Fatalf("Expected implicit all prepended, got %d terms", len(ast.Terms))
	}
	if ast.Terms[0].Selector.Text != inventory.AllGroup || ast.Terms[0].Op != OpUnion {
		t.Errorf("Expected leading union all, got %s", ast.Terms[0])
	}
	if got := ast.String(); got != "!db1,&web*" {
		t.Errorf("Expected implicit term hidden from String, got %q", got)
	}
}

func TestSplitTerms(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"a,b", []string{"a", "b"}},
		{"a:b", []string{"a", "b"}},
		{"a:b,c", []string{"a:b", "c"}},
		{"~a:b", []string{"~a:b"}},
		{"web[1:2]", []string{"web[1:2]"}},
		{"fe80::1", []string{"fe80::1"}},
		{"::1", []string{"::1"}},
	}
	for _, tt := range tests {
		if got := splitTerms(tt.expr); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Expected splitTerms(%q) = %v, got %v", tt.expr, tt.want, got)
		}
	}
}

func TestExpandFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	content := "# canaries\nweb1\n\n  db1  \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ExpandFiles("webservers,@" + path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "webservers,web1,db1" {
		t.Errorf("Expected file lines spliced in, got %q", got)
	}

	got, err = ExpandFiles("all,!@" + path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "all,!web1,!db1" {
		t.Errorf("Expected operator applied to each line, got %q", got)
	}

	if _, err := ExpandFiles("@" + filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing pattern file")
	}

	if got, _ := ExpandFiles("web1"); got != "web1" {
		t.Errorf("Expected expression without @ unchanged, got %q", got)
	}
}
