package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// tableOffset is where test modules place their capability table.
const tableOffset = 1024

// Operation bodies for test modules.
var (
	emptyReplyOp = []byte{0x42, 0x00, 0x0b}                               // i64.const 0
	spinningOp   = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00, 0x0b} // loop br 0 end; i64.const 0
)

// buildModule assembles a minimal plugin module whose entry point returns
// table. Every operation export points at one function that returns an
// empty reply.
func buildModule(table []byte, opExports []string) []byte {
	return buildModuleWithOp(table, opExports, emptyReplyOp)
}

// buildModuleWithOp is buildModule with op as the shared operation body.
func buildModuleWithOp(table []byte, opExports []string, op []byte) []byte {
	const (
		i32 = 0x7f
		i64 = 0x7e
	)

	types := vec(
		[]byte{0x60, 0x00, 0x01, i64},           // () -> i64
		[]byte{0x60, 0x01, i32, 0x01, i32},      // (i32) -> i32
		[]byte{0x60, 0x01, i32, 0x00},           // (i32) -> ()
		[]byte{0x60, 0x02, i32, i32, 0x01, i64}, // (i32, i32) -> i64
	)
	funcs := vec([]byte{0x00}, []byte{0x01}, []byte{0x02}, []byte{0x03})
	memory := vec([]byte{0x00, 0x01})

	exports := [][]byte{
		export("memory", 0x02, 0),
		export(EntryPoint, 0x00, 0),
		export("malloc", 0x00, 1),
		export("free", 0x00, 2),
	}
	for _, name := range opExports {
		exports = append(exports, export(name, 0x00, 3))
	}

	packed := int64(tableOffset)<<32 | int64(len(table))
	code := vec(
		body(append(append([]byte{0x42}, sleb(packed)...), 0x0b)),
		body(append(append([]byte{0x41}, sleb(2048)...), 0x0b)),
		body([]byte{0x0b}),
		body(op),
	)

	segment := []byte{0x00, 0x41}
	segment = append(segment, sleb(tableOffset)...)
	segment = append(segment, 0x0b)
	segment = append(segment, uleb(uint64(len(table)))...)
	segment = append(segment, table...)
	data := vec(segment)

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	out = append(out, section(3, funcs)...)
	out = append(out, section(5, memory)...)
	out = append(out, section(7, vec(exports...))...)
	out = append(out, section(10, code)...)
	out = append(out, section(11, data)...)
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func export(name string, kind byte, index uint64) []byte {
	out := uleb(uint64(len(name)))
	out = append(out, name...)
	out = append(out, kind)
	return append(out, uleb(index)...)
}

// body wraps an expression as a function body with no locals.
func body(expr []byte) []byte {
	fn := append([]byte{0x00}, expr...)
	return append(uleb(uint64(len(fn))), fn...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// shellTable returns a shell table and the export names it references.
func shellTable(version uint32, name string) ([]byte, []string) {
	ops := map[string]string{}
	var exports []string
	for _, slot := range Slots(KindShell) {
		ops[slot] = "shell_" + slot
		exports = append(exports, "shell_"+slot)
	}
	return EncodeTable(Table{Version: version, Kind: KindShell, Name: name, Ops: ops}), exports
}

func writeArtifact(t *testing.T, dir, file string, module []byte) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, module, 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

func TestDiscoverExcludesVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	table, exports := shellTable(ABIVersion+1, "future")
	path := writeArtifact(t, dir, "future.wasm", buildModule(table, exports))

	r := NewRegistry()
	defer r.Close(context.Background())

	descs, err := r.Discover(context.Background(), SearchPaths{Shell: []string{dir}})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("Expected no plugins, got %v", descs)
	}

	excluded := r.Excluded()
	if len(excluded) != 1 {
		t.Fatalf("Expected 1 excluded candidate, got %d", len(excluded))
	}
	if excluded[0].Path != path {
		t.Errorf("Expected excluded path %s, got %s", path, excluded[0].Path)
	}
	if !errs.HasCode(excluded[0].Err, errs.CodePluginVersionMismatch) {
		t.Errorf("Expected PluginVersionMismatch, got %v", excluded[0].Err)
	}
	if _, ok := r.Lookup(KindShell, "future"); ok {
		t.Error("Expected mismatched plugin to be absent from the registry")
	}
}

func TestDiscoverLoadsDynamicShell(t *testing.T) {
	dir := t.TempDir()
	table, exports := shellTable(ABIVersion, "fish")
	writeArtifact(t, dir, "fish.wasm", buildModule(table, exports))

	r := NewRegistry()
	defer r.Close(context.Background())

	if _, err := r.Discover(context.Background(), SearchPaths{Shell: []string{dir}}); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	h, ok := r.Lookup(KindShell, "fish")
	if !ok {
		t.Fatalf("Expected shell/fish to be registered, excluded: %v", r.Excluded())
	}
	if h.Descriptor().Origin != OriginDynamic {
		t.Errorf("Expected dynamic origin, got %s", h.Descriptor().Origin)
	}

	sh, ok := h.Shell()
	if !ok {
		t.Fatal("Expected handle to provide a shell")
	}
	got, err := sh.Quote("x")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty result from stub guest, got %q", got)
	}

	if err := r.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !h.Closed() {
		t.Error("Expected handle to be closed")
	}
}

func TestDiscoverStaticShadowsDynamic(t *testing.T) {
	dir := t.TempDir()
	table, exports := shellTable(ABIVersion, "sh")
	writeArtifact(t, dir, "sh.wasm", buildModule(table, exports))

	r := NewRegistry()
	defer r.Close(context.Background())
	if err := r.RegisterShell("sh", &fakeShell{}); err != nil {
		t.Fatalf("RegisterShell failed: %v", err)
	}

	descs, err := r.Discover(context.Background(), SearchPaths{Shell: []string{dir}})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("Expected 1 plugin, got %d", len(descs))
	}
	if descs[0].Origin != OriginStatic {
		t.Errorf("Expected the static sh to win, got %s", descs[0])
	}
}

func TestDiscoverFirstArtifactWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	table, exports := shellTable(ABIVersion, "fish")
	want := writeArtifact(t, first, "a.wasm", buildModule(table, exports))
	writeArtifact(t, second, "b.wasm", buildModule(table, exports))

	r := NewRegistry()
	defer r.Close(context.Background())

	if _, err := r.Discover(context.Background(), SearchPaths{Shell: []string{first, second}}); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	h, ok := r.Lookup(KindShell, "fish")
	if !ok {
		t.Fatal("Expected shell/fish to be registered")
	}
	if h.Descriptor().Path != want {
		t.Errorf("Expected %s to win, got %s", want, h.Descriptor().Path)
	}
}

func TestDiscoverRejects(t *testing.T) {
	table, exports := shellTable(ABIVersion, "fish")
	module := buildModule(table, exports)

	tests := []struct {
		name  string
		setup func(t *testing.T, dir string) SearchPaths
	}{
		{
			name: "not wasm",
			setup: func(t *testing.T, dir string) SearchPaths {
				writeArtifact(t, dir, "junk.wasm", []byte("not a module"))
				return SearchPaths{Shell: []string{dir}}
			},
		},
		{
			name: "wrong kind directory",
			setup: func(t *testing.T, dir string) SearchPaths {
				writeArtifact(t, dir, "fish.wasm", module)
				return SearchPaths{Connection: []string{dir}}
			},
		},
		{
			name: "missing op export",
			setup: func(t *testing.T, dir string) SearchPaths {
				writeArtifact(t, dir, "fish.wasm", buildModule(table, exports[:1]))
				return SearchPaths{Shell: []string{dir}}
			},
		},
		{
			name: "checksum mismatch",
			setup: func(t *testing.T, dir string) SearchPaths {
				path := writeArtifact(t, dir, "fish.wasm", module)
				sum := sha256.Sum256([]byte("something else"))
				manifest := "name: fish\nkind: shell\nchecksum: sha256:" + hex.EncodeToString(sum[:]) + "\n"
				if err := os.WriteFile(ManifestPath(path), []byte(manifest), 0o644); err != nil {
					t.Fatalf("failed to write manifest: %v", err)
				}
				return SearchPaths{Shell: []string{dir}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			defer r.Close(context.Background())

			paths := tt.setup(t, t.TempDir())
			if _, err := r.Discover(context.Background(), paths); err != nil {
				t.Fatalf("Discover failed: %v", err)
			}
			excluded := r.Excluded()
			if len(excluded) != 1 {
				t.Fatalf("Expected 1 excluded candidate, got %d", len(excluded))
			}
			if !errs.HasCode(excluded[0].Err, errs.CodePluginLoad) {
				t.Errorf("Expected PluginLoadError, got %v", excluded[0].Err)
			}
			if len(r.Descriptors()) != 0 {
				t.Errorf("Expected no plugins, got %v", r.Descriptors())
			}
		})
	}
}

func TestDiscoverMatchingChecksum(t *testing.T) {
	dir := t.TempDir()
	table, exports := shellTable(ABIVersion, "fish")
	module := buildModule(table, exports)
	path := writeArtifact(t, dir, "fish.wasm", module)
	sum := sha256.Sum256(module)
	manifest := "name: fish\nkind: shell\ncapabilities: [log]\nchecksum: " + hex.EncodeToString(sum[:]) + "\n"
	if err := os.WriteFile(ManifestPath(path), []byte(manifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	r := NewRegistry()
	defer r.Close(context.Background())
	if _, err := r.Discover(context.Background(), SearchPaths{Shell: []string{dir}}); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if _, ok := r.Lookup(KindShell, "fish"); !ok {
		t.Errorf("Expected shell/fish to load, excluded: %v", r.Excluded())
	}
}

func loadShell(t *testing.T, module []byte, opts ...Option) (*Registry, *Handle) {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, "fish.wasm", module)

	r := NewRegistry(opts...)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	if _, err := r.Discover(context.Background(), SearchPaths{Shell: []string{dir}}); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	h, ok := r.Lookup(KindShell, "fish")
	if !ok {
		t.Fatalf("Expected shell/fish to be registered, excluded: %v", r.Excluded())
	}
	return r, h
}

func TestWASMCallerCancellationKeepsPlugin(t *testing.T) {
	table, exports := shellTable(ABIVersion, "fish")
	_, h := loadShell(t, buildModule(table, exports))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var reply shellReply
	if err := h.module.bridge.call(ctx, "quote", map[string]string{"s": "x"}, &reply); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if h.Closed() {
		t.Fatal("Expected the plugin to survive one caller's cancellation")
	}
	sh, _ := h.Shell()
	if _, err := sh.Quote("x"); err != nil {
		t.Errorf("Expected later calls to succeed, got %v", err)
	}
}

func TestWASMCallTimeoutTerminatesPlugin(t *testing.T) {
	table, exports := shellTable(ABIVersion, "fish")
	_, h := loadShell(t, buildModuleWithOp(table, exports, spinningOp),
		WithLoaderConfig(LoaderConfig{CallTimeout: 50 * time.Millisecond, MemoryLimitPages: 256}))

	sh, _ := h.Shell()
	if _, err := sh.Quote("x"); !errs.HasCode(err, errs.CodePluginLoad) {
		t.Fatalf("Expected PluginLoadError for a guest that never returns, got %v", err)
	}
	if !h.Closed() {
		t.Error("Expected the handle to report the terminated plugin as closed")
	}

	start := time.Now()
	if _, err := sh.Quote("x"); !errs.HasCode(err, errs.CodePluginLoad) {
		t.Errorf("Expected PluginLoadError after termination, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected calls on a terminated plugin to fail fast, took %s", elapsed)
	}
}
