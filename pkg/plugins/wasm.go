package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// LoaderConfig tunes the WASM runtime used for dynamic plugins.
type LoaderConfig struct {
	// CallTimeout bounds each guest call. A guest still running when it
	// expires is terminated and the plugin becomes unusable.
	CallTimeout time.Duration

	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32
}

// DefaultLoaderConfig returns the loader defaults: 30s calls, 16MiB memory.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		CallTimeout:      30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// wasmModule is an instantiated plugin artifact.
type wasmModule struct {
	table    *Table
	manifest *Manifest
	runtime  wazero.Runtime
	bridge   *wasmBridge
}

// loadWASM instantiates the artifact at path and validates its capability
// table. Any failure leaves nothing running.
func loadWASM(ctx context.Context, path string, kind Kind, cfg LoaderConfig, logger zerolog.Logger) (_ *wasmModule, err error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "failed to read plugin artifact", err)
	}

	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "invalid plugin manifest", err)
	}
	if err := manifest.VerifyChecksum(code); err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "plugin artifact failed verification", err)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "failed to instantiate WASI", err)
	}

	name := filepath.Base(path)
	enforcer := NewCapabilityEnforcer(name, manifest.Granted(), logger)
	if err := registerHostFunctions(ctx, rt, enforcer); err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "failed to register host functions", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "failed to compile plugin", err)
	}
	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	mod, err := rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "failed to instantiate plugin", err)
	}

	table, err := readTable(ctx, mod)
	if err != nil {
		return nil, err
	}
	if table.Kind != kind {
		return nil, errs.Newf(errs.CodePluginLoad, "artifact declares a %s plugin in the %s search path", table.Kind, kind)
	}
	if manifest != nil && manifest.Name != "" && manifest.Name != table.Name {
		return nil, errs.Newf(errs.CodePluginLoad, "manifest names %q but table names %q", manifest.Name, table.Name)
	}

	bridge, err := newWASMBridge(mod, table, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}

	return &wasmModule{table: table, manifest: manifest, runtime: rt, bridge: bridge}, nil
}

// readTable calls the entry point and decodes the table it points at.
func readTable(ctx context.Context, mod api.Module) (*Table, error) {
	entry := mod.ExportedFunction(EntryPoint)
	if entry == nil {
		return nil, errs.Newf(errs.CodePluginLoad, "artifact does not export %s", EntryPoint)
	}
	results, err := entry.Call(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, EntryPoint+" failed", err)
	}
	if len(results) == 0 {
		return nil, errs.Newf(errs.CodePluginLoad, "%s returned no results", EntryPoint)
	}

	ptr, size := unpack(results[0])
	if size < 4 || size > maxTableSize {
		return nil, errs.Newf(errs.CodePluginLoad, "capability table size %d out of range", size)
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, errs.New(errs.CodePluginLoad, "capability table lies outside guest memory")
	}
	// Copy: guest memory may be reused by later calls.
	return DecodeTable(append([]byte(nil), buf...))
}

func unpack(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// terminated reports whether a timed-out call closed the guest.
func (m *wasmModule) terminated() bool {
	return m.bridge != nil && m.bridge.terminated.Load()
}

func (m *wasmModule) Close(ctx context.Context) error {
	if err := m.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// wasmBridge calls table operations with JSON in and out. Guest instances
// are single-threaded, so calls are serialized.
type wasmBridge struct {
	terminated atomic.Bool

	mu      sync.Mutex
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	ops     map[string]api.Function
	timeout time.Duration
}

func newWASMBridge(mod api.Module, table *Table, timeout time.Duration) (*wasmBridge, error) {
	b := &wasmBridge{
		module:  mod,
		memory:  mod.Memory(),
		malloc:  mod.ExportedFunction("malloc"),
		free:    mod.ExportedFunction("free"),
		ops:     make(map[string]api.Function, len(table.Ops)),
		timeout: timeout,
	}
	if b.memory == nil {
		return nil, errs.New(errs.CodePluginLoad, "artifact does not export memory")
	}
	if b.malloc == nil || b.free == nil {
		return nil, errs.New(errs.CodePluginLoad, "artifact does not export malloc and free")
	}
	for slot, export := range table.Ops {
		fn := mod.ExportedFunction(export)
		if fn == nil {
			return nil, errs.Newf(errs.CodePluginLoad, "artifact does not export %s for %s", export, slot)
		}
		b.ops[slot] = fn
	}
	return b, nil
}

// guestReply is the envelope every operation answers with.
type guestReply struct {
	Error string `json:"error,omitempty"`
}

// call runs slot with req marshaled to JSON and unmarshals the reply into
// resp. Signature of every operation: fn(ptr u32, len u32) -> u64 where the
// result packs (ptr << 32) | len of the reply.
func (b *wasmBridge) call(ctx context.Context, slot string, req, resp interface{}) error {
	fn, ok := b.ops[slot]
	if !ok {
		return fmt.Errorf("plugin has no %s operation", slot)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", slot, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminated.Load() {
		return errs.Newf(errs.CodePluginLoad, "plugin was terminated, %s unavailable", slot)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The guest is shared by every host, so one caller's cancellation must
	// not close it. Only the call timeout interrupts a running guest.
	callCtx := context.WithoutCancel(ctx)
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, b.timeout)
		defer cancel()
	}

	output, err := b.invoke(callCtx, fn, input)
	if err != nil {
		if b.module.IsClosed() {
			b.terminated.Store(true)
			return errs.Wrap(errs.CodePluginLoad, slot+" did not return in time, plugin terminated", err)
		}
		return fmt.Errorf("%s failed: %w", slot, err)
	}

	var reply guestReply
	if err := json.Unmarshal(output, &reply); err != nil {
		return fmt.Errorf("failed to unmarshal %s reply: %w", slot, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", slot, reply.Error)
	}
	if resp != nil {
		if err := json.Unmarshal(output, resp); err != nil {
			return fmt.Errorf("failed to unmarshal %s reply: %w", slot, err)
		}
	}
	return nil
}

func (b *wasmBridge) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)
		inputPtr = ptr
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to guest memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("operation returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}
	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from guest memory")
	}
	output = append([]byte(nil), output...)
	b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *wasmBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *wasmBridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

// wasmConnection adapts a connection table to ConnectionPlugin.
type wasmConnection struct {
	bridge *wasmBridge
}

type openRequest struct {
	Host           string                 `json:"host"`
	Address        string                 `json:"address"`
	Port           int                    `json:"port,omitempty"`
	User           string                 `json:"user,omitempty"`
	Password       string                 `json:"password,omitempty"`
	PrivateKeyFile string                 `json:"private_key_file,omitempty"`
	TimeoutSeconds int                    `json:"timeout,omitempty"`
	Vars           map[string]interface{} `json:"vars,omitempty"`
}

type sessionRef struct {
	Session uint32 `json:"session"`
}

func (c *wasmConnection) Open(ctx context.Context, target Target) (Session, error) {
	req := openRequest{
		Host:           target.Host,
		Address:        target.Address,
		Port:           target.Port,
		User:           target.User,
		Password:       target.Password,
		PrivateKeyFile: target.PrivateKeyFile,
		TimeoutSeconds: int(target.Timeout / time.Second),
		Vars:           target.Vars,
	}
	var ref sessionRef
	if err := c.bridge.call(ctx, "open", req, &ref); err != nil {
		return nil, err
	}
	return &wasmSession{bridge: c.bridge, id: ref.Session}, nil
}

type wasmSession struct {
	bridge *wasmBridge
	id     uint32
}

func (s *wasmSession) Exec(ctx context.Context, cmd string, stdin []byte) (*ExecResult, error) {
	req := struct {
		Session uint32 `json:"session"`
		Cmd     string `json:"cmd"`
		Stdin   []byte `json:"stdin,omitempty"`
	}{s.id, cmd, stdin}

	start := time.Now()
	var res ExecResult
	if err := s.bridge.call(ctx, "exec", req, &res); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return &res, nil
}

func (s *wasmSession) Put(ctx context.Context, data []byte, remotePath string, mode fs.FileMode) error {
	req := struct {
		Session uint32 `json:"session"`
		Path    string `json:"path"`
		Mode    uint32 `json:"mode"`
		Data    []byte `json:"data"`
	}{s.id, remotePath, uint32(mode.Perm()), data}
	return s.bridge.call(ctx, "put", req, nil)
}

func (s *wasmSession) Fetch(ctx context.Context, remotePath string) ([]byte, error) {
	req := struct {
		Session uint32 `json:"session"`
		Path    string `json:"path"`
	}{s.id, remotePath}
	var resp struct {
		Data []byte `json:"data"`
	}
	if err := s.bridge.call(ctx, "fetch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *wasmSession) Close() error {
	return s.bridge.call(context.Background(), "close", sessionRef{Session: s.id}, nil)
}

// wasmShell adapts a shell table to ShellPlugin.
type wasmShell struct {
	bridge *wasmBridge
}

type shellReply struct {
	Result string `json:"result"`
}

func (s *wasmShell) render(slot string, req interface{}) (string, error) {
	var reply shellReply
	if err := s.bridge.call(context.Background(), slot, req, &reply); err != nil {
		return "", err
	}
	return reply.Result, nil
}

func (s *wasmShell) Quote(str string) (string, error) {
	return s.render("quote", map[string]string{"s": str})
}

func (s *wasmShell) Mktemp(base string) (string, error) {
	return s.render("mktemp", map[string]string{"base": base})
}

func (s *wasmShell) Join(cmds ...string) (string, error) {
	return s.render("join", map[string][]string{"cmds": cmds})
}

func (s *wasmShell) Rmdir(path string) (string, error) {
	return s.render("rmdir", map[string]string{"path": path})
}

// wasmCallback adapts a callback table to CallbackPlugin.
type wasmCallback struct {
	bridge *wasmBridge
	events []EventType
}

func newWASMCallback(ctx context.Context, bridge *wasmBridge) (*wasmCallback, error) {
	var resp struct {
		Events []EventType `json:"events"`
	}
	if err := bridge.call(ctx, "events", struct{}{}, &resp); err != nil {
		return nil, errs.Wrap(errs.CodePluginLoad, "callback did not list its events", err)
	}
	return &wasmCallback{bridge: bridge, events: resp.Events}, nil
}

func (c *wasmCallback) Events() []EventType {
	return c.events
}

func (c *wasmCallback) OnEvent(ctx context.Context, ev Event) error {
	return c.bridge.call(ctx, "on_event", ev, nil)
}
