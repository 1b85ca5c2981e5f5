package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
)

// ArtifactExt is the file extension of dynamic plugin artifacts.
const ArtifactExt = ".wasm"

// maxParallelLoads bounds concurrent artifact compilation during discovery.
const maxParallelLoads = 4

// Candidate is an artifact discovery rejected.
type Candidate struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	Err  error  `json:"-"`
}

// Reason returns the error message.
func (c Candidate) Reason() string {
	if c.Err == nil {
		return ""
	}
	return c.Err.Error()
}

// Registry holds the plugins available to a run. Static plugins are
// registered at start-up; dynamic ones are added by Discover. Once a run
// starts the registry is only read.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	order    []string
	excluded []Candidate

	loaderConfig LoaderConfig
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for discovery and unload errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics records plugin loads.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLoaderConfig tunes the WASM runtime.
func WithLoaderConfig(cfg LoaderConfig) Option {
	return func(r *Registry) { r.loaderConfig = cfg }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles:      make(map[string]*Handle),
		loaderConfig: DefaultLoaderConfig(),
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterConnection adds a statically linked connection plugin.
func (r *Registry) RegisterConnection(name string, p ConnectionPlugin) error {
	return r.registerStatic(KindConnection, name, p)
}

// RegisterShell adds a statically linked shell plugin.
func (r *Registry) RegisterShell(name string, p ShellPlugin) error {
	return r.registerStatic(KindShell, name, p)
}

// RegisterCallback adds a statically linked callback plugin.
func (r *Registry) RegisterCallback(name string, p CallbackPlugin) error {
	return r.registerStatic(KindCallback, name, p)
}

func (r *Registry) registerStatic(kind Kind, name string, impl interface{}) error {
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	desc := Descriptor{Name: name, Kind: kind, Origin: OriginStatic, ABIVersion: ABIVersion}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[desc.Key()]; ok {
		return fmt.Errorf("plugin %s already registered from %s", desc.Key(), existing.desc.Origin)
	}
	r.add(newHandle(desc, impl, nil))
	r.metrics.RecordPluginLoad(string(kind), string(OriginStatic), "ok")
	return nil
}

// add must be called with r.mu held.
func (r *Registry) add(h *Handle) {
	key := h.desc.Key()
	logger := r.logger
	h.onClose = func(err error) {
		if err != nil {
			logger.Warn().Err(err).Str("plugin", key).Msg("plugin unload failed")
		}
	}
	r.handles[key] = h
	r.order = append(r.order, key)
}

type candidate struct {
	path string
	kind Kind
}

type loadResult struct {
	module *wasmModule
	err    error
}

// Discover scans every search path directory for artifacts and loads them.
// A candidate that fails to load is logged, recorded in Excluded and skipped;
// discovery only fails when ctx is done. For a given kind and name the first
// artifact wins, and a static plugin shadows any artifact of the same name.
// The returned list has static plugins first.
func (r *Registry) Discover(ctx context.Context, paths SearchPaths) ([]Descriptor, error) {
	var candidates []candidate
	for _, kind := range Kinds {
		for _, dir := range paths.For(kind) {
			found, err := scanDir(dir)
			if err != nil {
				r.logger.Warn().Err(err).Str("dir", dir).Str("kind", string(kind)).Msg("skipping plugin directory")
				continue
			}
			for _, path := range found {
				candidates = append(candidates, candidate{path: path, kind: kind})
			}
		}
	}

	results := make([]loadResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoads)
	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mod, err := loadWASM(gctx, c.path, c.kind, r.loaderConfig, r.logger)
			results[i] = loadResult{module: mod, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range results {
			if res.module != nil {
				_ = res.module.Close(context.Background())
			}
		}
		return nil, err
	}

	r.mu.Lock()
	for i, c := range candidates {
		res := results[i]
		if res.err != nil {
			r.exclude(c, res.err)
			continue
		}

		desc := Descriptor{
			Name:       res.module.table.Name,
			Kind:       c.kind,
			Origin:     OriginDynamic,
			Path:       c.path,
			ABIVersion: res.module.table.Version,
		}
		if existing, ok := r.handles[desc.Key()]; ok {
			r.logger.Debug().Str("plugin", desc.Key()).Str("path", c.path).
				Str("shadowed_by", existing.desc.String()).Msg("plugin shadowed")
			_ = res.module.Close(context.Background())
			continue
		}

		impl, err := res.module.adapt(ctx)
		if err != nil {
			_ = res.module.Close(context.Background())
			r.exclude(c, err)
			continue
		}
		r.add(newHandle(desc, impl, res.module))
		r.metrics.RecordPluginLoad(string(c.kind), string(OriginDynamic), "ok")
		r.logger.Debug().Str("plugin", desc.Key()).Str("path", c.path).Msg("plugin loaded")
	}
	r.mu.Unlock()

	return r.Descriptors(), nil
}

// exclude must be called with r.mu held.
func (r *Registry) exclude(c candidate, err error) {
	r.excluded = append(r.excluded, Candidate{Path: c.path, Kind: c.kind, Err: err})
	result := "error"
	if errs.HasCode(err, errs.CodePluginVersionMismatch) {
		result = "version_mismatch"
	}
	r.metrics.RecordPluginLoad(string(c.kind), string(OriginDynamic), result)
	r.logger.Warn().Err(err).Str("path", c.path).Str("kind", string(c.kind)).Msg("plugin excluded")
}

// scanDir lists the artifacts directly inside dir in name order. A missing
// directory yields nothing.
func scanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ArtifactExt) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// adapt wraps the module in the interface for its kind.
func (m *wasmModule) adapt(ctx context.Context) (interface{}, error) {
	switch m.table.Kind {
	case KindConnection:
		return &wasmConnection{bridge: m.bridge}, nil
	case KindShell:
		return &wasmShell{bridge: m.bridge}, nil
	case KindCallback:
		return newWASMCallback(ctx, m.bridge)
	default:
		return nil, errs.Newf(errs.CodePluginLoad, "unsupported plugin kind %s", m.table.Kind)
	}
}

// Load returns the handle for desc, loading its artifact when it is not in
// the registry yet.
func (r *Registry) Load(ctx context.Context, desc Descriptor) (*Handle, error) {
	if h, ok := r.Lookup(desc.Kind, desc.Name); ok {
		return h, nil
	}
	if desc.Origin == OriginStatic || desc.Path == "" {
		return nil, errs.Newf(errs.CodePluginNotFound, "no %s plugin named %q", desc.Kind, desc.Name)
	}

	mod, err := loadWASM(ctx, desc.Path, desc.Kind, r.loaderConfig, r.logger)
	if err != nil {
		return nil, err
	}
	if desc.Name != "" && mod.table.Name != desc.Name {
		_ = mod.Close(context.Background())
		return nil, errs.Newf(errs.CodePluginLoad, "artifact %s declares plugin %q, not %q", desc.Path, mod.table.Name, desc.Name)
	}
	impl, err := mod.adapt(ctx)
	if err != nil {
		_ = mod.Close(context.Background())
		return nil, err
	}

	loaded := Descriptor{Name: mod.table.Name, Kind: desc.Kind, Origin: OriginDynamic, Path: desc.Path, ABIVersion: mod.table.Version}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[loaded.Key()]; ok {
		_ = mod.Close(context.Background())
		return h, nil
	}
	h := newHandle(loaded, impl, mod)
	r.add(h)
	return h, nil
}

// Lookup returns the plugin registered under kind and name.
func (r *Registry) Lookup(kind Kind, name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[Descriptor{Name: name, Kind: kind}.Key()]
	return h, ok
}

// SelectName returns the plugin name a host's variables ask for.
func SelectName(vars map[string]interface{}, kind Kind) string {
	switch kind {
	case KindConnection:
		if s, ok := stringVar(vars, VarConnection); ok {
			return s
		}
		return DefaultConnection
	case KindShell:
		if s, ok := stringVar(vars, VarShell); ok {
			return s
		}
		return DefaultShell
	default:
		return ""
	}
}

// Select returns the connection or shell plugin named by a host's variables
// (froyo_connection, froyo_shell), or the default for kind.
func (r *Registry) Select(vars map[string]interface{}, kind Kind) (*Handle, error) {
	name := SelectName(vars, kind)
	if name == "" {
		return nil, errs.Newf(errs.CodePluginNotFound, "%s plugins are not selected per host", kind)
	}
	h, ok := r.Lookup(kind, name)
	if !ok || h.Closed() {
		return nil, errs.Newf(errs.CodePluginNotFound, "no %s plugin named %q", kind, name).
			WithDetail("kind", string(kind)).
			WithDetail("name", name)
	}
	return h, nil
}

// Callbacks returns the callback plugins with the given names, in order.
func (r *Registry) Callbacks(names []string) ([]*Handle, error) {
	out := make([]*Handle, 0, len(names))
	for _, name := range names {
		h, ok := r.Lookup(KindCallback, name)
		if !ok {
			return nil, errs.Newf(errs.CodePluginNotFound, "no callback plugin named %q", name)
		}
		out = append(out, h)
	}
	return out, nil
}

// Descriptors lists every registered plugin, static ones first, each group
// in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, origin := range []Origin{OriginStatic, OriginDynamic} {
		for _, key := range r.order {
			if d := r.handles[key].desc; d.Origin == origin {
				out = append(out, d)
			}
		}
	}
	return out
}

// Excluded lists candidates discovery rejected.
func (r *Registry) Excluded() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Candidate(nil), r.excluded...)
}

// Close unloads every plugin. Plugins with open sessions unload when their
// last session closes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.order))
	for _, key := range r.order {
		handles = append(handles, r.handles[key])
	}
	r.mu.Unlock()

	var failed []string
	for _, h := range handles {
		if err := h.Close(ctx); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("errors closing plugins: %s", strings.Join(failed, "; "))
	}
	return nil
}
