package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
	"github.com/openfroyo/froyoctl/pkg/pattern"
	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
)

// Controller is the application context of one invocation. It holds the
// inventory snapshot, the plugin registry and the vault, and drives
// selection, variable resolution and dispatch.
type Controller struct {
	Snapshot *inventory.Snapshot
	Registry *plugins.Registry

	// Vault opens encrypted variables. Nil fails any host that has one.
	Vault inventory.Decrypter

	// Guard is optional.
	Guard Guard

	// Defaults fill connection settings host variables do not set.
	Defaults plugins.Target

	// StrictVault rejects vault fragments that override plain variables.
	StrictVault bool

	// Connection names the connection plugin for hosts whose variables do
	// not set froyo_connection.
	Connection string

	Telemetry *telemetry.Telemetry
}

// RunRequest describes one invocation.
type RunRequest struct {
	Pattern string
	Limit   string
	Task    Task

	// Callbacks names the callback plugins receiving events, in order.
	Callbacks []string
}

func (c *Controller) tel() *telemetry.Telemetry {
	if c.Telemetry == nil {
		return telemetry.Nop()
	}
	return c.Telemetry
}

// Select evaluates a pattern and optional limit against the snapshot.
func (c *Controller) Select(expr, limit string) ([]*inventory.Host, error) {
	return pattern.Select(expr, limit, c.Snapshot)
}

// Resolve computes the variables of every host ahead of dispatch, at most
// forks at a time. Any failure aborts: a run never starts with a host whose
// variables or secrets could not be resolved.
func (c *Controller) Resolve(ctx context.Context, hosts []*inventory.Host, forks int) (ResolvedVars, error) {
	if forks <= 0 {
		forks = DefaultForks
	}
	opts := inventory.ResolveOptions{Decrypter: c.Vault, Strict: c.StrictVault}

	var mu sync.Mutex
	resolved := make(ResolvedVars, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forks)
	for _, h := range hosts {
		g.Go(func() error {
			vars, err := c.Snapshot.ResolveVars(gctx, h, opts)
			if err != nil {
				return err
			}
			if _, ok := vars[plugins.VarConnection]; !ok && c.Connection != "" {
				vars[plugins.VarConnection] = c.Connection
			}
			mu.Lock()
			resolved[h.Name] = vars
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Run selects hosts, resolves their variables and dispatches the task.
// Errors returned here happened before any host was contacted; per-host
// failures are in the summary.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	e, err := c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Wait(), nil
}

// Start is Run without waiting for the dispatch to finish.
func (c *Controller) Start(ctx context.Context, req RunRequest) (*Execution, error) {
	tel := c.tel()
	logger := tel.Logger.NewComponentLogger("controller").Zerolog()

	task := req.Task
	if task.Module == "" {
		task.Module = DefaultModule
	}
	if _, ok := LookupModule(task.Module); !ok {
		return nil, errs.Newf(errs.CodeExecution, "unknown module %q", task.Module).
			WithDetail("available", Modules())
	}
	task.Pattern = req.Pattern

	hosts, err := c.Select(req.Pattern, req.Limit)
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Str("pattern", req.Pattern).
		Str("limit", req.Limit).
		Int("hosts", len(hosts)).
		Msg("Hosts selected")

	callbacks, err := c.Registry.Callbacks(req.Callbacks)
	if err != nil {
		return nil, err
	}

	resolved, err := c.Resolve(ctx, hosts, task.Forks)
	if err != nil {
		tel.Metrics.RecordError(string(errs.CodeOf(err)))
		return nil, err
	}

	opts := []DispatcherOption{
		WithDefaults(c.Defaults),
		WithCallbacks(callbacks),
		WithDispatchLogger(tel.Logger.NewComponentLogger("dispatcher").Zerolog()),
		WithTelemetry(tel.Metrics, tel.Tracer),
	}
	if c.Guard != nil {
		opts = append(opts, WithGuard(c.Guard))
	}
	return NewDispatcher(c.Registry, resolved, opts...).Start(ctx, hosts, task), nil
}
