package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/policy"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
)

// Dispatcher runs a task on a set of hosts with a bounded worker pool. Each
// host runs its pipeline strictly in order: resolve variables, check
// policy, select plugins, open a session, execute, close the session. A
// host's failure is recorded in its outcome and never aborts its siblings.
type Dispatcher struct {
	registry  *plugins.Registry
	vars      VarsResolver
	guard     Guard
	defaults  plugins.Target
	callbacks []*plugins.Handle
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGuard sets the policy guard consulted before each host connects.
func WithGuard(g Guard) DispatcherOption {
	return func(d *Dispatcher) { d.guard = g }
}

// WithDefaults sets connection defaults for values host variables omit.
func WithDefaults(t plugins.Target) DispatcherOption {
	return func(d *Dispatcher) { d.defaults = t }
}

// WithCallbacks sets the callback plugins receiving run events.
func WithCallbacks(handles []*plugins.Handle) DispatcherOption {
	return func(d *Dispatcher) { d.callbacks = handles }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTelemetry wires metrics and tracing.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher selecting plugins from registry and
// resolving host variables through vars.
func NewDispatcher(registry *plugins.Registry, vars VarsResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		vars:     vars,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execution is a run in progress.
type Execution struct {
	// RunID identifies the run on events and in history.
	RunID string

	outcomes chan HostOutcome
	done     chan struct{}
	summary  *RunSummary
}

// Outcomes publishes each host's outcome as it completes. The channel is
// buffered for every host and closed when the last host finishes.
func (e *Execution) Outcomes() <-chan HostOutcome {
	return e.outcomes
}

// Wait blocks until the run ends and returns its summary.
func (e *Execution) Wait() *RunSummary {
	<-e.done
	return e.summary
}

// Run executes task on hosts and waits for it to finish. The returned
// channel holds every outcome in completion order and is closed.
func (d *Dispatcher) Run(ctx context.Context, hosts []*inventory.Host, task Task) (*RunSummary, <-chan HostOutcome) {
	e := d.Start(ctx, hosts, task)
	summary := e.Wait()
	return summary, e.Outcomes()
}

// Start begins executing task on hosts and returns immediately.
// Cancelling ctx cancels every in-flight host; hosts not yet started are
// reported cancelled.
func (d *Dispatcher) Start(ctx context.Context, hosts []*inventory.Host, task Task) *Execution {
	if task.Module == "" {
		task.Module = DefaultModule
	}

	e := &Execution{
		RunID:    uuid.New().String(),
		outcomes: make(chan HostOutcome, len(hosts)),
		done:     make(chan struct{}),
	}
	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	runCtx, span := d.tracer.StartRunSpan(runCtx, e.RunID, task.Module)
	logger := d.logger.With().Str("run_id", e.RunID).Str("module", task.Module).Logger()

	// Each host emits at most two events, plus run_start and run_end.
	events := make(chan plugins.Event, 2*len(hosts)+2)
	eventsDone := make(chan struct{})
	go d.deliverEvents(ctx, logger, events, eventsDone)

	emit := func(ev plugins.Event) {
		ev.ID = uuid.New().String()
		ev.RunID = e.RunID
		ev.Time = time.Now()
		events <- ev
	}

	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	emit(plugins.Event{
		Type:    plugins.EventRunStart,
		Pattern: task.Pattern,
		Module:  task.Module,
		Args:    task.Args,
		Hosts:   names,
	})
	d.metrics.RecordRunStarted(task.Module)
	logger.Info().Int("hosts", len(hosts)).Int("forks", task.forks()).Msg("Run started")

	go func() {
		defer cancel()

		results := make([]HostOutcome, len(hosts))

		workerCount := task.forks()
		if len(hosts) < workerCount {
			workerCount = len(hosts)
		}

		workQueue := make(chan int, len(hosts))
		for i := range hosts {
			workQueue <- i
		}
		close(workQueue)

		var (
			wg       sync.WaitGroup
			tripOnce sync.Once
			tripped  atomic.Bool
		)
		for i := 0; i < workerCount; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				for idx := range workQueue {
					out := d.runHost(runCtx, e.RunID, hosts[idx], task, emit, logger)
					results[idx] = out
					e.outcomes <- out
					emit(hostEvent(out))

					if task.FailFast && out.Status.Failure() {
						tripOnce.Do(func() {
							tripped.Store(true)
							logger.Warn().Str("host", out.Host).Msg("Fail-fast triggered, cancelling in-flight hosts")
							cancel()
						})
					}
				}
			}()
		}

		wg.Wait()
		close(e.outcomes)

		status, stats := summarize(results, ctx.Err() != nil, tripped.Load())
		duration := time.Since(started)
		e.summary = &RunSummary{
			RunID:     e.RunID,
			Pattern:   task.Pattern,
			Module:    task.Module,
			Status:    status,
			Stats:     stats,
			Outcomes:  results,
			StartedAt: started,
			Duration:  duration,
		}

		emit(plugins.Event{
			Type:    plugins.EventRunEnd,
			Pattern: task.Pattern,
			Module:  task.Module,
			Status:  string(status),
			Stats:   stats,
		})
		close(events)
		<-eventsDone

		d.metrics.RecordRunCompleted(string(status), duration)
		if status == RunStatusSucceeded {
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordError(span, fmt.Errorf("run %s", status))
		}
		span.End()

		logger.Info().
			Str("status", string(status)).
			Dur("duration", duration).
			Interface("stats", stats).
			Msg("Run completed")
		close(e.done)
	}()

	return e
}

// deliverEvents feeds events to callbacks from a single goroutine so each
// callback sees them in order. Callback errors are logged, never fatal.
func (d *Dispatcher) deliverEvents(ctx context.Context, logger zerolog.Logger, events <-chan plugins.Event, done chan<- struct{}) {
	defer close(done)

	cbCtx := context.WithoutCancel(ctx)
	for ev := range events {
		for _, h := range d.callbacks {
			cb, ok := h.Callback()
			if !ok || h.Closed() || !plugins.Wants(cb.Events(), ev.Type) {
				continue
			}
			if err := cb.OnEvent(cbCtx, ev); err != nil {
				logger.Warn().
					Err(err).
					Str("callback", h.Descriptor().Name).
					Str("event", string(ev.Type)).
					Msg("Callback failed")
			}
		}
	}
}

var eventByStatus = map[HostStatus]plugins.EventType{
	HostStatusOK:          plugins.EventHostOK,
	HostStatusFailed:      plugins.EventHostFailed,
	HostStatusUnreachable: plugins.EventHostUnreachable,
	HostStatusSkipped:     plugins.EventHostSkipped,
	HostStatusCancelled:   plugins.EventHostCancelled,
}

func hostEvent(o HostOutcome) plugins.Event {
	return plugins.Event{
		Type:      eventByStatus[o.Status],
		Host:      o.Host,
		Status:    string(o.Status),
		Stdout:    o.Stdout,
		Stderr:    o.Stderr,
		RC:        o.RC,
		Error:     o.Error(),
		ErrorCode: string(o.ErrorCode),
		Duration:  o.Duration,
	}
}

// runHost runs one host's pipeline.
func (d *Dispatcher) runHost(
	ctx context.Context,
	runID string,
	h *inventory.Host,
	task Task,
	emit func(plugins.Event),
	logger zerolog.Logger,
) (out HostOutcome) {
	start := time.Now()
	out.Host = h.Name
	logger = logger.With().Str("host", h.Name).Logger()

	d.metrics.HostStarted()
	defer func() {
		out.Duration = time.Since(start)
		d.metrics.RecordHostOutcome(string(out.Status))
		if out.ErrorCode != "" {
			d.metrics.RecordError(string(out.ErrorCode))
		}
		logger.Debug().
			Str("status", string(out.Status)).
			Dur("duration", out.Duration).
			Msg("Host finished")
	}()

	if ctx.Err() != nil {
		return cancelled(out, ctx.Err())
	}
	emit(plugins.Event{Type: plugins.EventHostStart, Host: h.Name})

	ctx, span := d.tracer.StartHostSpan(ctx, h.Name)
	defer func() {
		if out.Err != nil {
			telemetry.RecordError(span, out.Err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	// Variables
	stepStart := time.Now()
	vars, err := d.vars.ResolveVars(ctx, h)
	d.metrics.RecordStep("resolve", time.Since(stepStart))
	if err != nil {
		return failed(out, HostStatusFailed, err, errs.CodeExecution)
	}

	// Policy
	if d.guard != nil {
		stepStart = time.Now()
		decision, err := d.guard.Check(ctx, policy.Input{
			Host: h.Name,
			Vars: vars,
			Task: policy.TaskInput{
				RunID:  runID,
				Module: task.Module,
				Args:   task.Args,
				Check:  task.Check,
			},
		})
		d.metrics.RecordStep("policy", time.Since(stepStart))
		if err != nil {
			return failed(out, HostStatusFailed,
				errs.Wrap(errs.CodePolicyDenied, "policy evaluation failed", err).WithHost(h.Name),
				errs.CodePolicyDenied)
		}
		if !decision.Allowed {
			return failed(out, HostStatusFailed,
				errs.Newf(errs.CodePolicyDenied, "denied by policy: %s", strings.Join(decision.Denials(), "; ")).
					WithHost(h.Name),
				errs.CodePolicyDenied)
		}
	}

	// Plugins
	module, ok := LookupModule(task.Module)
	if !ok {
		return failed(out, HostStatusFailed,
			errs.Newf(errs.CodeExecution, "unknown module %q", task.Module).WithHost(h.Name),
			errs.CodeExecution)
	}
	conn, shell, err := d.selectPlugins(vars)
	if err != nil {
		return failed(out, HostStatusFailed, err, errs.CodePluginNotFound)
	}

	target := plugins.TargetFromVars(h.Name, vars, d.defaults)
	if target.Timeout == 0 {
		target.Timeout = task.ConnectTimeout
	}

	// Connect
	stepStart = time.Now()
	openCtx, cancelOpen := withTimeout(ctx, target.Timeout)
	session, err := conn.Open(openCtx, target)
	timedOut := errors.Is(openCtx.Err(), context.DeadlineExceeded)
	cancelOpen()
	d.metrics.RecordStep("connect", time.Since(stepStart))
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(out, ctx.Err())
		}
		switch {
		case errs.CodeOf(err) != "":
		case timedOut:
			err = errs.Wrap(errs.CodeConnectionTimeout, "connection timed out", err).WithHost(h.Name)
		default:
			err = errs.Wrap(errs.CodeConnection, "failed to connect", err).WithHost(h.Name)
		}
		return failed(out, HostStatusUnreachable, err, errs.CodeConnection)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug().Err(err).Msg("Failed to close session")
		}
	}()

	if task.Check {
		out.Status = HostStatusSkipped
		return out
	}

	// Execute
	stepStart = time.Now()
	execCtx, cancelExec := withTimeout(ctx, task.TaskTimeout)
	defer cancelExec()
	res, err := module(execCtx, ModuleContext{
		Host:    h.Name,
		Args:    task.Args,
		Session: session,
		Shell:   shell,
	})
	d.metrics.RecordStep("execute", time.Since(stepStart))
	if res != nil {
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
	}
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(out, ctx.Err())
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = errs.Wrap(errs.CodeExecution, fmt.Sprintf("task timed out after %s", task.TaskTimeout), err).
				WithHost(h.Name)
		}
		return failed(out, HostStatusFailed, err, errs.CodeExecution)
	}

	rc := res.ExitCode
	out.RC = &rc
	if rc != 0 {
		return failed(out, HostStatusFailed,
			errs.Newf(errs.CodeExecution, "non-zero return code %d", rc).WithHost(h.Name),
			errs.CodeExecution)
	}
	out.Status = HostStatusOK
	return out
}

func (d *Dispatcher) selectPlugins(vars inventory.Vars) (plugins.ConnectionPlugin, plugins.ShellPlugin, error) {
	connHandle, err := d.registry.Select(vars, plugins.KindConnection)
	if err != nil {
		return nil, nil, err
	}
	conn, ok := connHandle.Connection()
	if !ok {
		return nil, nil, errs.Newf(errs.CodePluginNotFound, "%s is not a connection plugin", connHandle.Descriptor().Key())
	}

	shellHandle, err := d.registry.Select(vars, plugins.KindShell)
	if err != nil {
		return nil, nil, err
	}
	shell, ok := shellHandle.Shell()
	if !ok {
		return nil, nil, errs.Newf(errs.CodePluginNotFound, "%s is not a shell plugin", shellHandle.Descriptor().Key())
	}
	return conn, shell, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// failed records err on out. Errors without a code get fallback.
func failed(out HostOutcome, status HostStatus, err error, fallback errs.Code) HostOutcome {
	if errs.CodeOf(err) == "" {
		err = errs.Wrap(fallback, "host "+string(status), err).WithHost(out.Host)
	}
	out.Status = status
	out.Err = err
	out.ErrorCode = errs.CodeOf(err)
	return out
}

// cancelled marks out cancelled, keeping any partial output.
func cancelled(out HostOutcome, cause error) HostOutcome {
	out.Status = HostStatusCancelled
	out.Err = errs.Wrap(errs.CodeCancelled, "run cancelled", cause).WithHost(out.Host)
	out.ErrorCode = errs.CodeCancelled
	return out
}
