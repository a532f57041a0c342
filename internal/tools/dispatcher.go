package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// DefaultTimeout bounds a tool execution unless the tool or the dispatcher
// says otherwise.
const DefaultTimeout = 60 * time.Second

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithTimeout sets the default per-call timeout. A non-positive value
// disables it.
func WithTimeout(d time.Duration) Option { return func(disp *Dispatcher) { disp.timeout = d } }

// WithMetrics records call counts and durations on m.
func WithMetrics(m *observe.Metrics) Option { return func(disp *Dispatcher) { disp.metrics = m } }

// WithBreakers sets the breaker template for remote tools. A nil IsFailure
// keeps argument errors and cancellation from counting against the breaker.
func WithBreakers(cfg resilience.CircuitBreakerConfig) Option {
	if cfg.IsFailure == nil {
		cfg.IsFailure = isRemoteFailure
	}
	return func(disp *Dispatcher) { disp.breakers = resilience.NewGroup(cfg) }
}

// Dispatcher routes calls to registered tools. It is safe for concurrent use;
// every Dispatch is independent of the others.
type Dispatcher struct {
	timeout  time.Duration
	metrics  *observe.Metrics
	breakers *resilience.Group

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultTimeout,
		tools:   make(map[string]Tool),
	}
	for _, o := range opts {
		o(d)
	}
	if d.breakers == nil {
		d.breakers = resilience.NewGroup(resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			IsFailure:    isRemoteFailure,
		})
	}
	return d
}

// isRemoteFailure counts everything except bad arguments and cancellation.
func isRemoteFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidArgs) && !errors.Is(err, context.Canceled)
}

// Register adds tools. Names must be unique.
func (d *Dispatcher) Register(tools ...Tool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tools {
		name := t.Definition.Name
		if name == "" {
			return errors.New("tools: tool name must not be empty")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: tool %q has no handler", name)
		}
		if _, dup := d.tools[name]; dup {
			return fmt.Errorf("tools: tool %q already registered", name)
		}
		d.tools[name] = t
		d.order = append(d.order, name)
	}
	return nil
}

// Definitions returns the declarations of all registered tools in
// registration order.
func (d *Dispatcher) Definitions() []live.FunctionDeclaration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]live.FunctionDeclaration, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name].Definition)
	}
	return out
}

// Breakers reports the state of each remote tool's circuit breaker.
func (d *Dispatcher) Breakers() map[string]resilience.State {
	return d.breakers.States()
}

// Dispatch executes call and returns its result. It never panics and never
// returns a nil response. An unknown tool yields a neutral not-found response
// rather than an error.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	res := Result{ID: call.ID, Name: call.Name}

	d.mu.RLock()
	tool, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		observe.Logger(ctx).Warn("tool not found", "tool", call.Name, "call_id", call.ID)
		d.record(ctx, call.Name, "not_found", 0)
		res.Response = map[string]any{
			"result": fmt.Sprintf("tool %q not found", call.Name),
		}
		return res
	}

	attrs := []attribute.KeyValue{observe.AttrTool.String(call.Name), observe.AttrCallID.String(call.ID)}
	if id := observe.SessionID(ctx); id != "" {
		attrs = append(attrs, observe.AttrSessionID.String(id))
	}
	ctx, span := observe.StartSpan(ctx, "tools.dispatch", trace.WithAttributes(attrs...))
	defer span.End()

	timeout := tool.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	var out any
	run := func(ctx context.Context) error {
		var err error
		out, err = safeCall(ctx, tool.Handler, call)
		return err
	}
	var err error
	if tool.Remote {
		err = d.breakers.Get(call.Name).Do(ctx, run)
	} else {
		err = run(ctx)
	}
	elapsed := time.Since(start)

	if err == nil {
		res.Response, err = normalise(out)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrToolExecution, call.Name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("tool failed", "tool", call.Name, "call_id", call.ID, "err", err)
		d.record(ctx, call.Name, "error", elapsed)
		res.Response = errorResponse(err)
		return res
	}

	observe.Logger(ctx).Debug("tool finished", "tool", call.Name, "call_id", call.ID, "duration", elapsed)
	d.record(ctx, call.Name, "ok", elapsed)
	return res
}

// safeCall runs h, converting a panic into an error.
func safeCall(ctx context.Context, h Handler, call Call) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, call.Args)
}

func (d *Dispatcher) record(ctx context.Context, tool, status string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordToolCall(ctx, tool, status)
	if elapsed > 0 {
		d.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.AttrTool.String(tool), attribute.String("status", status)))
	}
}
