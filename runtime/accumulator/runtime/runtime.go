// Package runtime is the caller-facing facade of the accumulator. It wires the
// aggregator loop, the flush and hook activities and the completion registry
// onto a workflow engine, and exposes Submit, Deliver, Close and status
// queries keyed by partition.
//
// A process that only submits items needs New; a process that also executes
// sessions calls RegisterWorker. With a shared engine (Temporal) the hook
// events produced by workers reach submitters in other processes through a
// cross-process bus such as features/completion/pulse.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"goa.design/accumulator/runtime/accumulator/aggregator"
	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/engine/inmem"
	"goa.design/accumulator/runtime/accumulator/hooks"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

const (
	// DefaultQueue is the task queue used when Options.Queue is empty.
	DefaultQueue = "accumulator"
	// DefaultSessionPrefix prefixes the partition to form the session ID.
	DefaultSessionPrefix = "acc-"
)

var (
	// ErrInvalidConfig is returned when the runtime options are incomplete.
	ErrInvalidConfig = errors.New("invalid accumulator configuration")
	// ErrInvalidItem is returned when an item misses its key or partition.
	ErrInvalidItem = errors.New("invalid item")
	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("invalid item payload")
	// ErrUnknownSession is returned by Wait and Cancel for sessions this
	// process did not start or deliver to.
	ErrUnknownSession = errors.New("unknown accumulator session")
	// ErrAlreadyRegistered is returned by a second RegisterWorker call.
	ErrAlreadyRegistered = errors.New("accumulator worker already registered")
)

type (
	// Options configures the runtime.
	Options struct {
		// Engine is the workflow backend. Defaults to the in-memory engine.
		Engine engine.Engine
		// Flusher receives every closed batch. Required by RegisterWorker.
		Flusher aggregator.Flusher
		// Queue is the task queue of the session workflow and activities.
		Queue string
		// SessionPrefix prefixes partitions to form session IDs.
		SessionPrefix string
		// Loop configures the aggregator loop.
		Loop aggregator.Options
		// FlushActivity sets the registered flush activity options.
		FlushActivity engine.ActivityOptions
		// HookActivity sets the registered hook activity options.
		HookActivity engine.ActivityOptions
		// RunTimeout bounds a session run. Zero means no bound.
		RunTimeout time.Duration
		// Registry tracks completion handles. Defaults to a new registry.
		Registry *completion.Registry
		// Hooks carries loop events to the registry. Defaults to an
		// in-process bus.
		Hooks hooks.Bus
		// WorkerHooks is the bus the hook activity publishes to. Defaults to
		// Hooks. Set it when events reach the registry through another
		// process boundary, such as a Pulse sink on WorkerHooks and a
		// listener republishing on Hooks.
		WorkerHooks hooks.Bus
		// SubmitRate limits deliveries per second from this process. Zero
		// disables the limit.
		SubmitRate float64
		// SubmitBurst is the limiter burst. Defaults to one.
		SubmitBurst int
		// PayloadSchema is a JSON Schema every item payload must satisfy.
		PayloadSchema json.RawMessage
		// Watcher is told about every session this process delivers to
		// before the first item is signaled.
		Watcher SessionWatcher
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and histograms.
		Metrics telemetry.Metrics
		// Tracer emits flush spans.
		Tracer telemetry.Tracer
	}

	// SessionWatcher starts delivery of a session's hook events to this
	// process, typically by listening on a cross-process stream. Watch is
	// called on every delivery and must be idempotent.
	SessionWatcher interface {
		Watch(ctx context.Context, sessionID string) error
	}

	// RuntimeOption configures the runtime via functional options passed to New.
	RuntimeOption func(*Options)

	// Runtime exposes the accumulator to callers.
	Runtime struct {
		engine   engine.Engine
		flusher  aggregator.Flusher
		registry *completion.Registry
		bus      hooks.Bus
		workBus  hooks.Bus
		sub      hooks.Subscription
		limiter  *rate.Limiter
		schema   *jsonschema.Schema
		watcher  SessionWatcher

		queue         string
		prefix        string
		loop          aggregator.Options
		flushActivity engine.ActivityOptions
		hookActivity  engine.ActivityOptions
		runTimeout    time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu         sync.Mutex
		registered bool
		handles    map[string]engine.WorkflowHandle
	}

	// SessionHandle identifies a session.
	SessionHandle struct {
		// ID is the session workflow ID.
		ID string
		// Partition is the session partition.
		Partition string
	}
)

// New builds a runtime from the given options.
func New(opts ...RuntimeOption) (*Runtime, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return newFromOptions(o)
}

// WithEngine sets the workflow engine.
func WithEngine(e engine.Engine) RuntimeOption { return func(o *Options) { o.Engine = e } }

// WithFlusher sets the batch flusher.
func WithFlusher(f aggregator.Flusher) RuntimeOption { return func(o *Options) { o.Flusher = f } }

// WithQueue sets the task queue.
func WithQueue(q string) RuntimeOption { return func(o *Options) { o.Queue = q } }

// WithLoop sets the aggregator loop options.
func WithLoop(l aggregator.Options) RuntimeOption { return func(o *Options) { o.Loop = l } }

// WithRegistry sets the completion registry.
func WithRegistry(r *completion.Registry) RuntimeOption { return func(o *Options) { o.Registry = r } }

// WithHooks sets the event bus.
func WithHooks(b hooks.Bus) RuntimeOption { return func(o *Options) { o.Hooks = b } }

// WithWorkerHooks sets the bus the hook activity publishes to.
func WithWorkerHooks(b hooks.Bus) RuntimeOption { return func(o *Options) { o.WorkerHooks = b } }

// WithSubmitRate limits deliveries per second with the given burst.
func WithSubmitRate(perSecond float64, burst int) RuntimeOption {
	return func(o *Options) {
		o.SubmitRate = perSecond
		o.SubmitBurst = burst
	}
}

// WithPayloadSchema validates item payloads against the JSON Schema.
func WithPayloadSchema(schema json.RawMessage) RuntimeOption {
	return func(o *Options) { o.PayloadSchema = schema }
}

// WithSessionWatcher sets the watcher notified before deliveries.
func WithSessionWatcher(w SessionWatcher) RuntimeOption { return func(o *Options) { o.Watcher = w } }

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RuntimeOption { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RuntimeOption { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption { return func(o *Options) { o.Tracer = t } }

// WithFlushActivity sets the flush activity timeout and retry policy.
func WithFlushActivity(a engine.ActivityOptions) RuntimeOption {
	return func(o *Options) { o.FlushActivity = a }
}

// WithHookActivity sets the hook activity timeout and retry policy.
func WithHookActivity(a engine.ActivityOptions) RuntimeOption {
	return func(o *Options) { o.HookActivity = a }
}

// WithRunTimeout bounds each session run.
func WithRunTimeout(d time.Duration) RuntimeOption { return func(o *Options) { o.RunTimeout = d } }

func newFromOptions(o Options) (*Runtime, error) {
	r := &Runtime{
		engine:        o.Engine,
		flusher:       o.Flusher,
		registry:      o.Registry,
		bus:           o.Hooks,
		workBus:       o.WorkerHooks,
		queue:         o.Queue,
		prefix:        o.SessionPrefix,
		loop:          o.Loop,
		flushActivity: o.FlushActivity,
		hookActivity:  o.HookActivity,
		runTimeout:    o.RunTimeout,
		watcher:       o.Watcher,
		logger:        o.Logger,
		metrics:       o.Metrics,
		tracer:        o.Tracer,
		handles:       make(map[string]engine.WorkflowHandle),
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	if r.engine == nil {
		r.engine = inmem.New(inmem.Options{Logger: r.logger})
	}
	if r.registry == nil {
		r.registry = completion.NewRegistry()
	}
	if r.bus == nil {
		r.bus = hooks.NewBus()
	}
	if r.workBus == nil {
		r.workBus = r.bus
	}
	if r.queue == "" {
		r.queue = DefaultQueue
	}
	if r.prefix == "" {
		r.prefix = DefaultSessionPrefix
	}
	if r.flushActivity == (engine.ActivityOptions{}) {
		r.flushActivity = engine.ActivityOptions{
			Timeout:     time.Minute,
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2},
		}
	}
	if r.hookActivity == (engine.ActivityOptions{}) {
		r.hookActivity = engine.ActivityOptions{
			Timeout:     30 * time.Second,
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2},
		}
	}
	if o.SubmitRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(o.SubmitRate), max(o.SubmitBurst, 1))
	}
	if len(o.PayloadSchema) > 0 {
		schema, err := compileSchema(o.PayloadSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		r.schema = schema
	}
	sub, err := r.bus.Register(&registrySubscriber{
		registry: r.registry,
		logger:   r.logger,
		metrics:  r.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("register completion subscriber: %w", err)
	}
	r.sub = sub
	return r, nil
}

// RegisterWorker registers the session workflow and its activities with the
// engine so this process executes sessions.
func (r *Runtime) RegisterWorker(ctx context.Context) error {
	if r.flusher == nil {
		return fmt.Errorf("%w: missing flusher", ErrInvalidConfig)
	}
	r.mu.Lock()
	if r.registered {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.registered = true
	r.mu.Unlock()

	loop := aggregator.New(r.loop)
	if err := r.engine.RegisterWorkflow(ctx, loop.Definition(r.queue)); err != nil {
		return fmt.Errorf("register session workflow: %w", err)
	}
	flush := aggregator.NewFlushActivity(r.flusher, aggregator.ActivityOptions{
		Logger:  r.logger,
		Metrics: r.metrics,
		Tracer:  r.tracer,
	})
	flushName := r.loop.FlushActivity
	if flushName == "" {
		flushName = api.FlushActivityName
	}
	if err := r.engine.RegisterFlushActivity(ctx, flushName, r.flushActivity, flush); err != nil {
		return fmt.Errorf("register flush activity: %w", err)
	}
	hookName := r.loop.HookActivity
	if hookName == "" {
		hookName = api.HookActivityName
	}
	if err := r.engine.RegisterHookActivity(ctx, hookName, r.hookActivity, hooks.NewActivity(r.workBus)); err != nil {
		return fmt.Errorf("register hook activity: %w", err)
	}
	r.logger.Info(ctx, "accumulator worker registered", "queue", r.queue)
	return nil
}

// Registry returns the completion registry.
func (r *Runtime) Registry() *completion.Registry {
	return r.registry
}

// Hooks returns the event bus the completion registry listens on.
func (r *Runtime) Hooks() hooks.Bus {
	return r.bus
}

// WorkerHooks returns the event bus the hook activity publishes to.
func (r *Runtime) WorkerHooks() hooks.Bus {
	return r.workBus
}

// Shutdown detaches the registry subscriber from the bus. Pending handles stay
// registered.
func (r *Runtime) Shutdown() error {
	return r.sub.Close()
}

func compileSchema(doc json.RawMessage) (*jsonschema.Schema, error) {
	parsed, err := unmarshalJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", parsed); err != nil {
		return nil, fmt.Errorf("add payload schema resource: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}
