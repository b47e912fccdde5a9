package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the adapter
	// creates a lazy client from ClientOptions with OTEL instrumentation
	// installed.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil.
	ClientOptions *client.Options

	// WorkerOptions configures the default task queue and worker settings. A
	// worker is created per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the Temporal client
	// and workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on the first
	// workflow start. Use Worker().Start() to start workers explicitly.
	DisableWorkerAutoStart bool

	// Logger emits workflow and worker logs. Defaults to a noop logger.
	Logger telemetry.Logger
}

// WorkerOptions configures the worker settings shared by all task queues.
type WorkerOptions struct {
	// TaskQueue is the default queue used when definitions omit one. Required.
	TaskQueue string

	// Options are passed to worker.New.
	Options worker.Options
}

// InstrumentationOptions configures the Temporal OTEL contrib interceptors.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool
	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool
	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions
	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. All methods are safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Signaler = (*Engine)(nil)
)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers the session workflow on the worker for its task
// queue. The handler receives the engine WorkflowContext adapter.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.mu.Unlock()

	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input *api.SessionInput) (*api.SessionOutput, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	}, workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterFlushActivity registers the flush activity on the worker for its
// queue.
func (e *Engine) RegisterFlushActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FlushInput) (*api.FlushOutput, error)) error {
	if fn == nil {
		return errors.New("temporal engine: flush activity handler is required")
	}
	return e.registerActivity(name, opts, fn)
}

// RegisterHookActivity registers the hook activity on the worker for its
// queue.
func (e *Engine) RegisterHookActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error {
	if fn == nil {
		return errors.New("temporal engine: hook activity handler is required")
	}
	return e.registerActivity(name, opts, fn)
}

func (e *Engine) registerActivity(name string, opts engine.ActivityOptions, fn any) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow starts a new session workflow. It fails with
// engine.ErrWorkflowAlreadyStarted when the ID is in use by a running
// execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	opts, err := e.startOptions(req)
	if err != nil {
		return nil, err
	}
	opts.WorkflowExecutionErrorWhenAlreadyStarted = true
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, mapStartError(err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalWithStart signals the running session or starts it with the signal
// already recorded in its history.
func (e *Engine) SignalWithStart(ctx context.Context, req engine.WorkflowStartRequest, name string, payload any) (engine.WorkflowHandle, error) {
	opts, err := e.startOptions(req)
	if err != nil {
		return nil, err
	}
	run, err := e.client.SignalWithStartWorkflow(ctx, req.ID, name, payload, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, mapSignalError(err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalByID sends a signal to a workflow by its workflow ID/run ID directly.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// QueryRunStatus maps the Temporal execution status of the latest run. A run
// that continued as new is reported as running.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", mapSignalError(err)
	}
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING, enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning, nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED, enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusFailed, nil
	}
}

// QuerySession runs the status query against the latest run.
func (e *Engine) QuerySession(ctx context.Context, workflowID string) (*api.SessionStatus, error) {
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", api.QueryStatus)
	if err != nil {
		return nil, mapSignalError(err)
	}
	var st api.SessionStatus
	if err := val.Get(&st); err != nil {
		return nil, fmt.Errorf("temporal engine: decode status: %w", err)
	}
	return &st, nil
}

// Worker returns a controller for the engine's workers.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) startOptions(req engine.WorkflowStartRequest) (client.StartWorkflowOptions, error) {
	if req.Workflow == "" {
		return client.StartWorkflowOptions{}, errors.New("temporal engine: workflow name is required")
	}
	if req.ID == "" {
		return client.StartWorkflowOptions{}, errors.New("temporal engine: workflow id is required")
	}
	queue := req.TaskQueue
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if ok && queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}
	if ok && !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}
	return client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		RetryPolicy:        convertRetryPolicy(req.RetryPolicy),
	}, nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController starts and stops the workers of an Engine.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers created later start
// immediately.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.worker.Stop()
	}
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (h *workflowHandle) ID() string {
	return h.run.GetID()
}

// Wait follows continue-as-new runs until the session terminates.
func (h *workflowHandle) Wait(ctx context.Context) (*api.SessionOutput, error) {
	var out api.SessionOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, mapWorkflowError(err)
	}
	return &out, nil
}

// Signal targets the latest run so signals survive continuations.
func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), "", name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return mapSignalError(h.client.CancelWorkflow(ctx, h.run.GetID(), ""))
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

// mapStartError translates start failures into engine sentinels.
func mapStartError(err error) error {
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowAlreadyStarted, err)
	}
	return err
}
