// Package dispatcher runs flow requests through registered transfer backends.
//
// A Dispatcher owns a bounded queue and a fixed pool of workers. Each worker
// leases a request in the flow store, picks a backend with the selection
// strategy and records the outcome. A failing or panicking backend only fails
// its own request; the worker moves on to the next item.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/events"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/metric"
	"github.com/c360/dataplane/pkg/retry"
	"github.com/c360/dataplane/pkg/worker"
	"github.com/c360/dataplane/transfer"
)

// Outcome labels used for metrics
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeNoBackend = "no_backend"
	outcomePanic     = "panic"
)

// Dispatcher dispatches queued flow requests to backends
type Dispatcher struct {
	cfg        Config
	store      flowstore.Store
	registry   *transfer.Registry
	strategy   transfer.SelectionStrategy
	listener   events.Listener
	logger     *slog.Logger
	metrics    *metric.Metrics
	poolReg    *metric.MetricsRegistry
	instanceID string
	leaseRetry retry.Config
	now        func() time.Time

	lifecycleMu sync.Mutex
	pool        *worker.Pool[flow.Request]
	running     bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records enqueue and outcome metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPoolMetrics registers worker pool metrics with registry
func WithPoolMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.poolReg = registry }
}

// WithStrategy replaces the select-first strategy
func WithStrategy(s transfer.SelectionStrategy) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.strategy = s
		}
	}
}

// WithListener receives lifecycle events
func WithListener(l events.Listener) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.listener = l
		}
	}
}

// WithRegistry uses an existing registry instead of an empty one
func WithRegistry(r *transfer.Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithInstanceID sets the lease owner recorded in the store. Defaults to a
// random UUID.
func WithInstanceID(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.instanceID = id
		}
	}
}

// WithLeaseRetry sets the backoff for leasing a dequeued request when the
// store reports a transient error.
func WithLeaseRetry(cfg retry.Config) Option {
	return func(d *Dispatcher) {
		d.leaseRetry = cfg
	}
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(cfg Config, store flowstore.Store, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: flow store is required", errors.ErrMissingConfig),
			"dispatcher", "New", "check store")
	}

	d := &Dispatcher{
		cfg:        cfg.withDefaults(),
		store:      store,
		registry:   transfer.NewRegistry(),
		strategy:   transfer.SelectFirst(),
		listener:   events.Discard,
		logger:     slog.Default(),
		instanceID: uuid.NewString(),
		leaseRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher", "instance", d.instanceID)
	return d, nil
}

// Config returns the effective configuration
func (d *Dispatcher) Config() Config { return d.cfg }

// InstanceID returns the lease owner id of this dispatcher
func (d *Dispatcher) InstanceID() string { return d.instanceID }

// Registry returns the backend registry
func (d *Dispatcher) Registry() *transfer.Registry { return d.registry }

// RegisterBackend appends b to the registry. Earlier registrations win ties.
func (d *Dispatcher) RegisterBackend(b transfer.Backend) {
	d.registry.Register(b)
	if b != nil {
		d.logger.Debug("Registered backend", "backend", b.Name(), "position", d.registry.Len())
	}
}

// Start recovers entries left QUEUED or IN_PROCESS by a previous run,
// launches the workers and re-queues the recovered requests.
//
// Cancelling ctx stops the workers and cancels in-flight transfers; use Stop
// for a cooperative shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	if d.running {
		d.lifecycleMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "dispatcher", "Start", "start dispatcher")
	}

	recovered, err := d.store.Recover(ctx)
	if err != nil {
		d.lifecycleMu.Unlock()
		return errors.Wrap(err, "dispatcher", "Start", "recover flow entries")
	}

	opts := []worker.Option[flow.Request]{
		worker.WithPollTimeout[flow.Request](d.cfg.WaitTimeout),
		worker.WithPanicHandler(d.onWorkerPanic),
	}
	if d.poolReg != nil {
		opts = append(opts, worker.WithMetricsRegistry[flow.Request](d.poolReg, "dataplane_dispatch"))
	}
	pool := worker.NewPool(d.cfg.Workers, d.cfg.QueueCapacity, d.dispatch, opts...)
	if err := pool.Start(ctx); err != nil {
		d.lifecycleMu.Unlock()
		return errors.WrapFatal(err, "dispatcher", "Start", "start worker pool")
	}
	d.pool = pool
	d.running = true
	d.lifecycleMu.Unlock()

	d.logger.Info("Dispatcher started",
		"workers", d.cfg.Workers,
		"queue_capacity", d.cfg.QueueCapacity,
		"backends", d.registry.Names(),
		"recovered", len(recovered))

	// Workers are already consuming, so more recovered entries than queue
	// capacity cannot deadlock here.
	for _, entry := range recovered {
		if err := pool.SubmitWait(ctx, entry.Request); err != nil {
			d.logger.Warn("Stopped re-queueing recovered entries",
				"remaining_from", entry.ProcessID, "error", err)
			break
		}
		d.emit(ctx, events.Recovered, entry.Request, "", transfer.Result{})
	}
	return nil
}

// Stop signals workers to exit after their current item and waits up to
// timeout. In-flight transfers are not cancelled. Requests still queued stay
// QUEUED in the store and are picked up by the next Start.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	if !d.running {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.running = false
	pool := d.pool
	d.lifecycleMu.Unlock()

	err := pool.Stop(timeout)
	left := pool.Drain()

	d.logger.Info("Dispatcher stopped", "undispatched", len(left), "error", err)
	if err != nil {
		return errors.WrapTransient(err, "dispatcher", "Stop", "stop workers")
	}
	return nil
}

// Running reports whether the dispatcher accepts work
func (d *Dispatcher) Running() bool {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.running
}

// Enqueue records req as QUEUED and appends it to the queue. When the queue
// is full it fails with worker.ErrQueueFull (Reject) or waits for room until
// ctx ends (Block); either way the store is put back as it was. A process id
// that is still QUEUED or IN_PROCESS is refused with errors.ErrLeaseConflict;
// one that finished may be enqueued again.
func (d *Dispatcher) Enqueue(ctx context.Context, req flow.Request) error {
	if err := req.Validate(); err != nil {
		d.reject("invalid")
		return err
	}

	d.lifecycleMu.Lock()
	pool, running := d.pool, d.running
	d.lifecycleMu.Unlock()
	if !running {
		d.reject("not_started")
		return errors.WrapTransient(errors.ErrNotStarted, "dispatcher", "Enqueue", "check running")
	}

	queued, err := d.store.Enqueue(ctx, req)
	if err != nil {
		if stderrors.Is(err, errors.ErrLeaseConflict) {
			d.reject("pending")
		} else {
			d.reject("store")
		}
		return errors.Wrap(err, "dispatcher", "Enqueue", "record queued entry")
	}

	if d.cfg.Backpressure == Block {
		err = pool.SubmitWait(ctx, req)
	} else {
		err = pool.Submit(req)
	}
	if err != nil {
		if wErr := d.store.Withdraw(context.WithoutCancel(ctx), req.ProcessID(), queued.LeaseToken); wErr != nil {
			d.logger.Warn("Failed to withdraw rejected entry", "process_id", req.ProcessID(), "error", wErr)
		}
		reason := "queue_full"
		if !stderrors.Is(err, worker.ErrQueueFull) {
			reason = "stopped"
		}
		d.reject(reason)
		d.emit(ctx, events.Rejected, req, "", transfer.Failure(transfer.StatusErrorRetry, err.Error()))
		return errors.WrapTransient(err, "dispatcher", "Enqueue", "submit request")
	}

	if d.metrics != nil {
		d.metrics.TransfersEnqueued.Inc()
	}
	d.emit(ctx, events.Queued, req, "", transfer.Result{})
	d.logger.Debug("Request queued", "process_id", req.ProcessID(), "request_id", req.ID())
	return nil
}

func (d *Dispatcher) reject(reason string) {
	if d.metrics != nil {
		d.metrics.TransfersRejected.WithLabelValues(reason).Inc()
	}
}

// dispatch is one worker iteration for a dequeued request
func (d *Dispatcher) dispatch(ctx context.Context, req flow.Request) error {
	logger := d.logger.With("process_id", req.ProcessID(), "request_id", req.ID())

	entry, err := d.lease(ctx, req)
	if err != nil {
		if stderrors.Is(err, errors.ErrInvalidTransition) || stderrors.Is(err, errors.ErrKeyNotFound) {
			// Duplicate queue item for a request another worker already took.
			logger.Debug("Skipping request that is no longer queued", "error", err)
			return nil
		}
		d.resubmit(req, logger, err)
		return err
	}
	if entry.Request.ID() != req.ID() {
		logger.Warn("Dispatching the request recorded in the store instead of the dequeued one",
			"stored_request_id", entry.Request.ID())
		req = entry.Request
		logger = d.logger.With("process_id", req.ProcessID(), "request_id", req.ID())
	}
	d.emit(ctx, events.Started, req, "", transfer.Result{})

	// Outcomes are recorded even if the worker context was cancelled mid-transfer.
	storeCtx := context.WithoutCancel(ctx)

	backend, ok := transfer.Select(req, d.registry, d.strategy)
	if !ok {
		logger.Warn("No backend can handle request; marking completed",
			"source_type", req.SourceAddress().Type(),
			"destination_type", req.DestinationAddress().Type())
		d.metrics.RecordOutcome(outcomeNoBackend, "")
		if err := d.store.Complete(storeCtx, req.ProcessID(), entry.LeaseToken); err != nil {
			logger.Error("Failed to record completion", "error", err)
			return err
		}
		d.emit(ctx, events.NoBackend, req, "", transfer.Result{})
		return nil
	}

	start := d.now()
	result := d.invoke(ctx, backend, req)
	d.metrics.RecordTransfer(backend.Name(), string(result.Status), d.now().Sub(start))

	if result.Succeeded() {
		d.metrics.RecordOutcome(outcomeCompleted, backend.Name())
		if err := d.store.Complete(storeCtx, req.ProcessID(), entry.LeaseToken); err != nil {
			logger.Error("Failed to record completion", "backend", backend.Name(), "error", err)
			return err
		}
		logger.Info("Transfer completed", "backend", backend.Name())
		d.emit(ctx, events.Completed, req, backend.Name(), result)
		return nil
	}

	d.metrics.RecordOutcome(outcomeFailed, backend.Name())
	if err := d.store.Fail(storeCtx, req.ProcessID(), entry.LeaseToken, result.Messages); err != nil {
		logger.Error("Failed to record failure", "backend", backend.Name(), "error", err)
		return err
	}
	logger.Warn("Transfer failed",
		"backend", backend.Name(),
		"status", result.Status,
		"error", result.Message())
	d.emit(ctx, events.Failed, req, backend.Name(), result)
	return nil
}

// lease moves the request to IN_PROCESS, retrying transient store errors
func (d *Dispatcher) lease(ctx context.Context, req flow.Request) (flowstore.Entry, error) {
	return retry.DoWithResult(ctx, d.leaseRetry, func() (flowstore.Entry, error) {
		entry, err := d.store.Lease(ctx, req.ProcessID(), d.instanceID)
		if err != nil && !errors.IsTransient(err) {
			return entry, retry.NonRetryable(err)
		}
		return entry, err
	})
}

// resubmit puts a request that could not be leased back on the queue. When
// the queue is full or stopped the entry stays QUEUED in the store until the
// next Start recovers it.
func (d *Dispatcher) resubmit(req flow.Request, logger *slog.Logger, cause error) {
	d.lifecycleMu.Lock()
	pool, running := d.pool, d.running
	d.lifecycleMu.Unlock()

	if running {
		if err := pool.Submit(req); err == nil {
			logger.Warn("Lease failed; request queued again", "error", cause)
			return
		}
	}
	logger.Warn("Lease failed; request stays QUEUED until the next recovery", "error", cause)
}

// invoke calls the backend and turns a panic into a failed result
func (d *Dispatcher) invoke(ctx context.Context, backend transfer.Backend, req flow.Request) (result transfer.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Backend panicked during transfer",
				"backend", backend.Name(), "process_id", req.ProcessID(), "panic", r)
			d.metrics.RecordOutcome(outcomePanic, backend.Name())
			result = transfer.Failuref(transfer.StatusErrorRetry,
				"Unhandled exception raised when transferring data: %v", r)
		}
	}()
	result = backend.Transfer(ctx, req)
	if result.Status == "" {
		result = transfer.Failure(transfer.StatusFatal,
			fmt.Sprintf("backend %s returned no status", backend.Name()))
	}
	return result
}

// onWorkerPanic handles panics that escaped dispatch itself, e.g. from a
// store implementation. The entry stays leased until the next recovery.
func (d *Dispatcher) onWorkerPanic(req flow.Request, err error) {
	d.logger.Error("Dispatch panicked", "process_id", req.ProcessID(), "error", err)
}

func (d *Dispatcher) emit(ctx context.Context, t events.Type, req flow.Request, backend string, result transfer.Result) {
	d.listener.OnEvent(ctx, events.Event{
		Type:      t,
		ProcessID: req.ProcessID(),
		RequestID: req.ID(),
		Backend:   backend,
		Status:    string(result.Status),
		Messages:  result.Messages,
		Instance:  d.instanceID,
		Timestamp: d.now(),
	})
}
