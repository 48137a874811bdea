package dispatcher

import (
	"context"
	"fmt"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/health"
	"github.com/c360/dataplane/pkg/worker"
	"github.com/c360/dataplane/transfer"
)

// Validate checks req and asks the selected backend to validate its
// addresses. No backend is a fatal failure.
func (d *Dispatcher) Validate(req flow.Request) transfer.Result {
	if err := req.Validate(); err != nil {
		return transfer.FromError(err)
	}
	backend, ok := transfer.Select(req, d.registry, d.strategy)
	if !ok {
		return transfer.Failure(transfer.StatusFatal, errors.ErrNoBackend.Error())
	}
	return backend.Validate(req)
}

// TransferTo moves the source of req into sink synchronously, bypassing the
// queue. It uses the first registered backend that can provide the source.
func (d *Dispatcher) TransferTo(ctx context.Context, sink transfer.Sink, req flow.Request) transfer.Result {
	if err := req.Validate(); err != nil {
		return transfer.FromError(err)
	}

	for b := range d.registry.Backends() {
		if provider, ok := b.(transfer.SourceProvider); ok && provider.CanProvide(req) {
			return d.pull(ctx, b.Name(), provider, sink, req)
		}
	}

	return transfer.Failure(transfer.StatusFatal,
		fmt.Sprintf("%s: no source for type %s", errors.ErrNoBackend, req.SourceAddress().Type()))
}

func (d *Dispatcher) pull(ctx context.Context, name string, provider transfer.SourceProvider,
	sink transfer.Sink, req flow.Request) (result transfer.Result) {

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Backend panicked during pull transfer",
				"backend", name, "process_id", req.ProcessID(), "panic", r)
			result = transfer.Failuref(transfer.StatusErrorRetry,
				"Unhandled exception raised when transferring data: %v", r)
		}
	}()
	d.logger.Debug("Pull transfer", "backend", name, "process_id", req.ProcessID())
	return provider.TransferTo(ctx, req, sink)
}

// Status returns the stored entry for processID
func (d *Dispatcher) Status(ctx context.Context, processID string) (flowstore.Entry, error) {
	return d.store.Get(ctx, processID)
}

// Stats is a point-in-time view of the dispatcher
type Stats struct {
	Running  bool             `json:"running"`
	Instance string           `json:"instance"`
	Backends []string         `json:"backends"`
	Pool     worker.PoolStats `json:"pool"`
}

// Stats returns the current dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	d.lifecycleMu.Lock()
	pool, running := d.pool, d.running
	d.lifecycleMu.Unlock()

	s := Stats{
		Running:  running,
		Instance: d.instanceID,
		Backends: d.registry.Names(),
	}
	if pool != nil {
		s.Pool = pool.Stats()
	}
	return s
}

// HealthChecker reports the dispatcher as unhealthy while stopped and as
// degraded once the queue is at least 90% full.
func (d *Dispatcher) HealthChecker() health.Checker {
	return health.CheckFunc{Component: "dispatcher", Fn: func(context.Context) health.Status {
		s := d.Stats()
		details := map[string]any{
			"instance":    s.Instance,
			"backends":    s.Backends,
			"workers":     s.Pool.Workers,
			"busy":        s.Pool.Busy,
			"queue_depth": s.Pool.QueueDepth,
			"queue_size":  s.Pool.QueueSize,
		}
		switch {
		case !s.Running:
			return health.Unhealthy("dispatcher", "not running").WithDetails(details)
		case s.Pool.QueueSize > 0 && s.Pool.QueueDepth*10 >= s.Pool.QueueSize*9:
			return health.Degraded("dispatcher", "queue nearly full").WithDetails(details)
		default:
			return health.Healthy("dispatcher", "running").WithDetails(details)
		}
	}}
}
