package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
)

// SourceFactory builds sources for one address family
type SourceFactory interface {
	CanHandle(req flow.Request) bool
	Validate(req flow.Request) Result
	CreateSource(req flow.Request) (Source, error)
}

// SinkFactory builds sinks for one address family
type SinkFactory interface {
	CanHandle(req flow.Request) bool
	Validate(req flow.Request) Result
	CreateSink(req flow.Request) (Sink, error)
}

// RequireProperties returns one error per required property missing from
// addr, combined with multierr.
func RequireProperties(addr flow.DataAddress, role string, keys ...string) error {
	var err error
	for _, key := range keys {
		if _, ok := addr.LookupProperty(key); !ok {
			err = multierr.Append(err, fmt.Errorf("%s address of type %s is missing required property %q", role, addr.Type(), key))
		}
	}
	return err
}

// RequireOneOf returns an error unless at least one of keys is set on addr
func RequireOneOf(addr flow.DataAddress, role string, keys ...string) error {
	for _, key := range keys {
		if _, ok := addr.LookupProperty(key); ok {
			return nil
		}
	}
	return fmt.Errorf("%s address of type %s requires one of %v", role, addr.Type(), keys)
}

// ValidationResult turns validation errors into a fatal result listing each
// problem.
func ValidationResult(err error) Result {
	if err == nil {
		return Success()
	}
	errs := multierr.Errors(err)
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Error())
	}
	return Failure(StatusFatal, messages...)
}

// InvalidCreate is returned by factories when Create is called with a
// request that does not validate.
func InvalidCreate(component string, res Result) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidRequest, res.Message()),
		component, "Create", "create from invalid request")
}

// PipelineBackend composes source and sink factories into a Backend. A request
// is handled when some source factory and some sink factory accept it; the
// first accepting factory of each kind is used.
type PipelineBackend struct {
	name    string
	sources []SourceFactory
	sinks   []SinkFactory
	logger  *slog.Logger
}

// NewPipelineBackend creates a pipeline backend
func NewPipelineBackend(name string, sources []SourceFactory, sinks []SinkFactory, logger *slog.Logger) *PipelineBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineBackend{
		name:    name,
		sources: sources,
		sinks:   sinks,
		logger:  logger.With("backend", name),
	}
}

// Name returns the backend name
func (p *PipelineBackend) Name() string { return p.name }

func (p *PipelineBackend) sourceFor(req flow.Request) SourceFactory {
	for _, f := range p.sources {
		if f.CanHandle(req) {
			return f
		}
	}
	return nil
}

func (p *PipelineBackend) sinkFor(req flow.Request) SinkFactory {
	for _, f := range p.sinks {
		if f.CanHandle(req) {
			return f
		}
	}
	return nil
}

// CanHandle reports whether both ends of the request are supported
func (p *PipelineBackend) CanHandle(req flow.Request) bool {
	return p.sourceFor(req) != nil && p.sinkFor(req) != nil
}

// CanProvide reports whether the request's source is supported
func (p *PipelineBackend) CanProvide(req flow.Request) bool {
	return p.sourceFor(req) != nil
}

// Validate validates both ends and reports every problem found
func (p *PipelineBackend) Validate(req flow.Request) Result {
	src, sink := p.sourceFor(req), p.sinkFor(req)
	if src == nil || sink == nil {
		return Failuref(StatusFatal, "%s cannot handle %s", p.name, req)
	}
	return Merge(src.Validate(req), sink.Validate(req))
}

// Transfer moves the request's source into its destination
func (p *PipelineBackend) Transfer(ctx context.Context, req flow.Request) Result {
	sf := p.sinkFor(req)
	if sf == nil {
		return Failuref(StatusFatal, "%s cannot handle destination type %s", p.name, req.DestinationAddress().Type())
	}
	if res := sf.Validate(req); res.Failed() {
		return res
	}
	sink, err := sf.CreateSink(req)
	if err != nil {
		return FromError(err)
	}
	return p.TransferTo(ctx, req, sink)
}

// TransferTo streams the request's source into sink
func (p *PipelineBackend) TransferTo(ctx context.Context, req flow.Request, sink Sink) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Transfer panicked", "process_id", req.ProcessID(), "panic", r)
			result = Failuref(StatusErrorRetry, "Unhandled exception raised when transferring data: %v", r)
		}
	}()

	sf := p.sourceFor(req)
	if sf == nil {
		return Failuref(StatusFatal, "%s cannot handle source type %s", p.name, req.SourceAddress().Type())
	}
	if res := sf.Validate(req); res.Failed() {
		return res
	}

	source, err := sf.CreateSource(req)
	if err != nil {
		return FromError(err)
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			p.logger.Warn("Failed to close source", "process_id", req.ProcessID(), "error", cerr)
		}
	}()

	return sink.Transfer(ctx, source)
}
