// Package objectstore moves data between flow requests and NATS JetStream
// object stores.
//
// A NatsObjectStore address requires "bucket". A source reads one object
// ("objectName") or every object whose name starts with "objectPrefix"; a
// destination stores each part as an object named "objectPrefix" + part name,
// creating the bucket when it does not exist.
package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/natsclient"
	"github.com/c360/dataplane/transfer"
)

// Type is the data address type handled by this package
const Type = "NatsObjectStore"

// Address properties
const (
	BucketProperty       = "bucket"
	ObjectNameProperty   = "objectName"
	ObjectPrefixProperty = "objectPrefix"
)

// Store is the part of jetstream.ObjectStore used by sources and sinks
type Store interface {
	Get(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) (jetstream.ObjectResult, error)
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	List(ctx context.Context, opts ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error)
}

// Buckets opens object stores by name
type Buckets interface {
	// Bucket returns the named store. With create set a missing bucket is
	// created.
	Bucket(ctx context.Context, name string, create bool) (Store, error)
}

// NATSBuckets opens object stores through a natsclient connection
type NATSBuckets struct {
	client *natsclient.Client
}

// NewNATSBuckets returns Buckets backed by client
func NewNATSBuckets(client *natsclient.Client) *NATSBuckets {
	return &NATSBuckets{client: client}
}

// Bucket implements Buckets
func (b *NATSBuckets) Bucket(ctx context.Context, name string, create bool) (Store, error) {
	if create {
		return b.client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: name})
	}
	return b.client.ObjectStore(ctx, name)
}

// SourceFactory creates object store sources
type SourceFactory struct {
	buckets Buckets
}

// NewSourceFactory returns a source factory reading from buckets
func NewSourceFactory(buckets Buckets) *SourceFactory {
	return &SourceFactory{buckets: buckets}
}

// CanHandle reports whether the source address is a NatsObjectStore address
func (f *SourceFactory) CanHandle(req flow.Request) bool {
	return req.SourceAddress().Type() == Type
}

// Validate checks the bucket and object selector of the source
func (f *SourceFactory) Validate(req flow.Request) transfer.Result {
	addr := req.SourceAddress()
	err := transfer.RequireProperties(addr, "source", BucketProperty)
	if err == nil {
		err = transfer.RequireOneOf(addr, "source", ObjectNameProperty, ObjectPrefixProperty)
	}
	return transfer.ValidationResult(err)
}

// CreateSource returns a source over the addressed objects
func (f *SourceFactory) CreateSource(req flow.Request) (transfer.Source, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("objectstore.SourceFactory", res)
	}
	addr := req.SourceAddress()
	return &Source{
		buckets: f.buckets,
		bucket:  addr.Property(BucketProperty),
		object:  addr.Property(ObjectNameProperty),
		prefix:  addr.Property(ObjectPrefixProperty),
	}, nil
}

// Source reads one object or every object under a name prefix
type Source struct {
	buckets Buckets
	bucket  string
	object  string
	prefix  string
}

// OpenParts lists matching objects in name order
func (s *Source) OpenParts(ctx context.Context) (transfer.PartIterator, error) {
	store, err := s.buckets.Bucket(ctx, s.bucket, false)
	if err != nil {
		return nil, classify(err, "OpenParts", "open bucket "+s.bucket)
	}
	if s.object != "" {
		return transfer.IterateParts(s.part(store, s.object, s.object)), nil
	}

	infos, err := store.List(ctx)
	if err != nil && !stderrors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, classify(err, "OpenParts", "list objects")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	parts := make([]transfer.Part, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, s.prefix) {
			continue
		}
		parts = append(parts, s.part(store, strings.TrimPrefix(info.Name, s.prefix), info.Name))
	}
	return transfer.IterateParts(parts...), nil
}

// Close is a no-op
func (s *Source) Close() error { return nil }

func (s *Source) part(store Store, name, object string) transfer.Part {
	return transfer.NewPart(name, func(ctx context.Context) (io.ReadCloser, error) {
		res, err := store.Get(ctx, object)
		if err != nil {
			return nil, classify(err, "OpenPart", fmt.Sprintf("get object %s", object))
		}
		return res, nil
	})
}

// SinkFactory creates partitioned object store sinks
type SinkFactory struct {
	buckets Buckets
	retry   errors.RetryConfig
	logger  *slog.Logger
	opts    []transfer.SinkOption
}

// NewSinkFactory returns a sink factory writing into buckets. A put that
// fails transiently is retried under policy.
func NewSinkFactory(buckets Buckets, policy errors.RetryConfig, logger *slog.Logger, opts ...transfer.SinkOption) *SinkFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkFactory{buckets: buckets, retry: policy, logger: logger, opts: opts}
}

// CanHandle reports whether the destination address is a NatsObjectStore address
func (f *SinkFactory) CanHandle(req flow.Request) bool {
	return req.DestinationAddress().Type() == Type
}

// Validate checks the destination bucket
func (f *SinkFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(transfer.RequireProperties(req.DestinationAddress(), "destination", BucketProperty))
}

// CreateSink returns a partitioned sink storing each part as an object
func (f *SinkFactory) CreateSink(req flow.Request) (transfer.Sink, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("objectstore.SinkFactory", res)
	}
	addr := req.DestinationAddress()
	bucket, prefix := addr.Property(BucketProperty), addr.Property(ObjectPrefixProperty)
	logger := f.logger.With("process_id", req.ProcessID(), "bucket", bucket)

	return transfer.NewPartitionedSink(transfer.EachPartWithRetry(f.retry, func(ctx context.Context, name string, r io.Reader) error {
		store, err := f.buckets.Bucket(ctx, bucket, true)
		if err != nil {
			return classify(err, "Put", "open bucket "+bucket)
		}
		info, err := store.Put(ctx, jetstream.ObjectMeta{Name: prefix + name}, r)
		if err != nil {
			return classify(err, "Put", fmt.Sprintf("put object %s", prefix+name))
		}
		logger.Debug("Stored part", "object", info.Name, "size", info.Size)
		return nil
	}), f.opts...), nil
}

func classify(err error, method, action string) error {
	if stderrors.Is(err, jetstream.ErrObjectNotFound) || stderrors.Is(err, jetstream.ErrBucketNotFound) ||
		stderrors.Is(err, jetstream.ErrBadObjectMeta) || stderrors.Is(err, jetstream.ErrInvalidStoreName) {
		return errors.WrapFatal(err, "objectstore", method, action)
	}
	return errors.WrapTransient(err, "objectstore", method, action)
}

// NewBackend returns a backend moving NatsObjectStore sources into
// NatsObjectStore destinations
func NewBackend(buckets Buckets, policy errors.RetryConfig, logger *slog.Logger, opts ...transfer.SinkOption) *transfer.PipelineBackend {
	return transfer.NewPipelineBackend("objectstore",
		[]transfer.SourceFactory{NewSourceFactory(buckets)},
		[]transfer.SinkFactory{NewSinkFactory(buckets, policy, logger, opts...)},
		logger)
}

var (
	_ transfer.SourceFactory = (*SourceFactory)(nil)
	_ transfer.SinkFactory   = (*SinkFactory)(nil)
	_ Store                  = (jetstream.ObjectStore)(nil)
	_ Buckets                = (*NATSBuckets)(nil)
)
