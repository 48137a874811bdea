// Package amazons3 moves data between flow requests and S3 buckets.
//
// Both ends of an AmazonS3 address require "region" and "bucketName". A source
// reads a single object ("objectName") or every object under "objectPrefix".
// A destination writes each part under "objectPrefix", or to "objectName" when
// the transfer carries a single part. Uploads go through the S3 upload manager,
// which switches to multipart uploads for large parts.
package amazons3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

// Type is the data address type handled by this package
const Type = "AmazonS3"

// Address properties
const (
	RegionProperty           = "region"
	BucketNameProperty       = "bucketName"
	ObjectNameProperty       = "objectName"
	ObjectPrefixProperty     = "objectPrefix"
	EndpointOverrideProperty = "endpointOverride"
	ForcePathStyleProperty   = "forcePathStyle"
	AccessKeyIDProperty      = "accessKeyId"
	SecretAccessKeyProperty  = "secretAccessKey"
	SessionTokenProperty     = "sessionToken"
)

// SourceFactory creates S3 sources
type SourceFactory struct {
	clients *clientCache
}

// NewSourceFactory returns a source factory. A nil factory uses NewAWSClient.
func NewSourceFactory(factory ClientFactory) *SourceFactory {
	return &SourceFactory{clients: newClientCache(factory)}
}

// CanHandle reports whether the source address is an AmazonS3 address
func (f *SourceFactory) CanHandle(req flow.Request) bool {
	return req.SourceAddress().Type() == Type
}

// Validate checks bucket, region and the object selector of the source
func (f *SourceFactory) Validate(req flow.Request) transfer.Result {
	addr := req.SourceAddress()
	err := transfer.RequireProperties(addr, "source", RegionProperty, BucketNameProperty)
	if err == nil {
		err = transfer.RequireOneOf(addr, "source", ObjectNameProperty, ObjectPrefixProperty)
	}
	return transfer.ValidationResult(err)
}

// CreateSource returns a source over the addressed objects. The client is
// created when the parts are listed.
func (f *SourceFactory) CreateSource(req flow.Request) (transfer.Source, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("amazons3.SourceFactory", res)
	}
	addr := req.SourceAddress()
	return &Source{
		clients: f.clients,
		opts:    ClientOptionsFrom(addr),
		bucket:  addr.Property(BucketNameProperty),
		object:  addr.Property(ObjectNameProperty),
		prefix:  addr.Property(ObjectPrefixProperty),
	}, nil
}

// Source reads one object or every object under a prefix
type Source struct {
	clients *clientCache
	opts    ClientOptions
	bucket  string
	object  string
	prefix  string
}

// OpenParts lists the objects. Objects are fetched only when a part is opened.
func (s *Source) OpenParts(ctx context.Context) (transfer.PartIterator, error) {
	client, err := s.clients.get(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	if s.object != "" {
		return transfer.IterateParts(s.part(client.API, s.object, s.object)), nil
	}

	var parts []transfer.Part
	pages := s3.NewListObjectsV2Paginator(client.API, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "OpenParts", "list objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			name := strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
			parts = append(parts, s.part(client.API, name, key))
		}
	}
	return transfer.IterateParts(parts...), nil
}

// Close is a no-op; object bodies are closed by their readers
func (s *Source) Close() error { return nil }

func (s *Source) part(api API, name, key string) transfer.Part {
	return transfer.NewPart(name, func(ctx context.Context) (io.ReadCloser, error) {
		out, err := api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, classify(err, "OpenPart", fmt.Sprintf("get object %s", key))
		}
		return out.Body, nil
	})
}

// SinkFactory creates partitioned S3 sinks
type SinkFactory struct {
	clients *clientCache
	logger  *slog.Logger
	opts    []transfer.SinkOption
}

// NewSinkFactory returns a sink factory. A nil factory uses NewAWSClient.
func NewSinkFactory(factory ClientFactory, logger *slog.Logger, opts ...transfer.SinkOption) *SinkFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkFactory{clients: newClientCache(factory), logger: logger, opts: opts}
}

// CanHandle reports whether the destination address is an AmazonS3 address
func (f *SinkFactory) CanHandle(req flow.Request) bool {
	return req.DestinationAddress().Type() == Type
}

// Validate checks bucket and region of the destination
func (f *SinkFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(transfer.RequireProperties(req.DestinationAddress(), "destination",
		RegionProperty, BucketNameProperty))
}

// CreateSink returns a partitioned sink uploading each part
func (f *SinkFactory) CreateSink(req flow.Request) (transfer.Sink, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("amazons3.SinkFactory", res)
	}
	addr := req.DestinationAddress()
	w := &objectWriter{
		clients: f.clients,
		opts:    ClientOptionsFrom(addr),
		bucket:  addr.Property(BucketNameProperty),
		object:  addr.Property(ObjectNameProperty),
		prefix:  addr.Property(ObjectPrefixProperty),
		logger:  f.logger.With("process_id", req.ProcessID(), "bucket", addr.Property(BucketNameProperty)),
	}
	return transfer.NewPartitionedSink(transfer.EachPart(w.upload), f.opts...), nil
}

type objectWriter struct {
	clients *clientCache
	opts    ClientOptions
	bucket  string
	object  string
	prefix  string
	logger  *slog.Logger
	written atomic.Int32
}

func (w *objectWriter) key(name string) (string, error) {
	if w.object != "" && w.prefix == "" {
		if w.written.Add(1) > 1 {
			return "", errors.WrapFatal(
				fmt.Errorf("%w: destination object %s accepts a single part", errors.ErrInvalidData, w.object),
				"amazons3", "Upload", "resolve object key")
		}
		return w.object, nil
	}
	if w.prefix == "" {
		return name, nil
	}
	return path.Join(w.prefix, name), nil
}

func (w *objectWriter) upload(ctx context.Context, name string, r io.Reader) error {
	key, err := w.key(name)
	if err != nil {
		return err
	}
	client, err := w.clients.get(ctx, w.opts)
	if err != nil {
		return err
	}
	if _, err := client.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   r,
	}); err != nil {
		return classify(err, "Upload", fmt.Sprintf("upload %s", key))
	}
	w.logger.Debug("Uploaded part", "part", name, "key", key)
	return nil
}

// classify maps S3 failures: missing buckets and objects and client errors
// other than throttling are fatal, everything else is retried.
func classify(err error, method, action string) error {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
		resp     *awshttp.ResponseError
	)
	switch {
	case stderrors.As(err, &noKey), stderrors.As(err, &noBucket), stderrors.As(err, &notFound):
		return errors.WrapFatal(err, "amazons3", method, action)
	case stderrors.As(err, &resp):
		code := resp.HTTPStatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return errors.WrapFatal(err, "amazons3", method, action)
		}
	}
	return errors.WrapTransient(err, "amazons3", method, action)
}

// NewBackend returns a backend moving AmazonS3 sources into AmazonS3
// destinations. Both ends share one client per connection settings.
func NewBackend(factory ClientFactory, logger *slog.Logger, opts ...transfer.SinkOption) *transfer.PipelineBackend {
	sources := NewSourceFactory(factory)
	sinks := NewSinkFactory(factory, logger, opts...)
	sinks.clients = sources.clients
	return transfer.NewPipelineBackend("amazons3",
		[]transfer.SourceFactory{sources},
		[]transfer.SinkFactory{sinks},
		logger)
}

var (
	_ transfer.SourceFactory = (*SourceFactory)(nil)
	_ transfer.SinkFactory   = (*SinkFactory)(nil)
	_ Uploader               = (*manager.Uploader)(nil)
)
