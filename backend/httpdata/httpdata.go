package httpdata

import (
	"bytes"
	"cmp"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/pkg/retry"
	"github.com/c360/dataplane/transfer"
)

// Type is the data address type handled by this package
const Type = "HttpData"

// Address properties
const (
	BaseURLProperty     = "baseUrl"
	PathProperty        = "path"
	MethodProperty      = "method"
	QueryParamsProperty = "queryParams"
	MediaTypeProperty   = "mediaType"
	NameProperty        = "name"
	AuthKeyProperty     = "authKey"
	AuthCodeProperty    = "authCode"
)

// Request properties honoured by the source in addition to method,
// queryParams and mediaType
const (
	PathSegmentsProperty = "pathSegments"
	BodyProperty         = "body"
)

const (
	defaultPartName  = "data"
	defaultMediaType = "application/octet-stream"
)

// Config holds the HTTP client settings shared by sources and sinks
type Config struct {
	Timeout time.Duration
	Retry   errors.RetryConfig
	TLS     *tls.Config
}

// DefaultConfig returns a 30s timeout and the default retry policy
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   errors.DefaultRetryConfig(),
	}
}

// NewHTTPClient builds the client used by the factories
func NewHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if cfg.TLS != nil {
		client.Transport = &http.Transport{TLSClientConfig: cfg.TLS}
	}
	return client
}

// SourceFactory creates HTTP sources
type SourceFactory struct {
	client *http.Client
}

// NewSourceFactory returns a source factory sending requests with client
func NewSourceFactory(client *http.Client) *SourceFactory {
	if client == nil {
		client = NewHTTPClient(DefaultConfig())
	}
	return &SourceFactory{client: client}
}

// CanHandle reports whether the source address is an HttpData address
func (f *SourceFactory) CanHandle(req flow.Request) bool {
	return req.SourceAddress().Type() == Type
}

// Validate checks the base URL and query parameters of the source
func (f *SourceFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(validateAddress(req.SourceAddress(), "source",
		req.SourceAddress().Property(QueryParamsProperty), req.Property(QueryParamsProperty)))
}

// CreateSource resolves the outgoing request. No call is made until the
// part is opened.
func (f *SourceFactory) CreateSource(req flow.Request) (transfer.Source, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("httpdata.SourceFactory", res)
	}
	addr := req.SourceAddress()

	target, err := sourceURL(addr, req)
	if err != nil {
		return nil, errors.WrapFatal(err, "httpdata", "CreateSource", "build source url")
	}

	s := &Source{
		client:    f.client,
		method:    strings.ToUpper(cmp.Or(req.Property(MethodProperty), addr.Property(MethodProperty), http.MethodGet)),
		url:       target,
		name:      cmp.Or(addr.Property(NameProperty), partName(target.Path)),
		mediaType: cmp.Or(req.Property(MediaTypeProperty), addr.Property(MediaTypeProperty)),
		header:    authHeader(addr),
	}
	if body, ok := req.Properties()[BodyProperty]; ok {
		s.body = []byte(body)
	}
	return s, nil
}

func partName(p string) string {
	switch name := path.Base(p); name {
	case "/", ".":
		return defaultPartName
	default:
		return name
	}
}

// Source is the response body of one HTTP call
type Source struct {
	client    *http.Client
	method    string
	url       *url.URL
	name      string
	mediaType string
	body      []byte
	header    http.Header
}

// URL returns the resolved request URL
func (s *Source) URL() string { return s.url.String() }

// Method returns the resolved request method
func (s *Source) Method() string { return s.method }

// OpenParts yields a single part named after the last path element
func (s *Source) OpenParts(context.Context) (transfer.PartIterator, error) {
	return transfer.IterateParts(transfer.NewPart(s.name, s.open)), nil
}

// Close is a no-op; the response body is closed by the reader
func (s *Source) Close() error { return nil }

func (s *Source) open(ctx context.Context) (io.ReadCloser, error) {
	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.url.String(), body)
	if err != nil {
		return nil, errors.WrapFatal(err, "httpdata", "OpenPart", "build request")
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	if s.body != nil {
		req.Header.Set("Content-Type", cmp.Or(s.mediaType, defaultMediaType))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "httpdata", "OpenPart", "send request")
	}
	if err := statusError(resp, "OpenPart"); err != nil {
		drain(resp)
		return nil, err
	}
	return resp.Body, nil
}

// SinkFactory creates partitioned HTTP sinks
type SinkFactory struct {
	client *http.Client
	retry  errors.RetryConfig
	logger *slog.Logger
	opts   []transfer.SinkOption
}

// NewSinkFactory returns a sink factory. Each part upload is retried under rc.
func NewSinkFactory(client *http.Client, rc errors.RetryConfig, logger *slog.Logger, opts ...transfer.SinkOption) *SinkFactory {
	if client == nil {
		client = NewHTTPClient(DefaultConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkFactory{client: client, retry: rc, logger: logger, opts: opts}
}

// CanHandle reports whether the destination address is an HttpData address
func (f *SinkFactory) CanHandle(req flow.Request) bool {
	return req.DestinationAddress().Type() == Type
}

// Validate checks the destination base URL
func (f *SinkFactory) Validate(req flow.Request) transfer.Result {
	return transfer.ValidationResult(validateAddress(req.DestinationAddress(), "destination"))
}

// CreateSink returns a partitioned sink sending each part to the destination
func (f *SinkFactory) CreateSink(req flow.Request) (transfer.Sink, error) {
	if res := f.Validate(req); res.Failed() {
		return nil, transfer.InvalidCreate("httpdata.SinkFactory", res)
	}
	addr := req.DestinationAddress()
	base, err := url.Parse(addr.Property(BaseURLProperty))
	if err != nil {
		return nil, errors.WrapFatal(err, "httpdata", "CreateSink", "parse base url")
	}

	u := &uploader{
		client:    f.client,
		retry:     f.retry,
		logger:    f.logger.With("process_id", req.ProcessID()),
		base:      base,
		method:    strings.ToUpper(cmp.Or(addr.Property(MethodProperty), http.MethodPost)),
		mediaType: cmp.Or(addr.Property(MediaTypeProperty), defaultMediaType),
		header:    authHeader(addr),
	}
	return transfer.NewPartitionedSink(transfer.EachPart(u.send), f.opts...), nil
}

type uploader struct {
	client    *http.Client
	retry     errors.RetryConfig
	logger    *slog.Logger
	base      *url.URL
	method    string
	mediaType string
	header    http.Header
}

func (u *uploader) send(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.WrapTransient(err, "httpdata", "SendPart", "read part")
	}
	target := u.base.JoinPath(name).String()

	cfg := u.retry.ToRetryConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		u.logger.Debug("Retrying part upload", "part", name, "attempt", attempt, "delay", delay, "error", err)
	}
	err = retry.Do(ctx, cfg, func() error {
		err := u.sendOnce(ctx, target, data)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})

	var nre *retry.NonRetryableError
	switch {
	case stderrors.As(err, &nre):
		return nre.Err
	case err != nil && ctx.Err() != nil:
		return errors.WrapTransient(err, "httpdata", "SendPart", "send part")
	}
	return err
}

func (u *uploader) sendOnce(ctx context.Context, target string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, u.method, target, bytes.NewReader(data))
	if err != nil {
		return errors.WrapFatal(err, "httpdata", "SendPart", "build request")
	}
	for k, v := range u.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", u.mediaType)

	resp, err := u.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "httpdata", "SendPart", "send request")
	}
	defer drain(resp)
	return statusError(resp, "SendPart")
}

// statusError classifies a non-2xx response. Server errors and throttling
// are transient.
func statusError(resp *http.Response, method string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("HTTP %d from %s %s", resp.StatusCode, resp.Request.Method, resp.Request.URL.Redacted())
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.WrapTransient(err, "httpdata", method, "check response status")
	}
	return errors.WrapFatal(err, "httpdata", method, "check response status")
}

// drain reads and discards the body so the connection can be reused
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func validateAddress(addr flow.DataAddress, role string, queries ...string) error {
	if err := transfer.RequireProperties(addr, role, BaseURLProperty); err != nil {
		return err
	}
	u, err := url.Parse(addr.Property(BaseURLProperty))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s address of type %s has invalid %s %q", role, Type, BaseURLProperty, addr.Property(BaseURLProperty))
	}
	for _, q := range queries {
		if _, err := url.ParseQuery(q); err != nil {
			return fmt.Errorf("%s address of type %s has invalid query parameters: %w", role, Type, err)
		}
	}
	return nil
}

// sourceURL joins baseUrl with the request's pathSegments, or the address
// path when the request carries none, and merges the query parameters of
// both, request values last.
func sourceURL(addr flow.DataAddress, req flow.Request) (*url.URL, error) {
	u, err := url.Parse(addr.Property(BaseURLProperty))
	if err != nil {
		return nil, err
	}
	if segments := req.Property(PathSegmentsProperty); segments != "" {
		u = u.JoinPath(segments)
	} else if p := addr.Property(PathProperty); p != "" {
		u = u.JoinPath(p)
	}

	query := u.Query()
	for _, raw := range []string{addr.Property(QueryParamsProperty), req.Property(QueryParamsProperty)} {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			query[k] = v
		}
	}
	u.RawQuery = query.Encode()
	return u, nil
}

func authHeader(addr flow.DataAddress) http.Header {
	h := http.Header{}
	key, code := addr.Property(AuthKeyProperty), addr.Property(AuthCodeProperty)
	if key != "" && code != "" {
		h.Set(key, code)
	}
	return h
}

// NewBackend returns a backend moving HttpData sources into HttpData
// destinations
func NewBackend(cfg Config, logger *slog.Logger, opts ...transfer.SinkOption) *transfer.PipelineBackend {
	client := NewHTTPClient(cfg)
	return transfer.NewPipelineBackend("httpdata",
		[]transfer.SourceFactory{NewSourceFactory(client)},
		[]transfer.SinkFactory{NewSinkFactory(client, cfg.Retry, logger, opts...)},
		logger)
}

var (
	_ transfer.SourceFactory = (*SourceFactory)(nil)
	_ transfer.SinkFactory   = (*SinkFactory)(nil)
)
