package httpdata_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/backend/httpdata"
	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newRequest(t *testing.T, src, dst map[string]string, opts ...flow.Option) flow.Request {
	t.Helper()
	req, err := flow.NewRequest("http-1",
		flow.NewDataAddress(httpdata.Type, src),
		flow.NewDataAddress(httpdata.Type, dst),
		opts...)
	require.NoError(t, err)
	return req
}

type received struct {
	mu       sync.Mutex
	bodies   map[string]string
	headers  map[string]http.Header
	methods  map[string]string
	requests int32
}

func newReceiver() *received {
	return &received{bodies: map[string]string{}, headers: map[string]http.Header{}, methods: map[string]string{}}
}

func (r *received) handler(status func(n int32) int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&r.requests, 1)
		body, _ := io.ReadAll(req.Body)
		code := status(n)
		if code == http.StatusOK {
			r.mu.Lock()
			r.bodies[req.URL.Path] = string(body)
			r.headers[req.URL.Path] = req.Header.Clone()
			r.methods[req.URL.Path] = req.Method
			r.mu.Unlock()
		}
		w.WriteHeader(code)
	}
}

func alwaysOK(int32) int { return http.StatusOK }

func TestBackend_ProxiesSourceToSink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer upstream.Close()

	recv := newReceiver()
	downstream := httptest.NewServer(recv.handler(alwaysOK))
	defer downstream.Close()

	req := newRequest(t,
		map[string]string{
			httpdata.BaseURLProperty:     upstream.URL,
			httpdata.PathProperty:        "api/items",
			httpdata.QueryParamsProperty: "limit=10",
			httpdata.NameProperty:        "items.json",
			httpdata.AuthKeyProperty:     "X-Api-Key",
			httpdata.AuthCodeProperty:    "secret",
		},
		map[string]string{
			httpdata.BaseURLProperty:   downstream.URL + "/ingest",
			httpdata.MediaTypeProperty: "application/json",
		})

	backend := httpdata.NewBackend(httpdata.Config{Retry: fastRetry()}, nil)
	require.True(t, backend.Validate(req).Succeeded())

	res := backend.Transfer(context.Background(), req)
	require.True(t, res.Succeeded(), res.Message())

	recv.mu.Lock()
	defer recv.mu.Unlock()
	assert.Equal(t, `[{"id":1}]`, recv.bodies["/ingest/items.json"])
	assert.Equal(t, http.MethodPost, recv.methods["/ingest/items.json"])
	assert.Equal(t, "application/json", recv.headers["/ingest/items.json"].Get("Content-Type"))
}

func TestSource_RequestPropertiesOverrideAddress(t *testing.T) {
	req := newRequest(t,
		map[string]string{
			httpdata.BaseURLProperty:     "https://example.com/base",
			httpdata.PathProperty:        "ignored",
			httpdata.MethodProperty:      "GET",
			httpdata.QueryParamsProperty: "a=1&b=2",
		},
		map[string]string{httpdata.BaseURLProperty: "https://sink.example.com"},
		flow.WithProperties(map[string]string{
			httpdata.MethodProperty:       "post",
			httpdata.PathSegmentsProperty: "orders/42",
			httpdata.QueryParamsProperty:  "b=3",
			httpdata.BodyProperty:         `{"q":true}`,
		}))

	src, err := httpdata.NewSourceFactory(nil).CreateSource(req)
	require.NoError(t, err)

	s := src.(*httpdata.Source)
	assert.Equal(t, http.MethodPost, s.Method())
	assert.Equal(t, "https://example.com/base/orders/42?a=1&b=3", s.URL())
}

func TestSource_SendsBodyAndNamesPartFromPath(t *testing.T) {
	var gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotType = string(b), r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	req := newRequest(t,
		map[string]string{httpdata.BaseURLProperty: server.URL, httpdata.PathProperty: "reports/daily.csv"},
		map[string]string{httpdata.BaseURLProperty: server.URL},
		flow.WithProperties(map[string]string{
			httpdata.MethodProperty:    "PUT",
			httpdata.BodyProperty:      "payload",
			httpdata.MediaTypeProperty: "text/plain",
		}))

	src, err := httpdata.NewSourceFactory(server.Client()).CreateSource(req)
	require.NoError(t, err)

	parts, err := src.OpenParts(context.Background())
	require.NoError(t, err)
	part, err := parts.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "daily.csv", part.Name())

	rc, err := part.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, "ok", string(data))
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, "text/plain", gotType)

	_, err = parts.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSource_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found is fatal", http.StatusNotFound, false},
		{"unauthorized is fatal", http.StatusUnauthorized, false},
		{"server error is transient", http.StatusBadGateway, true},
		{"throttling is transient", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			req := newRequest(t,
				map[string]string{httpdata.BaseURLProperty: server.URL},
				map[string]string{httpdata.BaseURLProperty: server.URL})
			src, err := httpdata.NewSourceFactory(nil).CreateSource(req)
			require.NoError(t, err)

			parts, err := src.OpenParts(context.Background())
			require.NoError(t, err)
			part, err := parts.Next(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "data", part.Name())

			_, err = part.Open(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, !tt.transient, errors.IsFatal(err))
		})
	}
}

func TestSink_RetriesTransientFailures(t *testing.T) {
	recv := newReceiver()
	server := httptest.NewServer(recv.handler(func(n int32) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}))
	defer server.Close()

	req := newRequest(t,
		map[string]string{httpdata.BaseURLProperty: "http://unused.invalid"},
		map[string]string{httpdata.BaseURLProperty: server.URL})
	sink, err := httpdata.NewSinkFactory(server.Client(), fastRetry(), nil).CreateSink(req)
	require.NoError(t, err)

	res := sink.Transfer(context.Background(), transfer.StaticSource{Parts: []transfer.Part{
		transfer.BytesPart{PartName: "a.bin", Data: []byte("abc")},
	}})
	require.True(t, res.Succeeded(), res.Message())
	assert.EqualValues(t, 3, atomic.LoadInt32(&recv.requests))

	recv.mu.Lock()
	defer recv.mu.Unlock()
	assert.Equal(t, "abc", recv.bodies["/a.bin"])
}

func TestSink_ClientErrorIsNotRetried(t *testing.T) {
	recv := newReceiver()
	server := httptest.NewServer(recv.handler(func(int32) int { return http.StatusBadRequest }))
	defer server.Close()

	req := newRequest(t,
		map[string]string{httpdata.BaseURLProperty: "http://unused.invalid"},
		map[string]string{httpdata.BaseURLProperty: server.URL})
	sink, err := httpdata.NewSinkFactory(nil, fastRetry(), nil).CreateSink(req)
	require.NoError(t, err)

	res := sink.Transfer(context.Background(), transfer.StaticSource{Parts: []transfer.Part{
		transfer.BytesPart{PartName: "a.bin", Data: []byte("abc")},
	}})
	require.True(t, res.Failed())
	assert.Contains(t, res.Message(), "HTTP 400")
	assert.NotContains(t, res.Message(), "non-retryable")
	assert.EqualValues(t, 1, atomic.LoadInt32(&recv.requests))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  map[string]string
		dst  map[string]string
		ok   bool
	}{
		{"valid", map[string]string{httpdata.BaseURLProperty: "http://a"}, map[string]string{httpdata.BaseURLProperty: "https://b"}, true},
		{"missing source url", map[string]string{}, map[string]string{httpdata.BaseURLProperty: "https://b"}, false},
		{"unsupported scheme", map[string]string{httpdata.BaseURLProperty: "ftp://a"}, map[string]string{httpdata.BaseURLProperty: "https://b"}, false},
		{"bad query", map[string]string{httpdata.BaseURLProperty: "http://a", httpdata.QueryParamsProperty: "%zz"}, map[string]string{httpdata.BaseURLProperty: "https://b"}, false},
		{"missing sink url", map[string]string{httpdata.BaseURLProperty: "http://a"}, map[string]string{}, false},
	}

	backend := httpdata.NewBackend(httpdata.DefaultConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := backend.Validate(newRequest(t, tt.src, tt.dst))
			assert.Equal(t, tt.ok, res.Succeeded(), res.Message())
			if !tt.ok {
				assert.Equal(t, transfer.StatusFatal, res.Status)
			}
		})
	}
}
