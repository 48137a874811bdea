package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/api"
	"github.com/c360/dataplane/backend/file"
	"github.com/c360/dataplane/dispatcher"
	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/events"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/health"
	"github.com/c360/dataplane/metric"
	"github.com/c360/dataplane/pkg/worker"
	"github.com/c360/dataplane/testutil"
	"github.com/c360/dataplane/transfer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubDispatcher answers every call with fixed values
type stubDispatcher struct {
	enqueueErr error
	validate   transfer.Result
	entry      flowstore.Entry
	statusErr  error
	enqueued   []flow.Request
}

func (s *stubDispatcher) Enqueue(_ context.Context, req flow.Request) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.enqueued = append(s.enqueued, req)
	return nil
}

func (s *stubDispatcher) Validate(flow.Request) transfer.Result { return s.validate }

func (s *stubDispatcher) TransferTo(context.Context, transfer.Sink, flow.Request) transfer.Result {
	return transfer.Failure(transfer.StatusFatal, "no source")
}

func (s *stubDispatcher) Status(context.Context, string) (flowstore.Entry, error) {
	return s.entry, s.statusErr
}

func newServer(t *testing.T, cfg api.Config, d api.Dispatcher, opts ...api.Option) *httptest.Server {
	t.Helper()
	srv, err := api.NewServer(cfg, d, append([]api.Option{api.WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func body(t *testing.T, req flow.Request) io.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func post(t *testing.T, url string, r io.Reader) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestEnqueue_AcceptsAndTracksTransfer(t *testing.T) {
	store := flowstore.NewMemoryStore()
	d, err := dispatcher.New(dispatcher.Config{QueueCapacity: 4, Workers: 1, WaitTimeout: 10 * time.Millisecond}, store,
		dispatcher.WithLogger(quiet))
	require.NoError(t, err)
	d.RegisterBackend(testutil.NewMockBackend("memory", testutil.MemoryType))
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	ts := newServer(t, api.Config{}, d)
	req := testutil.NewRequest(t, flow.WithProcessID("proc-42"))

	resp := post(t, ts.URL+"/api/v1/transfers", body(t, req))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var accepted api.AcceptedResponse
	decodeJSON(t, resp, &accepted)
	assert.Equal(t, api.AcceptedResponse{ID: req.ID(), ProcessID: "proc-42"}, accepted)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/transfers/proc-42")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entry flowstore.Entry
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&entry) != nil {
			return false
		}
		return entry.State == flowstore.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueue_RejectsInvalidRequests(t *testing.T) {
	stub := &stubDispatcher{}
	ts := newServer(t, api.Config{}, stub)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"malformed json", `{"id":`, "invalid"},
		{"missing destination", `{"id":"1","sourceDataAddress":{"type":"File"}}`, "destinationDataAddress"},
		{"empty type", `{"id":"1","sourceDataAddress":{"type":""},"destinationDataAddress":{"type":"File"}}`, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/api/v1/transfers", strings.NewReader(tt.payload))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out map[string]any
			decodeJSON(t, resp, &out)
			assert.Contains(t, out["error"], tt.want)
		})
	}
	assert.Empty(t, stub.enqueued)
}

func TestEnqueue_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"queue full", errors.WrapTransient(worker.ErrQueueFull, "Dispatcher", "Enqueue", "submit"), http.StatusServiceUnavailable, "transfer queue is full"},
		{"not started", errors.WrapTransient(errors.ErrNotStarted, "Dispatcher", "Enqueue", "check"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{"block timeout", errors.WrapTransient(context.DeadlineExceeded, "Dispatcher", "Enqueue", "wait"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{"pending process id", errors.WrapInvalid(errors.ErrLeaseConflict, "flowstore", "Enqueue", "enqueue entry"), http.StatusConflict, "transfer with this processId is already queued or in process"},
		{"store failure", errors.WrapFatal(errors.ErrStorageUnavailable, "flowstore", "Enqueue", "put"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newServer(t, api.Config{}, &stubDispatcher{enqueueErr: tt.err})
			resp := post(t, ts.URL+"/api/v1/transfers", body(t, testutil.NewRequest(t)))
			assert.Equal(t, tt.code, resp.StatusCode)

			var out map[string]any
			decodeJSON(t, resp, &out)
			assert.Equal(t, tt.msg, out["error"])
		})
	}
}

func TestEnqueue_RateLimited(t *testing.T) {
	ts := newServer(t, api.Config{RateLimit: 0.001, RateBurst: 1}, &stubDispatcher{})

	first := post(t, ts.URL+"/api/v1/transfers", body(t, testutil.NewRequest(t)))
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := post(t, ts.URL+"/api/v1/transfers", body(t, testutil.NewRequest(t)))
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
}

func TestEnqueue_BodyTooLarge(t *testing.T) {
	ts := newServer(t, api.Config{MaxRequestSize: 16}, &stubDispatcher{})
	resp := post(t, ts.URL+"/api/v1/transfers", body(t, testutil.NewRequest(t)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStatus_NotFound(t *testing.T) {
	store := flowstore.NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)

	ts := newServer(t, api.Config{}, &stubDispatcher{statusErr: err})
	resp, err := http.Get(ts.URL + "/api/v1/transfers/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidate(t *testing.T) {
	ts := newServer(t, api.Config{}, &stubDispatcher{validate: transfer.Success()})
	resp := post(t, ts.URL+"/api/v1/transfers/validate", body(t, testutil.NewRequest(t)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok api.ValidationResponse
	decodeJSON(t, resp, &ok)
	assert.True(t, ok.Valid)

	ts = newServer(t, api.Config{}, &stubDispatcher{validate: transfer.Failure(transfer.StatusFatal, "bucket is required")})
	resp = post(t, ts.URL+"/api/v1/transfers/validate", body(t, testutil.NewRequest(t)))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var failed api.ValidationResponse
	decodeJSON(t, resp, &failed)
	assert.Equal(t, api.ValidationResponse{Status: transfer.StatusFatal, Messages: []string{"bucket is required"}}, failed)
}

func TestPull_StreamsSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	d, err := dispatcher.New(dispatcher.DefaultConfig(), flowstore.NewMemoryStore(), dispatcher.WithLogger(quiet))
	require.NoError(t, err)
	d.RegisterBackend(file.NewBackend(quiet))
	ts := newServer(t, api.Config{}, d)

	req, err := flow.NewRequest("pull-1",
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: filepath.Join(dir, "hello.txt")}),
		flow.NewDataAddress("HttpProxy", nil))
	require.NoError(t, err)

	resp := post(t, ts.URL+"/api/v1/transfers/pull", body(t, req))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	missing, err := flow.NewRequest("pull-2",
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: filepath.Join(dir, "absent.txt")}),
		flow.NewDataAddress("HttpProxy", nil))
	require.NoError(t, err)
	resp = post(t, ts.URL+"/api/v1/transfers/pull", body(t, missing))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPull_NoProvider(t *testing.T) {
	ts := newServer(t, api.Config{}, &stubDispatcher{})
	resp := post(t, ts.URL+"/api/v1/transfers/pull", body(t, testutil.NewRequest(t)))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	monitor := health.NewMonitor("dataplane", time.Second)
	monitor.Register(health.CheckFunc{Component: "store", Fn: func(context.Context) health.Status {
		return health.Unhealthy("store", "bucket unavailable")
	}})
	registry := metric.NewMetricsRegistry()
	ts := newServer(t, api.Config{}, &stubDispatcher{}, api.WithHealth(monitor), api.WithMetricsRegistry(registry))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, health.StateUnhealthy, status.State)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestEvents_StreamFilteredByProcess(t *testing.T) {
	hub := api.NewHub(quiet, 8)
	ts := newServer(t, api.Config{}, &stubDispatcher{}, api.WithHub(hub))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/transfers/events?processId=p-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	hub.OnEvent(ctx, events.Event{Type: events.Started, ProcessID: "p-2"})
	hub.OnEvent(ctx, events.Event{Type: events.Completed, ProcessID: "p-1", Backend: "file"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.Completed, got.Type)
	assert.Equal(t, "p-1", got.ProcessID)

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "closing the hub disconnects clients")
}

func TestServer_StartStop(t *testing.T) {
	srv, err := api.NewServer(api.Config{Addr: "127.0.0.1:0"}, &stubDispatcher{}, api.WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), errors.ErrAlreadyStarted)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()), "stop is idempotent")
}

func TestNewServer_Validation(t *testing.T) {
	_, err := api.NewServer(api.Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = api.NewServer(api.Config{RateLimit: -1}, &stubDispatcher{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = api.NewServer(api.Config{TLS: api.DefaultConfig().TLS}, &stubDispatcher{})
	assert.NoError(t, err)
}
