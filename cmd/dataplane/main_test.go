package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/backend/file"
	"github.com/c360/dataplane/backend/httpdata"
	"github.com/c360/dataplane/config"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/transfer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fileRequest(t *testing.T, id, src, dst string) flow.Request {
	t.Helper()
	req, err := flow.NewRequest(id,
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: src}),
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: dst}))
	require.NoError(t, err)
	return req
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.NotContains(t, buf.String(), "hidden")

	buf.Reset()
	setupLogger("debug", "TEXT", &buf).Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
	assert.Contains(t, buf.String(), "source=")

	buf.Reset()
	setupLogger("nonsense", "", &buf).Debug("dropped")
	assert.Empty(t, buf.String(), "unknown levels fall back to info")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dataplane version "+Version)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	t.Run("defaults", func(t *testing.T) {
		out, err := execute(t, "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "configuration is valid")
	})

	t.Run("layered config", func(t *testing.T) {
		base := writeFile(t, dir, "base.yaml", "dispatcher:\n  workers: 2\n")
		over := writeFile(t, dir, "over.json", `{"dispatcher": {"backpressure": "block"}}`)
		out, err := execute(t, "validate", "--config", base, "-c", over)
		require.NoError(t, err)
		assert.Contains(t, out, "configuration is valid")
	})

	t.Run("invalid config", func(t *testing.T) {
		bad := writeFile(t, dir, "bad.json", `{"store": {"mode": "disk"}}`)
		_, err := execute(t, "validate", "--config", bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.mode")
	})

	t.Run("valid request", func(t *testing.T) {
		data, err := json.Marshal(fileRequest(t, "check-1", "/in", "/out"))
		require.NoError(t, err)
		reqPath := writeFile(t, dir, "request.json", string(data))

		out, err := execute(t, "validate", "--request", reqPath)
		require.NoError(t, err)
		assert.Contains(t, out, "request check-1 is valid")
	})

	t.Run("request without backend", func(t *testing.T) {
		req, err := flow.NewRequest("check-2",
			flow.NewDataAddress("Ftp", map[string]string{"host": "x"}),
			flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: "/out"}))
		require.NoError(t, err)
		data, err := json.Marshal(req)
		require.NoError(t, err)
		reqPath := writeFile(t, dir, "unhandled.json", string(data))

		out, err := execute(t, "validate", "--request", reqPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(transfer.StatusFatal))
		assert.Contains(t, out, " - ")
	})

	t.Run("objectstore request needs no connection", func(t *testing.T) {
		cfgPath := writeFile(t, dir, "objects.json", `{"backends": {"objectstore": {"enabled": true}}}`)
		req, err := flow.NewRequest("check-3",
			flow.NewDataAddress("NatsObjectStore", map[string]string{"bucket": "in", "objectName": "a.bin"}),
			flow.NewDataAddress("NatsObjectStore", map[string]string{"bucket": "out"}))
		require.NoError(t, err)
		data, err := json.Marshal(req)
		require.NoError(t, err)
		reqPath := writeFile(t, dir, "objects-request.json", string(data))

		out, err := execute(t, "validate", "--config", cfgPath, "--request", reqPath)
		require.NoError(t, err)
		assert.Contains(t, out, "request check-3 is valid")
	})
}

func TestResolveCLIConfig(t *testing.T) {
	t.Setenv("DATAPLANE_LOG_LEVEL", "debug")
	t.Setenv("DATAPLANE_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("DATAPLANE_CONFIG", "a.yaml b.json")

	root := newRootCommand(io.Discard)
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--log-format", "text"}))

	cli, err := resolveCLIConfig(serve)
	require.NoError(t, err)
	assert.Equal(t, "debug", cli.LogLevel, "environment fills unset flags")
	assert.Equal(t, "text", cli.LogFormat)
	assert.Equal(t, 5*time.Second, cli.ShutdownTimeout)
	assert.Equal(t, []string{"a.yaml", "b.json"}, cli.ConfigPaths)

	root = newRootCommand(io.Discard)
	serve, _, err = root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--log-level", "error"}))
	cli, err = resolveCLIConfig(serve)
	require.NoError(t, err)
	assert.Equal(t, "error", cli.LogLevel, "explicit flags beat the environment")
}

func backendNames(backends []transfer.Backend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return names
}

func TestBuildBackends(t *testing.T) {
	deps := backendDeps{logger: quietLogger()}

	t.Run("defaults", func(t *testing.T) {
		backends, err := buildBackends(config.Default(), deps)
		require.NoError(t, err)
		assert.Equal(t, []string{"file", "httpdata", "mixed"}, backendNames(backends))
	})

	t.Run("single family has no mixed backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backends.HTTP.Enabled = false
		backends, err := buildBackends(cfg, deps)
		require.NoError(t, err)
		assert.Equal(t, []string{"file"}, backendNames(backends))
	})

	t.Run("objectstore without buckets", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backends.ObjectStore.Enabled = true
		_, err := buildBackends(cfg, deps)
		require.Error(t, err)
	})

	t.Run("all families", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backends.S3.Enabled = true
		cfg.Backends.ObjectStore.Enabled = true
		withBuckets := deps
		withBuckets.buckets = offlineBuckets{}

		backends, err := buildBackends(cfg, withBuckets)
		require.NoError(t, err)
		assert.Equal(t, []string{"file", "httpdata", "amazons3", "objectstore", "mixed"}, backendNames(backends))

		req, err := flow.NewRequest("cross-1",
			flow.NewDataAddress(httpdata.Type, map[string]string{httpdata.BaseURLProperty: "https://example.com"}),
			flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: "/out"}))
		require.NoError(t, err)

		selected, ok := transfer.Select(req, transfer.NewRegistry(backends...), transfer.SelectFirst())
		require.True(t, ok)
		assert.Equal(t, "mixed", selected.Name())
	})
}

func TestConfigConversions(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatcher.Backpressure = "block"
	cfg.API.RateLimit = 3
	cfg.Security.Server.Enabled = true

	d := dispatcherConfig(cfg)
	assert.Equal(t, 100, d.QueueCapacity)
	assert.Equal(t, time.Second, d.WaitTimeout)
	assert.EqualValues(t, "block", d.Backpressure)
	require.NoError(t, d.Validate())

	a := apiConfig(cfg)
	assert.Equal(t, ":8181", a.Addr)
	assert.Equal(t, 30*time.Second, a.ReadTimeout)
	assert.InDelta(t, 3.0, a.RateLimit, 1e-9)
	assert.True(t, a.TLS.Enabled)

	// a KV store built without options opens the same bucket as the defaults
	assert.Equal(t, flowstore.DefaultBucket, cfg.Store.Bucket)
	assert.Equal(t, flowstore.DefaultHistory, cfg.Store.History)
}

func TestApp_FileTransferOverAPI(t *testing.T) {
	cfg := config.Default()
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Backends.HTTP.Enabled = false
	cfg.Dispatcher.WaitTimeout = config.Duration(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))
	defer func() { assert.NoError(t, a.shutdown(5*time.Second)) }()

	base := "http://" + a.api.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	writeFile(t, src, "a.txt", "alpha")
	writeFile(t, src, "b.txt", "beta")

	data, err := json.Marshal(fileRequest(t, "copy-1", src, dst))
	require.NoError(t, err)
	resp, err = http.Post(base+"/api/v1/transfers", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/transfers/copy-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entry flowstore.Entry
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&entry) != nil {
			return false
		}
		return entry.State == flowstore.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dst, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(metrics), "go_goroutines"))
}

func TestRunServe_ShutsDownOnCancel(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "serve.json", `{"api": {"addr": "127.0.0.1:0"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var logs bytes.Buffer
	cli := &CLIConfig{ConfigPaths: []string{cfgPath}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: 5 * time.Second}
	prev := slog.Default()
	defer slog.SetDefault(prev)

	require.NoError(t, runServe(ctx, cli, &logs))
	assert.Contains(t, logs.String(), "Dataplane started")
	assert.Contains(t, logs.String(), "Dataplane shutdown complete")
}
