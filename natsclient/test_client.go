package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage          = "nats:2.11.7-alpine"
	testStartupTimeout = 30 * time.Second
	testConnectTimeout = 5 * time.Second
)

// TestClient is a Client connected to a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string
}

type testConfig struct {
	jetstream    bool
	objectStores []string
}

// TestOption configures NewTestClient
type TestOption func(*testConfig)

// WithJetStream starts the server with -js
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithObjectStores enables JetStream and creates the named object store
// buckets before the test runs.
func WithObjectStores(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.objectStores = append(cfg.objectStores, buckets...)
	}
}

// NewTestClient starts a NATS container for the duration of t. The test fails
// immediately if Docker is unavailable.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	var cfg testConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx := context.Background()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		cmd = append(cmd, "--js")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp").WithStartupTimeout(testStartupTimeout),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(testStartupTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := containerURL(ctx, container)
	if err != nil {
		t.Fatalf("nats container address: %v", err)
	}

	client, err := NewClient(url, WithTimeout(testConnectTimeout), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("nats client: %v", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, testConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	for _, bucket := range cfg.objectStores {
		if _, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket}); err != nil {
			t.Fatalf("create object store %s: %v", bucket, err)
		}
	}
	return &TestClient{Client: client, URL: url}
}

func containerURL(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}
