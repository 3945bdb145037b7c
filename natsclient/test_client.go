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

// TestClient runs a NATS server in a container and connects a Client to it.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

type testConfig struct {
	jetstream    bool
	kvBuckets    []string
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures a TestClient
type TestOption func(*testConfig)

// WithJetStream enables JetStream on the server
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithKVBuckets enables JetStream and pre-creates buckets
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// NewSharedTestClient starts a container for use from TestMain.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		terminate()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	tc := &TestClient{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())
			terminate()
		},
	}
	for _, bucket := range cfg.kvBuckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			tc.cleanup()
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
		}
	}
	return tc, nil
}

// NewTestClient starts a container that is terminated when t finishes.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("NATS test client: %v", err)
	}
	t.Cleanup(tc.cleanup)
	return tc
}

// Terminate stops the client and the container. It is idempotent.
func (tc *TestClient) Terminate() {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = nil
	}
}

// KVStore returns a KVStore over bucket, creating the bucket if needed.
func (tc *TestClient) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 5})
	if err != nil {
		return nil, err
	}
	return tc.Client.NewKVStore(kv), nil
}
