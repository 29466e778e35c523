package natsclient

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv gates tests that start containers.
const IntegrationEnv = "INTEGRATION_TESTS"

const defaultServerImage = "nats:2.11.7-alpine"

// SkipUnlessIntegration skips t unless INTEGRATION_TESTS is set.
func SkipUnlessIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("set %s=1 to run container tests", IntegrationEnv)
	}
}

// TestClient is a connected client backed by a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string
}

// StartServer runs a NATS container for the life of t and returns its URL.
func StartServer(t testing.TB, image string) string {
	t.Helper()
	if image == "" {
		image = defaultServerImage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			).WithDeadline(30 * time.Second),
		},
		Started: true,
	})
	if container != nil {
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	}
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve nats endpoint: %v", err)
	}
	return endpoint
}

// NewTestClient starts a server and connects a client to it. Extra options
// are applied after the test defaults.
func NewTestClient(t testing.TB, opts ...ClientOption) *TestClient {
	t.Helper()
	url := StartServer(t, "")

	opts = append([]ClientOption{
		WithName(fmt.Sprintf("test-%s", t.Name())),
		WithTimeout(5 * time.Second),
		WithMaxReconnects(0),
		WithConnectAttempts(3),
	}, opts...)
	client, err := NewClient(url, opts...)
	if err != nil {
		t.Fatalf("create nats client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{Client: client, URL: url}
}
