package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRedisContainer wraps a Redis test container.
//
// Provides:
//   - Isolated Redis instance for session-backend tests
//   - Addr in host:port form, ready for redis.NewClient
//   - Automatic cleanup via t.Cleanup
type TestRedisContainer struct {
	Container testcontainers.Container
	Addr      string
}

// SetupRedis starts a redis:7-alpine container for testing.
//
// Cleanup is registered with tb.Cleanup, so the container terminates when
// the test (and its subtests) finish.
//
// Example:
//
//	rd := testutil.SetupRedis(t)
//	backend, err := session.NewRedis(ctx, rd.Addr, "", 0, logger)
//	require.NoError(t, err)
func SetupRedis(tb testing.TB) *TestRedisContainer {
	tb.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("Failed to start Redis container: %v", err)
	}
	tb.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		tb.Fatalf("Failed to get Redis container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		tb.Fatalf("Failed to get Redis container port: %v", err)
	}

	return &TestRedisContainer{
		Container: container,
		Addr:      fmt.Sprintf("%s:%s", host, port.Port()),
	}
}
