//go:build integration

package pagination

import (
	"context"
	"testing"

	"github.com/Sternrassler/hubcache/internal/testutil"
	"github.com/Sternrassler/hubcache/pkg/cache"
	"github.com/Sternrassler/hubcache/pkg/client"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newRedisClient(t *testing.T, mock *testutil.MockAPI, redisClient *redis.Client) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig("TestApp/1.0.0 (integration@test.com)")
	cfg.BaseURL = mock.URL()
	cfg.Store = cache.NewRedisStore(redisClient, cache.RedisOptions{})
	cfg.Redis = redisClient

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestIntegration_ListingAcrossProcesses reads a listing with one client and
// again with a second one sharing the Redis store: the second pass is served
// entirely by revalidation.
func TestIntegration_ListingAcrossProcesses(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetListing("/users/octocat/repos", makeFiles(23))

	ctx := context.Background()

	first := newRedisClient(t, mock, redisClient)
	got1, err := listFiles(t, first, "/users/octocat/repos", ListOptions{PerPage: 5}).Collect(ctx)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	used := mock.QuotaUsed()
	if used != 5 {
		t.Errorf("first pass quota used = %d, want 5", used)
	}

	mock.Reset()

	second := newRedisClient(t, mock, redisClient)
	got2, err := listFiles(t, second, "/users/octocat/repos", ListOptions{PerPage: 5}).Collect(ctx)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	if len(got2) != len(got1) {
		t.Fatalf("second pass items = %d, want %d", len(got2), len(got1))
	}
	if n := mock.GetConditionalCount(); n != 5 {
		t.Errorf("conditional requests = %d, want 5", n)
	}
	if n := mock.GetFullResponses(); n != 0 {
		t.Errorf("full responses = %d, want 0", n)
	}
	if delta := mock.QuotaUsed() - used; delta != 0 {
		t.Errorf("second pass quota used = %d, want 0", delta)
	}
}
