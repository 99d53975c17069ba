package dbtest

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	redistest "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisImage is the image of the Redis container. redisstore relies on Lua
// scripting, available in every supported release.
//
// See <https://hub.docker.com/_/redis> for more images.
const RedisImage = "docker.io/redis:7"

// SetupRedis starts a single-node Redis container and returns a client
// connected to its empty database 0. Both are released when t completes.
func SetupRedis(t *testing.T) *redis.Client {
	t.Helper()
	requireContainers(t)
	ctx := context.Background()

	container, err := redistest.Run(ctx, RedisImage, containerOptions(t, WithWaitForExposedPort())...)
	if err != nil {
		t.Fatal("Failed to run redis container:", err)
	}
	connString, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatal("Failed to get connection string:", err)
	}
	cleanupContainer(t, container, "redis", "Redis URL = "+connString)

	opts, err := redis.ParseURL(connString)
	if err != nil {
		t.Fatalf("Failed to parse connection string %q: %v", connString, err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the redis client:", err)
		}
	})

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := retry(t, ctx, "ping redis", ping); err != nil {
		t.Fatal("Failed to ping redis:", err)
	}
	return client
}
