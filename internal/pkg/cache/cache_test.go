package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const isolatedCacheTestRedisDB = 13

// testClient returns a client on an isolated database or skips the test when
// no Redis is reachable.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost"}
	for _, host := range hosts {
		if host == "" {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr:     host + ":" + env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       isolatedCacheTestRedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			require.NoError(t, client.FlushDB(context.Background()).Err())
			t.Cleanup(func() {
				_ = client.FlushDB(context.Background()).Err()
				_ = client.Close()
			})
			return client
		}
		_ = client.Close()
	}
	t.Skip("Skipping Redis-dependent test: no reachable Redis endpoint")
	return nil
}

func TestPlanCacheRoundTrip(t *testing.T) {
	client := testClient(t)
	c := NewPlanCache(client, time.Minute)
	ctx := context.Background()

	_, ok, err := c.GetPlan(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetPlan(ctx, "user-1", entitlements.PlanPremiumMax))
	plan, ok, err := c.GetPlan(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, entitlements.PlanPremiumMax, plan)

	ttl, err := client.TTL(ctx, planKey("user-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Invalidate(ctx, "user-1"))
	_, ok, err = c.GetPlan(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlanKey(t *testing.T) {
	assert.Equal(t, "billing:plan:user-1", planKey("user-1"))
	assert.Equal(t, DefaultPlanTTL, NewPlanCache(nil, 0).ttl)
}
