package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const isolatedCounterTestRedisDB = 12

func TestParseStats(t *testing.T) {
	stats := parseStats(map[string]string{
		"2024-03-02|stripe|processed":      "3",
		"2024-03-01|stripe|duplicate":      "1",
		"2024-03-01|lemonsqueezy|rejected": "2",
		"2024-03-01|stripe|zero":           "0",
		"garbage":                          "9",
		"not-a-day|stripe|processed":       "1",
	})
	require.Len(t, stats, 3)
	assert.Equal(t, "lemonsqueezy", stats[0].Provider)
	assert.Equal(t, "duplicate", stats[1].Outcome)
	assert.Equal(t, int64(3), stats[2].Total)
	assert.Equal(t, 2, stats[2].Day.Day())
}

func TestField(t *testing.T) {
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-01|stripe|processed", field(day, billing.ProviderStripe, "processed"))
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     env.GetEnv("CACHE_HOST", "localhost") + ":" + env.GetEnv("CACHE_PORT", "6379"),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedCounterTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:counter_%d?mode=memory&cache=shared", time.Now().UnixNano())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BillingWebhookStat{}))
	return db
}

func TestWebhookCounterFlush(t *testing.T) {
	rdb := testRedis(t)
	db := testDB(t)
	c := NewWebhookCounter(rdb, db)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	c.Record(ctx, billing.ProviderStripe, "processed")
	c.Record(ctx, billing.ProviderStripe, "processed")
	c.Record(ctx, billing.ProviderLemonSqueezy, "duplicate")

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending["2024-03-01|stripe|processed"])

	require.NoError(t, c.Flush(ctx))
	c.Record(ctx, billing.ProviderStripe, "processed")
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Flush(ctx), "flushing an empty hash is a no-op")

	stats, err := c.Stats(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "lemonsqueezy", stats[0].Provider)
	assert.Equal(t, int64(1), stats[0].Total)
	assert.Equal(t, "stripe", stats[1].Provider)
	assert.Equal(t, int64(3), stats[1].Total)
}
