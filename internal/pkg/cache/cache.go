package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/internal/pkg/config"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

const planKeyPrefix = "billing:plan:"

// DefaultPlanTTL bounds how long a cached plan may lag behind a missed
// invalidation.
const DefaultPlanTTL = 10 * time.Minute

// New connects to the Dragonfly/Redis cache server. A failed ping is logged
// but not fatal; callers that need the cache check Ping themselves.
func New(cfg config.CacheConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to cache at %s", cfg.Addr())
	}
	return client
}

// PlanCache stores the effective plan per user.
type PlanCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPlanCache(client *redis.Client, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &PlanCache{client: client, ttl: ttl}
}

func planKey(userID string) string {
	return planKeyPrefix + userID
}

// GetPlan returns the cached plan and whether there was one.
func (c *PlanCache) GetPlan(ctx context.Context, userID string) (entitlements.Plan, bool, error) {
	val, err := c.client.Get(ctx, planKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return entitlements.PlanFree, false, nil
	}
	if err != nil {
		return entitlements.PlanFree, false, fmt.Errorf("get plan for %s: %w", userID, err)
	}
	return entitlements.ParsePlan(val), true, nil
}

func (c *PlanCache) SetPlan(ctx context.Context, userID string, plan entitlements.Plan) error {
	return c.client.Set(ctx, planKey(userID), string(plan), c.ttl).Err()
}

// Invalidate drops the cached plan so the next read goes to the database.
func (c *PlanCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, planKey(userID)).Err()
}
