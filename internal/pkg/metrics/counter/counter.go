package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

const webhookOutcomesKey = "billing:counters:webhooks"

// WebhookCounter counts webhook outcomes in a Redis hash and periodically
// flushes them into billing_webhook_stats.
type WebhookCounter struct {
	rdb *redis.Client
	db  *gorm.DB
	now func() time.Time
}

func NewWebhookCounter(rdb *redis.Client, db *gorm.DB) *WebhookCounter {
	return &WebhookCounter{rdb: rdb, db: db, now: func() time.Time { return time.Now().UTC() }}
}

// field encodes day, provider and outcome, e.g. "2024-03-01|stripe|processed".
func field(day time.Time, provider billing.Provider, outcome string) string {
	return day.Format(time.DateOnly) + "|" + string(provider) + "|" + outcome
}

// Record implements billing.OutcomeRecorder. Counting never fails a webhook.
func (c *WebhookCounter) Record(ctx context.Context, provider billing.Provider, outcome string) {
	if err := c.rdb.HIncrBy(ctx, webhookOutcomesKey, field(c.now(), provider, outcome), 1).Err(); err != nil {
		log.Warnf("[Counter] Could not count %s %s: %v", provider, outcome, err)
	}
}

// Pending returns the counts not yet flushed, keyed by "day|provider|outcome".
func (c *WebhookCounter) Pending(ctx context.Context) (map[string]int64, error) {
	data, err := c.rdb.HGetAll(ctx, webhookOutcomesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Flush drains the Redis hash into the database. The hash is renamed first
// so increments that arrive during the flush land in a fresh hash.
func (c *WebhookCounter) Flush(ctx context.Context) error {
	tmpKey := fmt.Sprintf("%s:tmp:%d", webhookOutcomesKey, c.now().UnixNano())
	if err := c.rdb.Rename(ctx, webhookOutcomesKey, tmpKey).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		return err
	}
	defer c.rdb.Del(context.WithoutCancel(ctx), tmpKey)

	data, err := c.rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	stats := parseStats(data)
	if len(stats) == 0 {
		return nil
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range stats {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "provider"}, {Name: "outcome"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total":      gorm.Expr("total + ?", stats[i].Total),
					"updated_at": c.now(),
				}),
			}).Create(&stats[i]).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Put the counts back so the next flush retries them.
		pipe := c.rdb.TxPipeline()
		for k, v := range data {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				pipe.HIncrBy(ctx, webhookOutcomesKey, k, n)
			}
		}
		if _, perr := pipe.Exec(ctx); perr != nil {
			log.Errorf("[Counter] Lost webhook counts after failed flush: %v", perr)
		}
		return err
	}
	log.Debugf("[Counter] Flushed %d webhook stat row(s)", len(stats))
	return nil
}

func parseStats(data map[string]string) []models.BillingWebhookStat {
	stats := make([]models.BillingWebhookStat, 0, len(data))
	for k, v := range data {
		parts := strings.SplitN(k, "|", 3)
		if len(parts) != 3 {
			continue
		}
		day, err := time.Parse(time.DateOnly, parts[0])
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		stats = append(stats, models.BillingWebhookStat{Day: day, Provider: parts[1], Outcome: parts[2], Total: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Outcome < b.Outcome
	})
	return stats
}

// Stats returns the flushed daily counts since the given day.
func (c *WebhookCounter) Stats(ctx context.Context, since time.Time) ([]models.BillingWebhookStat, error) {
	var stats []models.BillingWebhookStat
	err := c.db.WithContext(ctx).
		Where("day >= ?", since.Format(time.DateOnly)).
		Order("day ASC, provider ASC, outcome ASC").
		Find(&stats).Error
	return stats, err
}
