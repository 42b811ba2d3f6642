package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

type WebhookRouter struct {
	controller *controllers.BillingController
	limit      int
	storage    fiber.Storage
}

// NewWebhookRouter limits each client to limit requests per minute. A nil
// storage keeps the limiter counters in memory.
func NewWebhookRouter(controller *controllers.BillingController, limit int, storage fiber.Storage) *WebhookRouter {
	return &WebhookRouter{controller: controller, limit: limit, storage: storage}
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	cfg := limiter.Config{
		Max:        h.limit,
		Expiration: time.Minute,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}
	if h.storage != nil {
		cfg.Storage = h.storage
	}

	webhooks := app.Group("/webhooks", limiter.New(cfg))
	webhooks.Post("/stripe", h.controller.HandleStripeWebhook)
	webhooks.Post("/lemonsqueezy", h.controller.HandleLemonSqueezyWebhook)
}

// NewLimiterStorage keeps limiter counters in Redis so every instance shares
// them. It uses the database after the cache database.
func NewLimiterStorage(cfg config.CacheConfig) *redisstorage.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.DB + 1, // Separate database for limiter counters
		Reset:    false,
	})
}
