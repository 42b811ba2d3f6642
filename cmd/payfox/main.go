package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/archive"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
)

// Application bundles the HTTP server with its background workers.
type Application struct {
	App     *fiber.App
	cfg     *config.Config
	db      *gorm.DB
	redis   *redis.Client
	manager *jobqueue.Manager
	counter *counter.WebhookCounter
}

func main() {
	if err := env.SetupEnvFile(); err != nil {
		log.Warnf("[Main] %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	application, err := NewApplication(cfg)
	if err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("[Main] Shutting down...")
		if err := application.App.ShutdownWithTimeout(cfg.RequestTimeout + 5*time.Second); err != nil {
			log.Errorf("[Main] HTTP shutdown: %v", err)
		}
	}()

	if err := application.App.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
		log.Errorf("[Main] %v", err)
	}
	application.Close()
}

func NewApplication(cfg *config.Config) (*Application, error) {
	db, err := database.Open(cfg.Database, cfg.IsDev())
	if err != nil {
		return nil, err
	}
	rdb := cache.New(cfg.Cache)

	// Optional collaborators stay nil interfaces when disabled.
	var payloadArchive billing.PayloadArchive
	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a, err := archive.NewS3Archive(ctx, cfg.Archive, cfg.AppEnv)
		cancel()
		if err != nil {
			return nil, err
		}
		payloadArchive = a
	}

	webhookCounter := counter.NewWebhookCounter(rdb, db)
	svc := billing.NewServiceFromConfig(db, cfg,
		mail.NewSMTPMailer(cfg.SMTP),
		cache.NewPlanCache(rdb, cache.DefaultPlanTTL),
		payloadArchive,
		webhookCounter,
	)

	manager := jobqueue.NewManager(jobqueue.NewQueue(rdb, cfg.Replay.Workers), svc, webhookCounter, cfg.Replay)
	if err := manager.Start(); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:   "PayFox",
		BodyLimit: 1 << 20, // provider payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat(cfg.DocsPath); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: cfg.DocsPath,
			Path:     "v1",
		}))
	} else {
		log.Warnf("[Main] OpenAPI document %s not found, docs disabled", cfg.DocsPath)
	}

	// ROUTER
	router.InstallRouter(app,
		router.NewHealthRouter(map[string]router.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
		router.NewWebhookRouter(
			controllers.NewBillingController(svc, cfg.RequestTimeout),
			cfg.Webhooks.RateLimit,
			router.NewLimiterStorage(cfg.Cache),
		),
		router.NewAdminRouter(
			controllers.NewAdminBillingController(svc, manager, webhookCounter, cfg.RequestTimeout),
			cfg.Admin.User,
			cfg.Admin.Password,
		),
	)

	return &Application{App: app, cfg: cfg, db: db, redis: rdb, manager: manager, counter: webhookCounter}, nil
}

// Close stops the workers and flushes what is still buffered.
func (a *Application) Close() {
	a.manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.counter.Flush(ctx); err != nil {
		log.Errorf("[Main] Final counter flush: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		log.Errorf("[Main] Redis close: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("[Main] Stopped")
}
