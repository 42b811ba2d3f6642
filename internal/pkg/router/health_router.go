package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type HealthRouter struct {
	checks map[string]HealthCheck
}

func NewHealthRouter(checks map[string]HealthCheck) *HealthRouter {
	return &HealthRouter{checks: checks}
}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handle)
}

func (h HealthRouter) handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	result := fiber.Map{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = fiber.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	return c.Status(status).JSON(fiber.Map{"ok": status == fiber.StatusOK, "checks": result})
}
