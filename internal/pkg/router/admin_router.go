package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/PayFox/app/controllers"
)

type AdminRouter struct {
	controller *controllers.AdminBillingController
	user       string
	password   string
}

func NewAdminRouter(controller *controllers.AdminBillingController, user, password string) *AdminRouter {
	return &AdminRouter{controller: controller, user: user, password: password}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	if h.user == "" || h.password == "" {
		log.Warn("[Router] ADMIN_USER/ADMIN_PASSWORD not set, admin API disabled")
		return
	}

	adminGroup := app.Group("/admin/billing", basicauth.New(basicauth.Config{
		Users: map[string]string{h.user: h.password},
		Unauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	}))

	// Dead letters
	adminGroup.Get("/failures", h.controller.HandleListFailures)
	adminGroup.Post("/failures/:id/replay", h.controller.HandleReplayFailure)

	// Events and background jobs
	adminGroup.Post("/events/:id/replay", h.controller.HandleReplayEvent)
	adminGroup.Get("/jobs/:id", h.controller.HandleJobStatus)

	adminGroup.Get("/reconciliation", h.controller.HandleReconciliation)
	adminGroup.Get("/users/:id/plan", h.controller.HandleUserPlan)
	adminGroup.Get("/stats", h.controller.HandleStats)
}
