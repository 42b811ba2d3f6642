package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router registers one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the routers in order. Health checks come first so
// they bypass the limiter.
func InstallRouter(app *fiber.App, routers ...Router) {
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
