package apiv1

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/POSBridge/internal/pkg/middleware"
)

// RegisterHandlers mounts the POS routes on a /api/v1 router
func RegisterHandlers(router fiber.Router, s *APIServer) {
	p := router.Group("/pos")

	p.Get("/health", s.GetHealth)
	p.Get("/restaurants/:id/health", s.GetRestaurantHealth)

	p.Post("/connections/:id/disconnect", s.PostDisconnect)
	p.Post("/connections/:id/sync/inventory", s.PostSyncInventory)
	p.Post("/connections/:id/sync/sales", s.PostSyncSales)

	p.Get("/:provider/connect", s.GetConnect)
	p.Get("/:provider/callback", s.GetCallback)
	p.Post("/:provider/webhook", s.PostWebhook)
}

// providerInbound matches requests a provider or its redirect sends to us.
func providerInbound(c *fiber.Ctx) bool {
	p := c.Path()
	return strings.HasSuffix(p, "/webhook") || strings.HasSuffix(p, "/callback")
}

// InstallRouter mounts the API group and the Prometheus endpoint. Requests other
// than provider callbacks and webhooks need one of apiKeys.
func InstallRouter(app *fiber.App, s *APIServer, apiKeys []string) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		// webhooks are exempt
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodPost && strings.HasSuffix(c.Path(), "/webhook")
		},
	}), middleware.APIKeyAuthMiddleware(middleware.APIKeyConfig{
		Keys: apiKeys,
		Next: providerInbound,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	RegisterHandlers(api.Group("/v1"), s)
}
