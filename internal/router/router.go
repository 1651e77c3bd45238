package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	NotificationHandler *handler.NotificationHandler
	UploadHandler       *handler.UploadHandler
	Presence            handler.PresenceReader
	JWTMiddleware       fiber.Handler
	// RateLimitStorage shares HTTP rate limit counters; nil keeps them in memory.
	RateLimitStorage fiber.Storage
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Presence))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.Presence != nil {
		api.Get("/admin/presence", jwtMiddleware, middleware.WithAuth(
			handler.PresenceSnapshot(deps.Presence),
			middleware.AuthOptions{Roles: middleware.StaffRoles},
		))
	}

	chat := app.Group("/api/v2/chat", jwtMiddleware)

	// Attachments are registered ahead of the chat routes so the upload limiter
	// only applies to them.
	if deps.UploadHandler != nil {
		attachments := chat.Group("/attachments", middleware.RateLimit("chat-attachments", cfg.UploadRateLimit, time.Minute, deps.RateLimitStorage))
		deps.UploadHandler.Register(attachments)
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(chat)
	}

	if deps.NotificationHandler != nil {
		notifications := app.Group("/api/v2/notifications", jwtMiddleware)
		deps.NotificationHandler.Register(notifications)
	}
}
