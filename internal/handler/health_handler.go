package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// PresenceReader exposes the online registry to HTTP handlers.
type PresenceReader interface {
	OnlineUsers() []uint
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	OnlineUsers int       `json:"online_users"`
}

// PresenceResponse lists the users that currently hold a live session.
type PresenceResponse struct {
	UserIDs []uint `json:"user_ids"`
	Count   int    `json:"count"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, presence PresenceReader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if presence != nil {
			payload.OnlineUsers = len(presence.OnlineUsers())
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

// PresenceSnapshot returns the ids of every connected user.
func PresenceSnapshot(presence PresenceReader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ids := presence.OnlineUsers()
		if ids == nil {
			ids = []uint{}
		}
		return utils.SendSuccess(c, "online users", PresenceResponse{UserIDs: ids, Count: len(ids)})
	}
}
