package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/handler"
)

type staticPresence []uint

func (p staticPresence) OnlineUsers() []uint { return p }

func TestHealthCheckReportsOnlineUsers(t *testing.T) {
	app := fiber.New()
	app.Get("/health", handler.HealthCheck(config.Config{AppName: "GEMA Realtime", AppEnv: "test"}, staticPresence{1, 4}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data handler.HealthResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, "ok", body.Data.Status)
	require.Equal(t, "GEMA Realtime", body.Data.Service)
	require.Equal(t, 2, body.Data.OnlineUsers)
}

func TestPresenceSnapshotNeverReturnsNull(t *testing.T) {
	app := fiber.New()
	app.Get("/presence", handler.PresenceSnapshot(staticPresence(nil)))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/presence", nil), -1)
	require.NoError(t, err)

	var body struct {
		Data handler.PresenceResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.NotNil(t, body.Data.UserIDs)
	require.Zero(t, body.Data.Count)
}
