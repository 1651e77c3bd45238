package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func correlationApp() *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c) + "|" + CorrelationIDFromContext(c.UserContext()))
	})
	return app
}

func TestCorrelationIDPropagatesIncomingHeader(t *testing.T) {
	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "req-42")

	resp, err := correlationApp().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, "req-42", resp.Header.Get(HeaderCorrelationID))
	require.Equal(t, "req-42|req-42", readBody(t, resp))
}

func TestCorrelationIDFallsBackToQueryThenGenerates(t *testing.T) {
	resp, err := correlationApp().Test(httptest.NewRequest(fiber.MethodGet, "/?cid=ws-7", nil), -1)
	require.NoError(t, err)
	require.Equal(t, "ws-7", resp.Header.Get(HeaderCorrelationID))

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "bad id\nwith newline")
	resp, err = correlationApp().Test(req, -1)
	require.NoError(t, err)
	generated := resp.Header.Get(HeaderCorrelationID)
	require.Len(t, generated, 36)
	require.NotContains(t, generated, " ")

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, strings.Repeat("a", maxCorrelationIDLength+1))
	resp, err = correlationApp().Test(req, -1)
	require.NoError(t, err)
	require.Len(t, resp.Header.Get(HeaderCorrelationID), 36)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
