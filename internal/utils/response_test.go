package utils_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/utils"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func TestResponseEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		handler fiber.Handler
		status  int
		success bool
		message string
		data    string
		meta    string
		details string
	}{
		{
			name: "history_page",
			handler: func(c *fiber.Ctx) error {
				return utils.OK(c, []int{3, 4}, "", fiber.Map{"page": 2, "has_more": false})
			},
			status: fiber.StatusOK, success: true, message: "success",
			data: `[3,4]`, meta: `{"has_more":false,"page":2}`,
		},
		{
			name: "created_upload",
			handler: func(c *fiber.Ctx) error {
				return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachment uploaded", fiber.Map{"url": "https://cdn"})
			},
			status: fiber.StatusCreated, success: true, message: "attachment uploaded",
			data: `{"url":"https://cdn"}`,
		},
		{
			name: "validation_failure",
			handler: func(c *fiber.Ctx) error {
				return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", map[string]string{"roomId": "required"})
			},
			status: fiber.StatusBadRequest, message: "invalid payload",
			details: `{"roomId":"required"}`,
		},
		{
			name: "plain_error",
			handler: func(c *fiber.Ctx) error {
				return utils.SendError(c, fiber.StatusForbidden, "")
			},
			status: fiber.StatusForbidden, message: "error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", tc.handler)

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)

			var body envelope
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tc.success, body.Success)
			require.Equal(t, tc.message, body.Message)
			assertJSON(t, tc.data, body.Data)
			assertJSON(t, tc.meta, body.Meta)
			assertJSON(t, tc.details, body.Details)
		})
	}
}

func assertJSON(t *testing.T, expected string, actual json.RawMessage) {
	t.Helper()
	if expected == "" {
		require.Empty(t, actual, "field is omitted")
		return
	}
	require.JSONEq(t, expected, string(actual))
}
