package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

var errInvalidID = errors.New("invalid id")

// userHandler is a route handler that runs only for an authenticated caller.
type userHandler func(c *fiber.Ctx, userID uint) error

// authenticated rejects requests without a user id in locals.
func authenticated(next userHandler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		if userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		return next(c, userID)
	}
}

// queryInt reads an optional integer query parameter. Missing values yield 0.
func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func pathID(c *fiber.Ctx, key string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Params(key)), 10, 0)
	if err != nil || id == 0 {
		return 0, errInvalidID
	}
	return uint(id), nil
}

// requestContext returns the request's user context carrying its correlation id.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base.With().Str("path", c.Path()).Logger()
	if id := middleware.GetCorrelationID(c); id != "" {
		logger = logger.With().Str("correlation_id", id).Logger()
	}
	return &logger
}

// validationDetails maps each failed field to its validator tag. The bool is
// false when err is not a validation failure.
func validationDetails(err error) (map[string]string, bool) {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return nil, false
	}
	details := make(map[string]string, len(fields))
	for _, field := range fields {
		details[field.Field()] = field.Tag()
	}
	return details, true
}
