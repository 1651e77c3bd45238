package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// NotificationHandler exposes the caller's notifications over HTTP. Live
// delivery happens on the chat socket.
type NotificationHandler struct {
	service service.NotificationService
	logger  zerolog.Logger
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service service.NotificationService, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", authenticated(h.list))
	router.Get("/unread-count", authenticated(h.unreadCount))
	router.Patch("/read-all", authenticated(h.markAllRead))
	router.Patch("/:id/read", authenticated(h.markRead))
}

func (h *NotificationHandler) list(c *fiber.Ctx, userID uint) error {
	var query dto.NotificationListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	offset, err := queryInt(c, "offset")
	if err != nil || offset < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	items, err := h.service.List(requestContext(c), userID, query, offset)
	if err != nil {
		if details, ok := validationDetails(err); ok {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid query", details)
		}
		return h.internal(c, err, "failed to load notifications")
	}
	return utils.OK(c, items, "notifications", fiber.Map{"offset": offset, "count": len(items)})
}

func (h *NotificationHandler) unreadCount(c *fiber.Ctx, userID uint) error {
	count, err := h.service.UnreadCount(requestContext(c), userID)
	if err != nil {
		return h.internal(c, err, "failed to count notifications")
	}
	return utils.SendSuccess(c, "unread notifications", dto.NotificationCountResponse{Count: count})
}

func (h *NotificationHandler) markRead(c *fiber.Ctx, userID uint) error {
	id, err := pathID(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid notification id")
	}

	notification, err := h.service.MarkRead(requestContext(c), id, userID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "notification not found")
	case err != nil:
		return h.internal(c, err, "failed to update notification")
	}
	return utils.SendSuccess(c, "notification updated", notification)
}

func (h *NotificationHandler) markAllRead(c *fiber.Ctx, userID uint) error {
	changed, err := h.service.MarkAllRead(requestContext(c), userID)
	if err != nil {
		return h.internal(c, err, "failed to update notifications")
	}
	return utils.SendSuccess(c, "notifications updated", fiber.Map{"updated": changed})
}

func (h *NotificationHandler) internal(c *fiber.Ctx, err error, message string) error {
	requestLogger(h.logger, c).Error().Err(err).Msg(message)
	return utils.SendError(c, fiber.StatusInternalServerError, message)
}
