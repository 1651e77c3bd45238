package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

const (
	localChatUserID   = "chat_user_id"
	localChatUsername = "chat_username"
	localChatContext  = "chat_request_ctx"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. The group must
// already be JWT protected.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID := middleware.UserID(c)
		if userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		c.Locals(localChatUserID, userID)
		c.Locals(localChatUsername, middleware.Username(c))
		c.Locals(localChatContext, requestContext(c))
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/rooms/:id/messages", h.history("room history", h.roomHistory))
	router.Get("/conversations/:id/messages", h.history("conversation history", h.conversationHistory))
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals(localChatUserID).(uint)
	if userID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"))
		_ = conn.Close()
		return
	}

	username, _ := conn.Locals(localChatUsername).(string)
	baseCtx, _ := conn.Locals(localChatContext).(context.Context)
	correlation := middleware.CorrelationIDFromContext(baseCtx)

	logger := h.logger.With().Uint("user_id", userID).Str("correlation_id", correlation).Logger()
	logger.Info().Msg("chat websocket connected")
	err := h.service.ServeConnection(conn, service.ChatConnectionOptions{
		UserID:        userID,
		Username:      username,
		CorrelationID: correlation,
		Context:       baseCtx,
	})
	if errors.Is(err, service.ErrChatShuttingDown) {
		logger.Info().Msg("chat websocket refused during shutdown")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	logger.Info().Msg("chat websocket disconnected")
}

// historyLoader fetches one page of a channel for userID.
type historyLoader func(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (messages interface{}, page int, hasMore bool, err error)

func (h *ChatHandler) roomHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (interface{}, int, bool, error) {
	page, err := h.service.RoomHistory(ctx, userID, query)
	return page.Messages, page.Page, page.HasMore, err
}

func (h *ChatHandler) conversationHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (interface{}, int, bool, error) {
	page, err := h.service.ConversationHistory(ctx, userID, query)
	return page.Messages, page.Page, page.HasMore, err
}

// history serves a paginated channel history with page metadata.
func (h *ChatHandler) history(label string, load historyLoader) fiber.Handler {
	return authenticated(func(c *fiber.Ctx, userID uint) error {
		id, err := pathID(c, "id")
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid id")
		}
		page, pageErr := queryInt(c, "page")
		limit, limitErr := queryInt(c, "limit")
		if pageErr != nil || limitErr != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid paging parameters")
		}

		query := dto.ChatHistoryQuery{ChannelID: id, Page: page, Limit: limit}
		if err := h.validator.Struct(query); err != nil {
			return h.historyError(c, err)
		}

		messages, current, hasMore, err := load(requestContext(c), userID, query)
		if err != nil {
			return h.historyError(c, err)
		}
		return utils.OK(c, messages, label, fiber.Map{"page": current, "has_more": hasMore})
	})
}

func (h *ChatHandler) historyError(c *fiber.Ctx, err error) error {
	if details, ok := validationDetails(err); ok {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid history query", details)
	}
	if errors.Is(err, service.ErrChatNotMember) {
		return utils.SendError(c, fiber.StatusForbidden, "not a member of this channel")
	}
	requestLogger(h.logger, c).Error().Err(err).Msg("failed to load chat history")
	return utils.SendError(c, fiber.StatusInternalServerError, "failed to load history")
}
