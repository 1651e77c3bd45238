package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// attachmentField is the multipart field carrying the file.
const attachmentField = "file"

// UploadHandler accepts chat attachments. The response carries the URL and
// message type a client puts into send_message.
type UploadHandler struct {
	service service.UploadService
	logger  zerolog.Logger
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(service service.UploadService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service: service,
		logger:  logger.With().Str("component", "upload_handler").Logger(),
	}
}

// Register wires upload routes.
func (h *UploadHandler) Register(router fiber.Router) {
	router.Post("", authenticated(h.attach))
}

func (h *UploadHandler) attach(c *fiber.Ctx, userID uint) error {
	file, err := c.FormFile(attachmentField)
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "file is required", fiber.Map{"field": attachmentField})
	}

	stored, err := h.service.Upload(requestContext(c), file, userID)
	if err != nil {
		return h.rejection(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachment stored", stored)
}

func (h *UploadHandler) rejection(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUploadTooLarge):
		status = fiber.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrUploadTypeNotAllowed):
		status = fiber.StatusUnsupportedMediaType
	case errors.Is(err, service.ErrUploadScanFailed), errors.Is(err, service.ErrUploadMissingFile):
		status = fiber.StatusBadRequest
	}
	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Msg("attachment upload failed")
		return utils.SendError(c, status, "upload failed")
	}
	return utils.SendError(c, status, err.Error())
}
