package handler_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/service"
)

type stubUploader struct {
	userID   uint
	filename string
	result   dto.UploadResponse
	err      error
}

func (s *stubUploader) Upload(_ context.Context, file *multipart.FileHeader, userID uint) (dto.UploadResponse, error) {
	s.userID = userID
	if file != nil {
		s.filename = file.Filename
	}
	return s.result, s.err
}

func uploadApp(svc service.UploadService, guards ...fiber.Handler) *fiber.App {
	app := fiber.New()
	handler.NewUploadHandler(svc, zerolog.New(io.Discard)).Register(app.Group("/api/v2/chat/attachments", guards...))
	return app
}

func attachmentRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, writer.WriteField("note", "no file"))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/chat/attachments", body)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())
	return req
}

func TestUploadHandlerStoresAttachment(t *testing.T) {
	svc := &stubUploader{result: dto.UploadResponse{
		ID:          3,
		URL:         "https://cdn.example.com/diagram.png",
		FileName:    "diagram.png",
		MimeType:    "image/png",
		MessageType: "image",
	}}

	resp, err := uploadApp(svc, asUser(7)).Test(attachmentRequest(t, "diagram.png", []byte("png")), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		Success bool               `json:"success"`
		Data    dto.UploadResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, "image", body.Data.MessageType)
	require.Equal(t, svc.result.URL, body.Data.URL)
	require.Equal(t, uint(7), svc.userID)
	require.Equal(t, "diagram.png", svc.filename)
}

func TestUploadHandlerStatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		guards   []fiber.Handler
		filename string
		err      error
		want     int
	}{
		{name: "anonymous", filename: "a.pdf", want: fiber.StatusUnauthorized},
		{name: "no_file", guards: []fiber.Handler{asUser(3)}, want: fiber.StatusBadRequest},
		{name: "too_large", guards: []fiber.Handler{asUser(3)}, filename: "a.pdf", err: service.ErrUploadTooLarge, want: fiber.StatusRequestEntityTooLarge},
		{name: "wrong_type", guards: []fiber.Handler{asUser(3)}, filename: "a.exe", err: service.ErrUploadTypeNotAllowed, want: fiber.StatusUnsupportedMediaType},
		{name: "scan", guards: []fiber.Handler{asUser(3)}, filename: "a.zip", err: service.ErrUploadScanFailed, want: fiber.StatusBadRequest},
		{name: "storage_down", guards: []fiber.Handler{asUser(3)}, filename: "a.pdf", err: errors.New("cloud unavailable"), want: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubUploader{err: tc.err}
			resp, err := uploadApp(svc, tc.guards...).Test(attachmentRequest(t, tc.filename, []byte("data")), -1)
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.StatusCode)
		})
	}
}
