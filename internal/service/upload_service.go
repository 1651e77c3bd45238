package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the detected content type is not accepted as an attachment.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadScanFailed indicates the archive inspection rejected the file.
	ErrUploadScanFailed = errors.New("file scanning failed")
	// ErrUploadMissingFile indicates no file was supplied.
	ErrUploadMissingFile = errors.New("file is required")
)

// attachmentTypes lists accepted content types beyond images.
var attachmentTypes = map[string]struct{}{
	"application/pdf": {},
	"application/zip": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
}

// zipExpansionLimit bounds how far an archive may inflate relative to the upload limit.
const zipExpansionLimit = 20

// FileStorage abstracts attachment destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService validates chat attachments and stores them.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, userID uint) (dto.UploadResponse, error)
}

type uploadService struct {
	storage FileStorage
	repo    repository.UploadRepository
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewUploadService constructs an upload service.
func NewUploadService(storage FileStorage, repo repository.UploadRepository, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &uploadService{
		storage: storage,
		repo:    repo,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) << 20,
		tracer:  otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/upload"),
	}
}

// attachment is a validated upload waiting to be stored.
type attachment struct {
	name     string
	mime     string
	payload  []byte
	checksum string
}

// Upload stores the attachment. Identical content uploaded again by the same
// user returns the earlier record instead of a second copy.
func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader, userID uint) (dto.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.attachment.upload",
		trace.WithAttributes(attribute.Int64("upload.max_bytes", s.maxSize), attribute.Int64("upload.user_id", int64(userID))))
	defer span.End()

	started := time.Now()
	defer func() { observability.UploadLatency().Observe(time.Since(started).Seconds()) }()

	item, reason, err := s.inspect(file)
	if err != nil {
		if reason == "" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return dto.UploadResponse{}, err
		}
		return dto.UploadResponse{}, s.reject(span, reason, err)
	}
	span.SetAttributes(
		attribute.String("upload.name", item.name),
		attribute.String("upload.mime", item.mime),
		attribute.Int("upload.size_bytes", len(item.payload)),
	)

	if existing, ok := s.previous(ctx, userID, item.checksum); ok {
		span.SetStatus(codes.Ok, "deduplicated")
		return dto.NewUploadResponse(existing), nil
	}

	url, err := s.storage.Upload(ctx, item.name, bytes.NewReader(item.payload))
	if err != nil {
		return dto.UploadResponse{}, s.reject(span, "storage", err)
	}

	record := models.UploadRecord{
		FileName:  item.name,
		URL:       url,
		MimeType:  item.mime,
		SizeBytes: int64(len(item.payload)),
		Checksum:  item.checksum,
	}
	if userID != 0 {
		record.UserID = &userID
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return dto.UploadResponse{}, err
	}

	observability.UploadRequests().WithLabelValues(dto.AttachmentMessageType(item.mime)).Inc()
	s.logger.Debug().Uint("user_id", userID).Str("mime", item.mime).Int("bytes", len(item.payload)).Msg("attachment stored")
	span.SetStatus(codes.Ok, "stored")
	return dto.NewUploadResponse(record), nil
}

// inspect reads and validates the multipart file. A non-empty reason marks a
// client-side rejection.
func (s *uploadService) inspect(file *multipart.FileHeader) (attachment, string, error) {
	if file == nil {
		return attachment{}, "missing", ErrUploadMissingFile
	}
	if file.Size > s.maxSize {
		return attachment{}, "size", ErrUploadTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		return attachment{}, "", err
	}
	defer handle.Close()

	payload, err := io.ReadAll(io.LimitReader(handle, s.maxSize+1))
	if err != nil {
		return attachment{}, "", err
	}
	if int64(len(payload)) > s.maxSize {
		return attachment{}, "size", ErrUploadTooLarge
	}

	kind := canonicalMime(mimetype.Detect(payload).String())
	if !acceptedMime(kind) {
		return attachment{}, "type", ErrUploadTypeNotAllowed
	}
	if err := s.scanArchive(payload, kind); err != nil {
		return attachment{}, "scan", err
	}

	sum := sha256.Sum256(payload)
	return attachment{
		name:     attachmentName(file.Filename),
		mime:     kind,
		payload:  payload,
		checksum: hex.EncodeToString(sum[:]),
	}, "", nil
}

func (s *uploadService) previous(ctx context.Context, userID uint, checksum string) (models.UploadRecord, bool) {
	if userID == 0 {
		return models.UploadRecord{}, false
	}
	record, err := s.repo.FindByChecksum(ctx, userID, checksum)
	if err == nil {
		return record, true
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("attachment checksum lookup failed")
	}
	return models.UploadRecord{}, false
}

func (s *uploadService) reject(span trace.Span, reason string, err error) error {
	observability.UploadRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

// scanArchive refuses zip payloads whose declared content would inflate past the expansion limit.
func (s *uploadService) scanArchive(payload []byte, kind string) error {
	if kind != "application/zip" {
		return nil
	}
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return ErrUploadScanFailed
	}
	limit := uint64(s.maxSize) * zipExpansionLimit
	var inflated uint64
	for _, entry := range reader.File {
		inflated += entry.UncompressedSize64
		if inflated > limit {
			return fmt.Errorf("archive expands past %d bytes: %w", limit, ErrUploadScanFailed)
		}
	}
	return nil
}

// attachmentName lowercases the stem and keeps only [a-z0-9_-], preserving the extension.
func attachmentName(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	stem := strings.ToLower(strings.TrimSuffix(original, filepath.Ext(original)))

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	stem = strings.Trim(b.String(), "-")
	if stem == "" {
		stem = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	if ext == "" {
		ext = ".bin"
	}
	return stem + ext
}

func canonicalMime(raw string) string {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if base, _, found := strings.Cut(kind, ";"); found {
		kind = strings.TrimSpace(base)
	}
	if kind == "application/x-zip-compressed" {
		return "application/zip"
	}
	return kind
}

func acceptedMime(kind string) bool {
	if strings.HasPrefix(kind, "image/") {
		return true
	}
	_, ok := attachmentTypes[kind]
	return ok
}
