package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/database"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/ratelimit"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/internal/router"
	"github.com/noah-isme/gema-realtime/internal/service"
	cloud "github.com/noah-isme/gema-realtime/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	var routeDeps router.Dependencies
	chatDeps := service.ChatDependencies{
		Messages:        repository.NewChatRepository(db),
		PrivateMessages: repository.NewPrivateMessageRepository(db),
		Rooms:           repository.NewRoomRepository(db),
		Conversations:   repository.NewConversationRepository(db),
		Reactions:       repository.NewReactionRepository(db),
		Users:           repository.NewUserRepository(db),
	}

	if cfg.RedisURL != "" {
		redisClient, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()

		chatDeps.Redis = redisClient
		chatDeps.Limiter = ratelimit.NewLimiter(redisClient, logger)
		routeDeps.RateLimitStorage = ratelimit.NewStorage(redisClient, cfg.ChatChannelBase+":rl:http:")
	} else {
		logger.Warn().Msg("redis url not set; chat rate limiting and last-message cache disabled")
	}

	var events service.EventPublisher
	if cfg.NATSURL != "" {
		natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()

		events = natsConn
		chatDeps.Events = natsConn
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	notificationService := service.NewNotificationService(repository.NewNotificationRepository(db), events, cfg.ChatChannelBase, validate, logger)
	chatDeps.Notifications = notificationService

	chatService := service.NewChatService(chatDeps, service.ChatConfig{
		ChannelBase:  cfg.ChatChannelBase,
		SendBuffer:   cfg.ChatSendBuffer,
		PingInterval: cfg.ChatPingInterval,
		MessageRule: ratelimit.Rule{
			Key:    ratelimit.ChatMessageRule(cfg.ChatChannelBase).Key,
			Limit:  cfg.ChatRateLimit,
			Window: cfg.ChatRateWindow,
		},
		RoomRule: ratelimit.ChatRoomRule(cfg.ChatChannelBase),
	}, validate, logger)

	var uploadHandler *handler.UploadHandler
	if cfg.CloudinaryEnabled() {
		storage, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		uploadService := service.NewUploadService(storage, repository.NewUploadRepository(db), cfg.UploadMaxSizeMB, logger)
		uploadHandler = handler.NewUploadHandler(uploadService, logger)
	} else {
		logger.Warn().Msg("cloudinary credentials not set; chat attachments disabled")
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.AllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	routeDeps.ChatHandler = handler.NewChatHandler(chatService, validate, logger)
	routeDeps.NotificationHandler = handler.NewNotificationHandler(notificationService, logger)
	routeDeps.UploadHandler = uploadHandler
	routeDeps.Presence = chatService
	routeDeps.JWTMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	router.Register(app, cfg, routeDeps)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, chatService, cfg, logger)
}

func waitForShutdown(app *fiber.App, chat service.ChatService, cfg config.Config, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := chat.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("chat sessions did not drain before the deadline")
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
