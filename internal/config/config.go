package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	AllowOrigins           string
	DatabaseURL            string
	AutoMigrate            bool
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	ChatChannelBase        string
	ChatSendBuffer         int
	ChatPingInterval       time.Duration
	ChatRateLimit          int
	ChatRateWindow         time.Duration
	UploadMaxSizeMB        int
	UploadRateLimit        int
	ShutdownTimeout        time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether attachment storage credentials are present.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Realtime")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allow_origins", "*")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("cloudinary.folder", "gema/chat")
	v.SetDefault("chat.channel_base", "gema")
	v.SetDefault("chat.send_buffer", 64)
	v.SetDefault("chat.ping_interval", "30s")
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.rate_window", "10s")
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("upload.rate_limit", 10)
	v.SetDefault("app.shutdown_timeout", "10s")

	pingInterval, err := parseDuration(v, "chat.ping_interval")
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "chat.rate_window")
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := parseDuration(v, "app.shutdown_timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		AllowOrigins:           v.GetString("app.allow_origins"),
		DatabaseURL:            v.GetString("database.url"),
		AutoMigrate:            v.GetBool("database.auto_migrate"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		ChatChannelBase:        strings.TrimSpace(v.GetString("chat.channel_base")),
		ChatSendBuffer:         v.GetInt("chat.send_buffer"),
		ChatPingInterval:       pingInterval,
		ChatRateLimit:          v.GetInt("chat.rate_limit"),
		ChatRateWindow:         rateWindow,
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		UploadRateLimit:        v.GetInt("upload.rate_limit"),
		ShutdownTimeout:        shutdownTimeout,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.ChatSendBuffer <= 0 {
		cfg.ChatSendBuffer = 64
	}
	if cfg.ChatRateLimit <= 0 {
		cfg.ChatRateLimit = 20
	}
	if cfg.UploadMaxSizeMB <= 0 {
		cfg.UploadMaxSizeMB = 10
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}
