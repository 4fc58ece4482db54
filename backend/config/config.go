// Package config loads the relay's runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the relay configuration.
type Config struct {
	ServerPort string

	MongoURI string
	MongoDB  string

	// CORS and websocket origin checks.
	AllowedOrigins []string

	// Object-storage provider for attachments.
	UploadURL    string
	UploadAPIKey string
	UploadFolder string

	HistoryPageSize int64

	// Per-connection inbound event rate.
	EventRateRPS   float64
	EventRateBurst int

	// Outbound frame buffer per connection.
	SendBuffer int

	LogLevel string
}

// Load reads the configuration from environment variables, falling back to
// defaults for anything unset or unparsable.
func Load() Config {
	cfg := Config{
		ServerPort:      envOrDefault("SERVER_PORT", "8080"),
		MongoURI:        envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:         envOrDefault("MONGO_DB", "supportchat"),
		UploadURL:       os.Getenv("UPLOAD_URL"),
		UploadAPIKey:    os.Getenv("UPLOAD_API_KEY"),
		UploadFolder:    envOrDefault("UPLOAD_FOLDER", "support-chat"),
		HistoryPageSize: envInt64("HISTORY_PAGE_SIZE", 50),
		EventRateRPS:    envFloat("EVENT_RATE_RPS", 20),
		EventRateBurst:  envInt("EVENT_RATE_BURST", 40),
		SendBuffer:      envInt("SEND_BUFFER", 256),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
	}

	origins := envOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}
	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
