package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/supportchat/relay/backend/config"
	"github.com/supportchat/relay/backend/handlers"
	"github.com/supportchat/relay/backend/media"
	"github.com/supportchat/relay/backend/middleware"
	"github.com/supportchat/relay/backend/relay"
	mongostore "github.com/supportchat/relay/backend/storage/mongo"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// .env is a development convenience; the real environment wins.
	_ = godotenv.Load()
	cfg := config.Load()

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	store, err := connectStore(cfg, log)
	if err != nil {
		log.Error("connect store", "uri", cfg.MongoURI, "err", err)
		os.Exit(1)
	}

	uploader := media.NewHTTPUploader(cfg.UploadURL, cfg.UploadAPIKey)
	reg := relay.NewRegistry(store)
	svc := relay.NewService(store, reg, relay.NewRouter(reg, log), uploader, log, relay.Options{
		HistoryPageSize: cfg.HistoryPageSize,
		UploadFolder:    cfg.UploadFolder,
	})

	// Presence left over from a previous process would claim connections
	// that no longer exist.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), connectTimeout)
	n, err := svc.ResetPresence(bootCtx)
	cancelBoot()
	if err != nil {
		log.Error("reset presence", "err", err)
		os.Exit(1)
	}
	if n > 0 {
		log.Info("cleared stale presence records", "count", n)
	}

	router := mux.NewRouter()
	handlers.RegisterRoutes(router,
		handlers.NewHandler(svc, uploader, log, cfg.UploadFolder),
		handlers.NewWSHandler(svc, log, cfg.AllowedOrigins, relay.ClientConfig{
			SendBuffer: cfg.SendBuffer,
			RateRPS:    cfg.EventRateRPS,
			RateBurst:  cfg.EventRateBurst,
		}))

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			middleware.HeaderIdentityID,
			middleware.HeaderIdentityName,
			middleware.HeaderIdentityRole,
			middleware.HeaderIdentityEmail,
		},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsWrapper.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("relay listening", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve", "err", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "err", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("close connections", "err", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Warn("close store", "err", err)
	}
}

// connectStore dials the durable store with backoff so the relay survives
// starting before its database does.
func connectStore(cfg config.Config, log *slog.Logger) (*mongostore.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err == nil {
			if err = store.EnsureIndexes(ctx); err == nil {
				cancel()
				return store, nil
			}
			_ = store.Close(ctx)
		}
		cancel()
		lastErr = err
		log.Warn("store connect failed", "attempt", attempt, "err", err)
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	return nil, lastErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
