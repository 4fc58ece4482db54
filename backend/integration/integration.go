// Package integration embeds the support-chat relay into a host
// application. The host supplies its own store, router and optionally
// its own auth middleware; the relay mounts its realtime channel and
// REST surface alongside the host's existing routes.
package integration

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/supportchat/relay/backend/handlers"
	"github.com/supportchat/relay/backend/media"
	"github.com/supportchat/relay/backend/middleware"
	"github.com/supportchat/relay/backend/relay"
	"github.com/supportchat/relay/backend/storage"
)

// RelayIntegration provides the support-chat relay as a plugin for a
// larger application.
type RelayIntegration struct {
	store storage.Store
	svc   *relay.Service
	rest  *handlers.Handler
	ws    *handlers.WSHandler
	log   *slog.Logger
}

// Config holds everything the host supplies to embed the relay.
type Config struct {
	Store    storage.Store
	Uploader media.Uploader
	Logger   *slog.Logger

	// AllowedOrigins restricts websocket upgrades to the listed browser
	// origins. Empty allows any.
	AllowedOrigins []string

	UploadFolder    string
	HistoryPageSize int64
	Client          relay.ClientConfig
}

// NewRelayIntegration wires the relay core against the host-provided
// store. Presence left over from a previous process is cleared so no
// record claims a connection that no longer exists.
func NewRelayIntegration(ctx context.Context, config *Config) (*RelayIntegration, error) {
	if config.Store == nil {
		return nil, &ValidationError{Message: "store is required"}
	}
	if config.Uploader == nil {
		return nil, &ValidationError{Message: "uploader is required"}
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	reg := relay.NewRegistry(config.Store)
	svc := relay.NewService(config.Store, reg, relay.NewRouter(reg, log), config.Uploader, log, relay.Options{
		HistoryPageSize: config.HistoryPageSize,
		UploadFolder:    config.UploadFolder,
	})
	n, err := svc.ResetPresence(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Info("cleared stale presence records", "count", n)
	}

	return &RelayIntegration{
		store: config.Store,
		svc:   svc,
		rest:  handlers.NewHandler(svc, config.Uploader, log, config.UploadFolder),
		ws:    handlers.NewWSHandler(svc, log, config.AllowedOrigins, config.Client),
		log:   log,
	}, nil
}

// RegisterRoutes adds the relay routes to an existing router.
// If authMiddleware is nil, the built-in identity-claim middleware is used.
func (i *RelayIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/support").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.RequireIdentity)
	}

	api.HandleFunc("/uploads", i.rest.Upload).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/messages", i.rest.History).Methods("GET", "OPTIONS")
	api.HandleFunc("/users/online", i.rest.OnlineUsers).Methods("GET", "OPTIONS")
	api.HandleFunc("/users/{identityId}/status", i.rest.SetStatus).Methods("POST", "OPTIONS")

	// Identification happens in-band on the socket, so the websocket
	// endpoint mounts outside the claim middleware.
	router.Handle("/ws/support", i.ws)
}

// Service returns the underlying relay core for direct host calls.
func (i *RelayIntegration) Service() *relay.Service {
	return i.svc
}

// Store returns the persistence gateway the relay was wired with.
func (i *RelayIntegration) Store() storage.Store {
	return i.store
}

// OnlineCount reports how many identities hold a live connection.
func (i *RelayIntegration) OnlineCount() int {
	return i.svc.Registry().LiveCount()
}

// ForceDisconnect releases an identity's live connection and marks it
// offline, for host-side moderation such as bans.
func (i *RelayIntegration) ForceDisconnect(ctx context.Context, identityID string) error {
	_, err := i.svc.SetStatus(ctx, identityID, false)
	return err
}

// ValidateSetup checks that the relay can reach its durable store.
func (i *RelayIntegration) ValidateSetup(ctx context.Context) error {
	return i.store.Ping(ctx)
}

// Shutdown closes all live relay connections and marks the directory
// offline. Call during host shutdown, before closing the store.
func (i *RelayIntegration) Shutdown(ctx context.Context) error {
	return i.svc.Shutdown(ctx)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
