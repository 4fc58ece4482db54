package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/supportchat/relay/backend/middleware"
	"github.com/supportchat/relay/backend/telemetry"
)

// RegisterRoutes wires the relay's endpoints onto a router. The REST
// surface lives under /api behind identity claims; the websocket endpoint
// identifies in-band and stays outside the claim check.
func RegisterRoutes(router *mux.Router, h *Handler, ws http.Handler) {
	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireIdentity)
	api.HandleFunc("/uploads", h.Upload).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversationId}/messages", h.History).Methods(http.MethodGet)
	api.HandleFunc("/users/online", h.OnlineUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{identityId}/status", h.SetStatus).Methods(http.MethodPost)

	router.Handle("/ws", ws)
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
}
