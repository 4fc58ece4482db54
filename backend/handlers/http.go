// Package handlers exposes the relay over HTTP: the websocket endpoint
// for the realtime channel and thin REST pass-throughs for uploads,
// history, the online directory and status updates.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/supportchat/relay/backend/media"
	"github.com/supportchat/relay/backend/middleware"
	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/relay"
)

// maxUploadBytes caps multipart uploads on the REST path.
const maxUploadBytes = 25 << 20

// Handler serves the REST endpoints. Every route expects identity claims
// installed by middleware.RequireIdentity.
type Handler struct {
	svc      *relay.Service
	uploader media.Uploader
	log      *slog.Logger
	folder   string
}

func NewHandler(svc *relay.Service, uploader media.Uploader, log *slog.Logger, uploadFolder string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, uploader: uploader, log: log, folder: uploadFolder}
}

// Upload stores one multipart file with the object-storage provider and
// returns the resulting asset.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetIdentity(r); !ok {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "multipart field \"file\" required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	asset, err := h.uploader.Upload(r.Context(), data, header.Header.Get("Content-Type"), h.folder)
	if err != nil {
		h.log.Error("upload", "name", header.Filename, "err", err)
		http.Error(w, "upload failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"url":  asset.URL,
		"kind": asset.Kind,
		"size": asset.Size,
		"name": header.Filename,
	})
}

// History returns one page of a conversation, oldest message first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetIdentity(r)
	if !ok {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}

	payload := models.HistoryPayload{
		ConversationID: mux.Vars(r)["conversationId"],
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			payload.Limit = n
		}
	}
	if v := r.URL.Query().Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "before must be RFC3339", http.StatusBadRequest)
			return
		}
		payload.Before = &ts
	}

	conversationID, msgs, err := h.svc.FetchHistory(r.Context(), caller, payload)
	if err != nil {
		h.fail(w, "fetch history", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"messages":        msgs,
		"count":           len(msgs),
	})
}

// OnlineUsers returns the directory slice visible to the caller.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetIdentity(r)
	if !ok {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}

	payload := models.ListOnlinePayload{
		Role:           models.Role(r.URL.Query().Get("role")),
		IncludeOffline: r.URL.Query().Get("include_offline") == "true",
	}
	users, err := h.svc.ListOnline(r.Context(), caller, payload)
	if err != nil {
		h.fail(w, "list online", err)
		return
	}
	if users == nil {
		users = []models.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// SetStatus deactivates or reactivates an identity. Callers may change
// their own status; changing someone else's takes the admin role.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetIdentity(r)
	if !ok {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}
	target := mux.Vars(r)["identityId"]
	if target != caller.ID && caller.Role != models.RoleAdmin {
		http.Error(w, "only admins may change another identity's status", http.StatusForbidden)
		return
	}

	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.svc.SetStatus(r.Context(), target, req.Online)
	if err != nil {
		h.fail(w, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Health reports whether the relay can reach its durable store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.log.Error("health", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail translates relay errors into HTTP responses, keeping store detail
// out of the body.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	body := op + " failed"
	switch {
	case errors.Is(err, relay.ErrBadEvent):
		status, body = http.StatusBadRequest, err.Error()
	case errors.Is(err, relay.ErrPolicyViolation):
		status, body = http.StatusForbidden, err.Error()
	case errors.Is(err, relay.ErrUnknownIdentity):
		status, body = http.StatusNotFound, err.Error()
	case errors.Is(err, relay.ErrUploadFailed):
		status = http.StatusBadGateway
	default:
		h.log.Error(op, "err", err)
	}
	http.Error(w, body, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
