package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/supportchat/relay/backend/relay"
)

// WSHandler upgrades HTTP requests into realtime connections and hands
// them to the relay. One handler goroutine services each connection's
// read side for its whole lifetime.
type WSHandler struct {
	svc       *relay.Service
	log       *slog.Logger
	clientCfg relay.ClientConfig
	upgrader  websocket.Upgrader
}

func NewWSHandler(svc *relay.Service, log *slog.Logger, allowedOrigins []string, clientCfg relay.ClientConfig) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &WSHandler{svc: svc, log: log, clientCfg: clientCfg}
	check := originChecker(allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if check(r) {
				return true
			}
			log.Warn("blocked websocket origin", "origin", r.Header.Get("Origin"))
			return false
		},
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade", "err", err)
		return
	}
	relay.NewClient(h.svc, conn, h.log, h.clientCfg).Run(r.Context())
}

// originChecker admits requests without an Origin header (non-browser
// clients) and browser requests whose normalized origin is configured.
// A single "*" entry admits everything.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(origin); ok {
			allowed[normalized] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		if allowAll {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		_, ok = allowed[normalized]
		return ok
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
