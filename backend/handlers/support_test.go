package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/supportchat/relay/backend/media"
	"github.com/supportchat/relay/backend/middleware"
	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/relay"
	"github.com/supportchat/relay/backend/storage"
)

// memStore backs the transport tests with an in-memory persistence
// gateway so every endpoint runs against the real service stack.
type memStore struct {
	mu       sync.Mutex
	presence map[string]models.PresenceRecord
	messages []models.Message

	failPing bool
}

func newMemStore() *memStore {
	return &memStore{presence: make(map[string]models.PresenceRecord)}
}

func (s *memStore) UpsertPresence(_ context.Context, id models.Identity, online bool) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.presence[id.ID]
	rec.IdentityID = id.ID
	rec.DisplayName = id.DisplayName
	rec.Role = id.Role
	rec.Email = id.Email
	rec.Online = online
	rec.LastSeenAt = time.Now().UTC()
	s.presence[id.ID] = rec
	out := rec
	return &out, nil
}

func (s *memStore) SetOnline(_ context.Context, identityID string, online bool) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.presence[identityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec.Online = online
	rec.LastSeenAt = time.Now().UTC()
	s.presence[identityID] = rec
	out := rec
	return &out, nil
}

func (s *memStore) GetPresence(_ context.Context, identityID string) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.presence[identityID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *memStore) ListPresence(_ context.Context, onlineOnly bool) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PresenceRecord
	for _, rec := range s.presence {
		if onlineOnly && !rec.Online {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (s *memStore) MarkAllOffline(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.presence {
		if rec.Online {
			rec.Online = false
			s.presence[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *memStore) InsertMessage(_ context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return msg, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int64, before *time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []models.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		page = append(page, m)
	}
	sort.Slice(page, func(i, j int) bool { return page[i].CreatedAt.Before(page[j].CreatedAt) })
	if limit > 0 && int64(len(page)) > limit {
		page = page[int64(len(page))-limit:]
	}
	return page, nil
}

func (s *memStore) MarkDelivered(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Delivered = true
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) MarkConversationRead(_ context.Context, conversationID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConversationID == conversationID && m.ReceiverID == readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPing {
		return errors.New("store unreachable")
	}
	return nil
}

func (s *memStore) Close(context.Context) error { return nil }

func (s *memStore) storedMessage(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeUploader stands in for the object-storage client.
type fakeUploader struct {
	mu         sync.Mutex
	fail       bool
	calls      int
	lastMime   string
	lastFolder string
	lastSize   int
}

func (u *fakeUploader) Upload(_ context.Context, data []byte, mimeType, folderHint string) (*media.Asset, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.lastMime = mimeType
	u.lastFolder = folderHint
	u.lastSize = len(data)
	if u.fail {
		return nil, errors.New("provider down")
	}
	return &media.Asset{
		URL:  "https://cdn.test/asset-1",
		Kind: media.KindFromMime(mimeType),
		Size: int64(len(data)),
	}, nil
}

type testRig struct {
	store *memStore
	up    *fakeUploader
	svc   *relay.Service
	srv   *httptest.Server
}

func newTestRig(t *testing.T, origins []string, cfg relay.ClientConfig) *testRig {
	t.Helper()
	store := newMemStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := relay.NewRegistry(store)
	up := &fakeUploader{}
	svc := relay.NewService(store, reg, relay.NewRouter(reg, log), up, log, relay.Options{
		HistoryPageSize: 50,
		UploadFolder:    "support-chat",
	})

	router := mux.NewRouter()
	RegisterRoutes(router, NewHandler(svc, up, log, "support-chat"), NewWSHandler(svc, log, origins, cfg))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testRig{store: store, up: up, svc: svc, srv: srv}
}

func (r *testRig) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

// wsClient drives one realtime connection from the client side.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *testRig) dial(t *testing.T) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, payload interface{}) {
	c.t.Helper()
	frame, err := models.MakeEvent(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsClient) next() models.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var ev models.Event
	require.NoError(c.t, json.Unmarshal(frame, &ev))
	return ev
}

// waitFor reads frames until the named event arrives, skipping unrelated
// traffic such as presence broadcasts.
func (c *wsClient) waitFor(event string) models.Event {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		ev := c.next()
		if ev.Event == event {
			return ev
		}
	}
	c.t.Fatalf("event %q never arrived", event)
	return models.Event{}
}

func (c *wsClient) identify(id models.Identity) models.IdentifiedEvent {
	c.t.Helper()
	c.send(models.EventIdentify, id)
	var ack models.IdentifiedEvent
	decodeInto(c.t, c.waitFor(models.EventIdentified), &ack)
	return ack
}

func decodeInto(t *testing.T, ev models.Event, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Data, v))
}

func testIdentity(id string, role models.Role) models.Identity {
	return models.Identity{
		ID:          id,
		DisplayName: strings.ToUpper(id),
		Role:        role,
		Email:       id + "@support.test",
	}
}

// doRequest performs one REST call with identity claim headers attached.
func (r *testRig) doRequest(t *testing.T, method, path string, id *models.Identity, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id != nil {
		req.Header.Set(middleware.HeaderIdentityID, id.ID)
		req.Header.Set(middleware.HeaderIdentityName, id.DisplayName)
		req.Header.Set(middleware.HeaderIdentityRole, string(id.Role))
		if id.Email != "" {
			req.Header.Set(middleware.HeaderIdentityEmail, id.Email)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
