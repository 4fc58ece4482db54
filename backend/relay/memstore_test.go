package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/storage"
)

// memStore is an in-memory persistence gateway shared by the package
// tests. Failure toggles let tests exercise the abort paths.
type memStore struct {
	mu       sync.Mutex
	presence map[string]models.PresenceRecord
	messages []models.Message

	failUpsert bool
	failInsert bool
	failRead   bool
}

func newMemStore() *memStore {
	return &memStore{presence: make(map[string]models.PresenceRecord)}
}

func (s *memStore) UpsertPresence(_ context.Context, id models.Identity, online bool) (*models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return nil, errors.New("upsert refused")
	}
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
	if s.failInsert {
		return nil, errors.New("insert refused")
	}
	s.messages = append(s.messages, *msg)
	return msg, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int64, before *time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errors.New("find refused")
	}
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

func (s *memStore) Ping(context.Context) error  { return nil }
func (s *memStore) Close(context.Context) error { return nil }

// storedMessage returns a copy of the message with the given id.
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

// fakeHandle records every frame pushed to it.
type fakeHandle struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (h *fakeHandle) Push(frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full || h.closed {
		return false
	}
	h.frames = append(h.frames, frame)
	return true
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// eventNames decodes the recorded frames into their event names, in push
// order.
func (h *fakeHandle) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.frames))
	for _, f := range h.frames {
		var ev models.Event
		if json.Unmarshal(f, &ev) == nil {
			names = append(names, ev.Event)
		}
	}
	return names
}

// payloads returns the raw payloads of every recorded frame with the given
// event name.
func (h *fakeHandle) payloads(name string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []json.RawMessage
	for _, f := range h.frames {
		var ev models.Event
		if json.Unmarshal(f, &ev) == nil && ev.Event == name {
			out = append(out, ev.Data)
		}
	}
	return out
}

func countEvents(names []string, name string) int {
	var n int
	for _, v := range names {
		if v == name {
			n++
		}
	}
	return n
}
