package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/storage"
)

// Handle is a live connection endpoint the router pushes frames to. Push
// must never block; it reports false when the frame was dropped. Close
// releases the endpoint's outbound channel and must tolerate repeated
// calls.
type Handle interface {
	Push(frame []byte) bool
	Close()
}

// Target is one live connection eligible for a broadcast, with the role
// needed to policy-filter at delivery time.
type Target struct {
	Handle     Handle
	IdentityID string
	Role       models.Role
}

type liveEntry struct {
	handle Handle
	record models.PresenceRecord
}

// Registry tracks which identities are currently reachable and writes
// presence transitions through to the durable store. The live map is the
// single source of truth for reachability; the router never consults the
// database for it. All map access goes through one mutex.
type Registry struct {
	store storage.PresenceStore

	mu   sync.RWMutex
	live map[string]liveEntry
}

func NewRegistry(store storage.PresenceStore) *Registry {
	return &Registry{
		store: store,
		live:  make(map[string]liveEntry),
	}
}

// Register upserts the identity's durable record, marks it online and
// installs h as the identity's only live endpoint. A prior handle for the
// same identity is orphaned from routing but not closed; under a reconnect
// race the handle of the last completing call wins.
func (r *Registry) Register(ctx context.Context, id models.Identity, h Handle) (*models.PresenceRecord, error) {
	rec, err := r.store.UpsertPresence(ctx, id, true)
	if err != nil {
		return nil, fmt.Errorf("%w: register %s: %v", ErrPersistence, id.ID, err)
	}

	r.mu.Lock()
	r.live[id.ID] = liveEntry{handle: h, record: *rec}
	r.mu.Unlock()

	return rec, nil
}

// Unregister removes the live handle for an identity and marks its durable
// record offline. It only acts when h is still the identity's current
// handle; a superseded handle gets ErrStaleConnection and the record stays
// owned by the newer connection.
func (r *Registry) Unregister(ctx context.Context, identityID string, h Handle) (*models.PresenceRecord, error) {
	r.mu.Lock()
	entry, ok := r.live[identityID]
	if !ok || entry.handle != h {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStaleConnection, identityID)
	}
	delete(r.live, identityID)
	r.mu.Unlock()

	rec, err := r.store.SetOnline(ctx, identityID, false)
	if err != nil {
		// Routing already dropped the handle. Hand back the in-memory
		// snapshot so the offline transition can still be broadcast.
		fallback := entry.record
		fallback.Online = false
		fallback.LastSeenAt = time.Now().UTC()
		return &fallback, fmt.Errorf("%w: unregister %s: %v", ErrPersistence, identityID, err)
	}
	return rec, nil
}

// ForceOffline drops whatever handle an identity currently holds and marks
// its durable record offline. Used by the status endpoint to deactivate an
// identity regardless of which connection owns it. The dropped connection
// is not closed; its own disconnect later resolves as a stale handle.
func (r *Registry) ForceOffline(ctx context.Context, identityID string) (*models.PresenceRecord, error) {
	r.mu.Lock()
	delete(r.live, identityID)
	r.mu.Unlock()

	rec, err := r.store.SetOnline(ctx, identityID, false)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identityID)
		}
		return nil, fmt.Errorf("%w: force offline %s: %v", ErrPersistence, identityID, err)
	}
	return rec, nil
}

// LiveRecord returns the presence snapshot of a currently live identity.
func (r *Registry) LiveRecord(identityID string) (models.PresenceRecord, bool) {
	r.mu.RLock()
	entry, ok := r.live[identityID]
	r.mu.RUnlock()
	return entry.record, ok
}

// LookupLive returns the identity's current live handle, if any.
func (r *Registry) LookupLive(identityID string) (Handle, bool) {
	r.mu.RLock()
	entry, ok := r.live[identityID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Targets snapshots every live connection. The router iterates the
// snapshot outside the lock so a slow push never stalls the registry.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]Target, 0, len(r.live))
	for id, entry := range r.live {
		targets = append(targets, Target{
			Handle:     entry.handle,
			IdentityID: id,
			Role:       entry.record.Role,
		})
	}
	return targets
}

// LiveCount reports how many identities currently hold a live handle.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// CloseAll closes every live handle and empties the directory. For process
// shutdown; no presence broadcasts are sent and the durable records are
// left to the caller.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	entries := r.live
	r.live = make(map[string]liveEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.handle.Close()
	}
	return len(entries)
}

// ListVisible returns the presence records the viewer may observe,
// excluding the viewer itself. With onlineOnly it answers from the live
// map alone; otherwise it reads the durable directory.
func (r *Registry) ListVisible(ctx context.Context, viewerID string, viewerRole models.Role, onlineOnly bool) ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord

	if onlineOnly {
		r.mu.RLock()
		for id, entry := range r.live {
			if id == viewerID || !CanAddress(viewerRole, entry.record.Role) {
				continue
			}
			records = append(records, entry.record)
		}
		r.mu.RUnlock()
	} else {
		all, err := r.store.ListPresence(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("%w: list presence: %v", ErrPersistence, err)
		}
		for _, rec := range all {
			if rec.IdentityID == viewerID || !CanAddress(viewerRole, rec.Role) {
				continue
			}
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityID < records[j].IdentityID
	})
	return records, nil
}
