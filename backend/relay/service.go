// Package relay implements the realtime core: the presence registry,
// the role-based routing engine and the message lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supportchat/relay/backend/media"
	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/storage"
	"github.com/supportchat/relay/backend/telemetry"
)

const defaultHistoryPageSize = 50

// Options tunes a Service.
type Options struct {
	// HistoryPageSize caps history fetches and fills in missing limits.
	HistoryPageSize int64
	// UploadFolder is the folder hint handed to the object-storage
	// provider with every attachment.
	UploadFolder string
}

// Service orchestrates the relay operations: identity attach/detach with
// presence broadcast, the send lifecycle (validate, resolve, persist,
// route, best-effort mark delivered), history fetches, read receipts and
// typing relay.
type Service struct {
	store    storage.Store
	reg      *Registry
	router   *Router
	uploader media.Uploader
	log      *slog.Logger

	pageSize     int64
	uploadFolder string
}

func NewService(store storage.Store, reg *Registry, router *Router, uploader media.Uploader, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &Service{
		store:        store,
		reg:          reg,
		router:       router,
		uploader:     uploader,
		log:          log,
		pageSize:     pageSize,
		uploadFolder: opts.UploadFolder,
	}
}

// Registry exposes the live-connection registry, mainly to transports.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Identify binds an identity to a live connection handle. It upserts the
// durable presence record, broadcasts the online transition and returns
// the record together with the roster the caller may see.
func (s *Service) Identify(ctx context.Context, id models.Identity, h Handle) (*models.PresenceRecord, []models.PresenceRecord, error) {
	if id.ID == "" || !id.Role.Valid() {
		return nil, nil, fmt.Errorf("%w: identify requires an id and a valid role", ErrBadEvent)
	}
	if strings.Contains(id.ID, conversationSep) {
		return nil, nil, fmt.Errorf("%w: identity id %q", ErrBadEvent, id.ID)
	}

	rec, err := s.reg.Register(ctx, id, h)
	if err != nil {
		return nil, nil, err
	}
	telemetry.ConnectionsOpen.Set(float64(s.reg.LiveCount()))
	s.router.BroadcastPresence(rec)

	roster, err := s.reg.ListVisible(ctx, id.ID, id.Role, true)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("identity online", "identity", id.ID, "role", id.Role)
	return rec, roster, nil
}

// Disconnect releases a connection's claim on its identity. Stale handles
// are ignored silently; the identity stays owned by the newer connection.
func (s *Service) Disconnect(ctx context.Context, identityID string, h Handle) {
	rec, err := s.reg.Unregister(ctx, identityID, h)
	telemetry.ConnectionsOpen.Set(float64(s.reg.LiveCount()))
	if err != nil {
		if errors.Is(err, ErrStaleConnection) {
			return
		}
		// The handle is already out of routing; broadcast the offline
		// transition from the in-memory snapshot and log the failed write.
		s.log.Error("presence write on disconnect", "identity", identityID, "err", err)
	}
	if rec != nil {
		s.router.BroadcastPresence(rec)
		s.log.Info("identity offline", "identity", identityID)
	}
}

// Send runs the full message lifecycle. The message is observable nowhere
// until the durable write succeeds; routing and the delivered flag are
// best effort after that.
func (s *Service) Send(ctx context.Context, sender models.Identity, p models.SendPayload) (*models.Message, error) {
	if p.ReceiverID == "" {
		return nil, fmt.Errorf("%w: send requires receiver_id", ErrBadEvent)
	}
	if p.Body == "" && p.Attachment == nil {
		return nil, fmt.Errorf("%w: send requires a body or an attachment", ErrBadEvent)
	}

	conversationID, err := ConversationID(sender.ID, p.ReceiverID)
	if err != nil {
		return nil, err
	}

	receiver, err := s.store.GetPresence(ctx, p.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve receiver %s: %v", ErrPersistence, p.ReceiverID, err)
	}
	if receiver == nil {
		return nil, fmt.Errorf("%w: receiver %s has no directory record", ErrPolicyViolation, p.ReceiverID)
	}
	if !CanAddress(sender.Role, receiver.Role) {
		return nil, fmt.Errorf("%w: %s may not address %s", ErrPolicyViolation, sender.Role, receiver.Role)
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		ReceiverID:     receiver.IdentityID,
		ReceiverRole:   receiver.Role,
		Body:           p.Body,
		CreatedAt:      time.Now().UTC(),
	}

	if p.Attachment != nil {
		asset, err := s.uploader.Upload(ctx, p.Attachment.Data, p.Attachment.MimeType, s.uploadFolder)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		msg.Attachment = &models.Attachment{
			URL:  asset.URL,
			Name: p.Attachment.Name,
			Size: asset.Size,
			Kind: asset.Kind,
		}
	}

	if _, err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", ErrPersistence, err)
	}
	telemetry.MessagesSent.Inc()

	if outcome := s.router.DeliverMessage(msg); outcome == Delivered {
		if err := s.store.MarkDelivered(ctx, msg.ID); err != nil {
			// Peer already has the frame; the stale flag is resolved by the
			// receiver's next history fetch.
			s.log.Warn("mark delivered", "message", msg.ID, "err", err)
		} else {
			msg.Delivered = true
		}
	}

	s.log.Info("message relayed",
		"message", msg.ID,
		"conversation", msg.ConversationID,
		"from", msg.SenderID,
		"to", msg.ReceiverID,
		"delivered", msg.Delivered,
	)
	return msg, nil
}

// FetchHistory returns one page of a conversation, oldest message first.
// The caller selects the conversation either by id or by naming the peer.
func (s *Service) FetchHistory(ctx context.Context, caller models.Identity, p models.HistoryPayload) (string, []models.Message, error) {
	conversationID := p.ConversationID
	if conversationID == "" {
		if p.WithID == "" {
			return "", nil, fmt.Errorf("%w: history requires conversation_id or with_id", ErrBadEvent)
		}
		var err error
		conversationID, err = ConversationID(caller.ID, p.WithID)
		if err != nil {
			return "", nil, err
		}
	}

	if _, ok := ConversationPeer(conversationID, caller.ID); !ok {
		return "", nil, fmt.Errorf("%w: %s is not a participant of %s", ErrPolicyViolation, caller.ID, conversationID)
	}

	limit := p.Limit
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit, p.Before)
	if err != nil {
		return "", nil, fmt.Errorf("%w: list messages: %v", ErrPersistence, err)
	}
	return conversationID, msgs, nil
}

// MarkRead flips read on every message addressed to the reader in one
// conversation and notifies the other participant when reachable. Calling
// it again for the same state is a no-op.
func (s *Service) MarkRead(ctx context.Context, reader models.Identity, conversationID string) (int64, error) {
	peer, ok := ConversationPeer(conversationID, reader.ID)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a participant of %q", ErrPolicyViolation, reader.ID, conversationID)
	}

	count, err := s.store.MarkConversationRead(ctx, conversationID, reader.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: mark read: %v", ErrPersistence, err)
	}

	s.router.SendReadReceipt(peer, models.ReadReceiptEvent{
		ConversationID: conversationID,
		ReaderID:       reader.ID,
	})
	return count, nil
}

// Typing relays a typing indicator, live or drop. Nothing is persisted.
func (s *Service) Typing(sender models.Identity, p models.TypingPayload) error {
	if p.ReceiverID == "" {
		return fmt.Errorf("%w: typing requires receiver_id", ErrBadEvent)
	}
	rec, live := s.reg.LiveRecord(p.ReceiverID)
	if !live {
		return nil
	}
	if !CanAddress(sender.Role, rec.Role) {
		return fmt.Errorf("%w: %s may not address %s", ErrPolicyViolation, sender.Role, rec.Role)
	}
	s.router.SendTyping(p.ReceiverID, models.TypingEvent{
		SenderID: sender.ID,
		IsTyping: p.IsTyping,
	})
	return nil
}

// ListOnline answers a roster query for the caller, policy filtered and
// optionally narrowed to one role or widened to offline identities.
func (s *Service) ListOnline(ctx context.Context, viewer models.Identity, p models.ListOnlinePayload) ([]models.PresenceRecord, error) {
	records, err := s.reg.ListVisible(ctx, viewer.ID, viewer.Role, !p.IncludeOffline)
	if err != nil {
		return nil, err
	}
	if p.Role == "" {
		return records, nil
	}
	filtered := records[:0]
	for _, rec := range records {
		if rec.Role == p.Role {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// SetStatus deactivates or reactivates an identity's directory record.
// Deactivation also releases any live handle so routing stops targeting
// the identity immediately.
func (s *Service) SetStatus(ctx context.Context, identityID string, online bool) (*models.PresenceRecord, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: status requires an identity id", ErrBadEvent)
	}

	var rec *models.PresenceRecord
	var err error
	if online {
		rec, err = s.store.SetOnline(ctx, identityID, true)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identityID)
			}
			return nil, fmt.Errorf("%w: set status: %v", ErrPersistence, err)
		}
	} else {
		rec, err = s.reg.ForceOffline(ctx, identityID)
		if err != nil {
			return nil, err
		}
		telemetry.ConnectionsOpen.Set(float64(s.reg.LiveCount()))
	}

	s.router.BroadcastPresence(rec)
	s.log.Info("status updated", "identity", identityID, "online", online)
	return rec, nil
}

// ResetPresence marks every directory record offline. Run once at boot so
// no record claims a connection from a previous process.
func (s *Service) ResetPresence(ctx context.Context) (int64, error) {
	n, err := s.store.MarkAllOffline(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reset presence: %v", ErrPersistence, err)
	}
	if n > 0 {
		s.log.Info("presence reset", "records", n)
	}
	return n, nil
}

// Ping reports whether the durable store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown closes every live connection and marks the whole directory
// offline. For process shutdown; no presence broadcasts are sent.
func (s *Service) Shutdown(ctx context.Context) error {
	if n := s.reg.CloseAll(); n > 0 {
		s.log.Info("closed live connections", "count", n)
	}
	telemetry.ConnectionsOpen.Set(0)
	if _, err := s.store.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("%w: shutdown: %v", ErrPersistence, err)
	}
	return nil
}
