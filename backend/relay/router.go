package relay

import (
	"log/slog"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/telemetry"
)

// DeliveryOutcome reports how a message reached, or failed to reach, its
// receiver over the live channel.
type DeliveryOutcome string

const (
	// Delivered means the message was pushed to the receiver's live
	// connection.
	Delivered DeliveryOutcome = "delivered"
	// QueuedForPull means the receiver had no live connection; the
	// persisted message waits for a later history fetch.
	QueuedForPull DeliveryOutcome = "queued-for-pull"
)

// Router fans events out to live connections. Every push is fire and
// forget, at most once: a push never blocks, never fails the calling
// operation and is never retried.
type Router struct {
	reg *Registry
	log *slog.Logger
}

func NewRouter(reg *Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, log: log}
}

// BroadcastPresence delivers a presence snapshot to every live connection
// except the subject's own. The visibility policy is applied per recipient
// at delivery time, so each connection only learns about roles it may
// observe.
func (rt *Router) BroadcastPresence(rec *models.PresenceRecord) {
	frame, err := models.MakeEvent(models.EventPresenceChanged, rec)
	if err != nil {
		rt.log.Error("encode presence event", "identity", rec.IdentityID, "err", err)
		return
	}
	for _, t := range rt.reg.Targets() {
		if t.IdentityID == rec.IdentityID || !CanAddress(t.Role, rec.Role) {
			continue
		}
		rt.push(t.Handle, t.IdentityID, models.EventPresenceChanged, frame)
	}
	telemetry.PresenceBroadcasts.Inc()
}

// DeliverMessage pushes a persisted message to its receiver when the
// receiver is live. The sender's own connection always gets a messageSent
// echo regardless of receiver reachability.
func (rt *Router) DeliverMessage(msg *models.Message) DeliveryOutcome {
	if echo, err := models.MakeEvent(models.EventMessageSent, msg); err == nil {
		if h, ok := rt.reg.LookupLive(msg.SenderID); ok {
			rt.push(h, msg.SenderID, models.EventMessageSent, echo)
		}
	}

	h, ok := rt.reg.LookupLive(msg.ReceiverID)
	if !ok {
		telemetry.Deliveries.WithLabelValues(string(QueuedForPull)).Inc()
		return QueuedForPull
	}
	frame, err := models.MakeEvent(models.EventMessageReceived, msg)
	if err != nil {
		rt.log.Error("encode message event", "message", msg.ID, "err", err)
		telemetry.Deliveries.WithLabelValues(string(QueuedForPull)).Inc()
		return QueuedForPull
	}
	if !rt.push(h, msg.ReceiverID, models.EventMessageReceived, frame) {
		telemetry.Deliveries.WithLabelValues(string(QueuedForPull)).Inc()
		return QueuedForPull
	}
	telemetry.Deliveries.WithLabelValues(string(Delivered)).Inc()
	return Delivered
}

// SendTyping relays a typing indicator to its receiver, live or drop.
// Typing state is never persisted or retried.
func (rt *Router) SendTyping(receiverID string, ev models.TypingEvent) bool {
	h, ok := rt.reg.LookupLive(receiverID)
	if !ok {
		return false
	}
	frame, err := models.MakeEvent(models.EventTypingChanged, ev)
	if err != nil {
		return false
	}
	return rt.push(h, receiverID, models.EventTypingChanged, frame)
}

// SendReadReceipt notifies a sender that their conversation was read, live
// or drop.
func (rt *Router) SendReadReceipt(receiverID string, ev models.ReadReceiptEvent) bool {
	h, ok := rt.reg.LookupLive(receiverID)
	if !ok {
		return false
	}
	frame, err := models.MakeEvent(models.EventReadReceipt, ev)
	if err != nil {
		return false
	}
	return rt.push(h, receiverID, models.EventReadReceipt, frame)
}

func (rt *Router) push(h Handle, identityID, event string, frame []byte) bool {
	if !h.Push(frame) {
		telemetry.FramesDropped.Inc()
		rt.log.Warn("dropped outbound frame", "event", event, "identity", identityID)
		return false
	}
	return true
}
