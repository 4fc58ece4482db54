package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/supportchat/relay/backend/models"
	"github.com/supportchat/relay/backend/telemetry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Ping period; must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// Largest accepted inbound frame, sized for base64 attachments riding
	// the send payload.
	maxFrameBytes = 8 << 20

	defaultSendBuffer = 256
)

// ClientConfig tunes one realtime connection.
type ClientConfig struct {
	// SendBuffer is the outbound frame buffer. A connection that lets it
	// fill up is dropped rather than back-pressured.
	SendBuffer int
	// RateRPS and RateBurst bound inbound events per connection. A zero
	// RateRPS disables throttling.
	RateRPS   float64
	RateBurst int
}

// Client is one realtime connection. It owns the websocket, pumps frames
// in both directions and dispatches inbound events into the Service.
// Events are dispatched sequentially in arrival order, which is what
// keeps per-sender message order.
type Client struct {
	svc     *Service
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *rate.Limiter

	// identity is bound by a successful identify and only touched by the
	// read loop.
	identity *models.Identity

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(svc *Service, conn *websocket.Conn, log *slog.Logger, cfg ClientConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &Client{
		svc:     svc,
		conn:    conn,
		log:     log.With("conn", uuid.NewString()),
		limiter: limiter,
		send:    make(chan []byte, buffer),
	}
}

// Push queues a frame for delivery without blocking. A full buffer closes
// the connection: the peer is too slow for the fire-and-forget contract,
// and undelivered flags simply stay false.
func (c *Client) Push(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// Close releases the outbound channel; the write pump sends a close frame
// and exits, and the read loop tears the connection down. Safe to call
// from any goroutine, any number of times.
func (c *Client) Close() {
	c.closeSend()
}

// Run services the connection until it closes, then releases the identity.
// It blocks the calling handler goroutine.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.closeSend()
		if c.identity != nil {
			// The request context died with the connection; the offline
			// write still has to happen.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.svc.Disconnect(dctx, c.identity.ID, c)
			cancel()
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.log.Warn("read frame", "err", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(CodeRateLimited, "event rate exceeded")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	// One event per websocket message; consumers never have to split
	// frames.
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and runs the named operation. Every
// failure flows back to this connection as an error event; nothing here
// can take the relay down.
func (c *Client) dispatch(ctx context.Context, frame []byte) {
	var ev models.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		c.sendError(CodeBadEvent, "malformed event envelope")
		return
	}
	telemetry.EventsIn.WithLabelValues(ev.Event).Inc()

	if ev.Event != models.EventIdentify && c.identity == nil {
		c.sendError(CodeUnidentified, "identify first")
		return
	}

	switch ev.Event {
	case models.EventIdentify:
		c.handleIdentify(ctx, ev.Data)
	case models.EventSend:
		var p models.SendPayload
		if !c.decode(ev.Data, &p) {
			return
		}
		if _, err := c.svc.Send(ctx, *c.identity, p); err != nil {
			c.fail("send", err)
		}
	case models.EventFetchHistory:
		var p models.HistoryPayload
		if !c.decode(ev.Data, &p) {
			return
		}
		conversationID, msgs, err := c.svc.FetchHistory(ctx, *c.identity, p)
		if err != nil {
			c.fail("fetch history", err)
			return
		}
		c.reply(models.EventHistoryLoaded, models.HistoryEvent{
			ConversationID: conversationID,
			Messages:       msgs,
		})
	case models.EventTyping:
		var p models.TypingPayload
		if !c.decode(ev.Data, &p) {
			return
		}
		if err := c.svc.Typing(*c.identity, p); err != nil {
			c.fail("typing", err)
		}
	case models.EventMarkRead:
		var p models.MarkReadPayload
		if !c.decode(ev.Data, &p) {
			return
		}
		if _, err := c.svc.MarkRead(ctx, *c.identity, p.ConversationID); err != nil {
			c.fail("mark read", err)
		}
	case models.EventListOnline:
		var p models.ListOnlinePayload
		if !c.decode(ev.Data, &p) {
			return
		}
		users, err := c.svc.ListOnline(ctx, *c.identity, p)
		if err != nil {
			c.fail("list online", err)
			return
		}
		c.reply(models.EventOnlineUsers, models.OnlineUsersEvent{Users: users})
	default:
		c.sendError(CodeBadEvent, "unknown event "+ev.Event)
	}
}

func (c *Client) handleIdentify(ctx context.Context, data json.RawMessage) {
	if c.identity != nil {
		c.sendError(CodeBadEvent, "connection already identified")
		return
	}
	var id models.Identity
	if !c.decode(data, &id) {
		return
	}
	rec, roster, err := c.svc.Identify(ctx, id, c)
	if err != nil {
		c.fail("identify", err)
		return
	}
	c.identity = &id
	c.reply(models.EventIdentified, models.IdentifiedEvent{Self: rec, Online: roster})
}

func (c *Client) decode(data json.RawMessage, v interface{}) bool {
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.sendError(CodeBadEvent, "malformed payload")
		return false
	}
	return true
}

func (c *Client) reply(event string, payload interface{}) {
	frame, err := models.MakeEvent(event, payload)
	if err != nil {
		c.log.Error("encode reply", "event", event, "err", err)
		return
	}
	c.Push(frame)
}

// fail reports an operation failure back to this connection. Stale-handle
// noise is swallowed; everything else becomes an error event. Store and
// internal error text stays in the logs, never on the wire.
func (c *Client) fail(op string, err error) {
	if errors.Is(err, ErrStaleConnection) {
		return
	}
	code := ErrorCode(err)
	msg := err.Error()
	switch code {
	case CodeInternal, CodePersistenceFailure:
		c.log.Error(op, "err", err)
		msg = op + " failed"
	default:
		c.log.Debug(op+" rejected", "err", err)
	}
	c.sendError(code, msg)
}

func (c *Client) sendError(code, message string) {
	telemetry.ErrorEvents.WithLabelValues(code).Inc()
	c.reply(models.EventError, models.ErrorEvent{Code: code, Message: message})
}
