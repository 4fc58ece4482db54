package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportchat/relay/backend/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouterRig(t *testing.T) (*memStore, *Registry, *Router) {
	t.Helper()
	store := newMemStore()
	reg := NewRegistry(store)
	return store, reg, NewRouter(reg, quietLogger())
}

func registerHandle(t *testing.T, reg *Registry, id string, role models.Role) *fakeHandle {
	t.Helper()
	h := &fakeHandle{}
	_, err := reg.Register(context.Background(), testIdentity(id, role), h)
	require.NoError(t, err)
	return h
}

func TestBroadcastPresenceFiltersPerRecipient(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	admin := registerHandle(t, reg, "a1", models.RoleAdmin)
	sub := registerHandle(t, reg, "s1", models.RoleSubAdmin)
	user1 := registerHandle(t, reg, "u1", models.RoleUser)
	user2 := registerHandle(t, reg, "u2", models.RoleUser)

	rec, _ := reg.LiveRecord("u1")
	rt.BroadcastPresence(&rec)

	assert.Equal(t, 1, countEvents(admin.eventNames(), models.EventPresenceChanged), "admin observes users")
	assert.Equal(t, 1, countEvents(sub.eventNames(), models.EventPresenceChanged), "sub_admin observes users")
	assert.Zero(t, countEvents(user2.eventNames(), models.EventPresenceChanged), "a user never observes another user")
	assert.Zero(t, countEvents(user1.eventNames(), models.EventPresenceChanged), "the subject is excluded")
}

func TestBroadcastPresenceAdminSubjectSkipsSubAdmins(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	sub := registerHandle(t, reg, "s1", models.RoleSubAdmin)
	user := registerHandle(t, reg, "u1", models.RoleUser)
	registerHandle(t, reg, "a1", models.RoleAdmin)

	rec, _ := reg.LiveRecord("a1")
	rt.BroadcastPresence(&rec)

	assert.Equal(t, 1, countEvents(user.eventNames(), models.EventPresenceChanged), "users observe admins")
	assert.Zero(t, countEvents(sub.eventNames(), models.EventPresenceChanged), "sub_admins observe users only")
}

func testMessage(sender, receiver string, senderRole, receiverRole models.Role) *models.Message {
	conversationID, _ := ConversationID(sender, receiver)
	return &models.Message{
		ID:             "m-" + sender + "-" + receiver,
		ConversationID: conversationID,
		SenderID:       sender,
		SenderRole:     senderRole,
		ReceiverID:     receiver,
		ReceiverRole:   receiverRole,
		Body:           "hello",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestDeliverMessageReachesReceiverAndEchoesSender(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	sender := registerHandle(t, reg, "u1", models.RoleUser)
	receiver := registerHandle(t, reg, "a1", models.RoleAdmin)

	outcome := rt.DeliverMessage(testMessage("u1", "a1", models.RoleUser, models.RoleAdmin))

	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, 1, countEvents(receiver.eventNames(), models.EventMessageReceived))
	assert.Equal(t, 1, countEvents(sender.eventNames(), models.EventMessageSent))
	assert.Zero(t, countEvents(sender.eventNames(), models.EventMessageReceived))
}

func TestDeliverMessageOfflineReceiverStillEchoesSender(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	sender := registerHandle(t, reg, "u1", models.RoleUser)

	outcome := rt.DeliverMessage(testMessage("u1", "a1", models.RoleUser, models.RoleAdmin))

	assert.Equal(t, QueuedForPull, outcome)
	assert.Equal(t, 1, countEvents(sender.eventNames(), models.EventMessageSent))
}

func TestDeliverMessageSlowReceiverCountsAsQueued(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	registerHandle(t, reg, "u1", models.RoleUser)
	receiver := registerHandle(t, reg, "a1", models.RoleAdmin)
	receiver.full = true

	outcome := rt.DeliverMessage(testMessage("u1", "a1", models.RoleUser, models.RoleAdmin))
	assert.Equal(t, QueuedForPull, outcome)
}

func TestSendTypingLiveOrDrop(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	receiver := registerHandle(t, reg, "a1", models.RoleAdmin)

	assert.True(t, rt.SendTyping("a1", models.TypingEvent{SenderID: "u1", IsTyping: true}))
	assert.Equal(t, 1, countEvents(receiver.eventNames(), models.EventTypingChanged))

	assert.False(t, rt.SendTyping("ghost", models.TypingEvent{SenderID: "u1", IsTyping: true}))
}

func TestSendReadReceiptLiveOrDrop(t *testing.T) {
	_, reg, rt := newRouterRig(t)
	sender := registerHandle(t, reg, "u1", models.RoleUser)

	conversationID, err := ConversationID("u1", "a1")
	require.NoError(t, err)
	ev := models.ReadReceiptEvent{ConversationID: conversationID, ReaderID: "a1"}

	assert.True(t, rt.SendReadReceipt("u1", ev))
	assert.Equal(t, 1, countEvents(sender.eventNames(), models.EventReadReceipt))

	assert.False(t, rt.SendReadReceipt("offline-peer", ev))
}
