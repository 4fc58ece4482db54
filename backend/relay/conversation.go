package relay

import (
	"fmt"
	"strings"
)

// conversationSep joins the two participant ids inside a conversation id.
// Identity ids are caller-scoped opaque strings that never contain it.
const conversationSep = ":"

// ConversationID derives the stable conversation key for a participant
// pair. The pair is sorted before joining, so resolve(a,b) == resolve(b,a)
// and the key survives process restarts.
func ConversationID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: conversation requires two identities", ErrBadEvent)
	}
	if a == b {
		return "", fmt.Errorf("%w: conversation with self", ErrBadEvent)
	}
	if strings.Contains(a, conversationSep) || strings.Contains(b, conversationSep) {
		return "", fmt.Errorf("%w: identity id contains %q", ErrBadEvent, conversationSep)
	}
	if a > b {
		a, b = b, a
	}
	return a + conversationSep + b, nil
}

// ConversationParticipants inverts ConversationID, returning the sorted
// participant pair. ok is false when the key is not a valid pair.
func ConversationParticipants(conversationID string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(conversationID, conversationSep)
	if !ok || a == "" || b == "" || a == b || strings.Contains(b, conversationSep) {
		return "", "", false
	}
	return a, b, true
}

// ConversationPeer returns the other participant of a conversation, or
// false when the given identity is not a participant.
func ConversationPeer(conversationID, identityID string) (string, bool) {
	a, b, ok := ConversationParticipants(conversationID)
	if !ok {
		return "", false
	}
	switch identityID {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}
