package relay

import "errors"

// Sentinel errors for the relay's failure taxonomy. Operations wrap these
// with fmt.Errorf("...: %w", err) so callers can classify with errors.Is
// while logs keep the full chain.
var (
	// ErrPolicyViolation marks a send or lookup across a role pairing the
	// visibility policy forbids.
	ErrPolicyViolation = errors.New("relay: policy violation")

	// ErrPersistence marks a failed write to the message or presence store.
	ErrPersistence = errors.New("relay: persistence failure")

	// ErrUploadFailed marks a failed attachment hand-off to object storage.
	ErrUploadFailed = errors.New("relay: upload failed")

	// ErrUnknownIdentity marks an operation naming an identity with no
	// durable presence record.
	ErrUnknownIdentity = errors.New("relay: unknown identity")

	// ErrStaleConnection marks an unregister attempt by a handle that has
	// already been superseded by a newer connection.
	ErrStaleConnection = errors.New("relay: stale connection")

	// ErrUnidentified marks any operation attempted on a connection that
	// has not completed identify.
	ErrUnidentified = errors.New("relay: connection not identified")

	// ErrBadEvent marks a frame that failed validation before reaching any
	// store or route.
	ErrBadEvent = errors.New("relay: bad event")
)

// Wire codes sent inside error events. One code per sentinel; clients
// branch on these, never on message text.
const (
	CodePolicyViolation    = "policy_violation"
	CodePersistenceFailure = "persistence_failure"
	CodeUploadFailed       = "upload_failed"
	CodeUnknownIdentity    = "unknown_identity"
	CodeStaleConnection    = "stale_connection"
	CodeUnidentified       = "unidentified"
	CodeBadEvent           = "bad_event"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// ErrorCode maps an error chain to its wire code. Unrecognized errors
// collapse to the internal code so no backend detail leaks to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPolicyViolation):
		return CodePolicyViolation
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	case errors.Is(err, ErrUploadFailed):
		return CodeUploadFailed
	case errors.Is(err, ErrUnknownIdentity):
		return CodeUnknownIdentity
	case errors.Is(err, ErrStaleConnection):
		return CodeStaleConnection
	case errors.Is(err, ErrUnidentified):
		return CodeUnidentified
	case errors.Is(err, ErrBadEvent):
		return CodeBadEvent
	default:
		return CodeInternal
	}
}
