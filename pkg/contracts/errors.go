package contracts

import "errors"

// Broker error taxonomy. Callers match with errors.Is; producers wrap with %w
// so the offending value travels in the message.
var (
	// ErrInvalidPermission: a requested capability is not in the catalog.
	ErrInvalidPermission = errors.New("invalid permission")
	// ErrInvalidAuthCall: a malformed or untyped request reached the broker or
	// the consent surface.
	ErrInvalidAuthCall = errors.New("invalid auth call")
	// ErrMissingPermission: the origin was never granted a required capability.
	ErrMissingPermission = errors.New("missing permission")
	// ErrStorageCorrupt: a backing collection is structurally missing.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrMissingCallID: an inbound message carried no call identifier.
	ErrMissingCallID = errors.New("missing call id")
	// ErrSurfaceClosed: the interaction surface went away without answering.
	ErrSurfaceClosed = errors.New("interaction surface closed")
	// ErrRateLimited: the sender exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")
)

// Code maps an error onto the stable code carried in result envelopes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPermission):
		return "invalid_permission"
	case errors.Is(err, ErrInvalidAuthCall):
		return "invalid_auth_call"
	case errors.Is(err, ErrMissingPermission):
		return "missing_permission"
	case errors.Is(err, ErrStorageCorrupt):
		return "storage_corrupt"
	case errors.Is(err, ErrMissingCallID):
		return "missing_call_id"
	case errors.Is(err, ErrSurfaceClosed):
		return ReasonUserCancelled
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
