package tresor

import (
	"errors"
	"fmt"

	"southwinds.dev/tresor/provider"
)

// Error taxonomy for the key and secret management core. Callers match with
// errors.Is; transient provider failures are retried internally against
// lower-priority providers before one of these surfaces. Error messages never
// carry raw key material, plaintext secret values or provider credentials.
var (
	// ErrNoCapableProvider means no registered backend advertises the
	// capability an operation requires. Selection fails closed. Aliases the
	// provider package sentinel so errors.Is matches across layers.
	ErrNoCapableProvider = provider.ErrNoCapableProvider

	// ErrProviderUnavailable marks a timeout or health failure on a backend
	// call. Retryable against the next provider in priority order.
	ErrProviderUnavailable = provider.ErrUnavailable

	ErrKeyNotFound    = errors.New("key not found")
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretExpired is returned when reading a secret past its expiry.
	ErrSecretExpired = errors.New("secret expired")

	// ErrSecretUnavailable is returned when a secret is in a lifecycle state
	// that does not permit the operation (rotating, deleted).
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrDecryptionFailed covers integrity tag mismatch and corrupted
	// envelopes. Never retried, never returns partial plaintext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrRotationConflict signals a concurrent rotation attempt on the same
	// entity. Callers may retry after backoff.
	ErrRotationConflict = errors.New("rotation conflict")

	// ErrAuditWriteFailed is fatal for the triggering operation: work that
	// cannot be audited is rolled back and reported as not completed.
	ErrAuditWriteFailed = errors.New("audit write failed")

	ErrClosed = errors.New("core is closed")
)

// OpError wraps a taxonomy error with the operation and entity it concerns.
type OpError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *OpError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, entityID string, err error) error {
	return &OpError{Op: op, EntityID: entityID, Err: err}
}
