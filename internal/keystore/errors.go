package keystore

import "errors"

var (
	// ErrSigningAborted is returned when the holder declines the transaction
	// on the device. Callers should treat it as a cancellation, not a
	// failure.
	ErrSigningAborted = errors.New("signing aborted by user")

	// ErrProtocolViolation is returned when a defensive check on the signing
	// protocol fails: a missing previous output, a signature count mismatch
	// or an unknown proposal variant. No signature is applied past such a
	// check.
	ErrProtocolViolation = errors.New("signing protocol invariant violated")
)
