// Package device defines the hardware keystore session boundary and a
// software simulator of it.
package device

import (
	"context"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ErrUserAbort is returned by Sign when the holder declines the transaction
// on the device.
var ErrUserAbort = errors.New("aborted by user on device")

// Signature is one raw signature produced by the device: the (R, S) pair and
// the recovery id of the signing public key.
type Signature struct {
	R     *big.Int
	S     *big.Int
	RecID uint8
}

// Device is a session with one hardware keystore. The device interacts with
// the holder about one request at a time, so callers must serialize Sign
// calls.
type Device interface {
	// Sign asks the holder to confirm and sign the given digests. txContext
	// optionally carries a serialized form of the transaction being signed
	// so the device or a paired verification app can render it; it may be
	// nil. digests and keypaths are parallel, and the returned signatures
	// match them 1:1 in order.
	Sign(ctx context.Context, txContext []byte, digests [][]byte, keypaths []string) ([]Signature, error)

	// DisplayAddress shows the address derived at keypath on the device's
	// trusted display, annotated with a "coin-scripttype" label.
	DisplayAddress(ctx context.Context, keypath string, label string) error

	// ExtendedPublicKey returns the extended public key derived at keypath.
	ExtendedPublicKey(ctx context.Context, keypath string) (*hdkeychain.ExtendedKey, error)

	// HasSecureOutput reports whether the session has a trusted display for
	// address verification.
	HasSecureOutput() bool
}
