package device

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"

	"github.com/keyfort/hwsign/internal/signing"
)

var _ Device = (*Simulator)(nil)

// Simulator is a software rendition of a hardware keystore for tests and
// local development. It derives keys from a BIP-32 master seed and signs as
// soon as its approval hook accepts, standing in for the holder pressing the
// confirm button.
type Simulator struct {
	master  *hdkeychain.ExtendedKey
	net     *chaincfg.Params
	approve func(summary string) bool
	delay   time.Duration
	display bool
	log     *logrus.Entry

	// mu serializes holder interaction like a physical device would.
	mu sync.Mutex
}

// NewSimulator creates a simulator holding the master key of the given seed.
func NewSimulator(seed []byte, net *chaincfg.Params, logger *logrus.Logger) (*Simulator, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return &Simulator{
		master:  master,
		net:     net,
		display: true,
		log:     logger.WithField("pkg", "device"),
	}, nil
}

// NewSimulatorFromMnemonic creates a simulator from a BIP-39 mnemonic.
func NewSimulatorFromMnemonic(mnemonic, passphrase string, net *chaincfg.Params, logger *logrus.Logger) (*Simulator, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewSimulator(bip39.NewSeed(mnemonic, passphrase), net, logger)
}

// SetApproval installs the hook consulted before signing. A nil hook approves
// everything.
func (simulator *Simulator) SetApproval(approve func(summary string) bool) {
	simulator.approve = approve
}

// SetInteractionDelay makes every holder interaction take the given time.
func (simulator *Simulator) SetInteractionDelay(delay time.Duration) {
	simulator.delay = delay
}

// SetSecureOutput attaches or detaches the trusted display.
func (simulator *Simulator) SetSecureOutput(attached bool) {
	simulator.display = attached
}

func (simulator *Simulator) derive(keypath string) (*hdkeychain.ExtendedKey, error) {
	path, err := signing.NewAbsoluteKeypath(keypath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keypath: %w", err)
	}
	return path.Derive(simulator.master)
}

// waitForHolder blocks for the configured interaction delay and consults the
// approval hook. Cancellation counts as a broken session, not an abort.
func (simulator *Simulator) waitForHolder(ctx context.Context, summary string) error {
	if simulator.delay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device session interrupted: %w", ctx.Err())
		case <-time.After(simulator.delay):
		}
	}
	if simulator.approve != nil && !simulator.approve(summary) {
		return ErrUserAbort
	}
	return nil
}

// summarize renders what a device screen would show for the request.
func (simulator *Simulator) summarize(txContext []byte, numDigests int) string {
	if len(txContext) == 0 {
		return fmt.Sprintf("%d digest(s)", numDigests)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(txContext)); err != nil {
		return fmt.Sprintf("%d digest(s), unreadable transaction context", numDigests)
	}
	lines := make([]string, 0, len(tx.TxOut))
	for i, txOut := range tx.TxOut {
		_, addresses, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, simulator.net)
		destination := "unknown"
		if err == nil && len(addresses) > 0 {
			destination = addresses[0].EncodeAddress()
		}
		lines = append(lines, fmt.Sprintf("out %d: %s to %s", i, btcutil.Amount(txOut.Value), destination))
	}
	return strings.Join(lines, "; ")
}

// Sign implements Device.
func (simulator *Simulator) Sign(ctx context.Context, txContext []byte, digests [][]byte, keypaths []string) ([]Signature, error) {
	if len(digests) != len(keypaths) {
		return nil, fmt.Errorf("digest and keypath counts differ: %d vs %d", len(digests), len(keypaths))
	}
	simulator.mu.Lock()
	defer simulator.mu.Unlock()

	summary := simulator.summarize(txContext, len(digests))
	simulator.log.WithField("summary", summary).Info("requesting confirmation on device")
	if err := simulator.waitForHolder(ctx, summary); err != nil {
		return nil, err
	}

	signatures := make([]Signature, 0, len(digests))
	for i, digest := range digests {
		if len(digest) != 32 {
			return nil, fmt.Errorf("digest %d must be 32 bytes, got %d", i, len(digest))
		}
		extendedKey, err := simulator.derive(keypaths[i])
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", keypaths[i], err)
		}
		privateKey, err := extendedKey.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		ecdsaKey := privateKey.ToECDSA()
		// ethcrypto.Sign in pure-Go builds rejects keys whose Curve is not its
		// own S256 instance; btcec's ToECDSA sets the underlying secp256k1
		// curve, which carries identical parameters.
		ecdsaKey.Curve = ethcrypto.S256()
		// 65 bytes: R (32) | S (32) | recovery id (1).
		raw, err := ethcrypto.Sign(digest, ecdsaKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign digest %d: %w", i, err)
		}
		signatures = append(signatures, Signature{
			R:     new(big.Int).SetBytes(raw[:32]),
			S:     new(big.Int).SetBytes(raw[32:64]),
			RecID: raw[64],
		})
	}
	simulator.log.WithField("signatures", len(signatures)).Info("holder confirmed on device")
	return signatures, nil
}

// DisplayAddress implements Device.
func (simulator *Simulator) DisplayAddress(ctx context.Context, keypath string, label string) error {
	if !simulator.display {
		return fmt.Errorf("no trusted display attached")
	}
	simulator.mu.Lock()
	defer simulator.mu.Unlock()
	extendedKey, err := simulator.derive(keypath)
	if err != nil {
		return fmt.Errorf("failed to derive %s: %w", keypath, err)
	}
	neutered, err := extendedKey.Neuter()
	if err != nil {
		return fmt.Errorf("failed to neuter key: %w", err)
	}
	if err := simulator.waitForHolder(ctx, fmt.Sprintf("address %s at %s", label, keypath)); err != nil {
		return err
	}
	simulator.log.WithFields(logrus.Fields{
		"keypath": keypath,
		"label":   label,
		"xpub":    neutered.String(),
	}).Info("showing address on device display")
	return nil
}

// ExtendedPublicKey implements Device.
func (simulator *Simulator) ExtendedPublicKey(ctx context.Context, keypath string) (*hdkeychain.ExtendedKey, error) {
	extendedKey, err := simulator.derive(keypath)
	if err != nil {
		return nil, err
	}
	neutered, err := extendedKey.Neuter()
	if err != nil {
		return nil, fmt.Errorf("failed to neuter key: %w", err)
	}
	return neutered, nil
}

// HasSecureOutput implements Device.
func (simulator *Simulator) HasSecureOutput() bool {
	return simulator.display
}
