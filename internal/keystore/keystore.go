// Package keystore coordinates transaction signing with a hardware device:
// it computes the digests each proposal needs signed, sends them to the
// device for holder confirmation and applies the returned signatures back
// onto the proposal.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/sirupsen/logrus"

	"github.com/keyfort/hwsign/internal/btc"
	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/device"
	"github.com/keyfort/hwsign/internal/eth"
	"github.com/keyfort/hwsign/internal/signing"
)

// Keystore drives one device session on behalf of one cosigner of an
// account.
type Keystore struct {
	device        device.Device
	configuration *signing.Configuration
	cosignerIndex int
	log           *logrus.Entry

	// signLock serializes sign calls; the device interacts with the holder
	// about one transaction at a time.
	signLock sync.Mutex
}

// NewKeystore creates a keystore for the given device session.
// cosignerIndex is this keystore's column in the account's signature matrix.
func NewKeystore(
	dev device.Device,
	configuration *signing.Configuration,
	cosignerIndex int,
	logger *logrus.Logger,
) (*Keystore, error) {
	if cosignerIndex < 0 || cosignerIndex >= configuration.NumberOfSigners() {
		return nil, fmt.Errorf("%w: cosigner index %d out of range for %d signers",
			ErrProtocolViolation, cosignerIndex, configuration.NumberOfSigners())
	}
	return &Keystore{
		device:        dev,
		configuration: configuration,
		cosignerIndex: cosignerIndex,
		log:           logger.WithField("pkg", "keystore"),
	}, nil
}

// CosignerIndex returns this keystore's position among the account's
// cosigners.
func (keystore *Keystore) CosignerIndex() int {
	return keystore.cosignerIndex
}

// Configuration returns the account configuration the keystore signs for.
func (keystore *Keystore) Configuration() *signing.Configuration {
	return keystore.configuration
}

// HasSecureOutput reports whether the device session can show addresses on a
// trusted display.
func (keystore *Keystore) HasSecureOutput() bool {
	return keystore.device.HasSecureOutput()
}

// OutputAddress shows the address at keyPath on the device's trusted
// display. Calling it without a secure output channel is a programming
// error.
func (keystore *Keystore) OutputAddress(
	ctx context.Context,
	keyPath signing.AbsoluteKeypath,
	scriptType signing.ScriptType,
	code coin.Code,
) error {
	if !keystore.device.HasSecureOutput() {
		return fmt.Errorf("%w: device session has no secure output", ErrProtocolViolation)
	}
	label := fmt.Sprintf("%s-%s", code, scriptType)
	if err := keystore.device.DisplayAddress(ctx, keyPath.Encode(), label); err != nil {
		if errors.Is(err, device.ErrUserAbort) {
			return ErrSigningAborted
		}
		return fmt.Errorf("failed to display address: %w", err)
	}
	return nil
}

// ExtendedPublicKey reads the extended public key at keyPath from the
// device.
func (keystore *Keystore) ExtendedPublicKey(ctx context.Context, keyPath signing.AbsoluteKeypath) (*hdkeychain.ExtendedKey, error) {
	extendedPublicKey, err := keystore.device.ExtendedPublicKey(ctx, keyPath.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to read extended public key: %w", err)
	}
	return extendedPublicKey, nil
}

// SignTransaction has the device sign the proposal after holder
// confirmation. The variant set is closed; any other proposal type violates
// the protocol.
func (keystore *Keystore) SignTransaction(ctx context.Context, proposedTx coin.ProposedTransaction) error {
	keystore.signLock.Lock()
	defer keystore.signLock.Unlock()
	switch specificProposedTx := proposedTx.(type) {
	case *btc.ProposedTransaction:
		return keystore.signBTCTransaction(ctx, specificProposedTx)
	case *eth.TxProposal:
		return keystore.signETHTransaction(ctx, specificProposedTx)
	default:
		return fmt.Errorf("%w: unknown proposal type %T", ErrProtocolViolation, proposedTx)
	}
}

func (keystore *Keystore) signBTCTransaction(ctx context.Context, btcProposedTx *btc.ProposedTransaction) error {
	log := keystore.log.WithField("coin", btcProposedTx.Coin())
	log.Info("signing btc transaction")

	transaction := btcProposedTx.Transaction
	if len(btcProposedTx.Signatures) != len(transaction.TxIn) {
		return fmt.Errorf("%w: signature matrix has %d rows for %d inputs",
			ErrProtocolViolation, len(btcProposedTx.Signatures), len(transaction.TxIn))
	}

	signatureHashes := make([][]byte, 0, len(transaction.TxIn))
	keyPaths := make([]string, 0, len(transaction.TxIn))
	for index, txIn := range transaction.TxIn {
		spentOutput, ok := btcProposedTx.PreviousOutputs[txIn.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("%w: missing previous output %s",
				ErrProtocolViolation, txIn.PreviousOutPoint)
		}
		isWitness, subScript, err := spentOutput.Address.ScriptForHashToSign()
		if err != nil {
			return fmt.Errorf("failed to classify input %d: %w", index, err)
		}
		var signatureHash []byte
		if isWitness {
			signatureHash, err = txscript.CalcWitnessSigHash(subScript, btcProposedTx.SigHashes,
				txscript.SigHashAll, transaction, index, spentOutput.Value)
			if err != nil {
				return fmt.Errorf("failed to compute witness signature hash for input %d: %w", index, err)
			}
		} else {
			signatureHash, err = txscript.CalcSignatureHash(subScript, txscript.SigHashAll, transaction, index)
			if err != nil {
				return fmt.Errorf("failed to compute legacy signature hash for input %d: %w", index, err)
			}
		}
		log.WithFields(logrus.Fields{"input": index, "witness": isWitness}).Debug("computed signature hash")
		signatureHashes = append(signatureHashes, signatureHash)
		keyPaths = append(keyPaths, spentOutput.Address.Configuration.AbsoluteKeypath().Encode())

		// The verification app renders the transaction with the spent
		// sub-scripts standing in for the missing signatures.
		btcProposedTx.SubScripts[index] = subScript
	}

	txContext, err := btcProposedTx.SerializeForVerification()
	if err != nil {
		return err
	}
	signatures, err := keystore.device.Sign(ctx, txContext, signatureHashes, keyPaths)
	if errors.Is(err, device.ErrUserAbort) {
		return ErrSigningAborted
	}
	if err != nil {
		return fmt.Errorf("failed to sign signature hashes: %w", err)
	}
	if len(signatures) != len(transaction.TxIn) {
		return fmt.Errorf("%w: expected %d signatures, got %d",
			ErrProtocolViolation, len(transaction.TxIn), len(signatures))
	}
	for index := range signatures {
		if keystore.cosignerIndex >= len(btcProposedTx.Signatures[index]) {
			return fmt.Errorf("%w: cosigner index %d out of range for %d columns",
				ErrProtocolViolation, keystore.cosignerIndex, len(btcProposedTx.Signatures[index]))
		}
	}
	for index := range signatures {
		btcProposedTx.Signatures[index][keystore.cosignerIndex] = &signatures[index]
	}
	log.WithField("inputs", len(signatures)).Info("btc transaction signed")
	return nil
}

func (keystore *Keystore) signETHTransaction(ctx context.Context, txProposal *eth.TxProposal) error {
	log := keystore.log.WithField("coin", txProposal.Coin())
	log.Info("signing eth transaction")

	signatureHash := txProposal.SignatureHash()
	signatures, err := keystore.device.Sign(ctx, nil,
		[][]byte{signatureHash}, []string{txProposal.Keypath.Encode()})
	if errors.Is(err, device.ErrUserAbort) {
		return ErrSigningAborted
	}
	if err != nil {
		return fmt.Errorf("failed to sign signature hash: %w", err)
	}
	if len(signatures) != 1 {
		return fmt.Errorf("%w: expected 1 signature, got %d", ErrProtocolViolation, len(signatures))
	}

	// R (32) | S (32) | recovery id (1); WithSignature rebuilds the
	// transaction and folds the chain id into V.
	signature := signatures[0]
	raw := make([]byte, 65)
	copy(raw[:32], math.PaddedBigBytes(signature.R, 32))
	copy(raw[32:64], math.PaddedBigBytes(signature.S, 32))
	raw[64] = signature.RecID

	signedTx, err := txProposal.Tx.WithSignature(txProposal.Signer, raw)
	if err != nil {
		return fmt.Errorf("failed to attach signature: %w", err)
	}
	txProposal.Tx = signedTx
	log.WithField("txHash", signedTx.Hash().Hex()).Info("eth transaction signed")
	return nil
}
