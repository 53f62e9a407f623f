// Package btc models unsigned Bitcoin-family transactions and the addresses
// they spend, ready for signature-hash computation.
package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/device"
	"github.com/keyfort/hwsign/internal/signing"
)

var _ coin.ProposedTransaction = (*ProposedTransaction)(nil)

// PreviousOutput is the output an input spends: its value and script together
// with the account address owning it.
type PreviousOutput struct {
	wire.TxOut
	Address *Address
}

// ProposedTransaction is an unsigned Bitcoin-family transaction with the
// context needed to compute every input's signature hash and the slots the
// resulting signatures land in.
type ProposedTransaction struct {
	coinCode coin.Code

	// Transaction is the unsigned transaction. It is not mutated while
	// signing; placeholder scripts only appear in the copy rendered by
	// SerializeForVerification.
	Transaction *wire.MsgTx

	// PreviousOutputs maps every input's outpoint to the output it spends.
	// It must not be mutated while a sign call is in flight.
	PreviousOutputs map[wire.OutPoint]*PreviousOutput

	// SigHashes caches the transaction-wide components of the witness
	// sighash algorithm, shared by all witness inputs of this proposal.
	SigHashes *txscript.TxSigHashes

	// Signatures is indexed by input, then by cosigner. A keystore fills
	// exactly its own cosigner column.
	Signatures [][]*device.Signature

	// SubScripts records per input the sub-script hashed while signing, for
	// rendering the transaction to a verification app. The scripts never
	// reach the network.
	SubScripts [][]byte
}

// NewProposedTransaction checks that every input spends a known previous
// output and prepares the witness sighash cache and the signature matrix
// sized for the account's cosigners.
func NewProposedTransaction(
	code coin.Code,
	transaction *wire.MsgTx,
	previousOutputs map[wire.OutPoint]*PreviousOutput,
	account *signing.Configuration,
) (*ProposedTransaction, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, txIn := range transaction.TxIn {
		previousOutput, ok := previousOutputs[txIn.PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("missing previous output %s", txIn.PreviousOutPoint)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, &previousOutput.TxOut)
	}
	signatures := make([][]*device.Signature, len(transaction.TxIn))
	for i := range signatures {
		signatures[i] = make([]*device.Signature, account.NumberOfSigners())
	}
	return &ProposedTransaction{
		coinCode:        code,
		Transaction:     transaction,
		PreviousOutputs: previousOutputs,
		SigHashes:       txscript.NewTxSigHashes(transaction, fetcher),
		Signatures:      signatures,
		SubScripts:      make([][]byte, len(transaction.TxIn)),
	}, nil
}

// Coin implements coin.ProposedTransaction.
func (proposedTx *ProposedTransaction) Coin() coin.Code {
	return proposedTx.coinCode
}

// SerializeForVerification renders a copy of the unsigned transaction with
// the recorded sub-scripts in the signature script fields. A paired
// verification app reads this form to show the holder what is being signed
// before any signature exists.
func (proposedTx *ProposedTransaction) SerializeForVerification() ([]byte, error) {
	txCopy := proposedTx.Transaction.Copy()
	for i, txIn := range txCopy.TxIn {
		if i < len(proposedTx.SubScripts) {
			txIn.SignatureScript = proposedTx.SubScripts[i]
		}
	}
	var buf bytes.Buffer
	if err := txCopy.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
