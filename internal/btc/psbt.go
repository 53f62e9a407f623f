package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/signing"
)

// FromPacket builds a ProposedTransaction from an unsigned PSBT prepared by
// the wallet layer. Every input must spend an output of the given account:
// its BIP-32 derivation must extend the account's path, and the address
// derived from the account configuration must match the spent output's
// script.
func FromPacket(
	code coin.Code,
	packet *psbt.Packet,
	account *signing.Configuration,
	net *chaincfg.Params,
) (*ProposedTransaction, error) {
	if packet.UnsignedTx == nil {
		return nil, fmt.Errorf("packet has no unsigned transaction")
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("packet has %d input sections for %d transaction inputs",
			len(packet.Inputs), len(packet.UnsignedTx.TxIn))
	}
	previousOutputs := make(map[wire.OutPoint]*PreviousOutput, len(packet.Inputs))
	for i := range packet.Inputs {
		txIn := packet.UnsignedTx.TxIn[i]
		utxo, err := spentOutput(packet, i)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		address, err := addressForInput(&packet.Inputs[i], account, net)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		pkScript, err := address.PkScript()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if !bytes.Equal(pkScript, utxo.PkScript) {
			return nil, fmt.Errorf("input %d does not belong to the account (%s)", i, account)
		}
		previousOutputs[txIn.PreviousOutPoint] = &PreviousOutput{TxOut: *utxo, Address: address}
	}
	return NewProposedTransaction(code, packet.UnsignedTx, previousOutputs, account)
}

// spentOutput extracts the output spent by the given input from the packet's
// utxo fields.
func spentOutput(packet *psbt.Packet, index int) (*wire.TxOut, error) {
	input := packet.Inputs[index]
	if input.WitnessUtxo != nil {
		return input.WitnessUtxo, nil
	}
	if input.NonWitnessUtxo != nil {
		outPoint := packet.UnsignedTx.TxIn[index].PreviousOutPoint
		if input.NonWitnessUtxo.TxHash() != outPoint.Hash {
			return nil, fmt.Errorf("previous transaction does not match outpoint %s", outPoint)
		}
		if int(outPoint.Index) >= len(input.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("previous output index %d out of range", outPoint.Index)
		}
		return input.NonWitnessUtxo.TxOut[outPoint.Index], nil
	}
	return nil, fmt.Errorf("missing utxo information")
}

// addressForInput rebuilds the account address the input spends from its
// BIP-32 derivation fields.
func addressForInput(input *psbt.PInput, account *signing.Configuration, net *chaincfg.Params) (*Address, error) {
	accountPath := account.AbsoluteKeypath()
	for _, derivation := range input.Bip32Derivation {
		full := signing.AbsoluteKeypathFromUint32(derivation.Bip32Path)
		suffix, err := full.TrimPrefix(accountPath)
		if err != nil {
			continue
		}
		configuration, err := account.Derive(suffix)
		if err != nil {
			return nil, fmt.Errorf("failed to derive input configuration: %w", err)
		}
		return NewAddress(configuration, net)
	}
	return nil, fmt.Errorf("no derivation extends the account path %s", accountPath.Encode())
}
