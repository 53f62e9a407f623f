package btc

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/keyfort/hwsign/internal/signing"
)

// Address is a Bitcoin-family address annotated with the signing
// configuration it was derived from.
type Address struct {
	btcutil.Address

	// Configuration describes how the address is signed for.
	Configuration *signing.Configuration

	// redeemScript is the script committed to by script-hash address types:
	// the p2sh redeem script or the p2wsh witness script. Nil for the other
	// types.
	redeemScript []byte
}

// NewAddress derives the address the configuration commits to on the given
// network.
func NewAddress(configuration *signing.Configuration, net *chaincfg.Params) (*Address, error) {
	switch configuration.ScriptType() {
	case signing.ScriptTypeP2PKH:
		publicKey, err := configuration.PublicKey()
		if err != nil {
			return nil, err
		}
		address, err := btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(publicKey.SerializeCompressed()), net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive p2pkh address: %w", err)
		}
		return &Address{Address: address, Configuration: configuration}, nil

	case signing.ScriptTypeP2WPKH:
		publicKey, err := configuration.PublicKey()
		if err != nil {
			return nil, err
		}
		address, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(publicKey.SerializeCompressed()), net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive p2wpkh address: %w", err)
		}
		return &Address{Address: address, Configuration: configuration}, nil

	case signing.ScriptTypeP2WPKHP2SH:
		publicKey, err := configuration.PublicKey()
		if err != nil {
			return nil, err
		}
		witnessAddress, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(publicKey.SerializeCompressed()), net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive nested p2wpkh address: %w", err)
		}
		// The witness program script doubles as the p2sh redeem script.
		witnessProgram, err := txscript.PayToAddrScript(witnessAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to build witness program: %w", err)
		}
		address, err := btcutil.NewAddressScriptHash(witnessProgram, net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive p2wpkh-p2sh address: %w", err)
		}
		return &Address{Address: address, Configuration: configuration, redeemScript: witnessProgram}, nil

	case signing.ScriptTypeP2SH:
		script, err := multisigScript(configuration, net)
		if err != nil {
			return nil, err
		}
		address, err := btcutil.NewAddressScriptHash(script, net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive p2sh address: %w", err)
		}
		return &Address{Address: address, Configuration: configuration, redeemScript: script}, nil

	case signing.ScriptTypeP2WSH:
		script, err := multisigScript(configuration, net)
		if err != nil {
			return nil, err
		}
		scriptHash := sha256.Sum256(script)
		address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
		if err != nil {
			return nil, fmt.Errorf("failed to derive p2wsh address: %w", err)
		}
		return &Address{Address: address, Configuration: configuration, redeemScript: script}, nil

	default:
		return nil, fmt.Errorf("unknown script type %q", configuration.ScriptType())
	}
}

// multisigScript builds the canonical m-of-n script over the sorted cosigner
// public keys.
func multisigScript(configuration *signing.Configuration, net *chaincfg.Params) ([]byte, error) {
	if !configuration.Multisig() {
		return nil, fmt.Errorf("%s needs a multisig configuration", configuration.ScriptType())
	}
	publicKeys, err := configuration.SortedPublicKeys()
	if err != nil {
		return nil, err
	}
	addressPubKeys := make([]*btcutil.AddressPubKey, len(publicKeys))
	for i, publicKey := range publicKeys {
		addressPubKey, err := btcutil.NewAddressPubKey(publicKey.SerializeCompressed(), net)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cosigner key %d: %w", i, err)
		}
		addressPubKeys[i] = addressPubKey
	}
	script, err := txscript.MultiSigScript(addressPubKeys, configuration.SigningThreshold())
	if err != nil {
		return nil, fmt.Errorf("failed to build multisig script: %w", err)
	}
	return script, nil
}

// PkScript returns the output script paying to this address.
func (address *Address) PkScript() ([]byte, error) {
	pkScript, err := txscript.PayToAddrScript(address.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	return pkScript, nil
}

// ScriptForHashToSign returns whether the witness sighash algorithm applies
// when spending this address, and the exact sub-script to hash.
func (address *Address) ScriptForHashToSign() (bool, []byte, error) {
	switch address.Configuration.ScriptType() {
	case signing.ScriptTypeP2PKH:
		pkScript, err := address.PkScript()
		if err != nil {
			return false, nil, err
		}
		return false, pkScript, nil
	case signing.ScriptTypeP2SH:
		return false, address.redeemScript, nil
	case signing.ScriptTypeP2WPKH:
		pkScript, err := address.PkScript()
		if err != nil {
			return false, nil, err
		}
		return true, pkScript, nil
	case signing.ScriptTypeP2WPKHP2SH:
		return true, address.redeemScript, nil
	case signing.ScriptTypeP2WSH:
		return true, address.redeemScript, nil
	default:
		return false, nil, fmt.Errorf("unknown script type %q", address.Configuration.ScriptType())
	}
}
