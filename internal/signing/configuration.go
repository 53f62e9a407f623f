package signing

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Configuration models how an address is signed for: the script type, the
// absolute derivation path and the extended public key of every cosigner,
// with the threshold of signatures required to spend.
type Configuration struct {
	scriptType         ScriptType
	absoluteKeypath    AbsoluteKeypath
	extendedPublicKeys []*hdkeychain.ExtendedKey
	signingThreshold   int
}

// NewConfiguration creates a multisig-capable configuration. All extended
// keys must be public, and the script type must agree with the number of
// cosigners.
func NewConfiguration(
	scriptType ScriptType,
	absoluteKeypath AbsoluteKeypath,
	extendedPublicKeys []*hdkeychain.ExtendedKey,
	signingThreshold int,
) (*Configuration, error) {
	if len(extendedPublicKeys) == 0 {
		return nil, fmt.Errorf("a configuration needs at least one cosigner")
	}
	if signingThreshold < 1 || signingThreshold > len(extendedPublicKeys) {
		return nil, fmt.Errorf("signing threshold %d out of range for %d cosigners",
			signingThreshold, len(extendedPublicKeys))
	}
	if scriptType.Multisig() != (len(extendedPublicKeys) > 1) {
		return nil, fmt.Errorf("script type %s does not fit %d cosigners",
			scriptType, len(extendedPublicKeys))
	}
	for _, extendedPublicKey := range extendedPublicKeys {
		if extendedPublicKey.IsPrivate() {
			return nil, fmt.Errorf("extended keys must be public")
		}
	}
	return &Configuration{
		scriptType:         scriptType,
		absoluteKeypath:    absoluteKeypath,
		extendedPublicKeys: extendedPublicKeys,
		signingThreshold:   signingThreshold,
	}, nil
}

// NewSinglesigConfiguration creates a configuration with a single signer.
func NewSinglesigConfiguration(
	scriptType ScriptType,
	absoluteKeypath AbsoluteKeypath,
	extendedPublicKey *hdkeychain.ExtendedKey,
) (*Configuration, error) {
	return NewConfiguration(
		scriptType, absoluteKeypath, []*hdkeychain.ExtendedKey{extendedPublicKey}, 1)
}

// ScriptType returns the configuration's script type.
func (configuration *Configuration) ScriptType() ScriptType {
	return configuration.scriptType
}

// AbsoluteKeypath returns the configuration's derivation path.
func (configuration *Configuration) AbsoluteKeypath() AbsoluteKeypath {
	return configuration.absoluteKeypath
}

// ExtendedPublicKeys returns the extended public keys of all cosigners.
func (configuration *Configuration) ExtendedPublicKeys() []*hdkeychain.ExtendedKey {
	return configuration.extendedPublicKeys
}

// SigningThreshold returns how many cosigner signatures are needed to spend.
func (configuration *Configuration) SigningThreshold() int {
	return configuration.signingThreshold
}

// NumberOfSigners returns the number of cosigners.
func (configuration *Configuration) NumberOfSigners() int {
	return len(configuration.extendedPublicKeys)
}

// Multisig reports whether more than one cosigner participates.
func (configuration *Configuration) Multisig() bool {
	return len(configuration.extendedPublicKeys) > 1
}

// PublicKey returns the public key of a singlesig configuration.
func (configuration *Configuration) PublicKey() (*btcec.PublicKey, error) {
	if configuration.Multisig() {
		return nil, fmt.Errorf("a multisig configuration has no single public key")
	}
	publicKey, err := configuration.extendedPublicKeys[0].ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return publicKey, nil
}

// SortedPublicKeys returns the cosigner public keys sorted by their
// compressed serialization, the order they appear in multisig scripts.
func (configuration *Configuration) SortedPublicKeys() ([]*btcec.PublicKey, error) {
	publicKeys := make([]*btcec.PublicKey, len(configuration.extendedPublicKeys))
	for i, extendedPublicKey := range configuration.extendedPublicKeys {
		publicKey, err := extendedPublicKey.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("failed to read public key of cosigner %d: %w", i, err)
		}
		publicKeys[i] = publicKey
	}
	sort.Slice(publicKeys, func(i, j int) bool {
		return bytes.Compare(
			publicKeys[i].SerializeCompressed(), publicKeys[j].SerializeCompressed()) < 0
	})
	return publicKeys, nil
}

// Derive derives a child configuration with the same script type and
// threshold. Hardened suffixes are rejected since only public keys are held.
func (configuration *Configuration) Derive(suffix RelativeKeypath) (*Configuration, error) {
	if suffix.Hardened() {
		return nil, fmt.Errorf("cannot derive hardened path %s from public keys", suffix.Encode())
	}
	derivedPublicKeys := make([]*hdkeychain.ExtendedKey, len(configuration.extendedPublicKeys))
	for i, extendedPublicKey := range configuration.extendedPublicKeys {
		derivedPublicKey, err := suffix.Derive(extendedPublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to derive cosigner %d: %w", i, err)
		}
		derivedPublicKeys[i] = derivedPublicKey
	}
	return &Configuration{
		scriptType:         configuration.scriptType,
		absoluteKeypath:    configuration.absoluteKeypath.Append(suffix),
		extendedPublicKeys: derivedPublicKeys,
		signingThreshold:   configuration.signingThreshold,
	}, nil
}

// String returns a short description for logs.
func (configuration *Configuration) String() string {
	if configuration.Multisig() {
		return fmt.Sprintf("%d-of-%d %s at %s",
			configuration.signingThreshold,
			configuration.NumberOfSigners(),
			configuration.scriptType,
			configuration.absoluteKeypath.Encode())
	}
	return fmt.Sprintf("%s at %s", configuration.scriptType, configuration.absoluteKeypath.Encode())
}
