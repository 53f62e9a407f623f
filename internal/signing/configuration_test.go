package signing

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testExtendedKeys derives n sibling extended keys from a throwaway master.
func testExtendedKeys(t *testing.T, n int, public bool) []*hdkeychain.ExtendedKey {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{0x07}, 32), &chaincfg.TestNet3Params)
	require.NoError(t, err)
	keys := make([]*hdkeychain.ExtendedKey, n)
	for i := range keys {
		key, err := master.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		require.NoError(t, err)
		if public {
			key, err = key.Neuter()
			require.NoError(t, err)
		}
		keys[i] = key
	}
	return keys
}

func TestNewConfigurationValidation(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/48'/1'/0'/2'")
	require.NoError(t, err)

	tests := []struct {
		name       string
		scriptType ScriptType
		numKeys    int
		threshold  int
		private    bool
		wantErr    string
	}{
		{"no cosigners", ScriptTypeP2WSH, 0, 1, false, "at least one cosigner"},
		{"threshold too low", ScriptTypeP2WSH, 3, 0, false, "out of range"},
		{"threshold too high", ScriptTypeP2WSH, 3, 4, false, "out of range"},
		{"singlesig type with cosigners", ScriptTypeP2WPKH, 3, 2, false, "does not fit"},
		{"multisig type with one signer", ScriptTypeP2WSH, 1, 1, false, "does not fit"},
		{"private keys rejected", ScriptTypeP2WSH, 3, 2, true, "must be public"},
		{"valid 2-of-3", ScriptTypeP2WSH, 3, 2, false, ""},
		{"valid p2sh 2-of-2", ScriptTypeP2SH, 2, 2, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := testExtendedKeys(t, tt.numKeys, !tt.private)
			configuration, err := NewConfiguration(tt.scriptType, keypath, keys, tt.threshold)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.scriptType, configuration.ScriptType())
			require.Equal(t, tt.numKeys, configuration.NumberOfSigners())
			require.Equal(t, tt.threshold, configuration.SigningThreshold())
			require.True(t, configuration.Multisig())
		})
	}
}

func TestNewSinglesigConfiguration(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/84'/1'/0'")
	require.NoError(t, err)
	key := testExtendedKeys(t, 1, true)[0]

	configuration, err := NewSinglesigConfiguration(ScriptTypeP2WPKH, keypath, key)
	require.NoError(t, err)
	require.False(t, configuration.Multisig())
	require.Equal(t, 1, configuration.NumberOfSigners())
	require.Equal(t, "m/84'/1'/0'", configuration.AbsoluteKeypath().Encode())

	publicKey, err := configuration.PublicKey()
	require.NoError(t, err)
	expected, err := key.ECPubKey()
	require.NoError(t, err)
	require.Equal(t, expected.SerializeCompressed(), publicKey.SerializeCompressed())
}

func TestPublicKeyOnMultisig(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/48'/1'/0'/2'")
	require.NoError(t, err)
	configuration, err := NewConfiguration(
		ScriptTypeP2WSH, keypath, testExtendedKeys(t, 3, true), 2)
	require.NoError(t, err)

	_, err = configuration.PublicKey()
	require.Error(t, err)
}

func TestSortedPublicKeys(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/48'/1'/0'/2'")
	require.NoError(t, err)
	configuration, err := NewConfiguration(
		ScriptTypeP2WSH, keypath, testExtendedKeys(t, 3, true), 2)
	require.NoError(t, err)

	publicKeys, err := configuration.SortedPublicKeys()
	require.NoError(t, err)
	require.Len(t, publicKeys, 3)
	for i := 1; i < len(publicKeys); i++ {
		require.Negative(t, bytes.Compare(
			publicKeys[i-1].SerializeCompressed(), publicKeys[i].SerializeCompressed()))
	}
}

func TestConfigurationDerive(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/48'/1'/0'/2'")
	require.NoError(t, err)
	keys := testExtendedKeys(t, 3, true)
	configuration, err := NewConfiguration(ScriptTypeP2WSH, keypath, keys, 2)
	require.NoError(t, err)

	suffix, err := NewRelativeKeypath("0/13")
	require.NoError(t, err)
	derived, err := configuration.Derive(suffix)
	require.NoError(t, err)
	require.Equal(t, "m/48'/1'/0'/2'/0/13", derived.AbsoluteKeypath().Encode())
	require.Equal(t, configuration.ScriptType(), derived.ScriptType())
	require.Equal(t, configuration.SigningThreshold(), derived.SigningThreshold())
	require.Equal(t, configuration.NumberOfSigners(), derived.NumberOfSigners())

	// Each cosigner key is derived by the same suffix.
	for i, key := range keys {
		expected, err := suffix.Derive(key)
		require.NoError(t, err)
		require.Equal(t, expected.String(), derived.ExtendedPublicKeys()[i].String())
	}

	hardened, err := NewRelativeKeypath("0'")
	require.NoError(t, err)
	_, err = configuration.Derive(hardened)
	require.Error(t, err)
}

func TestConfigurationString(t *testing.T) {
	keypath, err := NewAbsoluteKeypath("m/48'/1'/0'/2'")
	require.NoError(t, err)

	multisig, err := NewConfiguration(ScriptTypeP2WSH, keypath, testExtendedKeys(t, 3, true), 2)
	require.NoError(t, err)
	require.Equal(t, "2-of-3 p2wsh at m/48'/1'/0'/2'", multisig.String())

	singlePath, err := NewAbsoluteKeypath("m/84'/1'/0'")
	require.NoError(t, err)
	single, err := NewSinglesigConfiguration(
		ScriptTypeP2WPKH, singlePath, testExtendedKeys(t, 1, true)[0])
	require.NoError(t, err)
	require.Equal(t, "p2wpkh at m/84'/1'/0'", single.String())
}

func TestDecodeScriptType(t *testing.T) {
	for _, valid := range []string{"p2pkh", "p2wpkh-p2sh", "p2wpkh", "p2sh", "p2wsh"} {
		scriptType, err := DecodeScriptType(valid)
		require.NoError(t, err)
		require.Equal(t, ScriptType(valid), scriptType)
	}
	_, err := DecodeScriptType("p2tr")
	require.Error(t, err)
}
