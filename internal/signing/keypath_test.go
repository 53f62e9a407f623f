package signing

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestNewAbsoluteKeypath(t *testing.T) {
	tests := []struct {
		input   string
		encoded string
		wantErr bool
	}{
		{"m/44'/0'/0'", "m/44'/0'/0'", false},
		{"44h/0H/1'/2/3", "m/44'/0'/1'/2/3", false},
		{"m", "m", false},
		{"", "m", false},
		{" m / 49' / 0' ", "m/49'/0'", false},
		{"m/abc", "", true},
		{"m/44''", "", true},
		{"m/2147483648", "", true}, // hardened marker must be textual, not the high bit
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			path, err := NewAbsoluteKeypath(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.encoded, path.Encode())
		})
	}
}

func TestNewRelativeKeypath(t *testing.T) {
	path, err := NewRelativeKeypath("1/2'/3")
	require.NoError(t, err)
	require.Equal(t, "1/2'/3", path.Encode())
	require.True(t, path.Hardened())

	path, err = NewRelativeKeypath("0/15")
	require.NoError(t, err)
	require.False(t, path.Hardened())

	empty, err := NewRelativeKeypath("")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = NewRelativeKeypath("1/x")
	require.Error(t, err)
}

func TestAbsoluteKeypathChildAndAppend(t *testing.T) {
	base, err := NewAbsoluteKeypath("m/84'/0'/0'")
	require.NoError(t, err)

	child := base.Child(1, false).Child(7, true)
	require.Equal(t, "m/84'/0'/0'/1/7'", child.Encode())
	// The base path is unchanged.
	require.Equal(t, "m/84'/0'/0'", base.Encode())

	suffix, err := NewRelativeKeypath("0/5")
	require.NoError(t, err)
	require.Equal(t, "m/84'/0'/0'/0/5", base.Append(suffix).Encode())
}

func TestAbsoluteKeypathTrimPrefix(t *testing.T) {
	full, err := NewAbsoluteKeypath("m/48'/0'/0'/2'/0/13")
	require.NoError(t, err)
	account, err := NewAbsoluteKeypath("m/48'/0'/0'/2'")
	require.NoError(t, err)

	suffix, err := full.TrimPrefix(account)
	require.NoError(t, err)
	require.Equal(t, "0/13", suffix.Encode())

	other, err := NewAbsoluteKeypath("m/48'/0'/1'/2'")
	require.NoError(t, err)
	_, err = full.TrimPrefix(other)
	require.Error(t, err)

	_, err = account.TrimPrefix(full)
	require.Error(t, err)
}

func TestAbsoluteKeypathFromUint32(t *testing.T) {
	raw := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart + 1,
		0,
		5,
	}
	path := AbsoluteKeypathFromUint32(raw)
	require.Equal(t, "m/44'/0'/1'/0/5", path.Encode())
	require.Equal(t, raw, path.ToUint32())
}

func TestKeypathDerive(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	accountPath, err := NewAbsoluteKeypath("m/84'/1'/0'")
	require.NoError(t, err)
	account, err := accountPath.Derive(master)
	require.NoError(t, err)
	require.True(t, account.IsPrivate())

	accountPub, err := account.Neuter()
	require.NoError(t, err)

	// Hardened steps need the private key.
	hardened, err := NewRelativeKeypath("0'")
	require.NoError(t, err)
	_, err = hardened.Derive(accountPub)
	require.Error(t, err)

	// Non-hardened steps from the public key match the private derivation.
	suffix, err := NewRelativeKeypath("0/7")
	require.NoError(t, err)
	fromPub, err := suffix.Derive(accountPub)
	require.NoError(t, err)
	fromPriv, err := suffix.Derive(account)
	require.NoError(t, err)
	fromPrivPub, err := fromPriv.Neuter()
	require.NoError(t, err)
	require.Equal(t, fromPrivPub.String(), fromPub.String())
}
