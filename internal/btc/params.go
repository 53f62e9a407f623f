package btc

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/keyfort/hwsign/internal/coin"
)

// LitecoinMainNetParams defines the Litecoin main network, which btcd does
// not ship. Only the fields involved in address encoding and extended key
// handling are populated.
var LitecoinMainNetParams = chaincfg.Params{
	Name: "ltc",
	Net:  wire.BitcoinNet(0xdbb6c0fb),

	// Address encoding magics
	PubKeyHashAddrID: 0x30,
	ScriptHashAddrID: 0x32,
	PrivateKeyID:     0xb0,
	Bech32HRPSegwit:  "ltc",

	// BIP32 hierarchical deterministic extended key magics (Ltpv/Ltub)
	HDPrivateKeyID: [4]byte{0x01, 0x9d, 0x9c, 0xfe},
	HDPublicKeyID:  [4]byte{0x01, 0x9d, 0xa4, 0x62},

	// BIP44 coin type used in the hierarchical deterministic path
	HDCoinType: 2,
}

func init() {
	// hdkeychain resolves extended key version bytes through the chaincfg
	// registry, so the Litecoin params must be registered before any Ltub
	// is parsed or neutered.
	if err := chaincfg.Register(&LitecoinMainNetParams); err != nil {
		panic(fmt.Sprintf("failed to register litecoin params: %v", err))
	}
}

// NetParams returns the chain parameters a coin's addresses and extended
// keys are encoded with.
func NetParams(code coin.Code) (*chaincfg.Params, error) {
	switch code {
	case coin.CodeBTC:
		return &chaincfg.MainNetParams, nil
	case coin.CodeTBTC:
		return &chaincfg.TestNet3Params, nil
	case coin.CodeLTC:
		return &LitecoinMainNetParams, nil
	default:
		return nil, fmt.Errorf("no chain parameters for coin %q", code)
	}
}
