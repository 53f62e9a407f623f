// Package eth models unsigned Ethereum transactions bound to the chain they
// will be signed for.
package eth

import (
	"fmt"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/signing"
)

var _ coin.ProposedTransaction = (*TxProposal)(nil)

// TxProposal is an unsigned Ethereum transaction together with the
// chain-aware signer computing its digest and the derivation path of the
// signing account.
type TxProposal struct {
	coinCode coin.Code

	// Tx is the unsigned transaction until signing succeeds, then the signed
	// result.
	Tx *ethtypes.Transaction

	// Signer folds the chain id into the signature hash so a signature
	// cannot be replayed on another chain.
	Signer ethtypes.Signer

	// Keypath locates the signing account on the device.
	Keypath signing.AbsoluteKeypath
}

// NewTxProposal binds an unsigned transaction to a chain and a signing
// account.
func NewTxProposal(code coin.Code, chainID *big.Int, tx *ethtypes.Transaction, keypath signing.AbsoluteKeypath) (*TxProposal, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	return &TxProposal{
		coinCode: code,
		Tx:       tx,
		Signer:   ethtypes.LatestSignerForChainID(chainID),
		Keypath:  keypath,
	}, nil
}

// Coin implements coin.ProposedTransaction.
func (txProposal *TxProposal) Coin() coin.Code {
	return txProposal.coinCode
}

// SignatureHash returns the digest the device must sign.
func (txProposal *TxProposal) SignatureHash() []byte {
	return txProposal.Signer.Hash(txProposal.Tx).Bytes()
}
