// Package coin names the supported coins and the proposal types the keystore
// can sign.
package coin

// Code identifies a supported coin.
type Code string

const (
	// CodeBTC is Bitcoin mainnet.
	CodeBTC Code = "btc"
	// CodeTBTC is Bitcoin testnet.
	CodeTBTC Code = "tbtc"
	// CodeLTC is Litecoin mainnet.
	CodeLTC Code = "ltc"
	// CodeETH is the Ethereum chain selected by the proposal's chain id.
	CodeETH Code = "eth"
)

// ProposedTransaction is an unsigned transaction of one of the supported coin
// families together with everything needed to sign it. The set of
// implementations is closed: *btc.ProposedTransaction and *eth.TxProposal.
type ProposedTransaction interface {
	Coin() Code
}
