package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hibiken/asynq"
)

// QueueSign is the queue the signing worker consumes. One worker drives one
// device, so the queue is drained with concurrency 1.
const QueueSign = "hwsign"

// Task type names.
const (
	TypeSignBitcoin  = "sign:bitcoin"
	TypeSignEthereum = "sign:ethereum"
)

// SignBitcoinPayload asks the worker to sign every input of an unsigned
// PSBT against its configured account.
type SignBitcoinPayload struct {
	Coin string `json:"coin"`
	// PSBT is the BIP-174 packet in base64.
	PSBT string `json:"psbt"`
}

// SignEthereumPayload asks the worker to sign one RLP-encoded transaction
// with the key at the given derivation path.
type SignEthereumPayload struct {
	Coin    string        `json:"coin"`
	Tx      hexutil.Bytes `json:"tx"`
	ChainID uint64        `json:"chain_id"`
	Keypath string        `json:"keypath"`
}

// SignatureEntry is one compact secp256k1 signature in a task result.
type SignatureEntry struct {
	R     string `json:"r"`
	S     string `json:"s"`
	RecID uint8  `json:"rec_id"`
}

// SignBitcoinResult carries one signature per transaction input for the
// worker's cosigner, plus the serialized transaction with placeholder
// scripts for rendering in a verification app.
type SignBitcoinResult struct {
	Signatures     []SignatureEntry `json:"signatures"`
	VerificationTx hexutil.Bytes    `json:"verification_tx"`
}

// SignEthereumResult carries the signed raw transaction and its hash.
type SignEthereumResult struct {
	RawTx  hexutil.Bytes `json:"raw_tx"`
	TxHash string        `json:"tx_hash"`
}

// taskOptions are the enqueue options shared by both sign task types.
// Results are retained so clients can poll for them after completion.
func taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueSign),
		asynq.MaxRetry(3),
		asynq.Timeout(10 * time.Minute),
		asynq.Retention(24 * time.Hour),
	}
}

// NewSignBitcoinTask builds the queue task for a Bitcoin sign request.
func NewSignBitcoinTask(payload SignBitcoinPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", TypeSignBitcoin, err)
	}
	return asynq.NewTask(TypeSignBitcoin, b, taskOptions()...), nil
}

// NewSignEthereumTask builds the queue task for an Ethereum sign request.
func NewSignEthereumTask(payload SignEthereumPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", TypeSignEthereum, err)
	}
	return asynq.NewTask(TypeSignEthereum, b, taskOptions()...), nil
}
