package tasks

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestSignBitcoinTaskRoundTrip(t *testing.T) {
	payload := SignBitcoinPayload{
		Coin: "tbtc",
		PSBT: "cHNidP8BAAAA",
	}
	task, err := NewSignBitcoinTask(payload)
	require.NoError(t, err)
	require.Equal(t, TypeSignBitcoin, task.Type())

	var decoded SignBitcoinPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, payload, decoded)
}

func TestSignEthereumTaskRoundTrip(t *testing.T) {
	payload := SignEthereumPayload{
		Coin:    "eth",
		Tx:      hexutil.Bytes{0xf8, 0x6c, 0x80},
		ChainID: 1,
		Keypath: "m/44'/60'/0'/0/0",
	}
	task, err := NewSignEthereumTask(payload)
	require.NoError(t, err)
	require.Equal(t, TypeSignEthereum, task.Type())

	var decoded SignEthereumPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, payload, decoded)
}

func TestSignEthereumPayloadEncodesTxAsHex(t *testing.T) {
	payload := SignEthereumPayload{
		Coin:    "eth",
		Tx:      hexutil.Bytes{0x01, 0x02},
		ChainID: 1,
		Keypath: "m/44'/60'/0'/0/0",
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	require.Contains(t, string(b), `"tx":"0x0102"`)
}
