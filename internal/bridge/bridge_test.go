package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strconv"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/hwsign/internal/audit"
	"github.com/keyfort/hwsign/internal/btc"
	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/device"
	"github.com/keyfort/hwsign/internal/keystore"
	"github.com/keyfort/hwsign/internal/metrics"
	"github.com/keyfort/hwsign/internal/signing"
	"github.com/keyfort/hwsign/internal/tasks"
)

type eventRecorder struct {
	events []audit.Event
}

func (r *eventRecorder) Record(_ context.Context, event audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

type failingDevice struct{}

func (failingDevice) Sign(context.Context, []byte, [][]byte, []string) ([]device.Signature, error) {
	return nil, errors.New("usb: device busy")
}

func (failingDevice) DisplayAddress(context.Context, string, string) error {
	return errors.New("usb: device busy")
}

func (failingDevice) ExtendedPublicKey(context.Context, string) (*hdkeychain.ExtendedKey, error) {
	return nil, errors.New("usb: device busy")
}

func (failingDevice) HasSecureOutput() bool { return false }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func accountKeystore(
	t *testing.T,
	dev device.Device,
	scriptType signing.ScriptType,
	encodedPath string,
) *keystore.Keystore {
	t.Helper()
	logger := testLogger()
	keypath, err := signing.NewAbsoluteKeypath(encodedPath)
	require.NoError(t, err)
	xpub, err := dev.ExtendedPublicKey(context.Background(), keypath.Encode())
	require.NoError(t, err)
	account, err := signing.NewSinglesigConfiguration(scriptType, keypath, xpub)
	require.NoError(t, err)
	ks, err := keystore.NewKeystore(dev, account, 0, logger)
	require.NoError(t, err)
	return ks
}

func testConsumer(t *testing.T) (*Consumer, *device.Simulator, *eventRecorder) {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x9D
	}
	simulator, err := device.NewSimulator(seed, &chaincfg.TestNet3Params, testLogger())
	require.NoError(t, err)

	btcKeystore := accountKeystore(t, simulator, signing.ScriptTypeP2WPKH, "m/84'/1'/0'")
	ethKeystore := accountKeystore(t, simulator, signing.ScriptType(""), "m/44'/60'/0'")

	recorder := &eventRecorder{}
	consumer, err := NewConsumer(testLogger(), btcKeystore, ethKeystore, coin.CodeTBTC,
		recorder, metrics.NewSigningMetrics(), nil)
	require.NoError(t, err)
	return consumer, simulator, recorder
}

func rawPath(t *testing.T, encoded string) []uint32 {
	t.Helper()
	var path []uint32
	for _, segment := range strings.Split(encoded, "/") {
		if segment == "m" {
			continue
		}
		hardened := strings.HasSuffix(segment, "'")
		index, err := strconv.ParseUint(strings.TrimSuffix(segment, "'"), 10, 32)
		require.NoError(t, err)
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		path = append(path, uint32(index))
	}
	return path
}

// testPSBT builds an unsigned single-input packet spending the account's
// child 0/0.
func testPSBT(t *testing.T, account *signing.Configuration) string {
	t.Helper()
	suffix, err := signing.NewRelativeKeypath("0/0")
	require.NoError(t, err)
	child, err := account.Derive(suffix)
	require.NoError(t, err)
	address, err := btc.NewAddress(child, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	pkScript, err := address.PkScript()
	require.NoError(t, err)

	unsigned := wire.NewMsgTx(2)
	prevHash := chainhash.Hash{0xAB}
	unsigned.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 1), nil, nil))
	unsigned.AddTxOut(wire.NewTxOut(90000, pkScript))

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(100000, pkScript)
	pubKey, err := child.PublicKey()
	require.NoError(t, err)
	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:    pubKey.SerializeCompressed(),
		Bip32Path: rawPath(t, child.AbsoluteKeypath().Encode()),
	}}

	encoded, err := packet.B64Encode()
	require.NoError(t, err)
	return encoded
}

func testEthereumTask(t *testing.T, coinCode, keypath string, chainID uint64) *asynq.Task {
	t.Helper()
	to := ethcommon.HexToAddress("0x2CCCf5e0538493C235d1c5Ef6580f77d99E91396")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(1e15),
		Gas:      21000,
		GasPrice: big.NewInt(2e9),
	})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	task, err := tasks.NewSignEthereumTask(tasks.SignEthereumPayload{
		Coin:    coinCode,
		Tx:      raw,
		ChainID: chainID,
		Keypath: keypath,
	})
	require.NoError(t, err)
	return task
}

func TestConsumerBitcoinResult(t *testing.T) {
	consumer, _, _ := testConsumer(t)
	task, err := tasks.NewSignBitcoinTask(tasks.SignBitcoinPayload{
		Coin: "tbtc",
		PSBT: testPSBT(t, consumer.btcKeystore.Configuration()),
	})
	require.NoError(t, err)

	outcome, err := consumer.handleBitcoin(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.digests)
	require.Equal(t, "m/84'/1'/0'", outcome.keypath)

	var result tasks.SignBitcoinResult
	require.NoError(t, json.Unmarshal(outcome.result, &result))
	require.Len(t, result.Signatures, 1)
	require.True(t, strings.HasPrefix(result.Signatures[0].R, "0x"))
	require.Len(t, result.Signatures[0].R, 66)
	require.Len(t, result.Signatures[0].S, 66)

	var rendered wire.MsgTx
	require.NoError(t, rendered.Deserialize(bytes.NewReader(result.VerificationTx)))
	require.Len(t, rendered.TxIn, 1)
	require.NotEmpty(t, rendered.TxIn[0].SignatureScript)
}

func TestConsumerHandleBitcoinRecordsEvent(t *testing.T) {
	consumer, _, recorder := testConsumer(t)
	task, err := tasks.NewSignBitcoinTask(tasks.SignBitcoinPayload{
		Coin: "tbtc",
		PSBT: testPSBT(t, consumer.btcKeystore.Configuration()),
	})
	require.NoError(t, err)

	require.NoError(t, consumer.HandleBitcoin(context.Background(), task))
	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	require.Equal(t, tasks.TypeSignBitcoin, event.TaskType)
	require.Equal(t, audit.StatusCompleted, event.Status)
	require.Equal(t, "tbtc", event.Coin)
	require.Equal(t, "m/84'/1'/0'", event.Keypath)
	require.Equal(t, 1, event.Digests)
	require.Empty(t, event.Error)
}

func TestConsumerEthereumResult(t *testing.T) {
	consumer, simulator, _ := testConsumer(t)
	task := testEthereumTask(t, "eth", "m/44'/60'/0'/0/0", 1)

	outcome, err := consumer.handleEthereum(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.digests)

	var result tasks.SignEthereumResult
	require.NoError(t, json.Unmarshal(outcome.result, &result))

	var signedTx ethtypes.Transaction
	require.NoError(t, signedTx.UnmarshalBinary(result.RawTx))
	require.Equal(t, signedTx.Hash().Hex(), result.TxHash)

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1)), &signedTx)
	require.NoError(t, err)
	xpub, err := simulator.ExtendedPublicKey(context.Background(), "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	pubKey, err := xpub.ECPubKey()
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(*pubKey.ToECDSA()), sender)
}

func TestConsumerHandleEthereumRecordsEvent(t *testing.T) {
	consumer, _, recorder := testConsumer(t)
	task := testEthereumTask(t, "eth", "m/44'/60'/0'/0/0", 1)

	require.NoError(t, consumer.HandleEthereum(context.Background(), task))
	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	require.Equal(t, tasks.TypeSignEthereum, event.TaskType)
	require.Equal(t, audit.StatusCompleted, event.Status)
	require.Equal(t, "eth", event.Coin)
	require.Equal(t, "m/44'/60'/0'/0/0", event.Keypath)
}

func TestConsumerAbortArchivesTask(t *testing.T) {
	consumer, simulator, recorder := testConsumer(t)
	simulator.SetApproval(func(string) bool { return false })
	task, err := tasks.NewSignBitcoinTask(tasks.SignBitcoinPayload{
		Coin: "tbtc",
		PSBT: testPSBT(t, consumer.btcKeystore.Configuration()),
	})
	require.NoError(t, err)

	err = consumer.HandleBitcoin(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Len(t, recorder.events, 1)
	require.Equal(t, audit.StatusAborted, recorder.events[0].Status)
	require.Contains(t, recorder.events[0].Error, "aborted")
}

func TestConsumerRejectsForeignCoin(t *testing.T) {
	consumer, _, recorder := testConsumer(t)
	task := testEthereumTask(t, "btc", "m/44'/60'/0'/0/0", 1)

	err := consumer.HandleEthereum(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorContains(t, err, "not served")
	require.Len(t, recorder.events, 1)
	require.Equal(t, audit.StatusFailed, recorder.events[0].Status)
}

func TestConsumerRejectsForeignKeypath(t *testing.T) {
	consumer, _, _ := testConsumer(t)
	task := testEthereumTask(t, "eth", "m/44'/61'/0'/0/0", 1)

	err := consumer.HandleEthereum(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorContains(t, err, "does not extend")
}

func TestConsumerRejectsMalformedPayload(t *testing.T) {
	consumer, _, recorder := testConsumer(t)
	task := asynq.NewTask(tasks.TypeSignBitcoin, []byte("{"))

	err := consumer.HandleBitcoin(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Len(t, recorder.events, 1)
	require.Equal(t, audit.StatusFailed, recorder.events[0].Status)
}

func TestConsumerDeviceFaultIsRetryable(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x9D
	}
	simulator, err := device.NewSimulator(seed, &chaincfg.TestNet3Params, testLogger())
	require.NoError(t, err)

	// A healthy device hands out the configuration, then signing runs
	// against a faulted session.
	xpub, err := simulator.ExtendedPublicKey(context.Background(), "m/44'/60'/0'")
	require.NoError(t, err)
	keypath, err := signing.NewAbsoluteKeypath("m/44'/60'/0'")
	require.NoError(t, err)
	account, err := signing.NewSinglesigConfiguration(signing.ScriptType(""), keypath, xpub)
	require.NoError(t, err)
	ethKeystore, err := keystore.NewKeystore(failingDevice{}, account, 0, testLogger())
	require.NoError(t, err)

	recorder := &eventRecorder{}
	consumer, err := NewConsumer(testLogger(), ethKeystore, ethKeystore, coin.CodeTBTC,
		recorder, metrics.NewSigningMetrics(), nil)
	require.NoError(t, err)

	task := testEthereumTask(t, "eth", "m/44'/60'/0'/0/0", 1)
	err = consumer.HandleEthereum(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
	require.ErrorContains(t, err, "device busy")
	require.Len(t, recorder.events, 1)
	require.Equal(t, audit.StatusFailed, recorder.events[0].Status)
}
