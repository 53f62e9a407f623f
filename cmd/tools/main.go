package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/keyfort/hwsign/internal/api"
	"github.com/keyfort/hwsign/internal/btc"
	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/signing"
	"github.com/keyfort/hwsign/internal/tasks"
	"github.com/keyfort/hwsign/internal/util"
)

var (
	host       = flag.String("host", "http://localhost:8082", "sign API host")
	workerHost = flag.String("worker-host", "http://localhost:8083", "worker device API host")
	flatPreset = flag.String("preset", "", "preset to execute")
	keypath    = flag.String("keypath", "m/44'/60'/0'/0/0", "key path to sign or derive with")
	chainID    = flag.Uint64("chain-id", 1, "ethereum chain id")
	to         = flag.String("to", "0x2CCCf5e0538493C235d1c5Ef6580f77d99E91396", "ethereum recipient")
	amount     = flag.String("amount", "0.001", "amount in native units")
	nonce      = flag.Uint64("nonce", 0, "ethereum nonce")
	coinCode   = flag.String("coin", "eth", "coin code")
	btcCoin    = flag.String("btc-coin", "tbtc", "bitcoin-family coin code")
	btcKeypath = flag.String("btc-keypath", "m/84'/1'/0'", "bitcoin account key path")
)

var presets = map[string]func(context.Context) error{
	"signEth": signEth,
	"signBtc": signBtc,
	"xpub":    xpub,
}

func main() {
	flag.Parse()

	if *flatPreset == "" {
		panic("preset is required")
	}
	preset, ok := presets[*flatPreset]
	if !ok {
		panic(fmt.Sprintf("unknown preset: %s", *flatPreset))
	}

	ctx := context.Background()
	err := preset(ctx)
	if err != nil {
		panic(err)
	}
}

func signEth(ctx context.Context) error {
	decimals, err := util.GetNativeDecimals(coin.Code(*coinCode))
	if err != nil {
		return err
	}
	value, err := util.ToBaseUnits(*amount, decimals)
	if err != nil {
		return fmt.Errorf("failed to parse amount: %w", err)
	}

	recipient := ethcommon.HexToAddress(*to)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    *nonce,
		To:       &recipient,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(2_000_000_000),
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	enqueued, err := enqueueTask("/v1/sign/ethereum", tasks.SignEthereumPayload{
		Coin:    *coinCode,
		Tx:      raw,
		ChainID: *chainID,
		Keypath: *keypath,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued task %s (%s %s to %s)\n",
		enqueued.TaskID, util.FromBaseUnits(value, decimals), *coinCode, *to)

	final, err := waitForTask(ctx, enqueued.TaskID)
	if err != nil {
		return err
	}
	fmt.Printf("task %s completed\n%s\n", final.TaskID, final.Result)
	return nil
}

// signBtc sends the worker a packet spending a synthetic utxo of its own
// account back to itself. The worker signs whatever previous output the
// packet claims; checking it against the chain is the wallet's business, so
// a made-up outpoint is enough to exercise the whole signing path.
func signBtc(ctx context.Context) error {
	code := coin.Code(*btcCoin)
	net, err := btc.NetParams(code)
	if err != nil {
		return err
	}
	decimals, err := util.GetNativeDecimals(code)
	if err != nil {
		return err
	}
	value, err := util.ToBaseUnits(*amount, decimals)
	if err != nil {
		return fmt.Errorf("failed to parse amount: %w", err)
	}
	const fee = 500
	if value.Cmp(big.NewInt(fee)) <= 0 {
		return fmt.Errorf("amount %s does not cover the %d sat fee", *amount, fee)
	}

	accountPath, err := signing.NewAbsoluteKeypath(*btcKeypath)
	if err != nil {
		return err
	}
	encodedXpub, err := fetchXpub(*btcCoin, accountPath.Encode())
	if err != nil {
		return err
	}
	accountKey, err := hdkeychain.NewKeyFromString(encodedXpub)
	if err != nil {
		return fmt.Errorf("failed to parse account xpub: %w", err)
	}
	account, err := signing.NewSinglesigConfiguration(
		signing.ScriptTypeP2WPKH, accountPath, accountKey)
	if err != nil {
		return err
	}

	suffix, err := signing.NewRelativeKeypath("0/0")
	if err != nil {
		return err
	}
	child, err := account.Derive(suffix)
	if err != nil {
		return err
	}
	address, err := btc.NewAddress(child, net)
	if err != nil {
		return err
	}
	pkScript, err := address.PkScript()
	if err != nil {
		return err
	}
	pubKey, err := child.PublicKey()
	if err != nil {
		return err
	}

	unsigned := wire.NewMsgTx(2)
	prevHash := chainhash.Hash{0xAB}
	unsigned.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	unsigned.AddTxOut(wire.NewTxOut(value.Int64()-fee, pkScript))

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return fmt.Errorf("failed to build packet: %w", err)
	}
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(value.Int64(), pkScript)
	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:    pubKey.SerializeCompressed(),
		Bip32Path: accountPath.Append(suffix).ToUint32(),
	}}
	encoded, err := packet.B64Encode()
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	enqueued, err := enqueueTask("/v1/sign/bitcoin", tasks.SignBitcoinPayload{
		Coin: *btcCoin,
		PSBT: encoded,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued task %s (%s %s from %s)\n",
		enqueued.TaskID, util.FromBaseUnits(value, decimals), *btcCoin, address.EncodeAddress())

	final, err := waitForTask(ctx, enqueued.TaskID)
	if err != nil {
		return err
	}
	var result tasks.SignBitcoinResult
	if err := json.Unmarshal(final.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	var rendered wire.MsgTx
	if err := rendered.Deserialize(bytes.NewReader(result.VerificationTx)); err != nil {
		return fmt.Errorf("failed to decode verification tx: %w", err)
	}
	fmt.Printf("task %s completed: %d signature(s), verification txid %s\n",
		final.TaskID, len(result.Signatures), rendered.TxHash())
	return nil
}

func xpub(context.Context) error {
	encodedXpub, err := fetchXpub(*coinCode, *keypath)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", *keypath, encodedXpub)
	return nil
}

func fetchXpub(coinArg, keypathArg string) (string, error) {
	query := url.Values{}
	query.Set("coin", coinArg)
	query.Set("keypath", keypathArg)

	res, err := http.DefaultClient.Get(*workerHost + "/v1/device/xpub?" + query.Encode())
	if err != nil {
		return "", fmt.Errorf("failed to make http call: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("xpub request rejected: %s: %s", res.Status, body)
	}

	r := &api.XpubResponse{}
	if err := json.Unmarshal(body, r); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return r.Xpub, nil
}

func enqueueTask(route string, payload any) (*api.EnqueueResponse, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	res, err := http.DefaultClient.Post(
		*host+route,
		"application/json",
		bytes.NewReader(reqBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to make http call: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("sign request rejected: %s: %s", res.Status, body)
	}

	r := &api.EnqueueResponse{}
	if err := json.Unmarshal(body, r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return r, nil
}

func taskStatus(taskID string) (*api.TaskStatusResponse, error) {
	res, err := http.DefaultClient.Get(*host + "/v1/tasks/" + taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to make http call: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request rejected: %s: %s", res.Status, body)
	}

	r := &api.TaskStatusResponse{}
	if err := json.Unmarshal(body, r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return r, nil
}

// waitForTask polls until the holder confirmed or dismissed the task on the
// device, or the deadline passes.
func waitForTask(ctx context.Context, taskID string) (*api.TaskStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
			status, err := taskStatus(taskID)
			if err != nil {
				return nil, err
			}
			switch status.State {
			case "completed":
				return status, nil
			case "archived":
				return nil, fmt.Errorf("task %s archived: %s", taskID, status.LastErr)
			default:
				fmt.Printf("task %s is %s\n", taskID, status.State)
			}
		}
	}
}
