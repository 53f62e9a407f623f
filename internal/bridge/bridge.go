// Package bridge consumes sign tasks from the queue and executes them
// against the worker's single device session.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/keyfort/hwsign/internal/audit"
	"github.com/keyfort/hwsign/internal/btc"
	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/eth"
	"github.com/keyfort/hwsign/internal/keystore"
	"github.com/keyfort/hwsign/internal/metrics"
	"github.com/keyfort/hwsign/internal/signing"
	"github.com/keyfort/hwsign/internal/tasks"
)

// consumeTimeout bounds one task including the holder's confirmation on the
// device.
const consumeTimeout = 10 * time.Minute

// errBadRequest marks payloads that can never sign successfully; such tasks
// are archived instead of retried.
var errBadRequest = errors.New("invalid sign request")

// EventRecorder persists finished sign attempts.
type EventRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Consumer executes sign tasks serially against the worker's keystores.
type Consumer struct {
	logger      *logrus.Entry
	btcKeystore *keystore.Keystore
	ethKeystore *keystore.Keystore
	btcCoin     coin.Code
	btcNet      *chaincfg.Params
	recorder    EventRecorder
	metrics     *metrics.SigningMetrics
	statsd      *statsd.Client
}

// NewConsumer wires the worker's keystores to the task queue. btcCoin names
// the Bitcoin-family network the worker's account lives on; recorder and
// statsdClient may be nil.
func NewConsumer(
	logger *logrus.Logger,
	btcKeystore *keystore.Keystore,
	ethKeystore *keystore.Keystore,
	btcCoin coin.Code,
	recorder EventRecorder,
	signingMetrics *metrics.SigningMetrics,
	statsdClient *statsd.Client,
) (*Consumer, error) {
	net, err := btc.NetParams(btcCoin)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain parameters: %w", err)
	}
	return &Consumer{
		logger:      logger.WithField("pkg", "bridge.Consumer"),
		btcKeystore: btcKeystore,
		ethKeystore: ethKeystore,
		btcCoin:     btcCoin,
		btcNet:      net,
		recorder:    recorder,
		metrics:     signingMetrics,
		statsd:      statsdClient,
	}, nil
}

// signOutcome carries what a handler learned about a task, for the audit
// trail and the task result.
type signOutcome struct {
	coinCode coin.Code
	keypath  string
	digests  int
	result   []byte
}

// HandleBitcoin consumes one sign:bitcoin task.
func (c *Consumer) HandleBitcoin(ctx context.Context, t *asynq.Task) error {
	return c.process(ctx, t, tasks.TypeSignBitcoin, c.handleBitcoin)
}

// HandleEthereum consumes one sign:ethereum task.
func (c *Consumer) HandleEthereum(ctx context.Context, t *asynq.Task) error {
	return c.process(ctx, t, tasks.TypeSignEthereum, c.handleEthereum)
}

func (c *Consumer) process(
	ctx context.Context,
	t *asynq.Task,
	taskType string,
	handle func(context.Context, *asynq.Task) (*signOutcome, error),
) error {
	ctx, cancel := context.WithTimeout(ctx, consumeTimeout)
	defer cancel()

	taskID, _ := asynq.GetTaskID(ctx)
	log := c.logger.WithFields(logrus.Fields{"taskID": taskID, "taskType": taskType})

	start := time.Now()
	outcome, err := handle(ctx, t)
	elapsed := time.Since(start)

	event := audit.Event{
		TaskID:   taskID,
		TaskType: taskType,
		Duration: elapsed,
	}
	if outcome != nil {
		event.Coin = string(outcome.coinCode)
		event.Keypath = outcome.keypath
		event.Digests = outcome.digests
	}

	if err == nil {
		event.Status = audit.StatusCompleted
		c.metrics.RecordSignSuccess(taskType, elapsed)
		c.emitStatsd(taskType, event.Status, elapsed)
		c.record(ctx, event)
		// The result writer is only attached to tasks dequeued by an asynq
		// server.
		if w := t.ResultWriter(); w != nil {
			if _, er := w.Write(outcome.result); er != nil {
				log.WithError(er).Error("failed to write task result")
			}
		}
		log.WithField("duration", elapsed).Info("sign task completed")
		return nil
	}

	status, errorType, retryable := classify(err)
	event.Status = status
	event.Error = err.Error()
	c.metrics.RecordSignError(taskType, errorType, elapsed)
	c.emitStatsd(taskType, status, elapsed)
	c.record(ctx, event)

	log.WithError(err).WithField("errorType", errorType).Error("failed to handle sign task")
	if retryable {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// classify buckets a sign failure for metrics and decides whether another
// attempt can succeed.
func classify(err error) (status string, errorType string, retryable bool) {
	switch {
	case errors.Is(err, keystore.ErrSigningAborted):
		return audit.StatusAborted, metrics.ErrorTypeAborted, false
	case errors.Is(err, keystore.ErrProtocolViolation):
		return audit.StatusFailed, metrics.ErrorTypeProtocol, false
	case errors.Is(err, errBadRequest):
		return audit.StatusFailed, metrics.ErrorTypeDecode, false
	default:
		// Device and transport faults may clear up between attempts.
		return audit.StatusFailed, metrics.ErrorTypeDevice, true
	}
}

func (c *Consumer) record(ctx context.Context, event audit.Event) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, event); err != nil {
		c.logger.WithError(err).Warn("failed to record sign event")
	}
}

func (c *Consumer) emitStatsd(taskType, status string, elapsed time.Duration) {
	if c.statsd == nil {
		return
	}
	tags := []string{"task_type:" + taskType, "status:" + status}
	_ = c.statsd.Timing("hwsign.sign.duration", elapsed, tags, 1)
	_ = c.statsd.Incr("hwsign.sign.total", tags, 1)
}

func (c *Consumer) handleBitcoin(ctx context.Context, t *asynq.Task) (*signOutcome, error) {
	var payload tasks.SignBitcoinPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal payload: %v", errBadRequest, err)
	}
	account := c.btcKeystore.Configuration()
	outcome := &signOutcome{
		coinCode: coin.Code(payload.Coin),
		keypath:  account.AbsoluteKeypath().Encode(),
	}

	if coin.Code(payload.Coin) != c.btcCoin {
		return outcome, fmt.Errorf("%w: coin %q not served by this worker", errBadRequest, payload.Coin)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.PSBT)
	if err != nil {
		return outcome, fmt.Errorf("%w: psbt is not valid base64: %v", errBadRequest, err)
	}
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return outcome, fmt.Errorf("%w: failed to parse psbt: %v", errBadRequest, err)
	}
	proposal, err := btc.FromPacket(c.btcCoin, packet, account, c.btcNet)
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	outcome.digests = len(proposal.Transaction.TxIn)

	if err := c.btcKeystore.SignTransaction(ctx, proposal); err != nil {
		return outcome, err
	}

	cosignerIndex := c.btcKeystore.CosignerIndex()
	result := tasks.SignBitcoinResult{
		Signatures: make([]tasks.SignatureEntry, len(proposal.Signatures)),
	}
	for i, row := range proposal.Signatures {
		signature := row[cosignerIndex]
		result.Signatures[i] = tasks.SignatureEntry{
			R:     hexutil.Encode(math.PaddedBigBytes(signature.R, 32)),
			S:     hexutil.Encode(math.PaddedBigBytes(signature.S, 32)),
			RecID: signature.RecID,
		}
	}
	verificationTx, err := proposal.SerializeForVerification()
	if err != nil {
		return outcome, err
	}
	result.VerificationTx = verificationTx

	b, err := json.Marshal(result)
	if err != nil {
		return outcome, fmt.Errorf("failed to marshal result: %w", err)
	}
	outcome.result = b
	return outcome, nil
}

func (c *Consumer) handleEthereum(ctx context.Context, t *asynq.Task) (*signOutcome, error) {
	var payload tasks.SignEthereumPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal payload: %v", errBadRequest, err)
	}
	outcome := &signOutcome{
		coinCode: coin.Code(payload.Coin),
		keypath:  payload.Keypath,
	}

	if coin.Code(payload.Coin) != coin.CodeETH {
		return outcome, fmt.Errorf("%w: coin %q not served by this worker", errBadRequest, payload.Coin)
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(payload.Tx); err != nil {
		return outcome, fmt.Errorf("%w: failed to decode transaction: %v", errBadRequest, err)
	}
	keypath, err := signing.NewAbsoluteKeypath(payload.Keypath)
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	// The requested path must stay inside the configured account.
	if _, err := keypath.TrimPrefix(c.ethKeystore.Configuration().AbsoluteKeypath()); err != nil {
		return outcome, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	proposal, err := eth.NewTxProposal(coin.CodeETH, new(big.Int).SetUint64(payload.ChainID), tx, keypath)
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	outcome.digests = 1

	if err := c.ethKeystore.SignTransaction(ctx, proposal); err != nil {
		return outcome, err
	}

	rawTx, err := proposal.Tx.MarshalBinary()
	if err != nil {
		return outcome, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	b, err := json.Marshal(tasks.SignEthereumResult{
		RawTx:  rawTx,
		TxHash: proposal.Tx.Hash().Hex(),
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to marshal result: %w", err)
	}
	outcome.result = b
	return outcome, nil
}
