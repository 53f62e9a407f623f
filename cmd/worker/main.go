package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/keyfort/hwsign/internal/api"
	"github.com/keyfort/hwsign/internal/audit"
	"github.com/keyfort/hwsign/internal/bridge"
	"github.com/keyfort/hwsign/internal/btc"
	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/device"
	"github.com/keyfort/hwsign/internal/graceful"
	"github.com/keyfort/hwsign/internal/health"
	"github.com/keyfort/hwsign/internal/keystore"
	"github.com/keyfort/hwsign/internal/logging"
	"github.com/keyfort/hwsign/internal/metrics"
	"github.com/keyfort/hwsign/internal/signing"
	"github.com/keyfort/hwsign/internal/tasks"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := newConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewLogger(cfg.LogFormat)

	btcCoin := coin.Code(cfg.Account.BTCCoin)
	net, err := btc.NetParams(btcCoin)
	if err != nil {
		logger.Fatalf("failed to resolve chain parameters: %v", err)
	}

	simulator, err := device.NewSimulatorFromMnemonic(
		cfg.Device.Mnemonic, cfg.Device.Passphrase, net, logger)
	if err != nil {
		logger.Fatalf("failed to initialize device: %v", err)
	}
	simulator.SetInteractionDelay(cfg.Device.ApproveDelay)
	simulator.SetSecureOutput(cfg.Device.SecureOutput)
	if !cfg.Device.AutoApprove {
		simulator.SetApproval(func(string) bool { return false })
	}

	btcKeystore, err := buildBTCKeystore(ctx, cfg, simulator, logger)
	if err != nil {
		logger.Fatalf("failed to build bitcoin keystore: %v", err)
	}
	ethKeystore, err := buildETHKeystore(ctx, cfg, simulator, logger)
	if err != nil {
		logger.Fatalf("failed to build ethereum keystore: %v", err)
	}
	logger.Infof("signing as cosigner %d of %s",
		btcKeystore.CosignerIndex(), btcKeystore.Configuration())

	var sdClient *statsd.Client
	if cfg.DataDog.Host != "" {
		sdClient, err = statsd.New(cfg.DataDog.Host + ":" + cfg.DataDog.Port)
		if err != nil {
			logger.Fatalf("failed to initialize StatsD client: %v", err)
		}
	}

	var recorder bridge.EventRecorder
	if cfg.Postgres.DSN != "" {
		pgPool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to initialize Postgres pool: %v", err)
		}
		defer pgPool.Close()
		store := audit.NewStore(pgPool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatalf("failed to ensure audit schema: %v", err)
		}
		recorder = store
	}

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{metrics.ServiceWorker}, logger)
	defer func() {
		if metricsServer != nil {
			if err := metricsServer.Stop(ctx); err != nil {
				logger.Errorf("failed to stop metrics server: %v", err)
			}
		}
	}()
	signingMetrics := metrics.NewSigningMetrics()

	consumer, err := bridge.NewConsumer(
		logger, btcKeystore, ethKeystore, btcCoin, recorder, signingMetrics, sdClient)
	if err != nil {
		logger.Fatalf("failed to initialize consumer: %v", err)
	}

	redisOptions, err := asynq.ParseRedisURI(cfg.Redis.URI)
	if err != nil {
		logger.Fatalf("failed to parse redis URI: %v", err)
	}

	// One task at a time; the device talks the holder through one
	// transaction per session anyway.
	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: 1,
			Queues: map[string]int{
				tasks.QueueSign: 1,
			},
		},
	)

	inspector := asynq.NewInspector(redisOptions)
	go signingMetrics.StartMetricsUpdater(ctx, queueDepth{inspector: inspector})

	deviceServer := api.NewServer(cfg.DevicePort, logger)
	api.NewDeviceHandlers(map[coin.Code]*keystore.Keystore{
		btcCoin:      btcKeystore,
		coin.CodeETH: ethKeystore,
	}, logger).Register(deviceServer.Echo())

	healthServer := health.New(cfg.HealthPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthServer.Start(gctx, logger)
	})
	g.Go(func() error {
		return deviceServer.Start(gctx)
	})

	go func() {
		sig := <-graceful.MakeSigintChan()
		logger.Infof("received exit signal: %v", sig)
		cancel()
	}()

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSignBitcoin, consumer.HandleBitcoin)
	mux.HandleFunc(tasks.TypeSignEthereum, consumer.HandleEthereum)
	if err := srv.Run(mux); err != nil {
		logger.Fatalf("failed to run consumer: %v", err)
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Errorf("auxiliary server failed: %v", err)
	}
}

// buildBTCKeystore assembles the Bitcoin-family account. With no configured
// cosigner xpubs the device's own account key forms a single-sig account;
// otherwise the device must be one of the listed cosigners and signs at its
// position in that list.
func buildBTCKeystore(
	ctx context.Context,
	cfg config,
	dev device.Device,
	logger *logrus.Logger,
) (*keystore.Keystore, error) {
	scriptType, err := signing.DecodeScriptType(cfg.Account.BTCScriptType)
	if err != nil {
		return nil, err
	}
	keypath, err := signing.NewAbsoluteKeypath(cfg.Account.BTCKeypath)
	if err != nil {
		return nil, err
	}
	own, err := dev.ExtendedPublicKey(ctx, keypath.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to read account xpub from device: %w", err)
	}

	if len(cfg.Account.BTCXpubs) == 0 {
		configuration, err := signing.NewSinglesigConfiguration(scriptType, keypath, own)
		if err != nil {
			return nil, err
		}
		return keystore.NewKeystore(dev, configuration, 0, logger)
	}

	cosignerIndex := -1
	xpubs := make([]*hdkeychain.ExtendedKey, len(cfg.Account.BTCXpubs))
	for i, encoded := range cfg.Account.BTCXpubs {
		xpubs[i], err = hdkeychain.NewKeyFromString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("failed to parse cosigner xpub %d: %w", i, err)
		}
		if xpubs[i].String() == own.String() {
			cosignerIndex = i
		}
	}
	if cosignerIndex < 0 {
		return nil, fmt.Errorf("device xpub %s is not among the configured cosigners", own)
	}
	configuration, err := signing.NewConfiguration(
		scriptType, keypath, xpubs, cfg.Account.BTCThreshold)
	if err != nil {
		return nil, err
	}
	return keystore.NewKeystore(dev, configuration, cosignerIndex, logger)
}

func buildETHKeystore(
	ctx context.Context,
	cfg config,
	dev device.Device,
	logger *logrus.Logger,
) (*keystore.Keystore, error) {
	keypath, err := signing.NewAbsoluteKeypath(cfg.Account.ETHKeypath)
	if err != nil {
		return nil, err
	}
	xpub, err := dev.ExtendedPublicKey(ctx, keypath.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to read account xpub from device: %w", err)
	}
	configuration, err := signing.NewSinglesigConfiguration(signing.ScriptType(""), keypath, xpub)
	if err != nil {
		return nil, err
	}
	return keystore.NewKeystore(dev, configuration, 0, logger)
}

// queueDepth adapts the asynq inspector to the metrics updater.
type queueDepth struct {
	inspector *asynq.Inspector
}

func (q queueDepth) CountPendingTasks(context.Context) (int, error) {
	info, err := q.inspector.GetQueueInfo(tasks.QueueSign)
	if err != nil {
		return 0, err
	}
	return info.Pending, nil
}
