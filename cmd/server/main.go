package main

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/keyfort/hwsign/internal/api"
	"github.com/keyfort/hwsign/internal/graceful"
	"github.com/keyfort/hwsign/internal/logging"
	"github.com/keyfort/hwsign/internal/metrics"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := newConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewLogger(cfg.LogFormat)

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{metrics.ServiceHTTP}, logger)
	defer func() {
		if metricsServer != nil {
			if err := metricsServer.Stop(ctx); err != nil {
				logger.Errorf("failed to stop metrics server: %v", err)
			}
		}
	}()

	asynqConnOpt, err := asynq.ParseRedisURI(cfg.Redis.URI)
	if err != nil {
		logger.Fatalf("failed to parse redis URI: %v", err)
	}

	asynqClient := asynq.NewClient(asynqConnOpt)
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Errorf("failed to close asynq client: %v", err)
		}
	}()
	asynqInspector := asynq.NewInspector(asynqConnOpt)

	srv := api.NewServer(cfg.Port, logger, metrics.HTTPMiddleware())
	api.NewSignHandlers(asynqClient, asynqInspector, logger).Register(srv.Echo())

	go func() {
		sig := <-graceful.MakeSigintChan()
		logger.Infof("received exit signal: %v", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Fatalf("failed to start server: %v", err)
	}
}
