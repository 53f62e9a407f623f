package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config holds metrics server configuration
type Config struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
	Port    int  `envconfig:"METRICS_PORT" default:"8081"`
}

// MetricsServer serves the Prometheus scrape endpoint
type MetricsServer struct {
	echo   *echo.Echo
	port   int
	logger *logrus.Logger
}

// StartMetricsServer registers the collectors for the given services and
// starts the /metrics endpoint in the background. Returns nil when metrics
// are disabled.
func StartMetricsServer(cfg Config, services []string, logger *logrus.Logger) *MetricsServer {
	if !cfg.Enabled {
		logger.Info("metrics server disabled")
		return nil
	}

	RegisterMetrics(services, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	server := &MetricsServer{
		echo:   e,
		port:   cfg.Port,
		logger: logger,
	}

	go func() {
		err := e.Start(fmt.Sprintf(":%d", cfg.Port))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server failed: %v", err)
		}
	}()
	logger.Infof("metrics server listening on port %d", cfg.Port)

	return server
}

// Stop gracefully shuts down the metrics server
func (ms *MetricsServer) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ms.echo.Shutdown(shutdownCtx)
}
