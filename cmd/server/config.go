package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/keyfort/hwsign/internal/logging"
	"github.com/keyfort/hwsign/internal/metrics"
)

type config struct {
	LogFormat logging.LogFormat `envconfig:"LOG_FORMAT" default:"text"`
	Port      int               `envconfig:"SERVER_PORT" default:"8082"`
	Redis     redisConfig
	Metrics   metrics.Config
}

type redisConfig struct {
	URI string `envconfig:"REDIS_URI" default:"redis://localhost:6379"`
}

func newConfig() (config, error) {
	var cfg config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	return cfg, nil
}
