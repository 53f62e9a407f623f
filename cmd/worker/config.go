package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/keyfort/hwsign/internal/logging"
	"github.com/keyfort/hwsign/internal/metrics"
)

type config struct {
	LogFormat  logging.LogFormat `envconfig:"LOG_FORMAT" default:"text"`
	DevicePort int               `envconfig:"DEVICE_API_PORT" default:"8083"`
	HealthPort int               `envconfig:"HEALTH_PORT" default:"8084"`
	Redis      redisConfig
	Postgres   postgresConfig
	Device     deviceConfig
	Account    accountConfig
	DataDog    dataDog
	Metrics    metrics.Config
}

type redisConfig struct {
	URI string `envconfig:"REDIS_URI" default:"redis://localhost:6379"`
}

// postgresConfig is optional; without a DSN the worker keeps no audit trail.
type postgresConfig struct {
	DSN string `envconfig:"POSTGRES_DSN"`
}

type deviceConfig struct {
	Mnemonic     string        `envconfig:"DEVICE_MNEMONIC" required:"true"`
	Passphrase   string        `envconfig:"DEVICE_PASSPHRASE"`
	AutoApprove  bool          `envconfig:"DEVICE_AUTO_APPROVE" default:"true"`
	ApproveDelay time.Duration `envconfig:"DEVICE_APPROVE_DELAY" default:"2s"`
	SecureOutput bool          `envconfig:"DEVICE_SECURE_OUTPUT" default:"true"`
}

// accountConfig describes the accounts this worker signs for. BTCXpubs lists
// the account xpubs of every cosigner in order; leave it empty for a
// single-sig account backed by the device alone.
type accountConfig struct {
	BTCCoin       string   `envconfig:"ACCOUNT_BTC_COIN" default:"tbtc"`
	BTCScriptType string   `envconfig:"ACCOUNT_BTC_SCRIPT_TYPE" default:"p2wpkh"`
	BTCKeypath    string   `envconfig:"ACCOUNT_BTC_KEYPATH" default:"m/84'/1'/0'"`
	BTCXpubs      []string `envconfig:"ACCOUNT_BTC_XPUBS"`
	BTCThreshold  int      `envconfig:"ACCOUNT_BTC_THRESHOLD" default:"1"`
	ETHKeypath    string   `envconfig:"ACCOUNT_ETH_KEYPATH" default:"m/44'/60'/0'"`
}

// dataDog is optional; without a host no statsd events are emitted.
type dataDog struct {
	Host string
	Port string `default:"8125"`
}

func newConfig() (config, error) {
	var cfg config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	return cfg, nil
}
