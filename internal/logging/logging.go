package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogFormat selects the logrus output format. Decoded from the LOG_FORMAT
// environment variable by envconfig.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// NewLogger builds the process-wide logger. Unknown formats fall back to text
// so a typo in LOG_FORMAT never leaves a service without logs.
func NewLogger(format LogFormat) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.DebugLevel)

	switch format {
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}
