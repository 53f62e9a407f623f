package metrics

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	logger := testLogger()

	require.NotPanics(t, func() {
		RegisterMetrics([]string{ServiceHTTP, ServiceWorker}, logger)
		RegisterMetrics([]string{ServiceHTTP, ServiceWorker}, logger)
	})
}

func TestRegisterMetricsUnknownService(t *testing.T) {
	logger := testLogger()

	require.NotPanics(t, func() {
		RegisterMetrics([]string{"telegraph"}, logger)
	})
}

func TestSigningMetricsRecording(t *testing.T) {
	logger := testLogger()
	RegisterMetrics([]string{ServiceWorker}, logger)

	sm := NewSigningMetrics()
	require.NotPanics(t, func() {
		sm.RecordSignSuccess("sign:bitcoin", 250*time.Millisecond)
		sm.RecordSignError("sign:ethereum", ErrorTypeAborted, time.Second)
		sm.UpdateQueueDepth(3)
	})
}
