package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Error type labels for signing failures.
const (
	ErrorTypeDecode   = "decode"
	ErrorTypeAborted  = "aborted"
	ErrorTypeProtocol = "protocol"
	ErrorTypeDevice   = "device"
)

var (
	// Sign task metrics
	signTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hwsign",
			Subsystem: "worker",
			Name:      "sign_tasks_total",
			Help:      "Total number of processed sign tasks",
		},
		[]string{"task_type", "status"}, // success, error
	)

	// Time spent per sign task, including the device interaction
	signDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hwsign",
			Subsystem: "worker",
			Name:      "sign_duration_seconds",
			Help:      "Time taken to complete a sign task",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"task_type"},
	)

	// Error rate tracking
	signErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hwsign",
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Total number of signing errors",
		},
		[]string{"task_type", "error_type"}, // decode, aborted, protocol, device
	)

	// Last completed sign task
	signLastTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hwsign",
			Subsystem: "worker",
			Name:      "last_sign_timestamp",
			Help:      "Timestamp of last completed sign task",
		},
	)

	// Tasks waiting for the device
	signQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hwsign",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of sign tasks waiting in the queue",
		},
	)
)

// SigningMetrics provides methods to update signing-related metrics
type SigningMetrics struct{}

// NewSigningMetrics creates a new instance of SigningMetrics
func NewSigningMetrics() *SigningMetrics {
	return &SigningMetrics{}
}

// RecordSignSuccess records a completed sign task
func (sm *SigningMetrics) RecordSignSuccess(taskType string, duration time.Duration) {
	signTasksTotal.WithLabelValues(taskType, "success").Inc()
	signDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	signLastTimestamp.Set(float64(time.Now().Unix()))
}

// RecordSignError records a failed sign task with an error classification
func (sm *SigningMetrics) RecordSignError(taskType string, errorType string, duration time.Duration) {
	signTasksTotal.WithLabelValues(taskType, "error").Inc()
	signDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	signErrorsTotal.WithLabelValues(taskType, errorType).Inc()
}

// UpdateQueueDepth updates the number of queued sign tasks
func (sm *SigningMetrics) UpdateQueueDepth(count int) {
	signQueueDepth.Set(float64(count))
}

// QueueDepthCounter interface for querying queued task counts
type QueueDepthCounter interface {
	CountPendingTasks(ctx context.Context) (int, error)
}

// StartMetricsUpdater starts a goroutine that periodically updates queue metrics
func (sm *SigningMetrics) StartMetricsUpdater(ctx context.Context, counter QueueDepthCounter) {
	ticker := time.NewTicker(30 * time.Second) // Update every 30 seconds
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := counter.CountPendingTasks(ctx); err == nil {
				sm.UpdateQueueDepth(count)
			}
		}
	}
}
