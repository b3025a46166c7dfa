package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesTrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fogcnn_batches_trained_total",
		Help: "Total training batches applied to the model",
	})
	WindowsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fogcnn_windows_emitted_total",
		Help: "Total sensor windows produced by the windowing iterator",
	})
	EpochsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fogcnn_epochs_completed_total",
		Help: "Total training epochs completed",
	})
	BatchLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fogcnn_batch_loss",
		Help: "Loss of the most recent training batch",
	})
	ValAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fogcnn_validation_accuracy",
		Help: "Validation accuracy at the end of the most recent epoch",
	})
	EpochDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fogcnn_epoch_duration_seconds",
		Help:    "Training epoch duration seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fogcnn_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fogcnn_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(BatchesTrained, WindowsEmitted, EpochsCompleted, BatchLoss,
		ValAccuracy, EpochDuration, CommandRuns, CommandErrors)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090") and
// reports whether it did. An empty addr disables the server.
func StartServer(addr string) bool {
	if addr == "" {
		return false
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
	return true
}

// ObserveEpoch records a finished epoch.
func ObserveEpoch(d time.Duration, valAcc float64) {
	EpochsCompleted.Inc()
	EpochDuration.Observe(d.Seconds())
	ValAccuracy.Set(valAcc)
}

// ObserveBatch records a finished training batch.
func ObserveBatch(loss float64) {
	BatchesTrained.Inc()
	BatchLoss.Set(loss)
}

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
