package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	ObserveBatch(0.69)
	WindowsEmitted.Add(50)
	ObserveEpoch(1500*time.Millisecond, 0.8)
	IncCommandRun("train")
	IncCommandError("train")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"fogcnn_batches_trained_total",
		"fogcnn_windows_emitted_total",
		"fogcnn_epochs_completed_total",
		"fogcnn_batch_loss 0.69",
		"fogcnn_validation_accuracy 0.8",
		"fogcnn_epoch_duration_seconds",
		`fogcnn_command_errors_total{command="train"}`,
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}

func TestStartServerNeedsAddr(t *testing.T) {
	t.Setenv("METRICS_ADDR", "127.0.0.1:0")
	if StartServer("") {
		t.Fatal("server started without an address")
	}
}
