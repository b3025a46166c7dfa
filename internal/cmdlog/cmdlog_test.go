package cmdlog

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fogcnn/internal/logging"
	"fogcnn/internal/metrics"
)

func TestRunRecordsOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logging.Use(zap.New(core))
	defer logging.Use(prev)

	before := testutil.ToFloat64(metrics.CommandErrors.WithLabelValues("calibrate"))
	boom := errors.New("boom")
	if err := Run("calibrate", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := Run("calibrate", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	after := testutil.ToFloat64(metrics.CommandErrors.WithLabelValues("calibrate"))
	if after-before != 1 {
		t.Fatalf("error counter moved by %v", after-before)
	}
	if logs.FilterMessage("calibrate_error").Len() != 1 || logs.FilterMessage("calibrate_ok").Len() != 1 {
		t.Fatalf("unexpected log entries: %v", logs.All())
	}
}
