package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newTestLogger installs an observed logger and restores the previous one on cleanup.
func newTestLogger(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	core, recorded := observer.New(level)
	prev := Use(zap.New(core))
	t.Cleanup(func() { Use(prev) })
	return recorded
}

func TestInfoCarriesFields(t *testing.T) {
	logs := newTestLogger(t, zapcore.InfoLevel)
	Info("epoch_end", map[string]any{"epoch": 2, "val_acc": 0.75})
	Debug("hidden", nil)

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	e := logs.All()[0]
	if e.Message != "epoch_end" {
		t.Fatalf("message: %s", e.Message)
	}
	ctx := e.ContextMap()
	if ctx["epoch"] != int64(2) {
		t.Fatalf("epoch field: %#v", ctx["epoch"])
	}
	if ctx["val_acc"] != 0.75 {
		t.Fatalf("val_acc field: %#v", ctx["val_acc"])
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Use(prev) })
	if err := Init("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := Init("warn"); err != nil {
		t.Fatal(err)
	}
}
