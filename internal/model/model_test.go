package model

import (
	"errors"
	"os"
	"testing"

	"fogcnn/internal/config"
	"fogcnn/internal/nn"
)

func tinyConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Data.SampleRate = 20
	cfg.Data.FeatureCount = 3
	cfg.Storage.ModelDir = t.TempDir()
	cfg.Training.Seed = 5
	cfg.Model.Layers = []config.LayerConfig{
		{Kind: nn.KindConv2D, Filters: 2, KernelH: 3, KernelW: 3, Padding: "same", Activation: "relu"},
		{Kind: nn.KindMaxPool2D, PoolH: 2, PoolW: 1},
		{Kind: nn.KindFlatten},
		{Kind: nn.KindDense, Units: 1, Activation: "sigmoid"},
	}
	return cfg
}

func TestDefaultArchitectureShapes(t *testing.T) {
	cfg := config.Default()
	m, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.Compiled() {
		t.Fatal("Build must return an uncompiled model")
	}
	if got := m.InputShape(); got != cfg.InputShape() {
		t.Fatalf("input %s want %s", got, cfg.InputShape())
	}
	if m.OutputShape().Size() != 1 {
		t.Fatalf("output %s", m.OutputShape())
	}
	// 100x9 same conv keeps the plane; 5x1 valid conv leaves 96x9x64
	conv1 := 9*9*1*64 + 64
	conv2 := 5*1*64*64 + 64
	dense := 96*9*64*128 + 128
	out := 128 + 1
	if got, want := m.ParamCount(), conv1+conv2+dense+out; got != want {
		t.Fatalf("params %d want %d", got, want)
	}
}

func TestArchitectureFromConfig(t *testing.T) {
	cfg := tinyConfig(t)
	arch := Architecture(cfg)
	if len(arch.Layers) != 4 || arch.Layers[1].PoolH != 2 {
		t.Fatalf("layers not mapped: %+v", arch.Layers)
	}
	if _, err := Factory(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Model.Loss = "hinge"
	if _, err := Factory(cfg); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSaveThenLoadTrained(t *testing.T) {
	cfg := tinyConfig(t)
	m, err := Factory(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(m, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadTrained(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Compiled() || loaded.ParamCount() != m.ParamCount() {
		t.Fatal("loaded model differs")
	}
	x := make([]float64, cfg.InputShape().Size())
	p, err := loaded.Predict(x)
	if err != nil || len(p) != 1 {
		t.Fatalf("predict: %v %v", p, err)
	}

	cfg.Data.FeatureCount = 4
	if _, err := LoadTrained(cfg); !errors.Is(err, nn.ErrShape) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	cfg.Data.Detection = "tremor"
	if _, err := LoadTrained(cfg); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing model, got %v", err)
	}
}
