package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDerivedValues(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.WindowSize(); got != 100 {
		t.Fatalf("window size: got %d want 100", got)
	}
	if got := cfg.WindowStride(); got != 50 {
		t.Fatalf("window stride: got %d want 50", got)
	}
	s := cfg.InputShape()
	if s.H != 100 || s.W != 9 || s.C != 1 {
		t.Fatalf("input shape: got %s", s)
	}
	if cfg.ModelName() != "model_fog" {
		t.Fatalf("model name: got %s", cfg.ModelName())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"full overlap", func(c *Config) { c.Window.Overlap = 1 }},
		{"val fraction one", func(c *Config) { c.Training.ValFraction = 1 }},
		{"no features", func(c *Config) { c.Data.FeatureCount = 0 }},
		{"tiny window", func(c *Config) { c.Window.Seconds = 0.001 }},
		{"stride rounds to zero", func(c *Config) { c.Window.Seconds = 0.01; c.Window.Overlap = 0.9 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mut(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSaveLoadRoundTripWithEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "fogcnn.yaml")
	cfg := Default()
	cfg.Training.Epochs = 3
	cfg.Data.Dir = "/from/yaml"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOG_DATA_DIR", "/from/env")
	t.Setenv("FOG_SEED", "42")
	t.Setenv("FOG_METRICS_ADDR", ":9464")
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Training.Epochs != 3 {
		t.Fatalf("epochs: got %d", got.Training.Epochs)
	}
	if got.Data.Dir != "/from/env" {
		t.Fatalf("env override not applied: %s", got.Data.Dir)
	}
	if got.Training.Seed != 42 {
		t.Fatalf("seed override not applied: %d", got.Training.Seed)
	}
	if got.Metrics.Addr != ":9464" {
		t.Fatalf("metrics override not applied: %q", got.Metrics.Addr)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("training:\n  batchSize: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Training.BatchSize != 8 || got.Data.FeatureCount != 9 {
		t.Fatalf("unexpected config: batch=%d features=%d", got.Training.BatchSize, got.Data.FeatureCount)
	}
}
