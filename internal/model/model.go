package model

import (
	"fmt"

	"fogcnn/internal/config"
	"fogcnn/internal/nn"
	"fogcnn/internal/tensor"
)

// DefaultArchitecture is the FOG detector: two convolutions over the
// window x feature plane, each followed by dropout, then a dense head with a
// single sigmoid unit.
func DefaultArchitecture(input tensor.Shape) nn.Architecture {
	return nn.Architecture{
		Input: input,
		Layers: []nn.LayerSpec{
			{Kind: nn.KindConv2D, Filters: 64, KernelH: 9, KernelW: 9, Padding: "same", Activation: "relu"},
			{Kind: nn.KindDropout, Rate: 0.25},
			{Kind: nn.KindConv2D, Filters: 64, KernelH: 5, KernelW: 1, Padding: "valid", Activation: "relu"},
			{Kind: nn.KindDropout, Rate: 0.25},
			{Kind: nn.KindFlatten},
			{Kind: nn.KindDense, Units: 128, Activation: "relu"},
			{Kind: nn.KindDropout, Rate: 0.25},
			{Kind: nn.KindDense, Units: 1, Activation: "sigmoid"},
		},
	}
}

// Architecture returns the configured layer stack, or DefaultArchitecture
// when the config names none.
func Architecture(cfg config.Config) nn.Architecture {
	if len(cfg.Model.Layers) == 0 {
		return DefaultArchitecture(cfg.InputShape())
	}
	arch := nn.Architecture{Input: cfg.InputShape()}
	for _, l := range cfg.Model.Layers {
		arch.Layers = append(arch.Layers, nn.LayerSpec{
			Kind:       l.Kind,
			Filters:    l.Filters,
			KernelH:    l.KernelH,
			KernelW:    l.KernelW,
			Padding:    l.Padding,
			PoolH:      l.PoolH,
			PoolW:      l.PoolW,
			Units:      l.Units,
			Activation: l.Activation,
			Rate:       l.Rate,
		})
	}
	return arch
}

// Build returns a freshly initialised, uncompiled model.
func Build(cfg config.Config) (*nn.Model, error) {
	m, err := nn.New(Architecture(cfg), cfg.Training.Seed)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	return m, nil
}

// Compile attaches the configured loss and optimizer.
func Compile(m *nn.Model, cfg config.Config) error {
	opt := nn.OptimizerSpec{Name: cfg.Model.Optimizer.Name, LearningRate: cfg.Model.Optimizer.LearningRate}
	if err := m.Compile(cfg.Model.Loss, opt); err != nil {
		return fmt.Errorf("compile model: %w", err)
	}
	return nil
}

// Factory builds and compiles a model from cfg. It is what cross-validation
// calls once per fold.
func Factory(cfg config.Config) (*nn.Model, error) {
	m, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := Compile(m, cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadTrained restores the saved model for cfg's detection problem from the
// model directory. A model saved without a loss is compiled from cfg, and
// its input shape must match the configured window.
func LoadTrained(cfg config.Config) (*nn.Model, error) {
	m, err := nn.Load(cfg.Storage.ModelDir, cfg.ModelName())
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.ModelName(), err)
	}
	if m.InputShape() != cfg.InputShape() {
		return nil, fmt.Errorf("load %s: %w: saved input %s, configured %s", cfg.ModelName(), nn.ErrShape, m.InputShape(), cfg.InputShape())
	}
	if !m.Compiled() {
		if err := Compile(m, cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Save writes m under cfg's model directory and name.
func Save(m *nn.Model, cfg config.Config) error {
	if err := nn.Save(m, cfg.Storage.ModelDir, cfg.ModelName()); err != nil {
		return fmt.Errorf("save %s: %w", cfg.ModelName(), err)
	}
	return nil
}
