// Package nn is a small sequential neural-network library: 2-D convolution,
// pooling, dropout, flatten and dense layers trained with binary
// cross-entropy through RMSprop, Adam or SGD. Samples are flat channels-last
// slices, processed one at a time with gradients accumulated per batch.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"fogcnn/internal/tensor"
)

// ErrShape reports an input or layer configuration whose dimensions do not fit.
var ErrShape = errors.New("nn: shape mismatch")

// Layer kinds understood by LayerSpec.
const (
	KindConv2D    = "conv2d"
	KindMaxPool2D = "maxpool2d"
	KindDropout   = "dropout"
	KindFlatten   = "flatten"
	KindDense     = "dense"
)

// LayerSpec declares one layer. Unused fields stay zero.
type LayerSpec struct {
	Kind       string  `yaml:"kind"`
	Filters    int     `yaml:"filters,omitempty"`
	KernelH    int     `yaml:"kernelH,omitempty"`
	KernelW    int     `yaml:"kernelW,omitempty"`
	Padding    string  `yaml:"padding,omitempty"` // "same" or "valid"
	PoolH      int     `yaml:"poolH,omitempty"`
	PoolW      int     `yaml:"poolW,omitempty"`
	Units      int     `yaml:"units,omitempty"`
	Activation string  `yaml:"activation,omitempty"`
	Rate       float64 `yaml:"rate,omitempty"`
}

// Architecture is an input shape followed by an ordered layer stack.
type Architecture struct {
	Input  tensor.Shape `yaml:"input"`
	Layers []LayerSpec  `yaml:"layers"`
}

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, n int) *Param {
	return &Param{Name: name, Value: make([]float64, n), Grad: make([]float64, n)}
}

// Layer is one stage of a sequential model. Forward caches what Backward
// needs, so a Backward call always refers to the latest Forward.
type Layer interface {
	Spec() LayerSpec
	Build(in tensor.Shape, rng *rand.Rand) (tensor.Shape, error)
	Forward(x []float64, training bool) []float64
	// Backward takes dLoss/dOutput, accumulates parameter gradients and returns dLoss/dInput.
	Backward(dy []float64) []float64
	Params() []*Param
}

func newLayer(spec LayerSpec) (Layer, error) {
	switch spec.Kind {
	case KindConv2D:
		return &Conv2D{spec: spec}, nil
	case KindMaxPool2D:
		return &MaxPool2D{spec: spec}, nil
	case KindDropout:
		return &Dropout{spec: spec}, nil
	case KindFlatten:
		return &Flatten{spec: spec}, nil
	case KindDense:
		return &Dense{spec: spec}, nil
	}
	return nil, fmt.Errorf("nn: unknown layer kind %q", spec.Kind)
}

func activationFor(name string) (act, deriv func(z, a float64) float64, err error) {
	switch name {
	case "", "linear":
		return func(z, _ float64) float64 { return z }, func(_, _ float64) float64 { return 1 }, nil
	case "relu":
		return func(z, _ float64) float64 { return math.Max(0, z) },
			func(z, _ float64) float64 {
				if z > 0 {
					return 1
				}
				return 0
			}, nil
	case "sigmoid":
		return func(z, _ float64) float64 { return Sigmoid(z) }, func(_, a float64) float64 { return a * (1 - a) }, nil
	case "tanh":
		return func(z, _ float64) float64 { return math.Tanh(z) }, func(_, a float64) float64 { return 1 - a*a }, nil
	}
	return nil, nil, fmt.Errorf("nn: unknown activation %q", name)
}

// Sigmoid is the logistic function 1/(1+e^-x).
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// glorotUniform fills w from U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func glorotUniform(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
}
