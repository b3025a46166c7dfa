package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"text/tabwriter"
	"time"

	"fogcnn/internal/tensor"
)

// ErrNotCompiled is returned by training calls on a model without a loss and optimizer.
var ErrNotCompiled = errors.New("nn: model is not compiled")

// LossBinaryCrossEntropy is the only supported loss.
const LossBinaryCrossEntropy = "binary_crossentropy"

const epsilon = 1e-7

// Model is a sequential layer stack. It is not safe for concurrent use.
type Model struct {
	arch   Architecture
	layers []Layer
	params []*Param
	shapes []tensor.Shape
	out    tensor.Shape

	loss    string
	optSpec OptimizerSpec
	opt     Optimizer
}

// Stats summarises a batch or an evaluation pass.
type Stats struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// New builds an uncompiled model. Weights are drawn from a generator seeded
// with seed; 0 uses the current time.
func New(arch Architecture, seed int64) (*Model, error) {
	if !arch.Input.Valid() {
		return nil, fmt.Errorf("%w: invalid input shape %s", ErrShape, arch.Input)
	}
	if len(arch.Layers) == 0 {
		return nil, errors.New("nn: architecture has no layers")
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{arch: arch}
	shape := arch.Input
	for i, spec := range arch.Layers {
		l, err := newLayer(spec)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if shape, err = l.Build(shape, rng); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, spec.Kind, err)
		}
		m.layers = append(m.layers, l)
		m.shapes = append(m.shapes, shape)
		m.params = append(m.params, l.Params()...)
	}
	m.out = shape
	return m, nil
}

// Compile attaches a loss and optimizer. The output must be a single unit.
func (m *Model) Compile(loss string, opt OptimizerSpec) error {
	if loss != LossBinaryCrossEntropy {
		return fmt.Errorf("nn: unsupported loss %q", loss)
	}
	if m.out.Size() != 1 {
		return fmt.Errorf("%w: binary cross-entropy needs one output unit, model has %s", ErrShape, m.out)
	}
	o, err := NewOptimizer(opt)
	if err != nil {
		return err
	}
	m.loss, m.optSpec, m.opt = loss, opt, o
	return nil
}

func (m *Model) Compiled() bool               { return m.opt != nil }
func (m *Model) Architecture() Architecture   { return m.arch }
func (m *Model) InputShape() tensor.Shape     { return m.arch.Input }
func (m *Model) OutputShape() tensor.Shape    { return m.out }
func (m *Model) Loss() string                 { return m.loss }
func (m *Model) OptimizerSpec() OptimizerSpec { return m.optSpec }
func (m *Model) Params() []*Param             { return m.params }

// ParamCount is the number of trainable scalars.
func (m *Model) ParamCount() int {
	n := 0
	for _, p := range m.params {
		n += len(p.Value)
	}
	return n
}

func (m *Model) forward(x []float64, training bool) []float64 {
	for _, l := range m.layers {
		x = l.Forward(x, training)
	}
	return x
}

func (m *Model) checkInput(x []float64) error {
	if len(x) != m.arch.Input.Size() {
		return fmt.Errorf("%w: input has %d values, model expects %s", ErrShape, len(x), m.arch.Input)
	}
	return nil
}

// Predict returns the output vector for one sample.
func (m *Model) Predict(x []float64) ([]float64, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	out := m.forward(x, false)
	return append([]float64(nil), out...), nil
}

// PredictBatch returns the first output unit for every sample of b.
func (m *Model) PredictBatch(b tensor.Batch) ([]float64, error) {
	out := make([]float64, len(b.X))
	for i, x := range b.X {
		y, err := m.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = y[0]
	}
	return out, nil
}

func bce(p, y float64) float64 {
	p = math.Min(math.Max(p, epsilon), 1-epsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

func correct(p, y float64) bool { return (p >= 0.5) == (y >= 0.5) }

// TrainOnBatch runs one gradient step on b and returns the pre-update loss and accuracy.
func (m *Model) TrainOnBatch(b tensor.Batch) (Stats, error) {
	if !m.Compiled() {
		return Stats{}, ErrNotCompiled
	}
	if err := b.Check(); err != nil {
		return Stats{}, err
	}
	if b.Len() == 0 {
		return Stats{}, errors.New("nn: empty batch")
	}
	for _, x := range b.X {
		if err := m.checkInput(x); err != nil {
			return Stats{}, err
		}
	}
	var s Stats
	for i, x := range b.X {
		y := b.Y[i]
		p := m.accumulate(x, y)
		s.Loss += bce(p, y)
		if correct(p, y) {
			s.Accuracy++
		}
	}
	m.opt.Step(m.params, 1/float64(b.Len()))
	s.Samples = b.Len()
	s.Loss /= float64(s.Samples)
	s.Accuracy /= float64(s.Samples)
	return s, nil
}

// accumulate runs a training forward pass on x, adds its gradients to every
// parameter and returns the predicted probability.
func (m *Model) accumulate(x []float64, y float64) float64 {
	last := len(m.layers) - 1
	p := m.forward(x, true)[0]
	var grad []float64
	if d, ok := m.layers[last].(*Dense); ok && d.spec.Activation == "sigmoid" {
		// sigmoid + cross-entropy: gradient w.r.t. the logit is p - y
		grad = d.backwardPre([]float64{p - y})
	} else {
		pc := math.Min(math.Max(p, epsilon), 1-epsilon)
		grad = m.layers[last].Backward([]float64{(pc - y) / (pc * (1 - pc))})
	}
	for j := last - 1; j >= 0; j-- {
		grad = m.layers[j].Backward(grad)
	}
	return p
}

// TestOnBatch returns loss and accuracy on b without updating weights.
func (m *Model) TestOnBatch(b tensor.Batch) (Stats, error) {
	if err := b.Check(); err != nil {
		return Stats{}, err
	}
	if b.Len() == 0 {
		return Stats{}, errors.New("nn: empty batch")
	}
	var s Stats
	for i, x := range b.X {
		if err := m.checkInput(x); err != nil {
			return Stats{}, err
		}
		p := m.forward(x, false)[0]
		s.Loss += bce(p, b.Y[i])
		if correct(p, b.Y[i]) {
			s.Accuracy++
		}
	}
	s.Samples = b.Len()
	s.Loss /= float64(s.Samples)
	s.Accuracy /= float64(s.Samples)
	return s, nil
}

// Summary renders a layer table with output shapes and parameter counts.
func (m *Model) Summary() string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLayer\tOutput\tParams")
	shape := m.arch.Input
	fmt.Fprintf(tw, "-\tinput\t%s\t0\n", shape)
	for i, l := range m.layers {
		n := 0
		for _, p := range l.Params() {
			n += len(p.Value)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", i, describe(l.Spec()), m.shapes[i], n)
	}
	tw.Flush()
	fmt.Fprintf(&sb, "Total params: %d\n", m.ParamCount())
	return sb.String()
}

func describe(s LayerSpec) string {
	switch s.Kind {
	case KindConv2D:
		return fmt.Sprintf("conv2d(%d, %dx%d, %s, %s)", s.Filters, s.KernelH, s.KernelW, orDefault(s.Padding, "valid"), orDefault(s.Activation, "linear"))
	case KindMaxPool2D:
		return fmt.Sprintf("maxpool2d(%dx%d)", s.PoolH, s.PoolW)
	case KindDropout:
		return fmt.Sprintf("dropout(%.2f)", s.Rate)
	case KindDense:
		return fmt.Sprintf("dense(%d, %s)", s.Units, orDefault(s.Activation, "linear"))
	}
	return s.Kind
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
