package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"fogcnn/internal/tensor"
)

// Dense is a fully connected layer with kernel laid out as [in][units].
type Dense struct {
	spec LayerSpec
	n, m int
	w, b *Param

	act, deriv func(z, a float64) float64

	x, z, a []float64
}

func (l *Dense) Spec() LayerSpec  { return l.spec }
func (l *Dense) Params() []*Param { return []*Param{l.w, l.b} }

func (l *Dense) Build(in tensor.Shape, rng *rand.Rand) (tensor.Shape, error) {
	if l.spec.Units <= 0 {
		return tensor.Shape{}, fmt.Errorf("%w: dense needs positive units, got %d", ErrShape, l.spec.Units)
	}
	if in.H != 1 || in.W != 1 {
		return tensor.Shape{}, fmt.Errorf("%w: dense input %s must be flattened first", ErrShape, in)
	}
	var err error
	if l.act, l.deriv, err = activationFor(l.spec.Activation); err != nil {
		return tensor.Shape{}, err
	}
	l.n, l.m = in.Size(), l.spec.Units
	l.w = newParam("kernel", l.n*l.m)
	l.b = newParam("bias", l.m)
	glorotUniform(l.w.Value, l.n, l.m, rng)
	return tensor.Shape{H: 1, W: 1, C: l.m}, nil
}

func (l *Dense) Forward(x []float64, _ bool) []float64 {
	z := make([]float64, l.m)
	copy(z, l.b.Value)
	for i, v := range x {
		if v != 0 {
			floats.AddScaled(z, v, l.w.Value[i*l.m:(i+1)*l.m])
		}
	}
	a := make([]float64, l.m)
	for j, v := range z {
		a[j] = l.act(v, 0)
	}
	l.x, l.z, l.a = x, z, a
	return a
}

func (l *Dense) Backward(dy []float64) []float64 {
	dz := make([]float64, l.m)
	for j := range dy {
		dz[j] = dy[j] * l.deriv(l.z[j], l.a[j])
	}
	return l.backwardPre(dz)
}

// backwardPre back-propagates a gradient taken with respect to the pre-activation.
func (l *Dense) backwardPre(dz []float64) []float64 {
	floats.Add(l.b.Grad, dz)
	dx := make([]float64, l.n)
	for i, v := range l.x {
		row := l.w.Value[i*l.m : (i+1)*l.m]
		if v != 0 {
			floats.AddScaled(l.w.Grad[i*l.m:(i+1)*l.m], v, dz)
		}
		dx[i] = floats.Dot(row, dz)
	}
	return dx
}

// Flatten reshapes (h, w, c) into (1, 1, h*w*c). The layout is already flat, so values pass through.
type Flatten struct {
	spec LayerSpec
}

func (l *Flatten) Spec() LayerSpec  { return l.spec }
func (l *Flatten) Params() []*Param { return nil }

func (l *Flatten) Build(in tensor.Shape, _ *rand.Rand) (tensor.Shape, error) {
	return tensor.Shape{H: 1, W: 1, C: in.Size()}, nil
}

func (l *Flatten) Forward(x []float64, _ bool) []float64 { return x }
func (l *Flatten) Backward(dy []float64) []float64      { return dy }

// Dropout zeroes a Rate fraction of values while training and rescales the
// rest by 1/(1-Rate). It is the identity at inference.
type Dropout struct {
	spec LayerSpec
	rng  *rand.Rand
	mask []float64
}

func (l *Dropout) Spec() LayerSpec  { return l.spec }
func (l *Dropout) Params() []*Param { return nil }

func (l *Dropout) Build(in tensor.Shape, rng *rand.Rand) (tensor.Shape, error) {
	if l.spec.Rate < 0 || l.spec.Rate >= 1 {
		return tensor.Shape{}, fmt.Errorf("nn: dropout rate must be in [0,1), got %v", l.spec.Rate)
	}
	l.rng = rng
	return in, nil
}

func (l *Dropout) Forward(x []float64, training bool) []float64 {
	if !training || l.spec.Rate == 0 {
		l.mask = nil
		return x
	}
	keep := 1 - l.spec.Rate
	if len(l.mask) != len(x) {
		l.mask = make([]float64, len(x))
	}
	y := make([]float64, len(x))
	for i, v := range x {
		if l.rng.Float64() < keep {
			l.mask[i] = 1 / keep
		} else {
			l.mask[i] = 0
		}
		y[i] = v * l.mask[i]
	}
	return y
}

func (l *Dropout) Backward(dy []float64) []float64 {
	if l.mask == nil {
		return dy
	}
	dx := make([]float64, len(dy))
	for i, v := range dy {
		dx[i] = v * l.mask[i]
	}
	return dx
}
