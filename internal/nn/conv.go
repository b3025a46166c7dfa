package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"fogcnn/internal/tensor"
)

// Conv2D is a stride-1 2-D convolution. The kernel is laid out as
// [kh][kw][inC][filters] so the filters for one input tap are contiguous.
type Conv2D struct {
	spec LayerSpec

	in, out tensor.Shape
	pt, pl  int // top/left padding
	w, b    *Param

	act, deriv func(z, a float64) float64

	x, z, a []float64
}

func (l *Conv2D) Spec() LayerSpec  { return l.spec }
func (l *Conv2D) Params() []*Param { return []*Param{l.w, l.b} }

func (l *Conv2D) Build(in tensor.Shape, rng *rand.Rand) (tensor.Shape, error) {
	s := l.spec
	if s.Filters <= 0 || s.KernelH <= 0 || s.KernelW <= 0 {
		return tensor.Shape{}, fmt.Errorf("%w: conv2d needs positive filters and kernel, got %d %dx%d", ErrShape, s.Filters, s.KernelH, s.KernelW)
	}
	var err error
	if l.act, l.deriv, err = activationFor(s.Activation); err != nil {
		return tensor.Shape{}, err
	}
	l.in = in
	switch s.Padding {
	case "same":
		l.out = tensor.Shape{H: in.H, W: in.W, C: s.Filters}
		l.pt, l.pl = (s.KernelH-1)/2, (s.KernelW-1)/2
	case "", "valid":
		l.out = tensor.Shape{H: in.H - s.KernelH + 1, W: in.W - s.KernelW + 1, C: s.Filters}
		l.pt, l.pl = 0, 0
	default:
		return tensor.Shape{}, fmt.Errorf("nn: unknown padding %q", s.Padding)
	}
	if !l.out.Valid() {
		return tensor.Shape{}, fmt.Errorf("%w: %dx%d kernel does not fit input %s", ErrShape, s.KernelH, s.KernelW, in)
	}
	taps := s.KernelH * s.KernelW * in.C
	l.w = newParam("kernel", taps*s.Filters)
	l.b = newParam("bias", s.Filters)
	glorotUniform(l.w.Value, taps, s.KernelH*s.KernelW*s.Filters, rng)
	return l.out, nil
}

// each visits every (output position, kernel tap) pair that lands inside the input.
func (l *Conv2D) each(fn func(outOff, inOff, tapOff int)) {
	in, out, F := l.in, l.out, l.out.C
	kh, kw := l.spec.KernelH, l.spec.KernelW
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			outOff := (y*out.W + x) * F
			for i := 0; i < kh; i++ {
				iy := y + i - l.pt
				if iy < 0 || iy >= in.H {
					continue
				}
				for j := 0; j < kw; j++ {
					ix := x + j - l.pl
					if ix < 0 || ix >= in.W {
						continue
					}
					inOff := (iy*in.W + ix) * in.C
					tapOff := (i*kw + j) * in.C
					for c := 0; c < in.C; c++ {
						fn(outOff, inOff+c, (tapOff+c)*F)
					}
				}
			}
		}
	}
}

func (l *Conv2D) Forward(x []float64, training bool) []float64 {
	F := l.out.C
	z := make([]float64, l.out.Size())
	for off := 0; off < len(z); off += F {
		copy(z[off:off+F], l.b.Value)
	}
	w := l.w.Value
	l.each(func(outOff, inOff, tapOff int) {
		if v := x[inOff]; v != 0 {
			floats.AddScaled(z[outOff:outOff+F], v, w[tapOff:tapOff+F])
		}
	})
	a := make([]float64, len(z))
	for i, v := range z {
		a[i] = l.act(v, 0)
	}
	l.x, l.z, l.a = x, z, a
	return a
}

func (l *Conv2D) Backward(dy []float64) []float64 {
	F := l.out.C
	dz := make([]float64, len(dy))
	for i := range dy {
		dz[i] = dy[i] * l.deriv(l.z[i], l.a[i])
	}
	for off := 0; off < len(dz); off += F {
		floats.Add(l.b.Grad, dz[off:off+F])
	}
	dx := make([]float64, len(l.x))
	w, gw := l.w.Value, l.w.Grad
	l.each(func(outOff, inOff, tapOff int) {
		d := dz[outOff : outOff+F]
		if v := l.x[inOff]; v != 0 {
			floats.AddScaled(gw[tapOff:tapOff+F], v, d)
		}
		dx[inOff] += floats.Dot(w[tapOff:tapOff+F], d)
	})
	return dx
}

// MaxPool2D takes the maximum over non-overlapping PoolH x PoolW tiles.
type MaxPool2D struct {
	spec    LayerSpec
	in, out tensor.Shape
	argmax  []int
}

func (l *MaxPool2D) Spec() LayerSpec  { return l.spec }
func (l *MaxPool2D) Params() []*Param { return nil }

func (l *MaxPool2D) Build(in tensor.Shape, _ *rand.Rand) (tensor.Shape, error) {
	ph, pw := l.spec.PoolH, l.spec.PoolW
	if ph <= 0 || pw <= 0 {
		return tensor.Shape{}, fmt.Errorf("%w: maxpool2d needs a positive pool, got %dx%d", ErrShape, ph, pw)
	}
	l.in = in
	l.out = tensor.Shape{H: in.H / ph, W: in.W / pw, C: in.C}
	if !l.out.Valid() {
		return tensor.Shape{}, fmt.Errorf("%w: pool %dx%d larger than input %s", ErrShape, ph, pw, in)
	}
	return l.out, nil
}

func (l *MaxPool2D) Forward(x []float64, _ bool) []float64 {
	in, out := l.in, l.out
	ph, pw := l.spec.PoolH, l.spec.PoolW
	y := make([]float64, out.Size())
	l.argmax = make([]int, out.Size())
	for oy := 0; oy < out.H; oy++ {
		for ox := 0; ox < out.W; ox++ {
			for c := 0; c < in.C; c++ {
				best := -1
				for i := 0; i < ph; i++ {
					for j := 0; j < pw; j++ {
						idx := ((oy*ph+i)*in.W+(ox*pw+j))*in.C + c
						if best < 0 || x[idx] > x[best] {
							best = idx
						}
					}
				}
				o := (oy*out.W+ox)*out.C + c
				y[o] = x[best]
				l.argmax[o] = best
			}
		}
	}
	return y
}

func (l *MaxPool2D) Backward(dy []float64) []float64 {
	dx := make([]float64, l.in.Size())
	for o, idx := range l.argmax {
		dx[idx] += dy[o]
	}
	return dx
}
