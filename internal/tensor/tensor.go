package tensor

import "fmt"

// Shape is a channels-last (height, width, channels) sample shape.
type Shape struct {
	H int `yaml:"h"`
	W int `yaml:"w"`
	C int `yaml:"c"`
}

// Size returns the number of values in one sample of this shape.
func (s Shape) Size() int { return s.H * s.W * s.C }

func (s Shape) String() string { return fmt.Sprintf("(%d, %d, %d)", s.H, s.W, s.C) }

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool { return s.H > 0 && s.W > 0 && s.C > 0 }

// Batch is a group of flattened samples with one binary label each.
// X[i] holds Shape.Size() values laid out as [h][w][c].
type Batch struct {
	X     [][]float64
	Y     []float64
	Shape Shape
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.X) }

// Check verifies that every sample matches the batch shape and has a label.
func (b Batch) Check() error {
	if len(b.X) != len(b.Y) {
		return fmt.Errorf("batch has %d samples but %d labels", len(b.X), len(b.Y))
	}
	n := b.Shape.Size()
	for i, x := range b.X {
		if len(x) != n {
			return fmt.Errorf("sample %d has %d values, want %d for shape %s", i, len(x), n, b.Shape)
		}
	}
	return nil
}

// Source is a pull-based stream of batches.
type Source interface {
	HasNext() bool
	Next() (Batch, error)
}
