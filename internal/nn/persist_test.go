package nn

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"os"
	"testing"
)

func TestSaveLoadPredictsSameShape(t *testing.T) {
	dir := t.TempDir()
	m, err := New(smallArch(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Compile(LossBinaryCrossEntropy, OptimizerSpec{Name: "rmsprop", LearningRate: 0.002}); err != nil {
		t.Fatal(err)
	}
	if err := Save(m, dir, "model_fog"); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir, "model_fog")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Compiled() || loaded.OptimizerSpec().LearningRate != 0.002 {
		t.Fatalf("compile state not restored: %+v", loaded.OptimizerSpec())
	}
	if loaded.OutputShape() != m.OutputShape() || loaded.ParamCount() != m.ParamCount() {
		t.Fatal("architecture not restored")
	}
	rng := rand.New(rand.NewSource(1))
	x := make([]float64, m.InputShape().Size())
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	a, _ := m.Predict(x)
	b, err := loaded.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("prediction shapes %d vs %d", len(a), len(b))
	}
	// weights are stored as float32
	if math.Abs(a[0]-b[0]) > 1e-5 {
		t.Fatalf("predictions diverged: %v vs %v", a[0], b[0])
	}
}

func TestLoadMissingArtifact(t *testing.T) {
	if _, err := Load(t.TempDir(), "nope"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestReadWeightsRejectsMismatch(t *testing.T) {
	m, _ := New(smallArch(), 1)
	var buf bytes.Buffer
	if err := WriteWeights(&buf, m.Params()); err != nil {
		t.Fatal(err)
	}
	if err := ReadWeights(bytes.NewReader(buf.Bytes()), m.Params()[:2]); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if err := ReadWeights(bytes.NewReader([]byte("XXXX")), m.Params()); err == nil {
		t.Fatal("expected bad magic error")
	}
	if err := ReadWeights(bytes.NewReader(buf.Bytes()[:20]), m.Params()); err == nil {
		t.Fatal("expected truncated error")
	}
}
