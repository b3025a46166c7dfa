package nn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	formatVersion = 1
	weightsMagic  = "FOGW"
)

// artifact is the architecture half of a saved model.
type artifact struct {
	Format       int           `yaml:"format"`
	SavedAt      time.Time     `yaml:"savedAt"`
	Architecture Architecture  `yaml:"architecture"`
	Loss         string        `yaml:"loss,omitempty"`
	Optimizer    OptimizerSpec `yaml:"optimizer,omitempty"`
	ParamCount   int           `yaml:"paramCount"`
}

// ArtifactPaths returns the architecture and weights file paths for name in dir.
func ArtifactPaths(dir, name string) (arch, weights string) {
	return filepath.Join(dir, name+".yaml"), filepath.Join(dir, name+".weights")
}

// Save writes <name>.yaml (architecture, loss, optimizer) and <name>.weights
// (float32 parameters) under dir.
func Save(m *Model, dir, name string) error {
	if name == "" {
		return errors.New("nn: empty model name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	archPath, weightsPath := ArtifactPaths(dir, name)
	a := artifact{
		Format:       formatVersion,
		SavedAt:      time.Now().UTC(),
		Architecture: m.arch,
		Loss:         m.loss,
		Optimizer:    m.optSpec,
		ParamCount:   m.ParamCount(),
	}
	b, err := yaml.Marshal(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(archPath, b, 0o644); err != nil {
		return err
	}
	f, err := os.Create(weightsPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := WriteWeights(w, m.params); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load rebuilds a model from <name>.yaml and restores <name>.weights. The
// model is compiled again when the artifact recorded a loss.
func Load(dir, name string) (*Model, error) {
	archPath, weightsPath := ArtifactPaths(dir, name)
	b, err := os.ReadFile(archPath)
	if err != nil {
		return nil, err
	}
	var a artifact
	if err := yaml.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("%s: %w", archPath, err)
	}
	if a.Format != formatVersion {
		return nil, fmt.Errorf("%s: unsupported format %d", archPath, a.Format)
	}
	m, err := New(a.Architecture, 1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archPath, err)
	}
	f, err := os.Open(weightsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := ReadWeights(bufio.NewReader(f), m.params); err != nil {
		return nil, fmt.Errorf("%s: %w", weightsPath, err)
	}
	if a.Loss != "" {
		if err := m.Compile(a.Loss, a.Optimizer); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WriteWeights encodes params as magic, count, then per parameter a length and little-endian float32 values.
func WriteWeights(w io.Writer, params []*Param) error {
	if _, err := io.WriteString(w, weightsMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Value))); err != nil {
			return err
		}
		if _, err := w.Write(encodeF32(p.Value)); err != nil {
			return err
		}
	}
	return nil
}

// ReadWeights decodes a WriteWeights stream into params, which must match in count and sizes.
func ReadWeights(r io.Reader, params []*Param) error {
	magic := make([]byte, len(weightsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return err
	}
	if string(magic) != weightsMagic {
		return errors.New("not a weights file")
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	if int(n) != len(params) {
		return fmt.Errorf("%w: file has %d parameter tensors, model has %d", ErrShape, n, len(params))
	}
	for i, p := range params {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err
		}
		if int(size) != len(p.Value) {
			return fmt.Errorf("%w: tensor %d (%s) has %d values, model has %d", ErrShape, i, p.Name, size, len(p.Value))
		}
		buf := make([]byte, 4*size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		decodeF32(buf, p.Value)
	}
	return nil
}

func encodeF32(v []float64) []byte {
	b := make([]byte, 4*len(v))
	for i := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v[i])))
	}
	return b
}

func decodeF32(b []byte, dst []float64) {
	for i := range dst {
		dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	}
}
