// Package window turns recording files into fixed-shape batches of sensor
// windows for the training loop.
//
// A window is Size consecutive samples of one recording; consecutive windows
// start Stride samples apart. Windows never span two files and trailing
// samples too short for a full window are discarded. Batches are filled
// across file boundaries and are always complete: when the file list runs
// out mid-batch, an iterator with Wrap restarts at the first file, and one
// without Wrap drops the partial batch and reports ErrExhausted.
package window

import (
	"errors"
	"fmt"

	"fogcnn/internal/dataset"
	"fogcnn/internal/metrics"
	"fogcnn/internal/tensor"
)

var (
	// ErrExhausted is returned by Next on a non-wrapping iterator once no full batch remains.
	ErrExhausted = errors.New("window: files exhausted")
	// ErrNoWindows is returned when a full pass over the files yields no window at all.
	ErrNoWindows = errors.New("window: files contain no complete window")
)

// Loader reads one recording.
type Loader func(path string) (*dataset.Recording, error)

// Options configures an Iterator.
type Options struct {
	Size           int
	Stride         int
	BatchSize      int
	FeatureCount   int
	LabelThreshold float64
	Wrap           bool
	// Defaults to dataset.ReadRecording
	Loader Loader
}

func (o Options) validate() error {
	switch {
	case o.Size <= 0:
		return fmt.Errorf("window size must be positive, got %d", o.Size)
	case o.Stride <= 0:
		return fmt.Errorf("window stride must be positive, got %d", o.Stride)
	case o.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	case o.FeatureCount <= 0:
		return fmt.Errorf("feature count must be positive, got %d", o.FeatureCount)
	}
	return nil
}

// Shape is the per-window tensor shape.
func (o Options) Shape() tensor.Shape { return tensor.Shape{H: o.Size, W: o.FeatureCount, C: 1} }

// Iterator is a restartable pull-based batch source over a list of files.
// It is not safe for concurrent use.
type Iterator struct {
	files []string
	opts  Options

	fileIdx int
	rec     *dataset.Recording
	pos     int

	// windows produced since the last time the iterator was at file 0
	passWindows int
	passes      int

	pending *tensor.Batch
	err     error
}

// New returns an iterator positioned before the first window of files[0].
func New(files []string, opts Options) (*Iterator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Loader == nil {
		fc := opts.FeatureCount
		opts.Loader = func(path string) (*dataset.Recording, error) { return dataset.ReadRecording(path, fc) }
	}
	return &Iterator{files: append([]string(nil), files...), opts: opts}, nil
}

// Reset rewinds the iterator to the first file.
func (it *Iterator) Reset() {
	it.fileIdx, it.rec, it.pos = 0, nil, 0
	it.passWindows, it.passes = 0, 0
	it.pending, it.err = nil, nil
}

// Passes reports how many times the iterator has wrapped past the end of the file list.
func (it *Iterator) Passes() int { return it.passes }

// Shape is the per-window tensor shape.
func (it *Iterator) Shape() tensor.Shape { return it.opts.Shape() }

// HasNext reports whether Next will return a batch. For a wrapping iterator
// over files that contain at least one window this is always true.
func (it *Iterator) HasNext() bool {
	if it.pending != nil {
		return true
	}
	if it.err != nil {
		return false
	}
	b, err := it.fill()
	if err != nil {
		it.err = err
		return false
	}
	it.pending = &b
	return true
}

// Next returns the next full batch. It blocks while recordings are read.
func (it *Iterator) Next() (tensor.Batch, error) {
	if it.pending != nil {
		b := *it.pending
		it.pending = nil
		return b, nil
	}
	if it.err != nil {
		return tensor.Batch{}, it.err
	}
	b, err := it.fill()
	if err != nil {
		it.err = err
	}
	return b, err
}

// Err returns the error that ended iteration, if any.
func (it *Iterator) Err() error { return it.err }

func (it *Iterator) fill() (tensor.Batch, error) {
	if len(it.files) == 0 {
		return tensor.Batch{}, ErrNoWindows
	}
	n := it.opts.BatchSize
	b := tensor.Batch{
		X:     make([][]float64, 0, n),
		Y:     make([]float64, 0, n),
		Shape: it.opts.Shape(),
	}
	for len(b.X) < n {
		x, y, ok, err := it.nextWindow()
		if err != nil {
			return tensor.Batch{}, err
		}
		if !ok {
			continue
		}
		b.X = append(b.X, x)
		b.Y = append(b.Y, y)
	}
	metrics.WindowsEmitted.Add(float64(n))
	return b, nil
}

// nextWindow cuts one window from the current recording. ok is false when the
// iterator only advanced to another file.
func (it *Iterator) nextWindow() ([]float64, float64, bool, error) {
	if it.rec == nil {
		rec, err := it.opts.Loader(it.files[it.fileIdx])
		if err != nil {
			return nil, 0, false, err
		}
		it.rec, it.pos = rec, 0
	}
	if it.pos+it.opts.Size > it.rec.Len() {
		if err := it.advanceFile(); err != nil {
			return nil, 0, false, err
		}
		return nil, 0, false, nil
	}
	x, y, err := cut(it.rec, it.pos, it.opts)
	if err != nil {
		return nil, 0, false, err
	}
	it.pos += it.opts.Stride
	it.passWindows++
	return x, y, true, nil
}

func (it *Iterator) advanceFile() error {
	it.rec = nil
	it.fileIdx++
	if it.fileIdx < len(it.files) {
		return nil
	}
	if it.passWindows == 0 {
		return ErrNoWindows
	}
	if !it.opts.Wrap {
		return ErrExhausted
	}
	it.fileIdx = 0
	it.passWindows = 0
	it.passes++
	return nil
}

// cut copies rec[start:start+Size] into a flat [time][feature][1] slice and derives its label.
func cut(rec *dataset.Recording, start int, opts Options) ([]float64, float64, error) {
	fc := opts.FeatureCount
	x := make([]float64, opts.Size*fc)
	var fog int
	for t := 0; t < opts.Size; t++ {
		row := rec.Features[start+t]
		if len(row) != fc {
			return nil, 0, fmt.Errorf("%s sample %d: %d features, want %d", rec.Path, start+t, len(row), fc)
		}
		copy(x[t*fc:(t+1)*fc], row)
		if rec.Labels[start+t] > 0.5 {
			fog++
		}
	}
	return x, Label(fog, opts.Size, opts.LabelThreshold), nil
}

// Label is 1 when the FOG fraction of a window reaches threshold.
// A zero threshold is treated as a strict majority vote.
func Label(fogSamples, size int, threshold float64) float64 {
	frac := float64(fogSamples) / float64(size)
	if threshold <= 0 {
		if frac > 0.5 {
			return 1
		}
		return 0
	}
	if frac >= threshold {
		return 1
	}
	return 0
}

// Count returns the number of windows a recording of n samples yields.
func Count(n, size, stride int) int {
	if n < size || size <= 0 || stride <= 0 {
		return 0
	}
	return (n-size)/stride + 1
}
