package nn

import (
	"context"
	"fmt"
	"time"

	"fogcnn/internal/tensor"
)

// FitOptions mirrors a generator-driven fit: each epoch pulls batches until
// SamplesPerEpoch samples have been seen, then validation pulls ValSamples.
type FitOptions struct {
	Epochs          int
	SamplesPerEpoch int
	ValSamples      int
	// Called after every training batch
	OnBatchEnd func(epoch, batch int, s Stats)
	// Called after every epoch; returning true stops training
	OnEpochEnd func(e EpochStats) bool
}

// EpochStats is one row of a training History.
type EpochStats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	Samples     int
	ValLoss     float64
	ValAccuracy float64
	ValSamples  int
	Validated   bool
	Duration    time.Duration
}

// History is the per-epoch record returned by Fit.
type History struct {
	Epochs []EpochStats
	// Stopped is true when OnEpochEnd ended training before the last epoch
	Stopped bool
}

// Last returns the final epoch, if any.
func (h History) Last() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// rewind restarts an exhausted source that supports it, so a non-wrapping
// source serves one pass per epoch.
func rewind(src tensor.Source) {
	if r, ok := src.(interface{ Reset() }); ok && !src.HasNext() {
		r.Reset()
	}
}

func sourceErr(src tensor.Source) error {
	if e, ok := src.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}

// Fit trains the model from train for opts.Epochs epochs. When val is non-nil
// and opts.ValSamples > 0 the model is evaluated on it after every epoch.
// An epoch ends early when the source reports no more batches.
func (m *Model) Fit(ctx context.Context, train, val tensor.Source, opts FitOptions) (History, error) {
	var h History
	if !m.Compiled() {
		return h, ErrNotCompiled
	}
	if opts.Epochs <= 0 || opts.SamplesPerEpoch <= 0 {
		return h, fmt.Errorf("nn: fit needs positive epochs and samples, got %d and %d", opts.Epochs, opts.SamplesPerEpoch)
	}
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		start := time.Now()
		e := EpochStats{Epoch: epoch}
		rewind(train)
		var lossSum, accSum float64
		batch := 0
		for e.Samples < opts.SamplesPerEpoch {
			if err := ctx.Err(); err != nil {
				return h, err
			}
			if !train.HasNext() {
				break
			}
			b, err := train.Next()
			if err != nil {
				return h, fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
			}
			s, err := m.TrainOnBatch(b)
			if err != nil {
				return h, fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
			}
			batch++
			lossSum += s.Loss * float64(s.Samples)
			accSum += s.Accuracy * float64(s.Samples)
			e.Samples += s.Samples
			if opts.OnBatchEnd != nil {
				opts.OnBatchEnd(epoch, batch, s)
			}
		}
		if e.Samples == 0 {
			err := sourceErr(train)
			if err == nil {
				err = fmt.Errorf("training source yielded no batches")
			}
			return h, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		e.Loss = lossSum / float64(e.Samples)
		e.Accuracy = accSum / float64(e.Samples)

		if val != nil && opts.ValSamples > 0 {
			r, err := m.Evaluate(ctx, val, opts.ValSamples)
			if err != nil {
				return h, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			e.ValLoss, e.ValAccuracy, e.ValSamples, e.Validated = r.Loss, r.Accuracy, r.Samples, true
		}
		e.Duration = time.Since(start)
		h.Epochs = append(h.Epochs, e)
		if opts.OnEpochEnd != nil && opts.OnEpochEnd(e) {
			h.Stopped = epoch < opts.Epochs
			break
		}
	}
	return h, nil
}

// Evaluate pulls batches from src until samples have been scored and returns
// the sample-weighted loss and accuracy. An exhausted resettable source is
// restarted first.
func (m *Model) Evaluate(ctx context.Context, src tensor.Source, samples int) (Stats, error) {
	var r Stats
	if samples <= 0 {
		return r, fmt.Errorf("nn: evaluate needs positive samples, got %d", samples)
	}
	rewind(src)
	var lossSum, accSum float64
	for r.Samples < samples {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if !src.HasNext() {
			break
		}
		b, err := src.Next()
		if err != nil {
			return r, err
		}
		s, err := m.TestOnBatch(b)
		if err != nil {
			return r, err
		}
		lossSum += s.Loss * float64(s.Samples)
		accSum += s.Accuracy * float64(s.Samples)
		r.Samples += s.Samples
	}
	if r.Samples == 0 {
		if err := sourceErr(src); err != nil {
			return r, err
		}
		return r, fmt.Errorf("evaluation source yielded no batches")
	}
	r.Loss = lossSum / float64(r.Samples)
	r.Accuracy = accSum / float64(r.Samples)
	return r, nil
}
