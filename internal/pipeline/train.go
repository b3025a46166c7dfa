package pipeline

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"fogcnn/internal/config"
	"fogcnn/internal/dataset"
	"fogcnn/internal/logging"
	"fogcnn/internal/metrics"
	"fogcnn/internal/nn"
	"fogcnn/internal/store/rundb"
	"fogcnn/internal/tensor"
)

// Factory builds a fresh compiled model.
type Factory func(cfg config.Config) (*nn.Model, error)

// TrainResult describes one training run.
type TrainResult struct {
	History     nn.History
	ValLoss     float64
	ValAccuracy float64
	Validated   bool
	Partition   dataset.Partition
	Stopped     bool
	// Cross-validation only: one entry per fold, and the fold that won
	Folds    []FoldResult
	BestFold int
}

// FoldResult is the outcome of one cross-validation fold.
type FoldResult struct {
	Fold        int
	Validation  []string
	History     nn.History
	ValLoss     float64
	ValAccuracy float64
}

// MeanValAccuracy averages validation accuracy over folds, or returns the
// single-run value.
func (r TrainResult) MeanValAccuracy() float64 {
	mean, _ := r.foldAccuracy()
	return mean
}

// foldAccuracy is the mean and sample standard deviation of the fold
// validation accuracies.
func (r TrainResult) foldAccuracy() (mean, std float64) {
	if len(r.Folds) == 0 {
		return r.ValAccuracy, 0
	}
	acc := make([]float64, len(r.Folds))
	for i, f := range r.Folds {
		acc[i] = f.ValAccuracy
	}
	if len(acc) == 1 {
		return acc[0], 0
	}
	return stat.MeanStdDev(acc, nil)
}

// EarlyStop returns an epoch callback that stops once validation accuracy
// improves by less than threshold over the previous epoch, or comes within
// threshold of 1. Epochs without validation never stop training.
func EarlyStop(threshold float64) func(nn.EpochStats) bool {
	prev := 0.0
	return func(e nn.EpochStats) bool {
		if !e.Validated {
			return false
		}
		stop := e.ValAccuracy-prev < threshold || 1-e.ValAccuracy < threshold
		prev = e.ValAccuracy
		return stop
	}
}

// TrainModel splits patients into training and validation groups and fits m
// on their windows. m must be compiled.
func TrainModel(ctx context.Context, m *nn.Model, patients []string, cfg config.Config, deps Deps) (*nn.Model, TrainResult, error) {
	var res TrainResult
	part, err := dataset.SplitValidation(patients, cfg.Training.ValFraction, cfg.Training.Shuffle, deps.rng(cfg))
	if err != nil {
		return nil, res, fmt.Errorf("validation split: %w", err)
	}
	res.Partition = part
	logging.Info("train_split", map[string]any{"train": part.Train, "validation": part.Validation})

	h, err := fit(ctx, m, part.Train, part.Validation, 0, cfg, deps)
	if err != nil {
		return nil, res, err
	}
	res.History, res.Stopped = h, h.Stopped
	if last, ok := h.Last(); ok && last.Validated {
		res.ValLoss, res.ValAccuracy, res.Validated = last.ValLoss, last.ValAccuracy, true
	}
	return m, res, nil
}

// CrossValidate trains one fresh model per patient fold, validating each on
// its held-out fold, and returns the model with the best validation accuracy.
// With fewer than two folds it is TrainModel on a fresh model.
func CrossValidate(ctx context.Context, factory Factory, patients []string, cfg config.Config, deps Deps) (*nn.Model, TrainResult, error) {
	var res TrainResult
	k := cfg.Training.Folds
	if k < 2 {
		m, err := factory(cfg)
		if err != nil {
			return nil, res, err
		}
		return TrainModel(ctx, m, patients, cfg, deps)
	}
	folds, err := dataset.KFolds(patients, k, cfg.Training.Shuffle, deps.rng(cfg))
	if err != nil {
		return nil, res, fmt.Errorf("cross-validation folds: %w", err)
	}
	var best *nn.Model
	for i, held := range folds {
		train := dataset.WithoutFold(folds, i)
		m, err := factory(cfg)
		if err != nil {
			return nil, res, err
		}
		logging.Info("fold_start", map[string]any{"fold": i + 1, "of": k, "validation": held})
		h, err := fit(ctx, m, train, held, i+1, cfg, deps)
		if err != nil {
			return nil, res, fmt.Errorf("fold %d: %w", i+1, err)
		}
		fr := FoldResult{Fold: i + 1, Validation: held, History: h}
		if last, ok := h.Last(); ok {
			fr.ValLoss, fr.ValAccuracy = last.ValLoss, last.ValAccuracy
		}
		res.Folds = append(res.Folds, fr)
		logging.Info("fold_done", map[string]any{"fold": fr.Fold, "val_loss": fr.ValLoss, "val_acc": fr.ValAccuracy})
		if best == nil || fr.ValAccuracy > res.ValAccuracy {
			best = m
			res.BestFold = fr.Fold
			res.History, res.Stopped = h, h.Stopped
			res.ValLoss, res.ValAccuracy, res.Validated = fr.ValLoss, fr.ValAccuracy, true
			res.Partition = dataset.Partition{Train: train, Validation: held}
		}
	}
	mean, std := res.foldAccuracy()
	logging.Info("cross_validation_done", map[string]any{
		"folds": k, "best_fold": res.BestFold, "mean_val_acc": mean, "std_val_acc": std,
	})
	return best, res, nil
}

// fit trains m on the train patients for the configured epochs. Validation
// runs after every epoch when val is non-empty.
func fit(ctx context.Context, m *nn.Model, train, val []string, fold int, cfg config.Config, deps Deps) (nn.History, error) {
	trainSrc, stopTrain, err := source(ctx, cfg, deps, train)
	if err != nil {
		return nn.History{}, fmt.Errorf("training data: %w", err)
	}
	defer stopTrain()

	var valSrc tensor.Source
	if len(val) > 0 {
		src, stopVal, err := source(ctx, cfg, deps, val)
		if err != nil {
			return nn.History{}, fmt.Errorf("validation data: %w", err)
		}
		defer stopVal()
		valSrc = src
	} else {
		logging.Warn("train_without_validation", map[string]any{"fold": fold, "train": len(train)})
	}

	lim := newProgressLimiter(cfg.Report.ProgressRate)
	var stopper func(nn.EpochStats) bool
	if cfg.Training.EarlyStopping.Enabled {
		stopper = EarlyStop(cfg.Training.EarlyStopping.Threshold)
	}
	var recordErr error
	h, err := m.Fit(ctx, trainSrc, valSrc, nn.FitOptions{
		Epochs:          cfg.Training.Epochs,
		SamplesPerEpoch: cfg.Training.TrainSamples,
		ValSamples:      cfg.Training.ValSamples,
		OnBatchEnd: func(epoch, batch int, s nn.Stats) {
			metrics.ObserveBatch(s.Loss)
			logBatch(lim, fold, epoch, batch, s)
			if deps.OnBatch != nil {
				deps.OnBatch(fold, epoch, batch, s)
			}
		},
		OnEpochEnd: func(e nn.EpochStats) bool {
			metrics.ObserveEpoch(e.Duration, e.ValAccuracy)
			logging.Info("epoch_done", map[string]any{
				"fold": fold, "epoch": e.Epoch, "loss": e.Loss, "acc": e.Accuracy,
				"val_loss": e.ValLoss, "val_acc": e.ValAccuracy, "samples": e.Samples,
				"elapsed": e.Duration.String(),
			})
			if deps.recording() {
				if err := deps.DB.PutEpoch(ctx, deps.RunID, epochRow(fold, e)); err != nil && recordErr == nil {
					recordErr = err
				}
			}
			if deps.OnEpoch != nil {
				deps.OnEpoch(fold, e)
			}
			if stopper != nil && stopper(e) {
				logging.Info("early_stop", map[string]any{"fold": fold, "epoch": e.Epoch, "val_acc": e.ValAccuracy})
				return true
			}
			return false
		},
	})
	if err != nil {
		return h, err
	}
	if recordErr != nil {
		return h, fmt.Errorf("record epoch: %w", recordErr)
	}
	return h, nil
}

func epochRow(fold int, e nn.EpochStats) rundb.Epoch {
	row := rundb.Epoch{
		Fold: fold, Epoch: e.Epoch, Loss: e.Loss, Accuracy: e.Accuracy,
		Samples: e.Samples, Duration: e.Duration,
	}
	if e.Validated {
		vl, va := e.ValLoss, e.ValAccuracy
		row.ValLoss, row.ValAccuracy = &vl, &va
	}
	return row
}
