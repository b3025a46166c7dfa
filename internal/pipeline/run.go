package pipeline

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"fogcnn/internal/config"
	"fogcnn/internal/dataset"
	"fogcnn/internal/logging"
	"fogcnn/internal/model"
	"fogcnn/internal/nn"
	"fogcnn/internal/report"
)

// Summary is what a pipeline run produced. Train and Test are nil for
// skipped stages.
type Summary struct {
	RunID     string
	Partition dataset.Partition
	Model     *nn.Model
	Loaded    bool
	Train     *TrainResult
	Test      *nn.Stats
	ModelPath string
	PlotPath  string
}

// Run executes build-or-load, train, save and evaluate in order, as enabled
// by cfg.Run. The test group is carved out of the patient list first and is
// never seen by training. When deps.DB is set the run, its split, epochs and
// evaluation are recorded.
func Run(ctx context.Context, cfg config.Config, deps Deps) (sum Summary, err error) {
	if err := cfg.Validate(); err != nil {
		return sum, fmt.Errorf("config: %w", err)
	}
	// one stream for every split of this run
	deps.Rand = deps.rng(cfg)

	patients, err := dataset.ListPatients(cfg.Data.Dir)
	if err != nil {
		return sum, err
	}
	rest, test, err := dataset.Split(patients, cfg.Training.TestFraction, cfg.Training.Shuffle, deps.Rand)
	if err != nil {
		return sum, fmt.Errorf("test split of %s: %w", cfg.Data.Dir, err)
	}
	sum.Partition = dataset.Partition{Train: rest, Test: test}

	if deps.DB != nil {
		raw, merr := yaml.Marshal(cfg)
		if merr != nil {
			return sum, merr
		}
		r, serr := deps.DB.StartRun(ctx, cfg.Data.Detection, string(raw))
		if serr != nil {
			return sum, fmt.Errorf("record run: %w", serr)
		}
		deps.RunID, sum.RunID = r.ID, r.ID
		defer func() {
			if ferr := deps.DB.FinishRun(context.WithoutCancel(ctx), r.ID, err); ferr != nil && err == nil {
				err = fmt.Errorf("record run: %w", ferr)
			}
		}()
	}
	logging.Info("run_start", map[string]any{
		"run_id": sum.RunID, "detection": cfg.Data.Detection, "patients": len(patients),
		"test": test, "load": cfg.Run.LoadModel, "train": cfg.Run.TrainModel, "evaluate": cfg.Run.TestModel,
	})

	factory := deps.factory()
	cv := cfg.Run.TrainModel && cfg.Training.CrossValidate && cfg.Training.Folds > 1
	var m *nn.Model
	switch {
	case cfg.Run.LoadModel:
		m, err = model.LoadTrained(cfg)
		sum.Loaded = true
	case cv:
		// each fold builds its own
	default:
		m, err = factory(cfg)
	}
	if err != nil {
		return sum, err
	}
	if m != nil {
		sum.Model = m
		logging.Info("model_ready", map[string]any{"loaded": sum.Loaded, "params": m.ParamCount(), "input": m.InputShape().String()})
	}
	if cv && sum.Loaded {
		logging.Warn("loaded_model_ignored", map[string]any{"reason": "cross-validation trains a fresh model per fold", "folds": cfg.Training.Folds})
	}

	if cfg.Run.TrainModel {
		var res TrainResult
		if cv {
			m, res, err = CrossValidate(ctx, factory, rest, cfg, deps)
		} else {
			m, res, err = TrainModel(ctx, m, rest, cfg, deps)
		}
		if err != nil {
			return sum, fmt.Errorf("train: %w", err)
		}
		sum.Model, sum.Train = m, &res
		sum.Partition.Train, sum.Partition.Validation = res.Partition.Train, res.Partition.Validation
		logging.Info("train_done", map[string]any{
			"epochs": len(res.History.Epochs), "stopped": res.Stopped,
			"val_loss": res.ValLoss, "val_acc": res.ValAccuracy, "mean_val_acc": res.MeanValAccuracy(),
		})
	} else if !sum.Loaded {
		logging.Warn("untrained_model", map[string]any{"detection": cfg.Data.Detection})
	}

	if deps.recording() {
		if err := deps.DB.PutSplit(ctx, deps.RunID, sum.Partition); err != nil {
			return sum, fmt.Errorf("record split: %w", err)
		}
	}

	if cfg.Run.TrainModel {
		if err := model.Save(m, cfg); err != nil {
			return sum, err
		}
		sum.ModelPath, _ = nn.ArtifactPaths(cfg.Storage.ModelDir, cfg.ModelName())
		logging.Info("model_saved", map[string]any{"path": sum.ModelPath})

		if cfg.Report.PlotPath != "" {
			if err := report.TrainingCurves(cfg.Report.PlotPath, cfg.ModelName(), sum.Train.History.Epochs); err != nil {
				return sum, fmt.Errorf("plot: %w", err)
			}
			sum.PlotPath = cfg.Report.PlotPath
		}
	}

	if cfg.Run.TestModel {
		s, err := TestModel(ctx, m, test, cfg, deps)
		if err != nil {
			return sum, fmt.Errorf("test: %w", err)
		}
		sum.Test = &s
	}
	logging.Info("run_done", map[string]any{"run_id": sum.RunID})
	return sum, nil
}
