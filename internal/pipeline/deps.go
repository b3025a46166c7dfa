package pipeline

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"fogcnn/internal/config"
	"fogcnn/internal/dataset"
	"fogcnn/internal/logging"
	"fogcnn/internal/model"
	"fogcnn/internal/nn"
	"fogcnn/internal/store/rundb"
	"fogcnn/internal/tensor"
	"fogcnn/internal/window"
)

// Deps are the collaborators of a pipeline run. Every field is optional.
type Deps struct {
	// Run registry; nothing is recorded when nil
	DB *rundb.DB
	// RunID is the registry row epochs and evaluations are attached to
	RunID string
	// Loader reads recordings, defaulting to CSV files on disk
	Loader window.Loader
	// Factory builds fresh compiled models, defaulting to model.Factory
	Factory Factory
	// Rand drives patient shuffling; seeded from training.seed when nil
	Rand *rand.Rand
	// OnBatch and OnEpoch observe training progress, e.g. for a progress bar
	OnBatch func(fold, epoch, batch int, s nn.Stats)
	OnEpoch func(fold int, e nn.EpochStats)
}

func (d Deps) rng(cfg config.Config) *rand.Rand {
	if d.Rand != nil {
		return d.Rand
	}
	seed := cfg.Training.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func (d Deps) factory() Factory {
	if d.Factory != nil {
		return d.Factory
	}
	return model.Factory
}

func (d Deps) recording() bool { return d.DB != nil && d.RunID != "" }

// windowOptions maps the config onto iterator options.
func windowOptions(cfg config.Config, loader window.Loader) window.Options {
	return window.Options{
		Size:           cfg.WindowSize(),
		Stride:         cfg.WindowStride(),
		BatchSize:      cfg.Training.BatchSize,
		FeatureCount:   cfg.Data.FeatureCount,
		LabelThreshold: cfg.Window.LabelThreshold,
		Wrap:           cfg.Window.Wrap,
		Loader:         loader,
	}
}

// source resolves patients to files and returns a batch source over them,
// prefetched when training.prefetch > 0 and windows wrap. A non-wrapping
// iterator is rewound every epoch, which a prefetcher cannot do. The returned
// stop func must be called.
func source(ctx context.Context, cfg config.Config, deps Deps, patients []string) (tensor.Source, func(), error) {
	files, err := dataset.ResolveFiles(cfg.Data.Dir, patients, cfg.Data.Detection)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, window.ErrNoWindows
	}
	it, err := window.New(files, windowOptions(cfg, deps.Loader))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Training.Prefetch <= 0 || !cfg.Window.Wrap {
		return it, func() {}, nil
	}
	p := window.Prefetch(ctx, it, cfg.Training.Prefetch)
	return p, p.Close, nil
}

// newProgressLimiter throttles batch progress logs to perSec lines per second.
// perSec <= 0 silences them.
func newProgressLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(0, 0)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func logBatch(lim *rate.Limiter, fold, epoch, batch int, s nn.Stats) {
	if !lim.Allow() {
		return
	}
	logging.Debug("train_batch", map[string]any{
		"fold": fold, "epoch": epoch, "batch": batch, "loss": s.Loss, "acc": s.Accuracy,
	})
}
