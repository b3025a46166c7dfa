package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"fogcnn/internal/config"
	"fogcnn/internal/dataset"
	"fogcnn/internal/model"
	"fogcnn/internal/nn"
	"fogcnn/internal/store/rundb"
)

// tinyConfig is a 10-sample window over 3 channels with a one-epoch budget
// small enough to train in milliseconds.
func tinyConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Data.Dir = filepath.Join(root, "data")
	cfg.Data.SampleRate = 20
	cfg.Data.FeatureCount = 3
	cfg.Training.BatchSize = 8
	cfg.Training.Epochs = 1
	cfg.Training.TrainSamples = 32
	cfg.Training.ValSamples = 16
	cfg.Training.TestSamples = 16
	cfg.Training.Seed = 3
	cfg.Training.Prefetch = 2
	cfg.Model.Layers = []config.LayerConfig{
		{Kind: nn.KindConv2D, Filters: 2, KernelH: 3, KernelW: 3, Padding: "same", Activation: "relu"},
		{Kind: nn.KindDropout, Rate: 0.25},
		{Kind: nn.KindFlatten},
		{Kind: nn.KindDense, Units: 1, Activation: "sigmoid"},
	}
	cfg.Storage.ModelDir = filepath.Join(root, "models")
	cfg.Report.PlotPath = filepath.Join(root, "curves.png")
	return cfg
}

func synth(t *testing.T, cfg config.Config, patients int, zero bool) {
	t.Helper()
	opts := dataset.SynthOptions{
		Seconds: 4, SampleRate: cfg.Data.SampleRate, FeatureCount: cfg.Data.FeatureCount,
		Episodes: 1, EpisodeSeconds: 1, Noise: 0.05, Zero: zero,
	}
	if _, err := dataset.GenerateSynthetic(cfg.Data.Dir, cfg.Data.Detection, patients, 1, opts, rand.New(rand.NewSource(9))); err != nil {
		t.Fatal(err)
	}
}

func openDB(t *testing.T) *rundb.DB {
	t.Helper()
	db, err := rundb.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func disjoint(groups ...[]string) bool {
	seen := map[string]bool{}
	for _, g := range groups {
		for _, p := range g {
			if seen[p] {
				return false
			}
			seen[p] = true
		}
	}
	return true
}

func TestRunEndToEndZeroPatients(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Run = config.RunConfig{TrainModel: true, TestModel: true}
	synth(t, cfg, 10, true)
	db := openDB(t)
	ctx := context.Background()

	var batches int
	sum, err := Run(ctx, cfg, Deps{DB: db, OnBatch: func(int, int, int, nn.Stats) { batches++ }})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Model == nil || sum.Train == nil || sum.Test == nil {
		t.Fatalf("incomplete summary: %+v", sum)
	}
	if batches != 4 {
		t.Fatalf("batches %d want 4", batches)
	}
	p := sum.Partition
	if len(p.Test) != 2 || len(p.Validation) != 1 || len(p.Train) != 7 {
		t.Fatalf("partition sizes %d/%d/%d", len(p.Train), len(p.Validation), len(p.Test))
	}
	if !disjoint(p.Train, p.Validation, p.Test) {
		t.Fatalf("groups overlap: %+v", p)
	}
	if sum.Test.Samples < cfg.Training.TestSamples {
		t.Fatalf("test samples %d", sum.Test.Samples)
	}
	for _, path := range []string{sum.ModelPath, sum.PlotPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatal(err)
		}
	}

	r, err := db.LoadRun(ctx, sum.RunID)
	if err != nil || r.Status != rundb.StatusSucceeded {
		t.Fatalf("run %+v %v", r, err)
	}
	stored, _ := db.LoadSplit(ctx, sum.RunID)
	if len(stored.Test) != 2 || stored.Test[0] != p.Test[0] {
		t.Fatalf("stored split %+v", stored)
	}
	eps, _ := db.LoadEpochs(ctx, sum.RunID)
	if len(eps) != 1 || eps[0].ValAccuracy == nil {
		t.Fatalf("epochs %+v", eps)
	}
	evs, _ := db.LoadEvaluations(ctx, sum.RunID)
	if len(evs) != 1 || evs[0].Group != "test" {
		t.Fatalf("evaluations %+v", evs)
	}

	// second run evaluates the saved model without training
	cfg.Run = config.RunConfig{LoadModel: true, TestModel: true}
	sum2, err := Run(ctx, cfg, Deps{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	if !sum2.Loaded || sum2.Train != nil || sum2.Test == nil {
		t.Fatalf("load-and-test summary: %+v", sum2)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Run = config.RunConfig{LoadModel: true, TestModel: true}
	synth(t, cfg, 4, true)
	db := openDB(t)
	ctx := context.Background()
	sum, err := Run(ctx, cfg, Deps{DB: db})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing model error, got %v", err)
	}
	r, _ := db.LoadRun(ctx, sum.RunID)
	if r.Status != rundb.StatusFailed || r.Error == "" {
		t.Fatalf("failure not recorded: %+v", r)
	}
}

func TestRunRecordsBuildFailure(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Run = config.RunConfig{TrainModel: true}
	synth(t, cfg, 4, true)
	db := openDB(t)
	ctx := context.Background()
	boom := errors.New("no gpu")
	sum, err := Run(ctx, cfg, Deps{DB: db, Factory: func(config.Config) (*nn.Model, error) { return nil, boom }})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	r, err := db.LoadRun(ctx, sum.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != rundb.StatusFailed || r.Error != boom.Error() || r.FinishedAt.IsZero() {
		t.Fatalf("failure not recorded: %+v", r)
	}
}

func TestRunCrossValidateBuildsPerFold(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Run = config.RunConfig{TrainModel: true}
	cfg.Training.Folds = 3
	cfg.Training.CrossValidate = true
	cfg.Training.TestFraction = 0.25
	cfg.Report.PlotPath = ""
	synth(t, cfg, 8, false)

	var builds int
	factory := func(c config.Config) (*nn.Model, error) {
		builds++
		return model.Factory(c)
	}
	sum, err := Run(context.Background(), cfg, Deps{Factory: factory})
	if err != nil {
		t.Fatal(err)
	}
	if builds != 3 || len(sum.Train.Folds) != 3 {
		t.Fatalf("builds %d folds %d, want one model per fold", builds, len(sum.Train.Folds))
	}
	if sum.Model == nil || sum.Loaded {
		t.Fatalf("summary %+v", sum)
	}
}

func TestRunWithoutPatients(t *testing.T) {
	cfg := tinyConfig(t)
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Run(context.Background(), cfg, Deps{}); !errors.Is(err, dataset.ErrNoPatients) {
		t.Fatalf("expected ErrNoPatients, got %v", err)
	}
}

func TestCrossValidateKeepsBestFold(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Training.Folds = 3
	cfg.Training.CrossValidate = true
	cfg.Training.Prefetch = 0
	synth(t, cfg, 6, false)
	patients, _ := dataset.ListPatients(cfg.Data.Dir)

	var builds int
	factory := func(c config.Config) (*nn.Model, error) {
		builds++
		return model.Factory(c)
	}
	m, res, err := CrossValidate(context.Background(), factory, patients, cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || builds != 3 || len(res.Folds) != 3 {
		t.Fatalf("model %v builds %d folds %d", m != nil, builds, len(res.Folds))
	}
	var held []string
	best := res.Folds[0]
	for _, f := range res.Folds {
		if len(f.Validation) != 2 {
			t.Fatalf("fold %d validates on %v", f.Fold, f.Validation)
		}
		held = append(held, f.Validation...)
		if f.ValAccuracy > best.ValAccuracy {
			best = f
		}
	}
	if !disjoint(held) || len(held) != 6 {
		t.Fatalf("held-out folds overlap: %v", held)
	}
	if res.BestFold != best.Fold || res.ValAccuracy != best.ValAccuracy {
		t.Fatalf("best fold %d (%.3f), want %d (%.3f)", res.BestFold, res.ValAccuracy, best.Fold, best.ValAccuracy)
	}
	if !disjoint(res.Partition.Train, res.Partition.Validation) {
		t.Fatal("best partition overlaps")
	}
}

func TestTrainModelEarlyStopping(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Training.Epochs = 5
	cfg.Training.EarlyStopping = config.EarlyStoppingConfig{Enabled: true, Threshold: 1}
	synth(t, cfg, 5, false)
	patients, _ := dataset.ListPatients(cfg.Data.Dir)
	m, err := model.Factory(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, res, err := TrainModel(context.Background(), m, patients, cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.History.Epochs) != 1 || !res.Stopped || !res.Validated {
		t.Fatalf("epochs %d stopped %v validated %v", len(res.History.Epochs), res.Stopped, res.Validated)
	}

	cfg.Training.EarlyStopping.Enabled = false
	m, _ = model.Factory(cfg)
	_, res, err = TrainModel(context.Background(), m, patients, cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.History.Epochs) != 5 || res.Stopped {
		t.Fatalf("threshold should be ignored when disabled: %d epochs", len(res.History.Epochs))
	}
}

func TestEarlyStop(t *testing.T) {
	stop := EarlyStop(0.05)
	steps := []struct {
		acc  float64
		val  bool
		want bool
	}{
		{0.6, true, false},
		{0.5, false, false},
		{0.7, true, false},
		{0.72, true, true},
		{0.97, true, true},
	}
	for i, s := range steps {
		if got := stop(nn.EpochStats{ValAccuracy: s.acc, Validated: s.val}); got != s.want {
			t.Fatalf("step %d: got %v want %v", i, got, s.want)
		}
	}
}

func TestTestModelErrors(t *testing.T) {
	cfg := tinyConfig(t)
	m, _ := model.Factory(cfg)
	if _, err := TestModel(context.Background(), m, nil, cfg, Deps{}); !errors.Is(err, ErrNoTestPatients) {
		t.Fatalf("expected ErrNoTestPatients, got %v", err)
	}
	synth(t, cfg, 1, false)
	cfg.Data.Detection = "tremor"
	if _, err := TestModel(context.Background(), m, []string{"P01"}, cfg, Deps{}); err == nil {
		t.Fatal("expected error for patients without recordings")
	}
}

func TestMeanValAccuracy(t *testing.T) {
	r := TrainResult{ValAccuracy: 0.9}
	if r.MeanValAccuracy() != 0.9 {
		t.Fatal("single run should report its own accuracy")
	}
	r.Folds = []FoldResult{{ValAccuracy: 0.6}, {ValAccuracy: 0.8}}
	mean, std := r.foldAccuracy()
	if math.Abs(mean-0.7) > 1e-9 || math.Abs(std-math.Sqrt(0.02)) > 1e-9 {
		t.Fatalf("mean %v std %v", mean, std)
	}
}
