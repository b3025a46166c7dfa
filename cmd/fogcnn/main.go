package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"

	"fogcnn/internal/cmdlog"
	"fogcnn/internal/config"
	"fogcnn/internal/dataset"
	"fogcnn/internal/logging"
	"fogcnn/internal/metrics"
	"fogcnn/internal/model"
	"fogcnn/internal/nn"
	"fogcnn/internal/pipeline"
	"fogcnn/internal/report"
	"fogcnn/internal/store/rundb"
	"fogcnn/internal/theme"
)

const defaultConfig = "./fogcnn.yaml"

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "generate":
		cmdGenerate()
	case "train":
		cmdTrain()
	case "test":
		cmdTest()
	case "run":
		cmdRun()
	case "runs":
		cmdRuns()
	case "summary":
		cmdSummary()
	default:
		printHelp()
		if cmd != "" && cmd != "help" && cmd != "-h" && cmd != "--help" {
			os.Exit(1)
		}
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: fogcnn <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Write the default config to ./fogcnn.yaml")
	fmt.Println("  generate    Write synthetic patient recordings under data.dir")
	fmt.Println("  train       Build (or -resume) a model, train it and save it")
	fmt.Println("  test        Evaluate the saved model on the recorded test patients")
	fmt.Println("  run         Run load/train/test as enabled by the run section")
	fmt.Println("  runs        List recorded runs, or one run's epochs with -id")
	fmt.Println("  summary     Print the model layer table")
}

// fail logs err, flushes the logger and exits 1.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	logging.Sync()
	os.Exit(1)
}

// setup loads the config, configures logging and starts the metrics server.
func setup(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fail(fmt.Errorf("load config %s: %w", path, err))
	}
	if err := logging.Init(cfg.Log.Level); err != nil {
		fail(err)
	}
	metrics.StartServer(cfg.Metrics.Addr)
	return cfg
}

func openDB(cfg config.Config) (*rundb.DB, error) {
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return rundb.Open(cfg.Storage.DBPath)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// progressBar counts training batches across every epoch and fold.
func progressBar(cfg config.Config) (*pb.ProgressBar, func(fold, epoch, batch int, s nn.Stats)) {
	perEpoch := (cfg.Training.TrainSamples + cfg.Training.BatchSize - 1) / cfg.Training.BatchSize
	folds := 1
	if cfg.Training.CrossValidate && cfg.Training.Folds > 1 {
		folds = cfg.Training.Folds
	}
	bar := pb.New(perEpoch * cfg.Training.Epochs * folds)
	bar.SetWriter(os.Stderr)
	bar.Start()
	return bar, func(fold, epoch, batch int, s nn.Stats) {
		prefix := fmt.Sprintf("epoch %d ", epoch)
		if fold > 0 {
			prefix = fmt.Sprintf("fold %d %s", fold, prefix)
		}
		bar.Set("prefix", prefix)
		bar.Set("suffix", fmt.Sprintf(" loss %.4f acc %.3f", s.Loss, s.Accuracy))
		bar.Increment()
	}
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", defaultConfig, "path to write config")
	_ = fs.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		fail(err)
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
}

func cmdGenerate() {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	patients := fs.Int("patients", 10, "number of synthetic patients")
	files := fs.Int("files", 2, "recordings per patient")
	seconds := fs.Float64("seconds", 60, "recording length in seconds")
	episodes := fs.Int("episodes", 3, "FOG episodes per recording")
	zero := fs.Bool("zero", false, "write all-zero recordings")
	seed := fs.Int64("seed", 1, "generator seed")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)

	err := cmdlog.Run("generate", func() error {
		opts := dataset.DefaultSynthOptions()
		opts.Seconds = *seconds
		opts.SampleRate = cfg.Data.SampleRate
		opts.FeatureCount = cfg.Data.FeatureCount
		opts.Episodes = *episodes
		opts.Zero = *zero
		ids, err := dataset.GenerateSynthetic(cfg.Data.Dir, cfg.Data.Detection, *patients, *files, opts, rand.New(rand.NewSource(*seed)))
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d patients x %d recordings to %s\n", len(ids), *files, cfg.Data.Dir)
		return nil
	})
	if err != nil {
		fail(err)
	}
}

// runPipeline runs the pipeline with a progress bar and the run registry.
func runPipeline(name string, cfg config.Config) {
	ctx, cancel := signalContext()
	defer cancel()
	err := cmdlog.Run(name, func() error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		deps := pipeline.Deps{DB: db}
		var bar *pb.ProgressBar
		if cfg.Run.TrainModel {
			bar, deps.OnBatch = progressBar(cfg)
		}
		sum, err := pipeline.Run(ctx, cfg, deps)
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			return err
		}
		printSummary(sum)
		return nil
	})
	if err != nil {
		fail(err)
	}
}

func printSummary(sum pipeline.Summary) {
	fmt.Println("Run:", sum.RunID)
	fmt.Println("Test patients:", sum.Partition.Test)
	if sum.Train != nil {
		fmt.Printf("Trained %d epochs (stopped early: %v)\n", len(sum.Train.History.Epochs), sum.Train.Stopped)
		if len(sum.Train.Folds) > 0 {
			fmt.Printf("Cross-validation: best fold %d, mean val acc %.4f\n", sum.Train.BestFold, sum.Train.MeanValAccuracy())
		}
		fmt.Printf("Validation loss %.4f acc %.4f\n", sum.Train.ValLoss, sum.Train.ValAccuracy)
		fmt.Println("Model saved to:", sum.ModelPath)
	}
	if sum.PlotPath != "" {
		fmt.Println("Curves written to:", sum.PlotPath)
	}
	if sum.Test != nil {
		fmt.Printf("Test loss %.4f acc %.4f over %d windows\n", sum.Test.Loss, sum.Test.Accuracy, sum.Test.Samples)
	}
}

func cmdTrain() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	resume := fs.Bool("resume", false, "continue training the saved model")
	epochs := fs.Int("epochs", 0, "override training.epochs")
	cv := fs.Bool("cv", false, "cross-validate over training.folds")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)
	cfg.Run = config.RunConfig{LoadModel: *resume, TrainModel: true}
	if *epochs > 0 {
		cfg.Training.Epochs = *epochs
	}
	if *cv {
		cfg.Training.CrossValidate = true
	}
	runPipeline("train", cfg)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)
	runPipeline("run", cfg)
}

func cmdTest() {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	runID := fs.String("run", "", "run whose test split to use (default: latest)")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)
	ctx, cancel := signalContext()
	defer cancel()

	err := cmdlog.Run("test", func() error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		m, err := model.LoadTrained(cfg)
		if err != nil {
			return err
		}
		id, test, err := testPatients(ctx, db, cfg, *runID)
		if err != nil {
			return err
		}
		s, err := pipeline.TestModel(ctx, m, test, cfg, pipeline.Deps{DB: db, RunID: id})
		if err != nil {
			return err
		}
		fmt.Println("Test patients:", test)
		fmt.Printf("Test loss %.4f acc %.4f over %d windows\n", s.Loss, s.Accuracy, s.Samples)
		return nil
	})
	if err != nil {
		fail(err)
	}
}

// errUnseededSplit means no split was recorded and a shuffled split cannot be
// recomputed without a fixed training.seed.
var errUnseededSplit = errors.New("no recorded test split and training.seed is 0")

// testPatients returns the test group recorded for runID, the latest
// recorded one, or failing both a split recomputed from training.seed.
func testPatients(ctx context.Context, db *rundb.DB, cfg config.Config, runID string) (string, []string, error) {
	if runID != "" {
		p, err := db.LoadSplit(ctx, runID)
		if err != nil {
			return "", nil, err
		}
		if len(p.Test) == 0 {
			return "", nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrNoTestPatients)
		}
		return runID, p.Test, nil
	}
	id, p, err := db.LatestTestSplit(ctx, cfg.Data.Detection)
	if err == nil {
		return id, p.Test, nil
	}
	if !errors.Is(err, rundb.ErrNotFound) {
		return "", nil, err
	}
	if cfg.Training.Shuffle && cfg.Training.Seed == 0 {
		return "", nil, errUnseededSplit
	}
	logging.Warn("test_split_recomputed", map[string]any{"seed": cfg.Training.Seed})
	test, _, err := dataset.GenerateDataset(cfg.Data.Dir, cfg.Training.TestFraction, cfg.Training.Shuffle, rand.New(rand.NewSource(cfg.Training.Seed)))
	return "", test, err
}

func cmdRuns() {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	limit := fs.Int("limit", 20, "max runs to list")
	id := fs.String("id", "", "show the epochs and evaluations of one run")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)
	ctx := context.Background()

	err := cmdlog.Run("runs", func() error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if *id != "" {
			r, err := db.LoadRun(ctx, *id)
			if err != nil {
				return err
			}
			fmt.Printf("Run %s (%s) %s\n", r.ID, r.Status, r.StartedAt.Format(time.RFC3339))
			split, err := db.LoadSplit(ctx, r.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Train %v\nValidation %v\nTest %v\n", split.Train, split.Validation, split.Test)
			eps, err := db.LoadEpochs(ctx, r.ID)
			if err != nil {
				return err
			}
			evs, err := db.LoadEvaluations(ctx, r.ID)
			if err != nil {
				return err
			}
			return report.Epochs(os.Stdout, eps, evs)
		}
		runs, err := db.ListRuns(ctx, *limit)
		if err != nil {
			return err
		}
		return report.Runs(os.Stdout, runs)
	})
	if err != nil {
		fail(err)
	}
}

func cmdSummary() {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "config path")
	saved := fs.Bool("saved", false, "describe the saved model instead of the configured one")
	_ = fs.Parse(os.Args[2:])
	cfg := setup(*cfgPath)

	err := cmdlog.Run("summary", func() error {
		var m *nn.Model
		var err error
		if *saved {
			m, err = model.LoadTrained(cfg)
		} else {
			m, err = model.Build(cfg)
		}
		if err != nil {
			return err
		}
		fmt.Print(m.Summary())
		return nil
	})
	if err != nil {
		fail(err)
	}
}
