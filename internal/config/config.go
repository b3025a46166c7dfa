package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"fogcnn/internal/tensor"
)

// Config is the application's configuration model.
// It is loaded once and passed by value to every component.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Window   WindowConfig   `yaml:"window"`
	Training TrainingConfig `yaml:"training"`
	Model    ModelConfig    `yaml:"model"`
	Run      RunConfig      `yaml:"run"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Report   ReportConfig   `yaml:"report"`
	Log      LogConfig      `yaml:"log"`
}

type DataConfig struct {
	// Directory holding one sub-directory per patient
	Dir string `yaml:"dir"`
	// Detection problem label; recordings are matched by this file prefix
	Detection    string  `yaml:"detection"`
	FeatureCount int     `yaml:"featureCount"`
	SampleRate   float64 `yaml:"sampleRate"` // Hz
}

type WindowConfig struct {
	Seconds float64 `yaml:"seconds"`
	Overlap float64 `yaml:"overlap"`
	// Minimum fraction of FOG samples for a window to be labelled FOG
	LabelThreshold float64 `yaml:"labelThreshold"`
	// Restart at the first file once the file list is exhausted
	Wrap bool `yaml:"wrap"`
}

type EarlyStoppingConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

type TrainingConfig struct {
	BatchSize     int                 `yaml:"batchSize"`
	Epochs        int                 `yaml:"epochs"`
	Folds         int                 `yaml:"folds"`
	CrossValidate bool                `yaml:"crossValidate"`
	ValFraction   float64             `yaml:"valFraction"`
	TestFraction  float64             `yaml:"testFraction"`
	TrainSamples  int                 `yaml:"trainSamples"`
	ValSamples    int                 `yaml:"valSamples"`
	TestSamples   int                 `yaml:"testSamples"`
	Shuffle       bool                `yaml:"shuffle"`
	Seed          int64               `yaml:"seed"` // 0 picks a time-based seed
	Prefetch      int                 `yaml:"prefetch"`
	EarlyStopping EarlyStoppingConfig `yaml:"earlyStopping"`
}

// LayerConfig mirrors nn.LayerSpec so the architecture can be tuned from YAML.
type LayerConfig struct {
	Kind       string  `yaml:"kind"`
	Filters    int     `yaml:"filters,omitempty"`
	KernelH    int     `yaml:"kernelH,omitempty"`
	KernelW    int     `yaml:"kernelW,omitempty"`
	Padding    string  `yaml:"padding,omitempty"`
	PoolH      int     `yaml:"poolH,omitempty"`
	PoolW      int     `yaml:"poolW,omitempty"`
	Units      int     `yaml:"units,omitempty"`
	Activation string  `yaml:"activation,omitempty"`
	Rate       float64 `yaml:"rate,omitempty"`
}

type OptimizerConfig struct {
	Name         string  `yaml:"name"`
	LearningRate float64 `yaml:"learningRate"`
}

type ModelConfig struct {
	// Empty means the default FOG architecture
	Layers    []LayerConfig   `yaml:"layers,omitempty"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Loss      string          `yaml:"loss"`
}

type RunConfig struct {
	LoadModel  bool `yaml:"loadModel"`
	TrainModel bool `yaml:"trainModel"`
	TestModel  bool `yaml:"testModel"`
}

type StorageConfig struct {
	DBPath   string `yaml:"dbPath"`
	ModelDir string `yaml:"modelDir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type ReportConfig struct {
	PlotPath string `yaml:"plotPath"`
	// Max batch progress log lines per second
	ProgressRate float64 `yaml:"progressRate"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration of the reference FOG experiment.
func Default() Config {
	return Config{
		Data:   DataConfig{Dir: "./data", Detection: "fog", FeatureCount: 9, SampleRate: 200},
		Window: WindowConfig{Seconds: 0.5, Overlap: 0.5, LabelThreshold: 0.5, Wrap: true},
		Training: TrainingConfig{
			BatchSize:     50,
			Epochs:        10,
			Folds:         1,
			ValFraction:   0.1,
			TestFraction:  0.2,
			TrainSamples:  114100,
			ValSamples:    22400,
			TestSamples:   61250,
			Shuffle:       true,
			Prefetch:      10,
			EarlyStopping: EarlyStoppingConfig{Enabled: false, Threshold: 0.05},
		},
		Model: ModelConfig{
			Optimizer: OptimizerConfig{Name: "rmsprop", LearningRate: 0.001},
			Loss:      "binary_crossentropy",
		},
		Run:     RunConfig{TrainModel: true},
		Storage: StorageConfig{DBPath: "./fogcnn.db", ModelDir: "./models"},
		Report:  ReportConfig{ProgressRate: 1},
		Log:     LogConfig{Level: "info"},
	}
}

// ModelName is the artifact name derived from the detection problem, e.g. "model_fog".
func (c Config) ModelName() string { return "model_" + c.Data.Detection }

// WindowSize is the number of samples per window.
func (c Config) WindowSize() int { return int(c.Window.Seconds * c.Data.SampleRate) }

// WindowStride is the distance in samples between consecutive window starts.
func (c Config) WindowStride() int {
	return int(math.Round(float64(c.WindowSize()) * (1 - c.Window.Overlap)))
}

// InputShape is the model input: window length x features x 1 channel.
func (c Config) InputShape() tensor.Shape {
	return tensor.Shape{H: c.WindowSize(), W: c.Data.FeatureCount, C: 1}
}

// Validate checks the values every component relies on.
func (c Config) Validate() error {
	switch {
	case c.Data.Detection == "":
		return errors.New("data.detection is empty")
	case c.Data.FeatureCount <= 0:
		return fmt.Errorf("data.featureCount must be positive, got %d", c.Data.FeatureCount)
	case c.Data.SampleRate <= 0:
		return fmt.Errorf("data.sampleRate must be positive, got %v", c.Data.SampleRate)
	case c.WindowSize() <= 0:
		return fmt.Errorf("window of %vs at %vHz has no samples", c.Window.Seconds, c.Data.SampleRate)
	case c.Window.Overlap < 0 || c.Window.Overlap >= 1:
		return fmt.Errorf("window.overlap must be in [0,1), got %v", c.Window.Overlap)
	case c.WindowStride() < 1:
		return fmt.Errorf("window stride rounds to %d", c.WindowStride())
	case c.Window.LabelThreshold <= 0 || c.Window.LabelThreshold > 1:
		return fmt.Errorf("window.labelThreshold must be in (0,1], got %v", c.Window.LabelThreshold)
	case c.Training.BatchSize <= 0:
		return fmt.Errorf("training.batchSize must be positive, got %d", c.Training.BatchSize)
	case c.Training.Epochs <= 0:
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	case c.Training.Folds <= 0:
		return fmt.Errorf("training.folds must be positive, got %d", c.Training.Folds)
	case c.Training.ValFraction <= 0 || c.Training.ValFraction >= 1:
		return fmt.Errorf("training.valFraction must be in (0,1), got %v", c.Training.ValFraction)
	case c.Training.TestFraction < 0 || c.Training.TestFraction >= 1:
		return fmt.Errorf("training.testFraction must be in [0,1), got %v", c.Training.TestFraction)
	case c.Training.TrainSamples <= 0 || c.Training.ValSamples <= 0 || c.Training.TestSamples <= 0:
		return errors.New("training sample counts must be positive")
	}
	return nil
}

// overrides are the environment variables honoured on top of the YAML file.
type overrides struct {
	DataDir     string `envconfig:"DATA_DIR"`
	ModelDir    string `envconfig:"MODEL_DIR"`
	DBPath      string `envconfig:"DB_PATH"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	Seed        int64  `envconfig:"SEED"`
}

// ResolveEnv fills in config fields from FOG_* environment variables when set.
func (c *Config) ResolveEnv() error {
	var o overrides
	if err := envconfig.Process("fog", &o); err != nil {
		return err
	}
	if o.DataDir != "" {
		c.Data.Dir = o.DataDir
	}
	if o.ModelDir != "" {
		c.Storage.ModelDir = o.ModelDir
	}
	if o.DBPath != "" {
		c.Storage.DBPath = o.DBPath
	}
	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
	}
	return nil
}

// Load reads YAML config from path on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ResolveEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
