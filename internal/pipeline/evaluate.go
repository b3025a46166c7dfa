package pipeline

import (
	"context"
	"errors"
	"fmt"

	"fogcnn/internal/config"
	"fogcnn/internal/logging"
	"fogcnn/internal/nn"
	"fogcnn/internal/store/rundb"
)

// ErrNoTestPatients is returned when evaluation is requested over an empty group.
var ErrNoTestPatients = errors.New("no test patients")

// TestModel scores m on training.testSamples windows drawn from the test
// patients' recordings.
func TestModel(ctx context.Context, m *nn.Model, testPatients []string, cfg config.Config, deps Deps) (nn.Stats, error) {
	if len(testPatients) == 0 {
		return nn.Stats{}, ErrNoTestPatients
	}
	if !m.Compiled() {
		return nn.Stats{}, nn.ErrNotCompiled
	}
	src, stop, err := source(ctx, cfg, deps, testPatients)
	if err != nil {
		return nn.Stats{}, fmt.Errorf("test data: %w", err)
	}
	defer stop()
	s, err := m.Evaluate(ctx, src, cfg.Training.TestSamples)
	if err != nil {
		return s, fmt.Errorf("evaluate: %w", err)
	}
	logging.Info("test_done", map[string]any{"patients": testPatients, "loss": s.Loss, "acc": s.Accuracy, "samples": s.Samples})
	if deps.recording() {
		if err := deps.DB.PutEvaluation(ctx, deps.RunID, rundb.Evaluation{Group: "test", Loss: s.Loss, Accuracy: s.Accuracy, Samples: s.Samples}); err != nil {
			return s, fmt.Errorf("record evaluation: %w", err)
		}
	}
	return s, nil
}
