package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"fogcnn/internal/nn"
)

// TrainingCurves saves loss and accuracy per epoch to path. The image
// format follows the extension (.png, .svg, .pdf).
func TrainingCurves(path, title string, epochs []nn.EpochStats) error {
	if len(epochs) == 0 {
		return errors.New("report: no epochs to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Min = 0

	loss := make(plotter.XYs, len(epochs))
	acc := make(plotter.XYs, len(epochs))
	var valLoss, valAcc plotter.XYs
	for i, e := range epochs {
		x := float64(e.Epoch)
		loss[i] = plotter.XY{X: x, Y: e.Loss}
		acc[i] = plotter.XY{X: x, Y: e.Accuracy}
		if e.Validated {
			valLoss = append(valLoss, plotter.XY{X: x, Y: e.ValLoss})
			valAcc = append(valAcc, plotter.XY{X: x, Y: e.ValAccuracy})
		}
	}
	series := []any{"Loss", loss, "Accuracy", acc}
	if len(valLoss) > 0 {
		series = append(series, "Val loss", valLoss, "Val accuracy", valAcc)
	}
	if err := plotutil.AddLinePoints(p, series...); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}
