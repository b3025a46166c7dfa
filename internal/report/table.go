package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"fogcnn/internal/store/rundb"
)

// Runs writes a one-line-per-run table.
func Runs(w io.Writer, runs []rundb.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDETECTION\tSTARTED\tDURATION\tSTATUS\tERROR")
	for _, r := range runs {
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Detection, r.StartedAt.Format(time.RFC3339), dur, r.Status, r.Error)
	}
	return tw.Flush()
}

// Epochs writes the per-epoch history of one run.
func Epochs(w io.Writer, epochs []rundb.Epoch, evals []rundb.Evaluation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLD\tEPOCH\tLOSS\tACC\tVAL_LOSS\tVAL_ACC\tSAMPLES\tDURATION")
	for _, e := range epochs {
		fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.4f\t%s\t%s\t%d\t%s\n", e.Fold, e.Epoch, e.Loss, e.Accuracy,
			optional(e.ValLoss), optional(e.ValAccuracy), e.Samples, e.Duration)
	}
	for _, ev := range evals {
		fmt.Fprintf(tw, "%s\t-\t%.4f\t%.4f\t\t\t%d\t\n", ev.Group, ev.Loss, ev.Accuracy, ev.Samples)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
