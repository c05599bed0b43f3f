package blocking

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteSummary prints the human-readable run summary used by the CLI.
func WriteSummary(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	p := r.Params
	rows := []struct {
		label string
		value string
	}{
		{"Parameters", fmt.Sprintf("q=%d nb_bands=%d band_size=%d family=%s seed=%d", p.Q, p.NbBands, p.BandSize, r.HashFamily, r.Seed)},
		{"Threshold", fmt.Sprintf("%.3f", r.Threshold)},
		{"Records", fmt.Sprintf("%d (indexed %d, degenerate %d, duplicate %d)", r.Records, r.Indexed, r.Degenerate, r.Duplicates)},
		{"Buckets", fmt.Sprintf("%d (largest %d)", r.Buckets, r.LargestBucket)},
		{"Min block size", fmt.Sprintf("%d", r.Blocks.Min)},
		{"Max block size", fmt.Sprintf("%d", r.Blocks.Max)},
		{"Mean block size", fmt.Sprintf("%.2f", r.Blocks.Mean)},
		{"Empty blocks", fmt.Sprintf("%d", r.Blocks.Empty)},
		{"Singleton blocks", fmt.Sprintf("%d", r.Blocks.Singleton)},
	}
	if s := r.Similarity; s != nil {
		rows = append(rows,
			struct{ label, value string }{"Mean min similarity", fmt.Sprintf("%.3f", s.MeanMin)},
			struct{ label, value string }{"Mean max similarity", fmt.Sprintf("%.3f", s.MeanMax)},
			struct{ label, value string }{"Mean mean similarity", fmt.Sprintf("%.3f", s.MeanMean)},
		)
	}
	if m := r.Pairs; m != nil {
		rows = append(rows,
			struct{ label, value string }{"True pairs", fmt.Sprintf("%d", m.TruePairs)},
			struct{ label, value string }{"Candidate pairs", fmt.Sprintf("%d", m.CandidatePairs)},
			struct{ label, value string }{"Pairs completeness", fmt.Sprintf("%.4f", m.PairsCompleteness)},
			struct{ label, value string }{"Pairs quality", fmt.Sprintf("%.4f", m.PairsQuality)},
			struct{ label, value string }{"Reduction ratio", fmt.Sprintf("%.4f", m.ReductionRatio)},
			struct{ label, value string }{"F-measure", fmt.Sprintf("%.4f", m.FMeasure)},
		)
	}
	rows = append(rows, struct{ label, value string }{"Elapsed", fmt.Sprintf("%.2fs", r.Seconds)})

	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", row.label, row.value); err != nil {
			return err
		}
	}
	return tw.Flush()
}
