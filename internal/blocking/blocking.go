// Package blocking runs a corpus through the bucket index and measures the
// resulting blocks: block-size statistics, MinHash-estimated similarity
// within blocks, and pair-level quality against ground truth. It does not
// score candidate pairs with any string comparator.
package blocking

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/dataset"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/signature"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/tracing"
)

// Sink receives every query's block, e.g. a candidates.Collector.
type Sink interface {
	Emit(query index.Record, block []index.Record)
}

// Options tunes a run.
type Options struct {
	Workers int
	// ProgressEvery is the number of records between progress log lines.
	ProgressEvery int
	// EstimateSimilarity adds SimilarityStats to the report.
	EstimateSimilarity bool
	Sink               Sink
	Logger             *slog.Logger
}

// Report is the outcome of one blocking run.
type Report struct {
	TraceID       string             `json:"trace_id"`
	Params        lsh.Params         `json:"params"`
	HashFamily    string             `json:"hash_family"`
	Seed          uint64             `json:"seed"`
	Threshold     float64            `json:"threshold"`
	Records       int                `json:"records"`
	Indexed       int                `json:"indexed"`
	Degenerate    int64              `json:"degenerate"`
	Duplicates    int64              `json:"duplicates"`
	Buckets       int                `json:"buckets"`
	LargestBucket uint64             `json:"largest_bucket"`
	Blocks        BlockStats         `json:"blocks"`
	Similarity    *SimilarityStats   `json:"similarity,omitempty"`
	Pairs         *PairMetrics       `json:"pairs,omitempty"`
	PhaseSeconds  map[string]float64 `json:"phase_seconds"`
	StartedAt     time.Time          `json:"started_at"`
	Seconds       float64            `json:"seconds"`
	// BlockSizes is parallel to the corpus records.
	BlockSizes []int `json:"-"`
}

// Run bulk-builds idx from the corpus, looks every record up and evaluates
// the blocks. idx is normally empty; records already present are reported
// as duplicates.
func Run(ctx context.Context, idx *index.Index, corpus *dataset.Corpus, opts Options) (*Report, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "blocking")
	}

	started := time.Now()
	ctx, root := tracing.StartSpan(ctx, "blocking-run", "")
	params := idx.Params()
	family := idx.Builder().Family()
	report := &Report{
		TraceID:    root.TraceID,
		Params:     params,
		HashFamily: family.Name(),
		Seed:       family.Seed(),
		Threshold:  params.Threshold(),
		Records:    len(corpus.Records),
		StartedAt:  started.UTC(),
	}
	logger.Info("blocking run started",
		"trace_id", root.TraceID,
		"records", report.Records,
		"q", params.Q,
		"nb_bands", params.NbBands,
		"band_size", params.BandSize,
		"hash_family", report.HashFamily,
		"threshold", report.Threshold,
	)

	indexed, err := build(ctx, idx, corpus.Records, opts, logger)
	if err != nil {
		return nil, err
	}
	report.Indexed = indexed

	blocks, err := lookupAll(ctx, idx, corpus.Records, opts, logger)
	if err != nil {
		return nil, err
	}

	if opts.Sink != nil {
		for i, rec := range corpus.Records {
			opts.Sink.Emit(rec, blocks[i])
		}
	}

	evaluate(ctx, idx, corpus, blocks, opts, report)

	st := idx.Stats()
	report.Degenerate = st.Degenerate
	report.Duplicates = st.Duplicates
	report.Buckets = st.Buckets
	report.LargestBucket = st.LargestBucket

	root.End()
	report.PhaseSeconds = make(map[string]float64)
	for name, d := range root.Phases() {
		report.PhaseSeconds[name] = d.Seconds()
	}
	report.Seconds = time.Since(started).Seconds()
	root.Log(logger)

	attrs := []any{
		"trace_id", report.TraceID,
		"indexed", report.Indexed,
		"degenerate", report.Degenerate,
		"buckets", report.Buckets,
		"mean_block", report.Blocks.Mean,
		"max_block", report.Blocks.Max,
		"seconds", report.Seconds,
	}
	if report.Pairs != nil {
		attrs = append(attrs,
			"pairs_completeness", report.Pairs.PairsCompleteness,
			"pairs_quality", report.Pairs.PairsQuality,
			"reduction_ratio", report.Pairs.ReductionRatio,
		)
	}
	logger.Info("blocking run complete", attrs...)
	return report, nil
}

func build(ctx context.Context, idx *index.Index, recs []index.Record, opts Options, logger *slog.Logger) (int, error) {
	ctx, span := tracing.StartChildSpan(ctx, "build")
	defer span.End()

	indexed := 0
	for start := 0; start < len(recs); start += opts.ProgressEvery {
		end := min(start+opts.ProgressEvery, len(recs))
		n, err := idx.InsertBatch(ctx, recs[start:end], opts.Workers)
		indexed += n
		if err != nil {
			return indexed, fmt.Errorf("building index: %w", err)
		}
		logProgress(logger, "index build", end, len(recs))
	}
	span.SetAttr("indexed", indexed)
	return indexed, nil
}

func lookupAll(ctx context.Context, idx *index.Index, recs []index.Record, opts Options, logger *slog.Logger) ([][]index.Record, error) {
	ctx, span := tracing.StartChildSpan(ctx, "lookup")
	defer span.End()

	blocks := make([][]index.Record, len(recs))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			block, err := idx.Lookup(recs[i].Text)
			if err != nil {
				return fmt.Errorf("looking up record %q: %w", recs[i].ID, err)
			}
			blocks[i] = block
			if n := done.Add(1); n%int64(opts.ProgressEvery) == 0 {
				logProgress(logger, "block lookup", int(n), len(recs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span.SetAttr("queries", len(recs))
	return blocks, nil
}

func evaluate(ctx context.Context, idx *index.Index, corpus *dataset.Corpus, blocks [][]index.Record, opts Options, report *Report) {
	_, span := tracing.StartChildSpan(ctx, "evaluate")
	defer span.End()

	position := make(map[string]int, len(corpus.Records))
	for i, rec := range corpus.Records {
		if _, seen := position[rec.ID]; !seen {
			position[rec.ID] = i
		}
	}

	report.BlockSizes = make([]int, len(blocks))
	pairs := make(map[uint64]struct{})
	for i, block := range blocks {
		report.BlockSizes[i] = len(block)
		for _, cand := range block {
			// Records indexed outside this corpus have no position.
			if j, ok := position[cand.ID]; ok && j != i {
				pairs[pairKey(i, j)] = struct{}{}
			}
		}
	}
	report.Blocks = blockStats(report.BlockSizes)

	if corpus.HasTruth() {
		m := pairMetrics(pairs, corpus.Truth, len(corpus.Records))
		report.Pairs = &m
		span.SetAttr("candidate_pairs", m.CandidatePairs)
	}

	if opts.EstimateSimilarity {
		report.Similarity = estimateSimilarity(idx.Builder(), corpus.Records, blocks, position)
	}
}

// estimateSimilarity recomputes MinHash vectors once per record and compares
// each query against its non-self candidates.
func estimateSimilarity(b *signature.Builder, recs []index.Record, blocks [][]index.Record, position map[string]int) *SimilarityStats {
	mins := make([][]uint64, len(recs))
	for i, rec := range recs {
		m, err := b.MinHashes(rec.Text)
		if err != nil {
			continue
		}
		mins[i] = m
	}

	var sumMin, sumMax, sumMean float64
	queries := 0
	for i, block := range blocks {
		if mins[i] == nil {
			continue
		}
		lo, hi, total, n := 1.0, 0.0, 0.0, 0
		for _, cand := range block {
			j, ok := position[cand.ID]
			if !ok || j == i || mins[j] == nil {
				continue
			}
			s := signature.EstimateJaccard(mins[i], mins[j])
			lo, hi = min(lo, s), max(hi, s)
			total += s
			n++
		}
		if n == 0 {
			continue
		}
		sumMin += lo
		sumMax += hi
		sumMean += total / float64(n)
		queries++
	}
	if queries == 0 {
		return &SimilarityStats{}
	}
	q := float64(queries)
	return &SimilarityStats{MeanMin: sumMin / q, MeanMax: sumMax / q, MeanMean: sumMean / q}
}

func logProgress(logger *slog.Logger, phase string, done, total int) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	pct := 100.0
	if total > 0 {
		pct = 100 * float64(done) / float64(total)
	}
	logger.Info(phase,
		"done", done,
		"total", total,
		"percent", fmt.Sprintf("%.2f", pct),
		"heap_mb", float64(ms.HeapAlloc)/1e6,
	)
}
