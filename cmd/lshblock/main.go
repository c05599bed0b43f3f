// Command lshblock runs one blocking experiment: it loads a corpus, builds
// the bucket index, looks every record up and prints block statistics and,
// when ground truth is available, pair-level blocking quality.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/blocking"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/candidates"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/dataset"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/report"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/config"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/kafka"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/logger"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/postgres"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/resilience"
)

type options struct {
	configPath         string
	jsonOutput         bool
	estimateSimilarity bool
	publish            bool
	saveReport         bool
	progressEvery      int
}

func main() {
	fs := flag.NewFlagSet("lshblock", flag.ExitOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to config file (defaults are used when empty)")
	fs.BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON instead of a summary table")
	fs.BoolVar(&opts.estimateSimilarity, "estimate-similarity", false, "report MinHash-estimated similarity within blocks")
	fs.BoolVar(&opts.publish, "publish", false, "publish every block to the candidate topic")
	fs.BoolVar(&opts.saveReport, "save-report", false, "store the report in PostgreSQL")
	fs.IntVar(&opts.progressEvery, "progress-every", 1000, "records between progress log lines")
	overrides := registerOverrides(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := applyOverrides(cfg, fs, overrides); err != nil {
		fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		os.Exit(2)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdout); err != nil {
		slog.Error("blocking run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer) error {
	family, err := hashfamily.New(cfg.LSH.HashFamily, cfg.LSH.Seed, cfg.LSH.Modulus)
	if err != nil {
		return err
	}
	idx, err := index.New(cfg.LSH.Params(), family, index.WithShards(cfg.LSH.Shards))
	if err != nil {
		return err
	}

	start := time.Now()
	corpus, err := dataset.Load(cfg.Dataset)
	if err != nil {
		return err
	}
	slog.Info("dataset loaded",
		"path", cfg.Dataset.Path,
		"format", cfg.Dataset.Format,
		"records", len(corpus.Records),
		"ground_truth", corpus.HasTruth(),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	runOpts := blocking.Options{
		Workers:            cfg.LSH.Workers,
		ProgressEvery:      opts.progressEvery,
		EstimateSimilarity: opts.estimateSimilarity,
	}
	if opts.publish {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CandidateBlocks)
		defer producer.Close()
		collector := candidates.NewCollector(producer, cfg.LSH.Params(), family.Name())
		collector.Start(ctx)
		defer collector.Close()
		runOpts.Sink = collector
		slog.Info("publishing candidate blocks", "topic", cfg.Kafka.Topics.CandidateBlocks)
	}

	rep, err := blocking.Run(ctx, idx, corpus, runOpts)
	if err != nil {
		return err
	}

	if opts.saveReport {
		if err := saveReport(ctx, cfg, rep); err != nil {
			return err
		}
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return blocking.WriteSummary(stdout, rep)
}

func saveReport(ctx context.Context, cfg *config.Config, rep *blocking.Report) error {
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to report store: %w", err)
	}
	defer db.Close()

	store := report.NewStore(db, resilience.RetryConfig{})
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	id, err := store.Save(ctx, cfg.Dataset.Path, rep)
	if err != nil {
		return err
	}
	slog.Info("report saved", "run_id", id)
	return nil
}

// overrideFlags are the experiment flags that take precedence over the
// config file when given explicitly.
type overrideFlags struct {
	q, nbBands, bandSize, workers, shards *int
	idColumn, truthColumn                 *int
	dataset, format, hashFamily           *string
	delimiter, encoding, logLevel         *string
	seed, modulus                         *string
	normalize                             *bool
}

func registerOverrides(fs *flag.FlagSet) *overrideFlags {
	d := config.Default()
	return &overrideFlags{
		q:           fs.Int("q", d.LSH.Q, "shingle width in characters"),
		nbBands:     fs.Int("nb-bands", d.LSH.NbBands, "number of bands"),
		bandSize:    fs.Int("band-size", d.LSH.BandSize, "MinHash values per band"),
		workers:     fs.Int("workers", d.LSH.Workers, "parallel build and lookup workers"),
		shards:      fs.Int("shards", d.LSH.Shards, "bucket map shards (rounded up to a power of two)"),
		idColumn:    fs.Int("id-column", d.Dataset.IDColumn, "zero-based ID column for csv, -1 for row ordinals"),
		truthColumn: fs.Int("truth-column", d.Dataset.TruthColumn, "zero-based ground-truth column for csv, -1 for none"),
		dataset:     fs.String("dataset", d.Dataset.Path, "path to the dataset file"),
		format:      fs.String("format", d.Dataset.Format, "dataset format: csv, cora or lines"),
		hashFamily:  fs.String("hash-family", d.LSH.HashFamily, "hash backend: xxh3, xxhash, murmur3 or md5"),
		delimiter:   fs.String("delimiter", d.Dataset.Delimiter, "CSV field delimiter (single character)"),
		encoding:    fs.String("encoding", d.Dataset.Encoding, "dataset encoding: utf-8 or latin-1"),
		logLevel:    fs.String("log-level", d.Logging.Level, "log level: debug, info, warn or error"),
		seed:        fs.String("seed", "0", "hash family seed"),
		modulus:     fs.String("modulus", "0", "bound every hash output; 0 keeps the full 64-bit range"),
		normalize:   fs.Bool("normalize", d.Dataset.Normalize, "lowercase and collapse punctuation before shingling"),
	}
}

// applyOverrides copies explicitly set flags into cfg and revalidates it.
func applyOverrides(cfg *config.Config, fs *flag.FlagSet, o *overrideFlags) error {
	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "q":
			cfg.LSH.Q = *o.q
		case "nb-bands":
			cfg.LSH.NbBands = *o.nbBands
		case "band-size":
			cfg.LSH.BandSize = *o.bandSize
		case "workers":
			cfg.LSH.Workers = *o.workers
		case "shards":
			cfg.LSH.Shards = *o.shards
		case "id-column":
			cfg.Dataset.IDColumn = *o.idColumn
		case "truth-column":
			cfg.Dataset.TruthColumn = *o.truthColumn
		case "dataset":
			cfg.Dataset.Path = *o.dataset
		case "format":
			cfg.Dataset.Format = *o.format
		case "hash-family":
			cfg.LSH.HashFamily = *o.hashFamily
		case "delimiter":
			cfg.Dataset.Delimiter = *o.delimiter
		case "encoding":
			cfg.Dataset.Encoding = *o.encoding
		case "log-level":
			cfg.Logging.Level = *o.logLevel
		case "normalize":
			cfg.Dataset.Normalize = *o.normalize
		case "seed":
			cfg.LSH.Seed, parseErr = parseUint(f.Name, *o.seed, parseErr)
		case "modulus":
			cfg.LSH.Modulus, parseErr = parseUint(f.Name, *o.modulus, parseErr)
		}
	})
	if parseErr != nil {
		return parseErr
	}
	return cfg.Validate()
}

func parseUint(name, raw string, prev error) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		if prev != nil {
			return 0, prev
		}
		return 0, fmt.Errorf("-%s: %w", name, err)
	}
	return v, prev
}
