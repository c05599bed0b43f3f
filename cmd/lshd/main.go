// Command lshd serves the bucket index over HTTP. Records arrive through the
// API or the Kafka ingest topic; candidate blocks can be published to Kafka
// for the downstream scoring stage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/candidates"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/dataset"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/ingest"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/report"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/service"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/config"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/health"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/kafka"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/logger"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/metrics"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/middleware"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/postgres"
	pkgredis "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/redis"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/resilience"
)

const statsInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (defaults are used when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting blocking service",
		"port", cfg.Server.Port,
		"q", cfg.LSH.Q,
		"nb_bands", cfg.LSH.NbBands,
		"band_size", cfg.LSH.BandSize,
		"hash_family", cfg.LSH.HashFamily,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	family, err := hashfamily.New(cfg.LSH.HashFamily, cfg.LSH.Seed, cfg.LSH.Modulus)
	if err != nil {
		slog.Error("invalid hash family", "error", err)
		os.Exit(1)
	}
	idx, err := index.New(cfg.LSH.Params(), family,
		index.WithShards(cfg.LSH.Shards),
		index.WithObserver(m),
		index.WithLogger(logger.WithComponent("bucket-index")),
	)
	if err != nil {
		slog.Error("failed to create index", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Dataset.Path != "" {
		if err := preload(ctx, idx, cfg); err != nil {
			slog.Error("failed to preload dataset", "error", err)
			os.Exit(1)
		}
	}

	checker := health.NewChecker()
	checker.Register("index", health.IndexCheck(idx.Len))

	var cache *service.CandidateCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, candidate caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			breaker := resilience.NewCircuitBreaker("redis", resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, _, to resilience.State) {
					m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				},
			})
			cache = service.NewCache(redisClient, cfg.Redis.CacheTTL,
				service.WithBreaker(breaker),
				service.WithHitMissHooks(m.CacheHitsTotal.Inc, m.CacheMissesTotal.Inc),
			)
			checker.Register("redis", health.PingCheck("redis", 2*time.Second, true, redisClient.Ping))
			slog.Info("candidate cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var sink service.Sink
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CandidateBlocks)
		defer producer.Close()
		collector := candidates.NewCollector(producer, cfg.LSH.Params(), family.Name(),
			candidates.WithStatusRecorder(func(status string, n int) {
				m.BlockEventsTotal.WithLabelValues(status).Add(float64(n))
			}),
		)
		collector.Start(ctx)
		defer collector.Close()
		sink = collector
		slog.Info("candidate publisher started", "topic", cfg.Kafka.Topics.CandidateBlocks)
	}

	h := service.New(idx, cache, sink, cfg.Server.MaxBatchSize, cfg.LSH.Workers)

	if cfg.Kafka.Enabled {
		handler := ingest.HandleMessage(idx, ingest.Hooks{
			Count:   func(status string) { m.KafkaMessagesTotal.WithLabelValues(status).Inc() },
			Indexed: h.RecordIndexed,
		})
		consumer := ingest.New(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RecordIngest, handler))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("record consumer error", "error", err)
			}
		}()
		slog.Info("record consumer started", "topic", cfg.Kafka.Topics.RecordIngest)
	}

	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, run history disabled", "error", err)
		} else {
			defer db.Close()
			store := report.NewStore(db, resilience.RetryConfig{})
			if err := store.Migrate(ctx); err != nil {
				slog.Error("report store migration failed", "error", err)
				os.Exit(1)
			}
			service.NewRunsHandler(store).Routes(mux)
			checker.Register("postgres", health.PingCheck("postgres", 2*time.Second, true, db.Ping))
			slog.Info("run history enabled", "database", cfg.Postgres.Database)
		}
	}

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}
	go refreshIndexStats(ctx, idx, m)

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	chain = middleware.RateLimit(middleware.NewLimiter(cfg.Server.WriteRateLimit, cfg.Server.WriteBurst))(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("blocking service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("blocking service stopped", "records", idx.Len())
}

// preload bulk-builds the index from the configured dataset before serving.
func preload(ctx context.Context, idx *index.Index, cfg *config.Config) error {
	start := time.Now()
	corpus, err := dataset.Load(cfg.Dataset)
	if err != nil {
		return err
	}
	n, err := idx.InsertBatch(ctx, corpus.Records, cfg.LSH.Workers)
	if err != nil {
		return err
	}
	slog.Info("dataset preloaded",
		"path", cfg.Dataset.Path,
		"records", len(corpus.Records),
		"indexed", n,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func refreshIndexStats(ctx context.Context, idx *index.Index, m *metrics.Metrics) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		m.SetIndexStats(idx.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
