// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, LSH, Dataset, Kafka, Redis, Postgres, etc.).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LSH      LSHConfig      `yaml:"lsh"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	MaxBatchSize    int           `yaml:"maxBatchSize"`
	// WriteRateLimit is the sustained insert requests per second; 0 disables
	// limiting.
	WriteRateLimit float64 `yaml:"writeRateLimit"`
	WriteBurst     int     `yaml:"writeBurst"`
}

// LSHConfig fixes the index parameters and hash family. It is immutable for
// the lifetime of an index.
type LSHConfig struct {
	Q          int    `yaml:"q"`
	NbBands    int    `yaml:"nbBands"`
	BandSize   int    `yaml:"bandSize"`
	HashFamily string `yaml:"hashFamily"`
	Seed       uint64 `yaml:"seed"`
	// Modulus bounds every hash output; 0 keeps the full 64-bit range. 1 is
	// rejected and anything below 2^32 other than 1000000 (the legacy
	// variant) logs a warning.
	Modulus uint64 `yaml:"modulus"`
	Shards  int    `yaml:"shards"`
	Workers int    `yaml:"workers"`
}

// Params returns the banding parameters.
func (c LSHConfig) Params() lsh.Params {
	return lsh.Params{Q: c.Q, NbBands: c.NbBands, BandSize: c.BandSize}
}

// DatasetConfig describes the input corpus for batch blocking runs.
type DatasetConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
	// Delimiter is a single character; empty means comma.
	Delimiter string `yaml:"delimiter"`
	// IDColumn and TruthColumn are zero-based; -1 means absent.
	IDColumn    int   `yaml:"idColumn"`
	TruthColumn int   `yaml:"truthColumn"`
	SkipColumns []int `yaml:"skipColumns"`
	Normalize   bool  `yaml:"normalize"`
	// Encoding is utf-8 or latin-1.
	Encoding string `yaml:"encoding"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RecordIngest    string `yaml:"recordIngest"`
	CandidateBlocks string `yaml:"candidateBlocks"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults for local development.
func Default() *Config {
	p := lsh.DefaultParams()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  10 * time.Second,
			MaxBatchSize:    10000,
			WriteRateLimit:  0,
			WriteBurst:      100,
		},
		LSH: LSHConfig{
			Q:          p.Q,
			NbBands:    p.NbBands,
			BandSize:   p.BandSize,
			HashFamily: "xxh3",
			Shards:     16,
			Workers:    4,
		},
		Dataset: DatasetConfig{
			Format:      "csv",
			IDColumn:    0,
			TruthColumn: -1,
			Encoding:    "utf-8",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "lshblock-group",
			Topics: KafkaTopics{
				RecordIngest:    "record-ingest",
				CandidateBlocks: "candidate-blocks",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "lshblock",
			User:            "lshblock",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks cross-field constraints. Banding parameters are checked by
// lsh.Params so the CLI and service fail the same way.
func (c *Config) Validate() error {
	if err := c.LSH.Params().Validate(); err != nil {
		return err
	}
	if c.LSH.Workers < 1 {
		return apperrors.Configf("lsh.workers must be at least 1, got %d", c.LSH.Workers)
	}
	if c.LSH.Modulus == 1 {
		return apperrors.Configf("lsh.modulus 1 puts every record in one bucket; use 0 for the full range")
	}
	if hashfamily.WeakModulus(c.LSH.Modulus) {
		slog.Warn("lsh.modulus is below the recommended range; expect extra bucket collisions",
			"modulus", c.LSH.Modulus,
			"recommended_min", hashfamily.RecommendedModulus,
		)
	}
	switch c.Dataset.Format {
	case "csv", "cora", "lines":
	default:
		return apperrors.Configf("unknown dataset.format %q", c.Dataset.Format)
	}
	switch c.Dataset.Encoding {
	case "", "utf-8", "latin-1":
	default:
		return apperrors.Configf("unknown dataset.encoding %q", c.Dataset.Encoding)
	}
	if len([]rune(c.Dataset.Delimiter)) > 1 {
		return apperrors.Configf("dataset.delimiter must be a single character, got %q", c.Dataset.Delimiter)
	}
	if c.Server.MaxBatchSize < 1 {
		return apperrors.Configf("server.maxBatchSize must be positive, got %d", c.Server.MaxBatchSize)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return apperrors.Configf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// applyEnvOverrides reads LB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("LB_SERVER_PORT", &cfg.Server.Port)
	setInt("LB_LSH_Q", &cfg.LSH.Q)
	setInt("LB_LSH_NB_BANDS", &cfg.LSH.NbBands)
	setInt("LB_LSH_BAND_SIZE", &cfg.LSH.BandSize)
	setString("LB_LSH_HASH_FAMILY", &cfg.LSH.HashFamily)
	if v := os.Getenv("LB_LSH_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.LSH.Seed = seed
		}
	}
	setInt("LB_LSH_WORKERS", &cfg.LSH.Workers)
	setString("LB_DATASET_PATH", &cfg.Dataset.Path)
	setString("LB_DATASET_FORMAT", &cfg.Dataset.Format)
	setString("LB_DATASET_ENCODING", &cfg.Dataset.Encoding)
	setBool("LB_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("LB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setBool("LB_REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("LB_REDIS_ADDR", &cfg.Redis.Addr)
	setString("LB_REDIS_PASSWORD", &cfg.Redis.Password)
	setBool("LB_POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setString("LB_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("LB_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("LB_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("LB_POSTGRES_USER", &cfg.Postgres.User)
	setString("LB_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("LB_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	setString("LB_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("LB_LOGGING_FORMAT", &cfg.Logging.Format)
	setBool("LB_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("LB_METRICS_PORT", &cfg.Metrics.Port)
}
