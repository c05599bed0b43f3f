// Package report persists blocking-run reports to PostgreSQL so parameter
// sweeps can be compared across runs.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/blocking"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/postgres"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/resilience"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blocking_runs (
		id         BIGSERIAL PRIMARY KEY,
		dataset    TEXT NOT NULL,
		params     JSONB NOT NULL,
		report     JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS blocking_runs_created_at_idx ON blocking_runs (created_at DESC)`,
}

// Run is one stored report.
type Run struct {
	ID        int64           `json:"id"`
	Dataset   string          `json:"dataset"`
	Params    lsh.Params      `json:"params"`
	Report    blocking.Report `json:"report"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store reads and writes the blocking_runs table.
type Store struct {
	db     *postgres.Client
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// NewStore creates a Store. A zero retry config uses the resilience defaults.
func NewStore(db *postgres.Client, retry resilience.RetryConfig) *Store {
	return &Store{
		db:     db,
		retry:  retry,
		logger: slog.Default().With("component", "report-store"),
	}
}

// Migrate creates the table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.Migrate(ctx, schema...); err != nil {
		return fmt.Errorf("migrating report store: %w", err)
	}
	return nil
}

// Save stores r and returns its row ID. Transient database errors are
// retried.
func (s *Store) Save(ctx context.Context, dataset string, r *blocking.Report) (int64, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return 0, fmt.Errorf("marshaling params: %w", err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshaling report: %w", err)
	}

	var id int64
	err = resilience.Retry(ctx, "report-save", s.retry, func() error {
		err := s.db.DB.QueryRowContext(ctx,
			`INSERT INTO blocking_runs (dataset, params, report, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			dataset, params, body, r.StartedAt,
		).Scan(&id)
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("saving blocking run: %w", err)
	}

	s.logger.Info("blocking run saved",
		"id", id,
		"dataset", dataset,
		"trace_id", r.TraceID,
	)
	return id, nil
}

// Get loads one run by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Run, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT id, dataset, params, report, created_at FROM blocking_runs WHERE id = $1`,
		id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "blocking run %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading blocking run %d: %w", id, err)
	}
	return run, nil
}

// List returns the newest runs first. A non-empty dataset filters by it.
func (s *Store) List(ctx context.Context, dataset string, limit int) ([]Run, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, dataset, params, report, created_at FROM blocking_runs
		 WHERE $1 = '' OR dataset = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		dataset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing blocking runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt blocking run", "error", err)
			continue
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run            Run
		params, report []byte
	)
	if err := sc.Scan(&run.ID, &run.Dataset, &params, &report, &run.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return nil, fmt.Errorf("decoding params of run %d: %w", run.ID, err)
	}
	if err := json.Unmarshal(report, &run.Report); err != nil {
		return nil, fmt.Errorf("decoding report of run %d: %w", run.ID, err)
	}
	return &run, nil
}

// classify marks errors that a retry cannot fix as permanent: data
// exceptions, integrity violations and syntax or access errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return resilience.Permanent(err)
		}
	}
	return err
}
