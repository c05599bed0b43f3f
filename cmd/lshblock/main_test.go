package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/blocking"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/config"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

func parseFlags(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("lshblock", flag.ContinueOnError)
	o := registerOverrides(fs)
	require.NoError(t, fs.Parse(args))
	cfg := config.Default()
	cfg.LSH.Seed = 99
	return cfg, applyOverrides(cfg, fs, o)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := parseFlags(t, "-q", "5", "--nb-bands", "3", "--band-size", "10", "--dataset", "cora.csv", "--format", "cora", "--hash-family", "murmur3")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.LSH.Q)
	assert.Equal(t, 3, cfg.LSH.NbBands)
	assert.Equal(t, 10, cfg.LSH.BandSize)
	assert.Equal(t, "cora.csv", cfg.Dataset.Path)
	assert.Equal(t, "cora", cfg.Dataset.Format)
	assert.Equal(t, "murmur3", cfg.LSH.HashFamily)
	// Unset flags keep the config value.
	assert.Equal(t, uint64(99), cfg.LSH.Seed)

	cfg, err = parseFlags(t, "--seed", "7")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.LSH.Seed)
}

func TestApplyOverridesRejectsBadValues(t *testing.T) {
	_, err := parseFlags(t, "-q", "0")
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = parseFlags(t, "--seed", "-1")
	assert.Error(t, err)

	_, err = parseFlags(t, "--format", "xml")
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestRunLinesCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.txt")
	require.NoError(t, os.WriteFile(path, []byte("john smith edinburgh\njohn smith edinburgh\nxyzzy qwv\n"), 0o644))

	cfg := config.Default()
	cfg.Dataset.Path = path
	cfg.Dataset.Format = "lines"

	var buf bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, options{jsonOutput: true}, &buf))

	var rep blocking.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rep))
	assert.Equal(t, 3, rep.Records)
	assert.Equal(t, 3, rep.Indexed)
	assert.Equal(t, 2, rep.Blocks.Max)
	assert.Nil(t, rep.Pairs)

	buf.Reset()
	require.NoError(t, run(context.Background(), cfg, options{estimateSimilarity: true}, &buf))
	assert.Contains(t, buf.String(), "Mean block size:")
	assert.Contains(t, buf.String(), "Mean max similarity:")
}

func TestRunMissingDataset(t *testing.T) {
	cfg := config.Default()
	err := run(context.Background(), cfg, options{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}
