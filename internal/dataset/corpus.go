package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/config"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// Formats accepted by Load.
const (
	FormatCSV   = "csv"
	FormatCora  = "cora"
	FormatLines = "lines"
)

// Corpus is an ordered record set, optionally with a ground-truth entity
// label per record.
type Corpus struct {
	Records []index.Record
	// Truth is parallel to Records, or nil when the source has no labels.
	// Records with equal non-empty labels are true matches; NoLabel marks a
	// record whose label is missing.
	Truth []string
}

// NoLabel is the truth value of a record without a ground-truth label.
const NoLabel = ""

// HasTruth reports whether ground-truth labels are available.
func (c *Corpus) HasTruth() bool {
	return c.Truth != nil
}

// TableOptions selects how table rows become records.
type TableOptions struct {
	// IDColumn holds the record ID; -1 assigns the row ordinal.
	IDColumn int
	// TruthColumn holds the entity label; -1 means unlabelled.
	TruthColumn int
	// SkipColumns are left out of the record text.
	SkipColumns []int
	Normalize   bool
}

// FromTable builds a corpus from a table. Record text is the present,
// non-skipped fields joined by a single space; ID and truth columns never
// contribute text.
func FromTable(t *Table, opts TableOptions) (*Corpus, error) {
	width := len(t.Header)
	for _, c := range append([]int{opts.IDColumn, opts.TruthColumn}, opts.SkipColumns...) {
		if c >= width || c < -1 {
			return nil, apperrors.Configf("column %d out of range for %d-column table", c, width)
		}
	}
	exclude := make(map[int]bool, len(opts.SkipColumns)+2)
	for _, c := range opts.SkipColumns {
		exclude[c] = true
	}
	if opts.IDColumn >= 0 {
		exclude[opts.IDColumn] = true
	}
	if opts.TruthColumn >= 0 {
		exclude[opts.TruthColumn] = true
	}

	c := &Corpus{Records: make([]index.Record, 0, len(t.Rows))}
	if opts.TruthColumn >= 0 {
		c.Truth = make([]string, 0, len(t.Rows))
	}
	for i, row := range t.Rows {
		id := fmt.Sprintf("%d", i)
		if opts.IDColumn >= 0 {
			id = row.Fields[opts.IDColumn]
		}
		text := strings.Join(row.Present(exclude), " ")
		if opts.Normalize {
			text = Normalize(text)
		}
		c.Records = append(c.Records, index.Record{ID: id, Text: text})
		if opts.TruthColumn >= 0 {
			label := row.Fields[opts.TruthColumn]
			if row.Missing[opts.TruthColumn] {
				label = NoLabel
			}
			c.Truth = append(c.Truth, label)
		}
	}
	return c, nil
}

// Cora adapts the CORA citation table: column 0 is an unused row key, column
// 1 is the ground-truth cluster, the remaining columns form the record.
// Records are identified by row ordinal.
func Cora(t *Table, normalize bool) (*Corpus, error) {
	if len(t.Header) < 3 {
		return nil, apperrors.Inputf("cora table needs at least 3 columns, got %d", len(t.Header))
	}
	return FromTable(t, TableOptions{
		IDColumn:    -1,
		TruthColumn: 1,
		SkipColumns: []int{0},
		Normalize:   normalize,
	})
}

// LoadLines reads one record per line, identified as line-<n> (1-based).
// Empty lines are kept; the index treats them as degenerate.
func LoadLines(r io.Reader, normalize bool) (*Corpus, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	c := &Corpus{}
	n := 0
	for scanner.Scan() {
		n++
		text := strings.TrimRight(scanner.Text(), "\r")
		if normalize {
			text = Normalize(text)
		}
		c.Records = append(c.Records, index.Record{ID: fmt.Sprintf("line-%d", n), Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading lines: %w", err)
	}
	return c, nil
}

// Load opens cfg.Path and parses it according to cfg.Format.
func Load(cfg config.DatasetConfig) (*Corpus, error) {
	if cfg.Path == "" {
		return nil, apperrors.Configf("dataset path is required")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", cfg.Path, err)
	}
	defer f.Close()

	if cfg.Format == FormatLines {
		return LoadLines(f, cfg.Normalize)
	}

	opts := CSVOptions{Encoding: cfg.Encoding}
	if cfg.Delimiter != "" {
		opts.Delimiter = []rune(cfg.Delimiter)[0]
	}
	t, err := LoadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Path, err)
	}
	switch cfg.Format {
	case FormatCora:
		return Cora(t, cfg.Normalize)
	case FormatCSV, "":
		return FromTable(t, TableOptions{
			IDColumn:    cfg.IDColumn,
			TruthColumn: cfg.TruthColumn,
			SkipColumns: cfg.SkipColumns,
			Normalize:   cfg.Normalize,
		})
	default:
		return nil, apperrors.Configf("unknown dataset format %q", cfg.Format)
	}
}
