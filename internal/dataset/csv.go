// Package dataset loads record corpora for blocking runs: delimited tables
// with the missing-value conventions of the linkage datasets, the CORA
// citation table with its ground-truth column, and plain line-per-record
// text files.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"

	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// Encodings accepted by CSVOptions.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// MissingMarker is the not-entered marker used by the linkage datasets.
const MissingMarker = "n/e"

// CSVOptions controls LoadCSV.
type CSVOptions struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// Encoding is utf-8 (default) or latin-1.
	Encoding string
}

// Row is one data row. Fields are whitespace-trimmed; Missing marks cells
// that were empty or held MissingMarker.
type Row struct {
	Line    int
	Fields  []string
	Missing []bool
}

// Present returns the non-missing fields, in column order, excluding the
// listed columns.
func (r Row) Present(exclude map[int]bool) []string {
	out := make([]string, 0, len(r.Fields))
	for i, f := range r.Fields {
		if r.Missing[i] || exclude[i] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Table is a loaded delimited file.
type Table struct {
	Header []string
	Rows   []Row
	// Skipped counts rows where every cell was missing.
	Skipped int
}

// LoadCSV reads a delimited table whose first row is the header. Header
// names are trimmed. A row whose field count differs from the header is an
// ErrInvalidInput; rows with every cell missing are dropped.
func LoadCSV(r io.Reader, opts CSVOptions) (*Table, error) {
	switch opts.Encoding {
	case "", EncodingUTF8:
	case EncodingLatin1:
		r = charmap.ISO8859_1.NewDecoder().Reader(r)
	default:
		return nil, apperrors.Configf("unsupported encoding %q", opts.Encoding)
	}

	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	// Field counts are checked below so the error names both sizes.
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.Inputf("empty table: missing header row")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	t := &Table{Header: make([]string, len(header))}
	for i, h := range header {
		t.Header[i] = strings.TrimSpace(h)
	}

	for {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %v: %w", err, apperrors.ErrInvalidInput)
		}
		line, _ := reader.FieldPos(0)
		if len(raw) != len(t.Header) {
			return nil, apperrors.Inputf("line %d: mismatch in the number of fields, %d vs %d", line, len(t.Header), len(raw))
		}
		row := Row{Line: line, Fields: make([]string, len(raw)), Missing: make([]bool, len(raw))}
		allMissing := true
		for i, cell := range raw {
			cell = strings.TrimSpace(cell)
			row.Fields[i] = cell
			if cell == "" || cell == MissingMarker {
				row.Missing[i] = true
				continue
			}
			allMissing = false
		}
		if allMissing {
			t.Skipped++
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
