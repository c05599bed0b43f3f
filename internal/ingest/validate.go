package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

const (
	maxIDLength   = 255
	maxTextLength = 1 << 20
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

// Unwrap makes validation failures match apperrors.ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// ValidateRecord checks the ID and text length limits shared by the HTTP and
// Kafka ingest paths. Empty or short text is valid; the index skips it as
// degenerate.
func ValidateRecord(rec index.Record) error {
	errs := make(map[string]string)
	switch {
	case strings.TrimSpace(rec.ID) == "":
		errs["id"] = "field 'id' is required"
	case len(rec.ID) > maxIDLength:
		errs["id"] = fmt.Sprintf("id must be at most %d bytes", maxIDLength)
	}
	if len(rec.Text) > maxTextLength {
		errs["text"] = fmt.Sprintf("text must be at most %d bytes", maxTextLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
