// Package signature turns record text into a banded MinHash signature.
//
// The MinHash vector has NbBands*BandSize entries; entry k is the minimum of
// the family's MinHash-role hash with salt k over the record's shingles. The
// vector is cut into NbBands contiguous bands and each band is reduced to one
// fingerprint by the band-role hash with the band index as salt.
package signature

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/shingle"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

var (
	// ErrNoShingles marks a degenerate record: shorter than the shingle width,
	// so it has no signature. It is a policy outcome, not a failure.
	ErrNoShingles = errors.New("record shorter than shingle width")

	// ErrInvalidEncoding is returned for text that is not valid UTF-8.
	ErrInvalidEncoding = fmt.Errorf("record text is not valid UTF-8: %w", apperrors.ErrInvalidInput)
)

// Band is one fingerprinted slice of a signature.
type Band struct {
	Index       int    `json:"band"`
	Fingerprint uint64 `json:"fingerprint"`
}

// Signature is the ordered list of (band index, fingerprint) pairs.
type Signature []Band

// Equal reports whether two signatures are identical.
func (s Signature) Equal(other Signature) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// SharesBand reports whether the signatures agree on at least one band.
func (s Signature) SharesBand(other Signature) bool {
	for i := range s {
		if i < len(other) && s[i] == other[i] {
			return true
		}
	}
	return false
}

// Builder computes signatures for fixed parameters and hash family.
type Builder struct {
	params lsh.Params
	family hashfamily.Family
}

// NewBuilder validates params and returns a Builder.
func NewBuilder(params lsh.Params, family hashfamily.Family) (*Builder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if family == nil {
		return nil, apperrors.Configf("hash family is required")
	}
	return &Builder{params: params, family: family}, nil
}

func (b *Builder) Params() lsh.Params { return b.params }

func (b *Builder) Family() hashfamily.Family { return b.family }

// Compute returns the record's signature, ErrNoShingles when the record is
// degenerate, or ErrInvalidEncoding.
func (b *Builder) Compute(record string) (Signature, error) {
	mins, err := b.MinHashes(record)
	if err != nil {
		return nil, err
	}
	return b.Fingerprint(mins)
}

// MinHashes returns the raw MinHash vector of the record.
func (b *Builder) MinHashes(record string) ([]uint64, error) {
	if !utf8.ValidString(record) {
		return nil, ErrInvalidEncoding
	}
	shingles := shingle.Unique(shingle.Extract(b.params.Q, record))
	if len(shingles) == 0 {
		return nil, ErrNoShingles
	}
	n := b.params.SignatureLen()
	mins := make([]uint64, n)
	for k := range mins {
		mins[k] = math.MaxUint64
	}
	for _, s := range shingles {
		for k := 0; k < n; k++ {
			if h := b.family.HashString(hashfamily.RoleMinHash, uint64(k), s); h < mins[k] {
				mins[k] = h
			}
		}
	}
	return mins, nil
}

// Fingerprint bands a MinHash vector of length NbBands*BandSize. Any other
// length is an ErrInvalidInput.
func (b *Builder) Fingerprint(mins []uint64) (Signature, error) {
	if n := b.params.SignatureLen(); len(mins) != n {
		return nil, apperrors.Inputf("minhash vector has %d values, want %d", len(mins), n)
	}
	size := b.params.BandSize
	sig := make(Signature, 0, b.params.NbBands)
	buf := make([]byte, 8*size)
	for i := 0; i < b.params.NbBands; i++ {
		band := mins[i*size : (i+1)*size]
		for j, v := range band {
			binary.LittleEndian.PutUint64(buf[8*j:], v)
		}
		sig = append(sig, Band{
			Index:       i,
			Fingerprint: b.family.Hash(hashfamily.RoleBand, uint64(i), buf),
		})
	}
	return sig, nil
}

// EstimateJaccard is the fraction of equal MinHash entries, an unbiased
// estimate of the Jaccard similarity of the two shingle sets.
func EstimateJaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a))
}
