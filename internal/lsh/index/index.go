// Package index implements the append-only LSH bucket index: a multimap from
// band fingerprint to the set of records whose signature carries that
// fingerprint. Lookup returns the union of the buckets a query falls into,
// which is the candidate set handed to downstream scoring.
//
// The bucket map is split into shards keyed by fingerprint, each guarded by
// its own RWMutex, and record sets are roaring bitmaps of insertion ordinals.
// Inserts and lookups may run concurrently.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/signature"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

const (
	defaultShards = 16
	maxShards     = 1 << 12
	// maxRecords is bounded by the uint32 ordinal space of the bitmaps.
	maxRecords uint64 = 1<<32 - 1
)

// ErrIndexFull is returned once every record ordinal has been assigned.
var ErrIndexFull = errors.New("index: record ordinal space exhausted")

// Record is an opaque text blob with a stable identity. Records are never
// mutated after insertion.
type Record struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Observer receives insert and lookup outcomes, e.g. for metrics.
type Observer interface {
	ObserveInsert(outcome InsertOutcome, d time.Duration)
	ObserveLookup(candidates int, d time.Duration)
}

// InsertOutcome classifies what an Insert did.
type InsertOutcome string

const (
	OutcomeIndexed    InsertOutcome = "indexed"
	OutcomeDegenerate InsertOutcome = "degenerate"
	OutcomeDuplicate  InsertOutcome = "duplicate"
	OutcomeError      InsertOutcome = "error"
)

// Option configures an Index.
type Option func(*Index)

// WithShards sets the number of bucket shards, rounded up to a power of two.
func WithShards(n int) Option {
	return func(x *Index) { x.shardCount = n }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(x *Index) { x.observer = o }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l }
}

type shard struct {
	mu      sync.RWMutex
	buckets map[uint64]*roaring.Bitmap
}

// Index is the LSH bucket index. The zero value is not usable; call New.
type Index struct {
	builder    *signature.Builder
	shards     []*shard
	shardMask  uint64
	shardCount int

	regMu   sync.RWMutex
	ids     map[string]uint32
	records []Record

	// recordLimit caps ordinals; it is maxRecords outside tests.
	recordLimit uint64

	degenerate atomic.Int64
	duplicates atomic.Int64

	observer Observer
	logger   *slog.Logger
}

// New validates params once and returns an empty index.
func New(params lsh.Params, family hashfamily.Family, opts ...Option) (*Index, error) {
	builder, err := signature.NewBuilder(params, family)
	if err != nil {
		return nil, fmt.Errorf("creating signature builder: %w", err)
	}
	x := &Index{
		builder:     builder,
		shardCount:  defaultShards,
		ids:         make(map[string]uint32),
		recordLimit: maxRecords,
		logger:      slog.Default().With("component", "bucket-index"),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.shardCount < 1 || x.shardCount > maxShards {
		return nil, apperrors.Configf("shard count must be in [1, %d], got %d", maxShards, x.shardCount)
	}
	n := nextPowerOfTwo(x.shardCount)
	x.shardCount = n
	x.shardMask = uint64(n - 1)
	x.shards = make([]*shard, n)
	for i := range x.shards {
		x.shards[i] = &shard{buckets: make(map[uint64]*roaring.Bitmap)}
	}
	x.logger.Debug("bucket index created",
		"q", params.Q,
		"nb_bands", params.NbBands,
		"band_size", params.BandSize,
		"hash_family", family.Name(),
		"shards", n,
	)
	return x, nil
}

// Params returns the construction parameters.
func (x *Index) Params() lsh.Params { return x.builder.Params() }

// Builder exposes the signature builder so callers can run queries through
// the identical pipeline.
func (x *Index) Builder() *signature.Builder { return x.builder }

// Insert adds rec to the bucket of every band fingerprint of its signature.
// It returns false without error for degenerate records and for IDs that are
// already indexed. The only error is signature.ErrInvalidEncoding.
func (x *Index) Insert(rec Record) (bool, error) {
	start := time.Now()
	sig, err := x.builder.Compute(rec.Text)
	if err != nil {
		if errors.Is(err, signature.ErrNoShingles) {
			x.degenerate.Add(1)
			x.logger.Debug("degenerate record skipped", "id", rec.ID, "length", len(rec.Text))
			x.observeInsert(OutcomeDegenerate, start)
			return false, nil
		}
		x.observeInsert(OutcomeError, start)
		return false, fmt.Errorf("computing signature for record %q: %w", rec.ID, err)
	}
	ok, err := x.InsertSignature(rec, sig)
	switch {
	case err != nil:
		x.observeInsert(OutcomeError, start)
	case ok:
		x.observeInsert(OutcomeIndexed, start)
	default:
		x.observeInsert(OutcomeDuplicate, start)
	}
	return ok, err
}

// InsertSignature indexes rec under a signature computed by Builder().
func (x *Index) InsertSignature(rec Record, sig signature.Signature) (bool, error) {
	ordinal, fresh, err := x.register(rec)
	if err != nil {
		return false, err
	}
	if !fresh {
		x.duplicates.Add(1)
		return false, nil
	}
	for _, band := range sig {
		s := x.shardFor(band.Fingerprint)
		s.mu.Lock()
		bm, ok := s.buckets[band.Fingerprint]
		if !ok {
			bm = roaring.New()
			s.buckets[band.Fingerprint] = bm
		}
		bm.Add(ordinal)
		s.mu.Unlock()
	}
	return true, nil
}

// InsertBatch is the bulk-build path. Records are inserted by up to workers
// goroutines; it returns the number of newly indexed records. Cancellation is
// checked between records.
func (x *Index) InsertBatch(ctx context.Context, recs []Record, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}
	var indexed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rec := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := x.Insert(rec)
			if err != nil {
				return err
			}
			if ok {
				indexed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(indexed.Load()), fmt.Errorf("bulk insert: %w", err)
	}
	return int(indexed.Load()), ctx.Err()
}

// Lookup runs text through the signature pipeline and returns every indexed
// record sharing at least one band fingerprint, in insertion order. If the
// query itself was inserted it is part of the result; callers filter
// self-matches. Degenerate text yields an empty result.
func (x *Index) Lookup(text string) ([]Record, error) {
	start := time.Now()
	sig, err := x.builder.Compute(text)
	if err != nil {
		if errors.Is(err, signature.ErrNoShingles) {
			x.observeLookup(0, start)
			return []Record{}, nil
		}
		return nil, fmt.Errorf("computing query signature: %w", err)
	}
	out := x.LookupSignature(sig)
	x.observeLookup(len(out), start)
	return out, nil
}

// LookupRecord is Lookup with the query's own ID removed from the result.
func (x *Index) LookupRecord(rec Record) ([]Record, error) {
	found, err := x.Lookup(rec.Text)
	if err != nil {
		return nil, err
	}
	return ExcludeID(found, rec.ID), nil
}

// LookupSignature unions the buckets of sig.
func (x *Index) LookupSignature(sig signature.Signature) []Record {
	union := roaring.New()
	for _, band := range sig {
		s := x.shardFor(band.Fingerprint)
		s.mu.RLock()
		if bm, ok := s.buckets[band.Fingerprint]; ok {
			union.Or(bm)
		}
		s.mu.RUnlock()
	}
	if union.IsEmpty() {
		return []Record{}
	}
	x.regMu.RLock()
	defer x.regMu.RUnlock()
	out := make([]Record, 0, union.GetCardinality())
	it := union.Iterator()
	for it.HasNext() {
		out = append(out, x.records[it.Next()])
	}
	return out
}

// Contains reports whether a record with the given ID has been indexed.
func (x *Index) Contains(id string) bool {
	x.regMu.RLock()
	defer x.regMu.RUnlock()
	_, ok := x.ids[id]
	return ok
}

// Len is the number of indexed records.
func (x *Index) Len() int {
	x.regMu.RLock()
	defer x.regMu.RUnlock()
	return len(x.records)
}

// Stats is a point-in-time summary of the index.
type Stats struct {
	Params        lsh.Params `json:"params"`
	HashFamily    string     `json:"hash_family"`
	Records       int        `json:"records"`
	Degenerate    int64      `json:"degenerate"`
	Duplicates    int64      `json:"duplicates"`
	Buckets       int        `json:"buckets"`
	LargestBucket uint64     `json:"largest_bucket"`
	Shards        int        `json:"shards"`
}

// Stats walks every shard; it is O(buckets).
func (x *Index) Stats() Stats {
	st := Stats{
		Params:     x.builder.Params(),
		HashFamily: x.builder.Family().Name(),
		Records:    x.Len(),
		Degenerate: x.degenerate.Load(),
		Duplicates: x.duplicates.Load(),
		Shards:     len(x.shards),
	}
	for _, s := range x.shards {
		s.mu.RLock()
		st.Buckets += len(s.buckets)
		for _, bm := range s.buckets {
			if c := bm.GetCardinality(); c > st.LargestBucket {
				st.LargestBucket = c
			}
		}
		s.mu.RUnlock()
	}
	return st
}

// ExcludeID filters the record with the given ID out of recs.
func ExcludeID(recs []Record, id string) []Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// register assigns an ordinal to rec unless its ID is already known.
func (x *Index) register(rec Record) (uint32, bool, error) {
	x.regMu.Lock()
	defer x.regMu.Unlock()
	if ord, ok := x.ids[rec.ID]; ok {
		return ord, false, nil
	}
	if uint64(len(x.records)) >= x.recordLimit {
		return 0, false, ErrIndexFull
	}
	ord := uint32(len(x.records))
	x.records = append(x.records, rec)
	x.ids[rec.ID] = ord
	return ord, true, nil
}

func (x *Index) shardFor(fingerprint uint64) *shard {
	// Fingerprints are already well mixed; the low bits pick the shard.
	return x.shards[fingerprint&x.shardMask]
}

func (x *Index) observeInsert(outcome InsertOutcome, start time.Time) {
	if x.observer != nil {
		x.observer.ObserveInsert(outcome, time.Since(start))
	}
}

func (x *Index) observeLookup(candidates int, start time.Time) {
	if x.observer != nil {
		x.observer.ObserveLookup(candidates, time.Since(start))
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
