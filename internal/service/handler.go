// Package service exposes the bucket index over HTTP: record inserts,
// candidate lookups, index statistics and parameter introspection.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/ingest"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/logger"
)

// Sink receives the block of every candidate query, e.g. a
// candidates.Collector. May be nil.
type Sink interface {
	Emit(query index.Record, block []index.Record)
}

// Handler serves the blocking API.
type Handler struct {
	idx          *index.Index
	cache        *CandidateCache
	sink         Sink
	maxBatchSize int
	workers      int
	logger       *slog.Logger
}

// New creates a Handler. cache and sink may be nil.
func New(idx *index.Index, cache *CandidateCache, sink Sink, maxBatchSize, workers int) *Handler {
	if workers < 1 {
		workers = 1
	}
	return &Handler{
		idx:          idx,
		cache:        cache,
		sink:         sink,
		maxBatchSize: maxBatchSize,
		workers:      workers,
		logger:       slog.Default().With("component", "blocking-handler"),
	}
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/records", h.InsertRecord)
	mux.HandleFunc("POST /api/v1/records/batch", h.InsertBatch)
	mux.HandleFunc("GET /api/v1/candidates", h.Candidates)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/params", h.Params)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

// RecordIndexed tells the cache the index changed. The Kafka ingest path
// calls it for records that bypass the HTTP handlers.
func (h *Handler) RecordIndexed(index.Record) {
	if h.cache != nil {
		h.cache.Bump()
	}
}

type insertResponse struct {
	ID      string `json:"id"`
	Indexed bool   `json:"indexed"`
}

// InsertRecord handles POST /api/v1/records.
func (h *Handler) InsertRecord(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var rec index.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := ingest.ValidateRecord(rec); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	indexed, err := h.idx.Insert(rec)
	if err != nil {
		log.Warn("record insert failed", "id", rec.ID, "error", err)
		h.writeAppError(w, err)
		return
	}
	if indexed {
		h.RecordIndexed(rec)
	}
	log.Debug("record inserted", "id", rec.ID, "indexed", indexed)

	status := http.StatusOK
	if indexed {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, insertResponse{ID: rec.ID, Indexed: indexed})
}

type batchRequest struct {
	Records []index.Record `json:"records"`
}

type batchResponse struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// InsertBatch handles POST /api/v1/records/batch. Records before a failing
// one may already be indexed when an error is returned.
func (h *Handler) InsertBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Records) > h.maxBatchSize {
		h.writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds the maximum size of "+strconv.Itoa(h.maxBatchSize))
		return
	}
	for i, rec := range req.Records {
		if err := ingest.ValidateRecord(rec); err != nil {
			h.writeError(w, http.StatusBadRequest, "record "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	start := time.Now()
	indexed, err := h.idx.InsertBatch(ctx, req.Records, h.workers)
	if indexed > 0 && h.cache != nil {
		h.cache.Bump()
	}
	if err != nil {
		log.Warn("batch insert failed", "records", len(req.Records), "indexed", indexed, "error", err)
		h.writeAppError(w, err)
		return
	}

	log.Info("batch inserted",
		"records", len(req.Records),
		"indexed", indexed,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, batchResponse{Indexed: indexed, Skipped: len(req.Records) - indexed})
}

type candidatesResponse struct {
	Query      string         `json:"query"`
	Candidates []index.Record `json:"candidates"`
	Cached     bool           `json:"cached"`
}

// Candidates handles GET /api/v1/candidates?q=<text>&exclude=<id>.
func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	exclude := r.URL.Query().Get("exclude")

	lookup := func() ([]index.Record, error) {
		found, err := h.idx.Lookup(query)
		if err != nil {
			return nil, err
		}
		if exclude != "" {
			found = index.ExcludeID(found, exclude)
		}
		return found, nil
	}

	var (
		found  []index.Record
		cached bool
		err    error
	)
	if h.cache != nil {
		found, cached, err = h.cache.GetOrCompute(ctx, query, exclude, lookup)
	} else {
		found, err = lookup()
	}
	if err != nil {
		log.Warn("candidate lookup failed", "error", err)
		h.writeAppError(w, err)
		return
	}
	if found == nil {
		found = []index.Record{}
	}

	if h.sink != nil {
		h.sink.Emit(index.Record{ID: exclude, Text: query}, found)
	}

	log.Info("candidates served",
		"candidates", len(found),
		"cached", cached,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, candidatesResponse{Query: query, Candidates: found, Cached: cached})
}

type statsResponse struct {
	index.Stats
	Threshold float64     `json:"threshold"`
	Cache     *cacheStats `json:"cache,omitempty"`
}

type cacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st := h.idx.Stats()
	resp := statsResponse{Stats: st, Threshold: st.Params.Threshold()}
	if h.cache != nil {
		hits, misses := h.cache.Stats()
		cs := &cacheStats{Hits: hits, Misses: misses}
		if total := hits + misses; total > 0 {
			cs.HitRate = float64(hits) / float64(total)
		}
		resp.Cache = cs
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type paramsResponse struct {
	Params      lsh.Params `json:"params"`
	HashFamily  string     `json:"hash_family"`
	Seed        uint64     `json:"seed"`
	Threshold   float64    `json:"threshold"`
	Similarity  *float64   `json:"similarity,omitempty"`
	Probability *float64   `json:"probability,omitempty"`
}

// Params handles GET /api/v1/params[?sim=<s>], reporting the S-curve
// retrieval probability at similarity s.
func (h *Handler) Params(w http.ResponseWriter, r *http.Request) {
	p := h.idx.Params()
	family := h.idx.Builder().Family()
	resp := paramsResponse{
		Params:     p,
		HashFamily: family.Name(),
		Seed:       family.Seed(),
		Threshold:  p.Threshold(),
	}
	if raw := r.URL.Query().Get("sim"); raw != "" {
		sim, err := strconv.ParseFloat(raw, 64)
		if err != nil || sim < 0 || sim > 1 {
			h.writeError(w, http.StatusBadRequest, "sim must be a number in [0, 1]")
			return
		}
		prob := p.RetrievalProbability(sim)
		resp.Similarity = &sim
		resp.Probability = &prob
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CacheInvalidate handles POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	deleted, err := h.cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, h.logger, status, data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeError(w, h.logger, status, message)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	writeJSON(w, logger, status, map[string]string{"error": message})
}
