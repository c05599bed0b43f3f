package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/resilience"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
	gets atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("connection refused")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	m.data[key] = value
	return nil
}

func (m *memStore) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type recordingSink struct {
	mu      sync.Mutex
	queries []index.Record
	blocks  [][]index.Record
}

func (s *recordingSink) Emit(query index.Record, block []index.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	s.blocks = append(s.blocks, block)
}

type testServer struct {
	handler *Handler
	mux     *http.ServeMux
	idx     *index.Index
}

func newTestServer(t *testing.T, cache *CandidateCache, sink Sink) *testServer {
	t.Helper()
	f, err := hashfamily.New(hashfamily.XXH3, 11, 0)
	require.NoError(t, err)
	idx, err := index.New(lsh.DefaultParams(), f)
	require.NoError(t, err)
	h := New(idx, cache, sink, 3, 2)
	mux := http.NewServeMux()
	h.Routes(mux)
	return &testServer{handler: h, mux: mux, idx: idx}
}

func (s *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func candidatesURL(q, exclude string) string {
	v := url.Values{"q": {q}}
	if exclude != "" {
		v.Set("exclude", exclude)
	}
	return "/api/v1/candidates?" + v.Encode()
}

func candidateIDs(t *testing.T, out map[string]any) []string {
	t.Helper()
	raw, ok := out["candidates"].([]any)
	require.True(t, ok, "candidates must be a JSON array")
	ids := make([]string, 0, len(raw))
	for _, c := range raw {
		ids = append(ids, c.(map[string]any)["id"].(string))
	}
	return ids
}

func TestInsertRecord(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec, out := s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, out["indexed"])

	rec, out = s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"something else"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["indexed"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/records", `{"text":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/records", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 1, s.idx.Len())
}

func TestInsertBatch(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)

	rec, out := s.do(t, http.MethodPost, "/api/v1/records/batch",
		`{"records":[{"id":"b","text":"mary jones glasgow"},{"id":"c","text":"x"},{"id":"a","text":"john smith edinburgh"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["indexed"])
	assert.Equal(t, float64(2), out["skipped"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/records/batch",
		`{"records":[{"id":"1","text":"a"},{"id":"2","text":"b"},{"id":"3","text":"c"},{"id":"4","text":"d"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec, out = s.do(t, http.MethodPost, "/api/v1/records/batch", `{"records":[{"id":"d","text":"ok"},{"text":"missing"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "record 1")
	assert.False(t, s.idx.Contains("d"))
}

func TestCandidates(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(t, nil, sink)
	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)

	rec, out := s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, candidateIDs(t, out))
	assert.Equal(t, false, out["cached"])

	rec, out = s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", "a"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, candidateIDs(t, out))

	rec, out = s.do(t, http.MethodGet, candidatesURL("z", ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, candidateIDs(t, out))

	rec, _ = s.do(t, http.MethodGet, "/api/v1/candidates", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/candidates?q=%FF%FEabc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.queries, 3)
	assert.Equal(t, index.Record{ID: "a", Text: "john smith edinburgh"}, sink.queries[1])
	assert.Empty(t, sink.blocks[1])
}

func TestStatsAndParams(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)

	rec, out := s.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["records"])
	assert.Equal(t, float64(5), out["buckets"])
	assert.InDelta(t, lsh.DefaultParams().Threshold(), out["threshold"], 1e-9)
	assert.NotContains(t, out, "cache")

	rec, out = s.do(t, http.MethodGet, "/api/v1/params?sim=0.8", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, lsh.DefaultParams().RetrievalProbability(0.8), out["probability"], 1e-9)
	assert.Equal(t, "xxh3", out["hash_family"])
	assert.Equal(t, float64(11), out["seed"])

	rec, out = s.do(t, http.MethodGet, "/api/v1/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, out, "probability")

	for _, bad := range []string{"1.5", "-0.1", "abc"} {
		rec, _ = s.do(t, http.MethodGet, "/api/v1/params?sim="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCandidatesCachedUntilInsert(t *testing.T) {
	store := newMemStore()
	var hits, misses atomic.Int64
	cache := NewCache(store, time.Minute, WithHitMissHooks(
		func() { hits.Add(1) },
		func() { misses.Add(1) },
	))
	s := newTestServer(t, cache, nil)
	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)

	_, out := s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", ""), "")
	assert.Equal(t, false, out["cached"])
	_, out = s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", ""), "")
	assert.Equal(t, true, out["cached"])
	assert.Equal(t, []string{"a"}, candidateIDs(t, out))

	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"b","text":"john smith edinburgh"}`)
	_, out = s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", ""), "")
	assert.Equal(t, false, out["cached"])
	assert.Equal(t, []string{"a", "b"}, candidateIDs(t, out))

	assert.Equal(t, int64(1), hits.Load())

	_, out = s.do(t, http.MethodGet, "/api/v1/stats", "")
	cs := out["cache"].(map[string]any)
	assert.Equal(t, float64(1), cs["hits"])

	rec, out := s.do(t, http.MethodPost, "/api/v1/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["keys_deleted"])
	assert.Zero(t, store.len())
}

func TestCacheInvalidateDisabled(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := s.do(t, http.MethodPost, "/api/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCacheDegradesWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.fail = true
	cb := resilience.NewCircuitBreaker("redis", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})
	s := newTestServer(t, NewCache(store, time.Minute, WithBreaker(cb)), nil)
	s.do(t, http.MethodPost, "/api/v1/records", `{"id":"a","text":"john smith edinburgh"}`)

	for i := 0; i < 4; i++ {
		rec, out := s.do(t, http.MethodGet, candidatesURL("john smith edinburgh", ""), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"a"}, candidateIDs(t, out))
	}
	assert.Equal(t, resilience.StateOpen, cb.GetState())
	assert.Equal(t, int64(2), store.gets.Load())
}

func TestGetOrComputeSharesConcurrentMisses(t *testing.T) {
	cache := NewCache(newMemStore(), time.Minute)
	release := make(chan struct{})
	var computes atomic.Int64
	compute := func() ([]index.Record, error) {
		computes.Add(1)
		<-release
		return []index.Record{{ID: "a", Text: "x"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, _, err := cache.GetOrCompute(context.Background(), "q", "", compute)
			assert.NoError(t, err)
			assert.Len(t, recs, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int64(1), computes.Load())
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	store := newMemStore()
	cache := NewCache(store, time.Minute)
	_, _, err := cache.GetOrCompute(context.Background(), "q", "", func() ([]index.Record, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, store.len())
}
