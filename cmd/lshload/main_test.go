package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 50))
	assert.Equal(t, time.Duration(9), percentile(sorted, 90))
	assert.Equal(t, time.Duration(10), percentile(sorted, 99))
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestWorkloadIsDeterministic(t *testing.T) {
	a, b := NewWorkload(3, 0.05), NewWorkload(3, 0.05)
	for i := 0; i < 50; i++ {
		idA, textA := a.NextRecord()
		idB, textB := b.NextRecord()
		assert.Equal(t, idA, idB)
		assert.Equal(t, textA, textB)
		assert.NotEmpty(t, textA)
	}
	assert.Equal(t, a.NextQuery(), b.NextQuery())
}

func TestWorkloadCorruptChangesText(t *testing.T) {
	w := NewWorkload(1, 0.1)
	for i := 0; i < 20; i++ {
		orig := "margaret campbell 1872 inverness"
		assert.NotEqual(t, orig, w.corrupt(orig))
	}
}

func TestStatsReport(t *testing.T) {
	s := NewStats()
	s.RecordRequest(2*time.Millisecond, http.StatusOK, nil)
	s.RecordRequest(4*time.Millisecond, http.StatusTooManyRequests, nil)
	s.RecordLookup(3, true)

	var buf bytes.Buffer
	require.True(t, s.PrintReport(&buf, time.Second))
	out := buf.String()
	assert.Contains(t, out, "Total Requests:  2")
	assert.Contains(t, out, "Errors:          1")
	assert.Contains(t, out, "Mean Block Size: 3.00")
	assert.Contains(t, out, "429: 1")

	assert.False(t, NewStats().PrintReport(&bytes.Buffer{}, time.Second))
}

func TestRunAgainstFakeService(t *testing.T) {
	inserted := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v1/records/batch":
			var req struct {
				Records []record `json:"records"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			inserted += len(req.Records)
			json.NewEncoder(w).Encode(map[string]int{"indexed": len(req.Records)})
		case r.URL.Path == "/api/v1/records":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"indexed":true}`))
		case strings.HasPrefix(r.URL.Path, "/api/v1/candidates"):
			w.Write([]byte(`{"candidates":[{"id":"a","text":"x"}],"cached":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, Concurrency: 2, Duration: 200 * time.Millisecond, WriteRatio: 0.5, Preload: 700}
	gen := &lockedWorkload{w: NewWorkload(1, 0.05)}
	require.NoError(t, preloadRecords(srv.Client(), cfg, gen))
	assert.Equal(t, 700, inserted)

	stats := runLoadTest(srv.Client(), cfg, gen)
	assert.Positive(t, stats.totalRequests.Load())
	assert.Zero(t, stats.errorCount.Load())
	assert.Zero(t, stats.cacheHits.Load())
	if n := stats.lookups.Load(); n > 0 {
		assert.Equal(t, n, stats.candidates.Load())
	}
}
