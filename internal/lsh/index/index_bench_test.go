package index

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
)

func benchRecords(n int) []Record {
	rng := rand.New(rand.NewSource(1))
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{ID: fmt.Sprintf("rec-%d", i), Text: randomText(rng, 30+rng.Intn(40))}
	}
	return recs
}

// BenchmarkInsert measures per-record insert throughput.
func BenchmarkInsert(b *testing.B) {
	x := newIndex(b, lsh.Params{Q: 3, NbBands: 20, BandSize: 5}, 0)
	recs := benchRecords(4096)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := recs[i%len(recs)]
		r.ID = fmt.Sprintf("bench-%d", i)
		if _, err := x.Insert(r); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkInsertBatch measures bulk build at several worker counts.
func BenchmarkInsertBatch(b *testing.B) {
	recs := benchRecords(5000)
	for _, workers := range []int{1, 4, 8} {
		b.Run(fmt.Sprintf("workers_%d", workers), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				x := newIndex(b, lsh.Params{Q: 3, NbBands: 20, BandSize: 5}, 0)
				if _, err := x.InsertBatch(context.Background(), recs, workers); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkLookup measures candidate lookup latency over 10 000 records.
func BenchmarkLookup(b *testing.B) {
	x := newIndex(b, lsh.Params{Q: 3, NbBands: 20, BandSize: 5}, 0)
	recs := benchRecords(10000)
	if _, err := x.InsertBatch(context.Background(), recs, 8); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := x.Lookup(recs[i%len(recs)].Text); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLookupParallel measures concurrent read throughput.
func BenchmarkLookupParallel(b *testing.B) {
	x := newIndex(b, lsh.Params{Q: 3, NbBands: 20, BandSize: 5}, 0)
	recs := benchRecords(10000)
	if _, err := x.InsertBatch(context.Background(), recs, 8); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := x.Lookup(recs[i%len(recs)].Text); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
