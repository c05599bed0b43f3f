package blocking

import (
	"math"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/dataset"
)

// BlockStats summarises block sizes over all queries. Block size counts the
// query's own record when it was indexed.
type BlockStats struct {
	Min       int     `json:"min"`
	Max       int     `json:"max"`
	Mean      float64 `json:"mean"`
	Empty     int     `json:"empty"`
	Singleton int     `json:"singleton"`
}

// SimilarityStats is the mean over queries of the per-block minimum, maximum
// and mean MinHash-estimated Jaccard between the query and its candidates.
type SimilarityStats struct {
	MeanMin  float64 `json:"mean_min"`
	MeanMax  float64 `json:"mean_max"`
	MeanMean float64 `json:"mean_mean"`
}

// PairMetrics are pair-level blocking quality measures against ground truth.
type PairMetrics struct {
	TruePairs         int64   `json:"true_pairs"`
	CandidatePairs    int64   `json:"candidate_pairs"`
	TruePositives     int64   `json:"true_positives"`
	PairsCompleteness float64 `json:"pairs_completeness"`
	PairsQuality      float64 `json:"pairs_quality"`
	ReductionRatio    float64 `json:"reduction_ratio"`
	FMeasure          float64 `json:"f_measure"`
}

func blockStats(sizes []int) BlockStats {
	if len(sizes) == 0 {
		return BlockStats{}
	}
	st := BlockStats{Min: math.MaxInt}
	total := 0
	for _, n := range sizes {
		total += n
		st.Min = min(st.Min, n)
		st.Max = max(st.Max, n)
		switch n {
		case 0:
			st.Empty++
		case 1:
			st.Singleton++
		}
	}
	st.Mean = float64(total) / float64(len(sizes))
	return st
}

// pairKey packs an unordered pair of corpus positions.
func pairKey(i, j int) uint64 {
	if i > j {
		i, j = j, i
	}
	return uint64(i)<<32 | uint64(uint32(j))
}

// truePairCount is the number of unordered pairs sharing a label.
// Unlabelled records belong to no pair.
func truePairCount(truth []string) int64 {
	groups := make(map[string]int64)
	for _, label := range truth {
		if label == dataset.NoLabel {
			continue
		}
		groups[label]++
	}
	var n int64
	for _, k := range groups {
		n += k * (k - 1) / 2
	}
	return n
}

// pairMetrics scores the candidate pair set. total is the number of records.
func pairMetrics(pairs map[uint64]struct{}, truth []string, total int) PairMetrics {
	m := PairMetrics{
		TruePairs:      truePairCount(truth),
		CandidatePairs: int64(len(pairs)),
	}
	for key := range pairs {
		i, j := int(key>>32), int(uint32(key))
		if truth[i] != dataset.NoLabel && truth[i] == truth[j] {
			m.TruePositives++
		}
	}
	if m.TruePairs > 0 {
		m.PairsCompleteness = float64(m.TruePositives) / float64(m.TruePairs)
	}
	if m.CandidatePairs > 0 {
		m.PairsQuality = float64(m.TruePositives) / float64(m.CandidatePairs)
	}
	if all := int64(total) * int64(total-1) / 2; all > 0 {
		m.ReductionRatio = 1 - float64(m.CandidatePairs)/float64(all)
	}
	if s := m.PairsCompleteness + m.PairsQuality; s > 0 {
		m.FMeasure = 2 * m.PairsCompleteness * m.PairsQuality / s
	}
	return m
}
