// Package lsh holds the parameters shared by every stage of the MinHash LSH
// blocking pipeline: shingle width, number of bands and band size.
//
// A pair of records is retrieved by the index when at least one band of
// their MinHash signatures agrees exactly. For true Jaccard similarity s the
// retrieval probability follows the S-curve 1 - (1 - s^r)^b, where b is the
// number of bands and r the band size. Choosing b and r is tuning that curve.
package lsh

import (
	"math"

	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// Params are fixed for the lifetime of one index. Signatures computed under
// different Params are not comparable.
type Params struct {
	Q        int `yaml:"q" json:"q"`
	NbBands  int `yaml:"nbBands" json:"nb_bands"`
	BandSize int `yaml:"bandSize" json:"band_size"`
}

// DefaultParams mirrors the defaults of the CORA experiment runner.
func DefaultParams() Params {
	return Params{Q: 2, NbBands: 5, BandSize: 3}
}

// Validate reports a configuration error when any parameter is not a
// positive integer.
func (p Params) Validate() error {
	if p.Q < 1 {
		return apperrors.Configf("shingle width q must be positive, got %d", p.Q)
	}
	if p.NbBands < 1 {
		return apperrors.Configf("nbBands must be positive, got %d", p.NbBands)
	}
	if p.BandSize < 1 {
		return apperrors.Configf("bandSize must be positive, got %d", p.BandSize)
	}
	return nil
}

// SignatureLen is the number of MinHash values per record.
func (p Params) SignatureLen() int {
	return p.NbBands * p.BandSize
}

// RetrievalProbability is the probability that two records whose shingle
// sets have Jaccard similarity sim share at least one band.
func (p Params) RetrievalProbability(sim float64) float64 {
	if sim <= 0 {
		return 0
	}
	if sim >= 1 {
		return 1
	}
	bandMatch := math.Pow(sim, float64(p.BandSize))
	return 1 - math.Pow(1-bandMatch, float64(p.NbBands))
}

// Threshold approximates the similarity at which the S-curve is steepest,
// (1/b)^(1/r).
func (p Params) Threshold() float64 {
	if p.NbBands < 1 || p.BandSize < 1 {
		return 0
	}
	return math.Pow(1/float64(p.NbBands), 1/float64(p.BandSize))
}
