// Package qc estimates a brain mask from intensities alone and derives
// volumetric, SNR and percentile quality metrics from it. It is used for
// auditing scans and is independent of the normalization pipeline.
package qc

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// otsuBins is the histogram resolution of the threshold search.
const otsuBins = 256

// Otsu returns the threshold that maximizes the between-class variance of
// a 256-bin histogram of values. The threshold is a bin centre; voxels
// strictly above it are foreground. NaN or infinite values are an error.
func Otsu(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("no values to threshold")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	// NaN sorts first, infinities sit at either end
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if math.IsNaN(lo) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, errors.New("cannot threshold non-finite values")
	}
	if lo == hi {
		return lo, nil
	}

	edges := make([]float64, otsuBins+1)
	floats.Span(edges, lo, hi)
	centers := make([]float64, otsuBins)
	for i := range centers {
		centers[i] = (edges[i] + edges[i+1]) / 2
	}
	// the last bin is closed on the right
	edges[otsuBins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, edges, sorted, nil)

	// class weights and means for a split after bin i, from both ends
	w1 := make([]float64, otsuBins)
	m1 := make([]float64, otsuBins)
	w2 := make([]float64, otsuBins)
	m2 := make([]float64, otsuBins)
	var cw, cs float64
	for i := 0; i < otsuBins; i++ {
		cw += counts[i]
		cs += counts[i] * centers[i]
		w1[i], m1[i] = cw, cs/cw
	}
	cw, cs = 0, 0
	for i := otsuBins - 1; i >= 0; i-- {
		cw += counts[i]
		cs += counts[i] * centers[i]
		w2[i], m2[i] = cw, cs/cw
	}

	best, bestVar := 0, math.Inf(-1)
	for i := 0; i < otsuBins-1; i++ {
		d := m1[i] - m2[i+1]
		v := w1[i] * w2[i+1] * d * d
		if v > bestVar {
			best, bestVar = i, v
		}
	}
	return centers[best], nil
}
