// Package denoise implements the edge-preserving smoothing applied to a raw
// reference volume before it is registered to the template.
package denoise

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"mrilongnorm/internal/models"
)

// Filter is a 3-D edge-preserving mean-median filter.
//
// Every foreground voxel looks at its 3x3x3 neighbourhood. Where the local
// intensity range is small relative to the foreground range the voxel is
// replaced by the neighbourhood mean; across edges the median is used
// instead, which removes noise without blurring tissue boundaries.
type Filter struct {
	// EdgeThreshold is the relative local range above which a voxel is an
	// edge voxel
	EdgeThreshold float64
}

// NewFilter creates a filter with the given edge threshold.
func NewFilter(edgeThreshold float64) *Filter {
	return &Filter{EdgeThreshold: edgeThreshold}
}

// Denoise returns a filtered copy of v. Background voxels (at or below the
// volume mean) are copied unchanged.
func (f *Filter) Denoise(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	fg := Foreground(v)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, in := range fg {
		if in {
			lo = math.Min(lo, v.Data[i])
			hi = math.Max(hi, v.Data[i])
		}
	}
	out := v.Clone()
	if math.IsInf(lo, 1) || hi == lo {
		return out, nil
	}
	limit := f.EdgeThreshold * (hi - lo)

	neighbours := make([]float64, 0, 27)
	for z := 0; z < v.Dims[2]; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				idx := v.Index(x, y, z)
				if !fg[idx] {
					continue
				}
				neighbours = neighbourhood(v, x, y, z, neighbours[:0])
				if len(neighbours) < 7 {
					continue
				}
				out.Data[idx] = meanOrMedian(neighbours, limit)
			}
		}
	}
	return out, nil
}

// Foreground selects voxels brighter than the volume mean.
func Foreground(v *models.Volume) []bool {
	mean := 0.0
	for _, val := range v.Data {
		mean += val
	}
	mean /= float64(len(v.Data))
	fg := make([]bool, len(v.Data))
	for i, val := range v.Data {
		fg[i] = val > mean
	}
	return fg
}

// neighbourhood appends the in-bounds 3x3x3 values around (x, y, z).
func neighbourhood(v *models.Volume, x, y, z int, dst []float64) []float64 {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny, nz := x+dx, y+dy, z+dz
				if nx < 0 || ny < 0 || nz < 0 || nx >= v.Dims[0] || ny >= v.Dims[1] || nz >= v.Dims[2] {
					continue
				}
				dst = append(dst, v.At(nx, ny, nz))
			}
		}
	}
	return dst
}

// meanOrMedian applies the mean-median logic: smooth regions take the
// mean, edges take the median.
func meanOrMedian(values []float64, limit float64) float64 {
	if floats.Max(values)-floats.Min(values) <= limit {
		return floats.Sum(values) / float64(len(values))
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// String describes the filter for logs.
func (f *Filter) String() string {
	return fmt.Sprintf("mean-median(edge=%.2f)", f.EdgeThreshold)
}
