package registration

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"mrilongnorm/internal/models"
)

// Interpolator selects how values between voxel centres are computed.
type Interpolator int

const (
	// Linear is trilinear interpolation, used for intensity images
	Linear Interpolator = iota

	// NearestNeighbor keeps label values intact, used for masks
	NearestNeighbor
)

// edgeTolerance lets samples that land a hair outside the lattice through
// floating point error still read the border voxel.
const edgeTolerance = 1e-6

// Resample computes moving on the target grid through the whole chain in a
// single pass: every target voxel is mapped back into moving voxel space
// with one composed matrix and sampled once. Points falling outside moving
// read as zero.
func (r *Registrar) Resample(ctx context.Context, moving *models.Volume, chain models.Chain, target models.Grid, interp Interpolator) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}
	if target.Len() <= 0 {
		return nil, fmt.Errorf("target grid %v is empty", target.Dims)
	}

	// target voxel -> target world -> moving world -> moving voxel
	fixedToMoving, err := chain.Inverse()
	if err != nil {
		return nil, err
	}
	var worldToVoxel mat.Dense
	if err := worldToVoxel.Inverse(models.DenseFromArray(moving.Affine())); err != nil {
		return nil, fmt.Errorf("moving image geometry is singular: %w", err)
	}
	var tmp, full mat.Dense
	tmp.Mul(&worldToVoxel, models.DenseFromArray(fixedToMoving))
	full.Mul(&tmp, models.DenseFromArray(target.Affine()))
	index := models.ArrayFromDense(&full)

	out := models.NewVolume(target)
	nz := target.Dims[2]

	// Divide the z range among workers
	workers := r.workers
	if workers > nz {
		workers = nz
	}
	slabsPerWorker := (nz + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * slabsPerWorker
		end := min(start+slabsPerWorker, nz)
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for z := start; z < end; z++ {
				if ctx.Err() != nil {
					return
				}
				for y := 0; y < target.Dims[1]; y++ {
					for x := 0; x < target.Dims[0]; x++ {
						p := models.ApplyAffine(index, [3]float64{float64(x), float64(y), float64(z)})
						var val float64
						if interp == NearestNeighbor {
							val = sampleNearest(moving, p)
						} else {
							val = sampleLinear(moving, p)
						}
						out.Data[out.Index(x, y, z)] = val
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResampleMask carries a mask into the target grid with nearest-neighbour
// interpolation so it stays binary.
func (r *Registrar) ResampleMask(ctx context.Context, m *models.Mask, chain models.Chain, target models.Grid, space string) (*models.Mask, error) {
	v, err := r.Resample(ctx, &m.Volume, chain, target, NearestNeighbor)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(v, space), nil
}

// inside clamps a continuous coordinate onto [0, n-1] when it lies within
// the edge tolerance and reports whether it is usable.
func inside(c float64, n int) (float64, bool) {
	if c < -edgeTolerance || c > float64(n-1)+edgeTolerance {
		return 0, false
	}
	return math.Max(0, math.Min(float64(n-1), c)), true
}

func sampleNearest(v *models.Volume, p [3]float64) float64 {
	var idx [3]int
	for i := 0; i < 3; i++ {
		c := math.Round(p[i])
		if c < 0 || c > float64(v.Dims[i]-1) {
			return 0
		}
		idx[i] = int(c)
	}
	return v.At(idx[0], idx[1], idx[2])
}

func sampleLinear(v *models.Volume, p [3]float64) float64 {
	var lo, hi [3]int
	var frac [3]float64
	for i := 0; i < 3; i++ {
		c, ok := inside(p[i], v.Dims[i])
		if !ok {
			return 0
		}
		f := math.Floor(c)
		lo[i] = int(f)
		hi[i] = min(lo[i]+1, v.Dims[i]-1)
		frac[i] = c - f
	}

	// Interpolate along x, then y, then z
	c00 := lerp(v.At(lo[0], lo[1], lo[2]), v.At(hi[0], lo[1], lo[2]), frac[0])
	c10 := lerp(v.At(lo[0], hi[1], lo[2]), v.At(hi[0], hi[1], lo[2]), frac[0])
	c01 := lerp(v.At(lo[0], lo[1], hi[2]), v.At(hi[0], lo[1], hi[2]), frac[0])
	c11 := lerp(v.At(lo[0], hi[1], hi[2]), v.At(hi[0], hi[1], hi[2]), frac[0])
	c0 := lerp(c00, c10, frac[1])
	c1 := lerp(c01, c11, frac[1])
	return lerp(c0, c1, frac[2])
}

func lerp(a, b, t float64) float64 {
	return (1-t)*a + t*b
}
