// Package biascorrect removes smooth multiplicative intensity inhomogeneity
// (bias field) from brain-only volumes.
package biascorrect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"mrilongnorm/internal/models"
)

// ErrUnavailable is returned by a corrector that cannot run. Callers with
// an optional correction step fall back to the uncorrected input.
var ErrUnavailable = errors.New("bias correction unavailable")

// SmoothField estimates the bias field as a heavily smoothed version of the
// log intensities inside the brain and divides it out. Each iteration
// re-estimates the residual field from the current corrected image.
type SmoothField struct {
	Iterations int
	SigmaMM    float64
}

// NewSmoothField creates a corrector.
func NewSmoothField(iterations int, sigmaMM float64) *SmoothField {
	return &SmoothField{Iterations: iterations, SigmaMM: sigmaMM}
}

// CorrectBias returns the corrected volume. Only strictly positive voxels
// are treated as brain; every other voxel is zero in the output. The
// geometric mean intensity inside the brain is preserved.
func (s *SmoothField) CorrectBias(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if s.Iterations < 1 || s.SigmaMM <= 0 {
		return nil, fmt.Errorf("invalid bias correction settings: %d iterations, sigma %.2f mm", s.Iterations, s.SigmaMM)
	}

	n := len(v.Data)
	inside := make([]float64, n)
	logI := make([]float64, n)
	brain := 0
	for i, val := range v.Data {
		if val > 0 {
			inside[i] = 1
			logI[i] = math.Log(val)
			brain++
		}
	}
	if brain == 0 {
		return nil, fmt.Errorf("volume has no positive voxels to correct")
	}

	var radius [3]int
	for axis := 0; axis < 3; axis++ {
		sigma := s.SigmaMM / math.Abs(v.Spacing[axis])
		// three box passes of width w approximate a gaussian of this sigma
		w := math.Sqrt(4*sigma*sigma + 1)
		radius[axis] = max(1, int(math.Round((w-1)/2)))
	}

	weight := smooth(inside, v.Grid, radius)
	field := make([]float64, n)
	corrected := append([]float64(nil), logI...)
	masked := make([]float64, n)

	for it := 0; it < s.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		floats.MulTo(masked, corrected, inside)
		est := smooth(masked, v.Grid, radius)

		// normalized convolution, then remove the mean so the field only
		// carries relative variation
		sum := 0.0
		for i := range est {
			if inside[i] == 0 {
				est[i] = 0
				continue
			}
			est[i] /= weight[i]
			sum += est[i]
		}
		mean := sum / float64(brain)
		for i := range est {
			if inside[i] == 0 {
				continue
			}
			field[i] += est[i] - mean
			corrected[i] = logI[i] - field[i]
		}
	}

	out := models.NewVolume(v.Grid)
	for i := range out.Data {
		if inside[i] == 1 {
			out.Data[i] = math.Exp(corrected[i])
		}
	}
	return out, nil
}

// Disabled is a corrector that is never available.
type Disabled struct{}

// CorrectBias always fails with ErrUnavailable.
func (Disabled) CorrectBias(context.Context, *models.Volume) (*models.Volume, error) {
	return nil, ErrUnavailable
}

// smooth applies three passes of a separable box filter with the given
// per-axis radius. Borders are handled by averaging over in-bounds voxels.
func smooth(data []float64, g models.Grid, radius [3]int) []float64 {
	out := append([]float64(nil), data...)
	tmp := make([]float64, len(data))
	for pass := 0; pass < 3; pass++ {
		for axis := 0; axis < 3; axis++ {
			boxAxis(out, tmp, g, axis, radius[axis])
			out, tmp = tmp, out
		}
	}
	return out
}

// boxAxis writes the running-mean of src along one axis into dst.
func boxAxis(src, dst []float64, g models.Grid, axis, r int) {
	n := g.Dims[axis]
	var stride int
	switch axis {
	case 0:
		stride = 1
	case 1:
		stride = g.Dims[0]
	default:
		stride = g.Dims[0] * g.Dims[1]
	}

	line := make([]float64, n)
	prefix := make([]float64, n+1)
	for idx := 0; idx < len(src); idx++ {
		x, y, z := g.Coords(idx)
		pos := [3]int{x, y, z}
		if pos[axis] != 0 {
			continue
		}
		// idx is the start of a line along axis
		for k := 0; k < n; k++ {
			line[k] = src[idx+k*stride]
			prefix[k+1] = prefix[k] + line[k]
		}
		for k := 0; k < n; k++ {
			lo := max(0, k-r)
			hi := min(n-1, k+r)
			dst[idx+k*stride] = (prefix[hi+1] - prefix[lo]) / float64(hi-lo+1)
		}
	}
}
