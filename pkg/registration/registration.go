// Package registration estimates affine transforms between volumes and
// resamples volumes through composed transform chains.
//
// The estimator matches the intensity-weighted first and second moments of
// the foreground of both images. In affine mode the principal axes are
// aligned, oriented by the skew of the foreground along each, so rotations
// are recovered. It is deterministic and has no iterative optimizer; callers
// treat it as a black box behind EstimateTransform.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mrilongnorm/internal/models"
)

// ErrNotConverged is returned when no transform could be estimated, for
// example because one image has no usable foreground.
var ErrNotConverged = errors.New("registration did not converge")

// Type selects the transform family the estimator searches.
type Type string

const (
	Affine      Type = "affine"
	Translation Type = "translation"
)

// Registrar is the native Registration Service.
type Registrar struct {
	kind    Type
	workers int
}

// New creates a registrar for the given transform family. Resampling is
// split across workers goroutines.
func New(kind Type, workers int) (*Registrar, error) {
	switch kind {
	case Affine, Translation:
	default:
		return nil, fmt.Errorf("unsupported registration type %q", kind)
	}
	if workers < 1 {
		workers = 1
	}
	return &Registrar{kind: kind, workers: workers}, nil
}

// EstimateTransform returns the transform mapping world points of moving
// onto world points of fixed.
func (r *Registrar) EstimateTransform(ctx context.Context, fixed, moving *models.Volume) (*models.Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fixed.Validate(); err != nil {
		return nil, fmt.Errorf("fixed image: %w", err)
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}

	fm, err := foregroundMoments(fixed)
	if err != nil {
		return nil, fmt.Errorf("%w: fixed image: %v", ErrNotConverged, err)
	}
	mm, err := foregroundMoments(moving)
	if err != nil {
		return nil, fmt.Errorf("%w: moving image: %v", ErrNotConverged, err)
	}

	linear := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if r.kind == Affine {
		if err := fm.principal(fixed); err != nil {
			return nil, fmt.Errorf("%w: fixed image: %v", ErrNotConverged, err)
		}
		if err := mm.principal(moving); err != nil {
			return nil, fmt.Errorf("%w: moving image: %v", ErrNotConverged, err)
		}
		if fm.distinctAxes() && mm.distinctAxes() {
			linear = alignAxes(fm, mm)
		} else {
			// no identifiable axes, e.g. a ball: match the moments without rotating
			linear.Mul(fm.power(0.5), mm.power(-0.5))
		}
	}

	// x_fixed = A x_moving + t with t chosen so the centroids coincide
	var movedCentroid mat.VecDense
	movedCentroid.MulVec(linear, mat.NewVecDense(3, mm.centroid[:]))

	t := &models.Transform{Kind: string(r.kind)}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			t.Matrix[row][col] = linear.At(row, col)
		}
		t.Matrix[row][3] = fm.centroid[row] - movedCentroid.AtVec(row)
	}
	t.Matrix[3][3] = 1

	for _, row := range t.Matrix {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite transform", ErrNotConverged)
			}
		}
	}
	return t, nil
}

const (
	// axisGap is the relative eigenvalue separation below which two
	// principal axes are treated as interchangeable
	axisGap = 0.01

	// skewTol is the smallest standardized third moment trusted to orient
	// an axis
	skewTol = 0.05
)

// moments are the intensity-weighted world-space centroid and covariance of
// an image foreground. The principal axes are filled in by principal.
type moments struct {
	threshold float64
	sumW      float64
	centroid  [3]float64
	cov       *mat.SymDense

	// axes holds the principal axes in columns, in ascending order of
	// variance; skew is the standardized third moment along each
	axes   mat.Dense
	values []float64
	skew   [3]float64
}

// eachForeground calls fn with the world position and intensity of every
// voxel brighter than threshold.
func eachForeground(v *models.Volume, threshold float64, fn func(p [3]float64, w float64)) {
	affine := v.Affine()
	for idx, val := range v.Data {
		if val <= threshold || val <= 0 {
			continue
		}
		x, y, z := v.Coords(idx)
		fn(models.ApplyAffine(affine, [3]float64{float64(x), float64(y), float64(z)}), val)
	}
}

// foregroundMoments weights every voxel brighter than the image mean by its
// intensity.
func foregroundMoments(v *models.Volume) (*moments, error) {
	m := &moments{threshold: stat.Mean(v.Data, nil), cov: mat.NewSymDense(3, nil)}

	var sum [3]float64
	var sumSq [3][3]float64
	count := 0
	eachForeground(v, m.threshold, func(p [3]float64, w float64) {
		m.sumW += w
		count++
		for i := 0; i < 3; i++ {
			sum[i] += w * p[i]
			for j := i; j < 3; j++ {
				sumSq[i][j] += w * p[i] * p[j]
			}
		}
	})
	if count < 4 || m.sumW == 0 {
		return nil, fmt.Errorf("foreground has %d voxels", count)
	}

	for i := 0; i < 3; i++ {
		m.centroid[i] = sum[i] / m.sumW
	}
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			m.cov.SetSym(i, j, sumSq[i][j]/m.sumW-m.centroid[i]*m.centroid[j])
		}
	}
	return m, nil
}

// principal decomposes the covariance into principal axes and measures the
// skew of the foreground of v along each.
func (m *moments) principal(v *models.Volume) error {
	var eig mat.EigenSym
	if ok := eig.Factorize(m.cov, true); !ok {
		return fmt.Errorf("eigendecomposition failed")
	}
	m.values = eig.Values(nil)
	eig.VectorsTo(&m.axes)

	maxVal := m.values[2]
	if maxVal <= 0 {
		return fmt.Errorf("degenerate foreground covariance")
	}
	for _, val := range m.values {
		if val <= maxVal*1e-9 {
			return fmt.Errorf("foreground is flat along one axis")
		}
	}

	var third [3]float64
	eachForeground(v, m.threshold, func(p [3]float64, w float64) {
		for k := 0; k < 3; k++ {
			proj := 0.0
			for i := 0; i < 3; i++ {
				proj += (p[i] - m.centroid[i]) * m.axes.At(i, k)
			}
			third[k] += w * proj * proj * proj
		}
	})
	for k := 0; k < 3; k++ {
		m.skew[k] = third[k] / m.sumW / math.Pow(m.values[k], 1.5)
	}
	return nil
}

// distinctAxes reports whether every principal axis is identifiable.
func (m *moments) distinctAxes() bool {
	for k := 1; k < 3; k++ {
		if m.values[k]-m.values[k-1] <= axisGap*m.values[2] {
			return false
		}
	}
	return true
}

// power returns cov^p.
func (m *moments) power(p float64) *mat.Dense {
	diag := mat.NewDiagDense(3, nil)
	for i, v := range m.values {
		diag.SetDiag(i, math.Pow(v, p))
	}
	var tmp, out mat.Dense
	tmp.Mul(&m.axes, diag)
	out.Mul(&tmp, m.axes.T())
	return &out
}

// alignAxes maps the principal axes of moving onto those of fixed, scaling
// along each. An axis is oriented by its skew when both images show one and
// otherwise keeps the rotation closest to the identity.
func alignAxes(fm, mm *moments) *mat.Dense {
	var vm mat.Dense
	vm.CloneFrom(&mm.axes)
	negate := func(k int) {
		for i := 0; i < 3; i++ {
			vm.Set(i, k, -vm.At(i, k))
		}
	}
	evidence := func(k int) float64 {
		return math.Min(math.Abs(fm.skew[k]), math.Abs(mm.skew[k]))
	}

	for k := 0; k < 3; k++ {
		var flip bool
		if evidence(k) > skewTol {
			flip = fm.skew[k]*mm.skew[k] < 0
		} else {
			flip = mat.Dot(fm.axes.ColView(k), vm.ColView(k)) < 0
		}
		if flip {
			negate(k)
		}
	}
	// never return a reflection; give up the least certain orientation
	if mat.Det(&fm.axes)*mat.Det(&vm) < 0 {
		weakest := 0
		for k := 1; k < 3; k++ {
			if evidence(k) < evidence(weakest) {
				weakest = k
			}
		}
		negate(weakest)
	}

	diag := mat.NewDiagDense(3, nil)
	for k := 0; k < 3; k++ {
		diag.SetDiag(k, math.Sqrt(fm.values[k]/mm.values[k]))
	}
	var tmp, out mat.Dense
	tmp.Mul(&fm.axes, diag)
	out.Mul(&tmp, vm.T())
	return &out
}
