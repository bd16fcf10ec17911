package qc

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrilongnorm/internal/models"
	"mrilongnorm/internal/testutil"
	"mrilongnorm/pkg/biascorrect"
)

func repeated(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestOtsuSeparatesTwoClusters(t *testing.T) {
	values := append(repeated(10, 100), repeated(200, 100)...)
	thresh, err := Otsu(values)
	require.NoError(t, err)
	assert.Greater(t, thresh, 10.0)
	assert.Less(t, thresh, 200.0)
}

func TestOtsuPrefersTheWidestGap(t *testing.T) {
	values := append(repeated(1, 50), repeated(5, 50)...)
	values = append(values, repeated(100, 50)...)
	thresh, err := Otsu(values)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, thresh, 5.0)
	assert.Less(t, thresh, 100.0)
}

func TestOtsuDegenerateInputs(t *testing.T) {
	thresh, err := Otsu(repeated(7, 10))
	require.NoError(t, err)
	assert.Equal(t, 7.0, thresh)

	_, err = Otsu(nil)
	assert.Error(t, err)

	_, err = Otsu([]float64{1, 2, math.Inf(1)})
	assert.Error(t, err)
	_, err = Otsu([]float64{1, math.NaN(), 3})
	assert.Error(t, err)
}

func TestEstimateMaskIgnoresInfiniteVoxels(t *testing.T) {
	g := models.NewGrid(24, 24, 24, [3]float64{1, 1, 1})
	v := testutil.Head(g, [3]float64{12, 12, 12}, 6)
	want, err := EstimateMask(v)
	require.NoError(t, err)

	v.Data[g.Index(12, 12, 12)] = math.Inf(1)
	got, err := EstimateMask(v)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)

	_, err = ComputeMetrics(v, got)
	assert.Error(t, err)
}

func TestCleanRemovesSpecksAndFillsHoles(t *testing.T) {
	g := models.NewGrid(20, 20, 20, [3]float64{1, 1, 1})
	sphere := models.MaskFromVolume(testutil.Sphere(g, [3]float64{10, 10, 10}, 6, 1), "test")
	on := make([]bool, g.Len())
	for i := range on {
		on[i] = sphere.Contains(i)
	}
	on[g.Index(10, 10, 10)] = false
	on[g.Index(2, 2, 2)] = true

	cleaned := Clean(on, g)
	assert.True(t, cleaned[g.Index(10, 10, 10)], "hole is filled")
	assert.False(t, cleaned[g.Index(2, 2, 2)], "speck is removed")
}

func TestCleanIsIdempotent(t *testing.T) {
	g := models.NewGrid(24, 24, 24, [3]float64{1, 1, 1})
	rng := rand.New(rand.NewPCG(1, 2))
	on := make([]bool, g.Len())
	for z := 6; z < 18; z++ {
		for y := 6; y < 18; y++ {
			for x := 6; x < 18; x++ {
				// a dense blob with random holes and specks
				on[g.Index(x, y, z)] = rng.Float64() < 0.85
			}
		}
	}

	once := Clean(on, g)
	twice := Clean(once, g)
	assert.Equal(t, once, twice)
}

func TestEstimateMaskIsDeterministic(t *testing.T) {
	g := models.NewGrid(24, 24, 24, [3]float64{1, 1, 1})
	v := testutil.Head(g, [3]float64{12, 12, 12}, 6)

	a, err := EstimateMask(v)
	require.NoError(t, err)
	b, err := EstimateMask(v)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, MaskSpace, a.Space)

	// the bright brain is selected, the dim scalp shell is not
	assert.True(t, a.Contains(g.Index(12, 12, 12)))
	assert.False(t, a.Contains(g.Index(12, 12, 19)))

	// opening then closing an already clean mask changes nothing
	assert.Equal(t, boolMask(a), Clean(boolMask(a), g))
}

func boolMask(m *models.Mask) []bool {
	on := make([]bool, len(m.Data))
	for i := range on {
		on[i] = m.Contains(i)
	}
	return on
}

func TestComputeMetrics(t *testing.T) {
	g := models.NewGrid(10, 10, 10, [3]float64{1, 1, 2})
	v := models.NewVolume(g)
	on := make([]bool, g.Len())

	inside, outside := 0, 0
	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				idx := g.Index(x, y, z)
				if x < 5 && y < 5 && z < 4 {
					on[idx] = true
					inside++
					v.Data[idx] = float64(inside)
					continue
				}
				if outside%2 == 1 {
					v.Data[idx] = 2
				}
				outside++
			}
		}
	}
	mask := models.NewMask(g, MaskSpace, on)

	m, err := ComputeMetrics(v, mask)
	require.NoError(t, err)
	assert.Equal(t, 200.0, m.BrainVolumeMM3)
	assert.Equal(t, 50.5, m.SNRProxy)
	assert.Equal(t, 2.98, m.P02Intensity)
	assert.Equal(t, 98.02, m.P98Intensity)
}

func TestComputeMetricsRejectsDegenerateMasks(t *testing.T) {
	g := models.NewGrid(4, 4, 4, [3]float64{1, 1, 1})
	v := testutil.Ramp(g)

	_, err := ComputeMetrics(v, models.NewMask(g, MaskSpace, nil))
	assert.Error(t, err)

	all := make([]bool, g.Len())
	for i := range all {
		all[i] = true
	}
	_, err = ComputeMetrics(v, models.NewMask(g, MaskSpace, all))
	assert.Error(t, err)
}

func TestPercentileMatchesLinearInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.Equal(t, 1.0, percentile(sorted, 0))
	assert.Equal(t, 4.0, percentile(sorted, 100))
	assert.InDelta(t, 1.75, percentile(sorted, 25), 1e-12)
	assert.InDelta(t, 2.5, percentile(sorted, 50), 1e-12)
	assert.Equal(t, 9.0, percentile([]float64{9}, 98))
}

type failingCorrector struct{ err error }

func (f failingCorrector) CorrectBias(context.Context, *models.Volume) (*models.Volume, error) {
	return nil, f.err
}

func TestEstimateDegradesWithoutCorrector(t *testing.T) {
	g := models.NewGrid(24, 24, 24, [3]float64{1, 1, 1})
	v := testutil.Head(g, [3]float64{12, 12, 12}, 6)

	plain, err := NewEstimator(nil, nil).Estimate(context.Background(), v)
	require.NoError(t, err)
	assert.Nil(t, plain.Degraded)

	degraded, err := NewEstimator(biascorrect.Disabled{}, nil).Estimate(context.Background(), v)
	require.NoError(t, err)
	assert.True(t, errors.Is(degraded.Degraded, ErrServiceDegraded))
	assert.Equal(t, plain.Metrics, degraded.Metrics)
	assert.Equal(t, plain.Mask.Data, degraded.Mask.Data)

	_, err = NewEstimator(failingCorrector{err: errors.New("boom")}, nil).Estimate(context.Background(), v)
	assert.Error(t, err)
}

func TestEstimateWithCorrection(t *testing.T) {
	g := models.NewGrid(24, 24, 24, [3]float64{1, 1, 1})
	v := testutil.Head(g, [3]float64{12, 12, 12}, 6)

	res, err := NewEstimator(biascorrect.NewSmoothField(1, 30), nil).Estimate(context.Background(), v)
	require.NoError(t, err)
	assert.Nil(t, res.Degraded)
	assert.NotSame(t, v, res.Volume)
	assert.Greater(t, res.Metrics.BrainVolumeMM3, 0.0)
	assert.Greater(t, res.Metrics.SNRProxy, 0.0)
}
