package qc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mrilongnorm/internal/models"
)

// snrEpsilon keeps the SNR proxy finite on a perfectly flat background.
const snrEpsilon = 1e-6

// Metrics is the quality record of one volume. Values are rounded to two
// decimals.
type Metrics struct {
	BrainVolumeMM3 float64 `json:"brain_volume_mm3"`
	SNRProxy       float64 `json:"snr_proxy"`
	P02Intensity   float64 `json:"p02_intensity"`
	P98Intensity   float64 `json:"p98_intensity"`
}

// MissingMetrics is recorded for a volume whose processing failed.
func MissingMetrics() Metrics {
	nan := math.NaN()
	return Metrics{BrainVolumeMM3: nan, SNRProxy: nan, P02Intensity: nan, P98Intensity: nan}
}

// ComputeMetrics partitions v by mask and derives the quality metrics.
func ComputeMetrics(v *models.Volume, mask *models.Mask) (Metrics, error) {
	if !mask.SameGeometry(v.Grid, 1e-4) {
		return Metrics{}, errors.New("mask does not share the volume grid")
	}
	var inside, outside []float64
	for i, val := range v.Data {
		if mask.Contains(i) {
			inside = append(inside, val)
		} else {
			outside = append(outside, val)
		}
	}
	if len(inside) == 0 {
		return Metrics{}, errors.New("mask is empty")
	}
	if len(outside) == 0 {
		return Metrics{}, errors.New("mask covers the whole volume, no background to measure noise")
	}

	_, bgStd := stat.PopMeanStdDev(outside, nil)
	snr := stat.Mean(inside, nil) / (bgStd + snrEpsilon)

	sort.Float64s(inside)
	m := Metrics{
		BrainVolumeMM3: round2(float64(len(inside)) * v.VoxelVolume()),
		SNRProxy:       round2(snr),
		P02Intensity:   round2(percentile(inside, 2)),
		P98Intensity:   round2(percentile(inside, 98)),
	}
	if !m.finite() {
		return Metrics{}, fmt.Errorf("volume has non-finite intensities: %s", m)
	}
	return m, nil
}

func (m Metrics) finite() bool {
	for _, v := range []float64{m.BrainVolumeMM3, m.SNRProxy, m.P02Intensity, m.P98Intensity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// percentile linearly interpolates between the closest ranks of sorted,
// placing rank 0 at the minimum and rank n-1 at the maximum.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (m Metrics) String() string {
	return fmt.Sprintf("volume=%.2fmm3 snr=%.2f p02=%.2f p98=%.2f", m.BrainVolumeMM3, m.SNRProxy, m.P02Intensity, m.P98Intensity)
}
