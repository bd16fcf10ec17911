package qc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/biascorrect"
	"mrilongnorm/pkg/visualization"
)

// ErrServiceDegraded marks a result computed without the optional bias
// correction because the corrector was unavailable. It is recorded, never
// returned as a failure.
var ErrServiceDegraded = errors.New("bias correction unavailable, metrics use raw intensities")

// MaskSpace labels masks produced by the estimator.
const MaskSpace = "qc-otsu"

// BiasCorrector is the optional pre-correction step.
type BiasCorrector interface {
	CorrectBias(ctx context.Context, v *models.Volume) (*models.Volume, error)
}

// Result is the outcome of estimating one volume.
type Result struct {
	// Volume is the image the metrics were computed on
	Volume *models.Volume

	Mask    *models.Mask
	Metrics Metrics

	// Degraded is ErrServiceDegraded when correction was skipped because
	// the corrector was unavailable
	Degraded error
}

// Estimator computes the automatic mask and quality metrics of a volume.
type Estimator struct {
	corrector BiasCorrector
	logger    *zap.Logger
}

// NewEstimator creates an estimator. A nil corrector disables the
// correction step.
func NewEstimator(corrector BiasCorrector, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{corrector: corrector, logger: logger}
}

// EstimateMask thresholds the strictly positive, finite voxels of v with
// Otsu's method and cleans the result morphologically.
func EstimateMask(v *models.Volume) (*models.Mask, error) {
	var positive []float64
	for _, val := range v.Data {
		if val > 0 && !math.IsInf(val, 1) {
			positive = append(positive, val)
		}
	}
	thresh, err := Otsu(positive)
	if err != nil {
		return nil, fmt.Errorf("estimating threshold: %w", err)
	}
	on := make([]bool, len(v.Data))
	for i, val := range v.Data {
		on[i] = val > thresh
	}
	return models.NewMask(v.Grid, MaskSpace, Clean(on, v.Grid)), nil
}

// Estimate runs the optional correction, the mask estimation and the
// metrics on one volume.
func (e *Estimator) Estimate(ctx context.Context, v *models.Volume) (*Result, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Volume: v}

	if e.corrector != nil {
		corrected, err := e.corrector.CorrectBias(ctx, v)
		switch {
		case errors.Is(err, biascorrect.ErrUnavailable):
			res.Degraded = ErrServiceDegraded
			e.logger.Warn("running without bias correction", zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("bias correction: %w", err)
		default:
			res.Volume = corrected
		}
	}

	mask, err := EstimateMask(res.Volume)
	if err != nil {
		return nil, err
	}
	res.Mask = mask

	if res.Metrics, err = ComputeMetrics(res.Volume, mask); err != nil {
		return nil, err
	}
	return res, nil
}

// Snapshot renders the sagittal, coronal and axial slices through the
// centre of the result with the mask boundary overlaid and saves a PNG.
func (r *Result) Snapshot(path string, height int) error {
	viewer, err := visualization.NewViewer(r.Volume).WithMask(r.Mask)
	if err != nil {
		return err
	}
	img, err := viewer.Montage(height)
	if err != nil {
		return err
	}
	return visualization.SavePNG(img, path)
}
