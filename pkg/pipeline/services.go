package pipeline

import (
	"context"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/brainextract"
	"mrilongnorm/pkg/nifti"
	"mrilongnorm/pkg/registration"
)

// Catalog enumerates subjects and their ordered sessions.
type Catalog interface {
	Subjects() ([]string, error)
	SessionsFor(subject string) ([]models.Session, error)
}

// Registrar estimates transforms and resamples volumes through composed
// transform chains.
type Registrar interface {
	EstimateTransform(ctx context.Context, fixed, moving *models.Volume) (*models.Transform, error)
	Resample(ctx context.Context, moving *models.Volume, chain models.Chain, target models.Grid, interp registration.Interpolator) (*models.Volume, error)
	ResampleMask(ctx context.Context, m *models.Mask, chain models.Chain, target models.Grid, space string) (*models.Mask, error)
}

// BrainExtractor produces a native-space brain mask for a volume on disk.
type BrainExtractor interface {
	ExtractBrain(ctx context.Context, req brainextract.Request) (*models.Mask, error)
}

// BiasCorrector removes intensity inhomogeneity from a brain-only volume.
type BiasCorrector interface {
	CorrectBias(ctx context.Context, v *models.Volume) (*models.Volume, error)
}

// Denoiser smooths a raw volume before registration.
type Denoiser interface {
	Denoise(ctx context.Context, v *models.Volume) (*models.Volume, error)
}

// Store persists session artifacts.
type Store interface {
	// Layout returns where the artifacts of a session go
	Layout(s models.Session) Layout

	// LoadRaw copies the raw volume of s into its output folder and reads
	// it. It returns the volume and the path of the copy.
	LoadRaw(s models.Session) (*models.Volume, string, error)

	SaveVolume(path string, v *models.Volume, dt nifti.DataType) error
	SaveTransform(path string, t *models.Transform) error
	SaveProvenance(path string, res *models.NormalizationResult) error
}

// Services bundles the collaborators a Pipeline orchestrates. Denoiser is
// optional.
type Services struct {
	Catalog   Catalog
	Registrar Registrar
	Extractor BrainExtractor
	Corrector BiasCorrector
	Denoiser  Denoiser
	Store     Store
}
