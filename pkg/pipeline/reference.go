package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/brainextract"
	"mrilongnorm/pkg/nifti"
	"mrilongnorm/pkg/registration"
)

// reference is what follow-up sessions of a subject need from its
// reference session. Nothing in it is modified after reference
// normalization.
type reference struct {
	session models.Session

	// raw is the native-space reference volume follow-ups register to
	raw *models.Volume

	// toTemplate maps reference world points into template space
	toTemplate *models.Transform

	// mask is the single subject mask, in template space
	mask *models.Mask
}

// normalizeReference maps the reference into template space and builds the
// subject mask. Any error is fatal for the subject.
func (p *Pipeline) normalizeReference(ctx context.Context, s models.Session, log *zap.Logger) (*reference, *models.NormalizationResult, error) {
	store := p.svc.Store
	layout := store.Layout(s)
	log = log.With(zap.String("session", s.ID))

	raw, rawCopy, err := store.LoadRaw(s)
	if err != nil {
		return nil, nil, fmt.Errorf("reference %s: %w", s.Key(), wrapMissing(err))
	}
	res := &models.NormalizationResult{Session: s, Reference: true}
	res.Artifacts.RawCopy = rawCopy

	// denoising only feeds the registration; masking and the final image
	// start again from the raw volume
	moving := raw
	if p.svc.Denoiser != nil {
		if moving, err = p.svc.Denoiser.Denoise(ctx, raw); err != nil {
			return nil, nil, fmt.Errorf("denoising reference: %w", err)
		}
	}

	toTemplate, err := p.svc.Registrar.EstimateTransform(ctx, p.templates.Volume, moving)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reference to template: %w", ErrRegistrationFailure, err)
	}
	toTemplate.From = NativeSpace(s)
	toTemplate.To = TemplateSpace
	chain := models.Chain{toTemplate}
	log.Debug("reference registered", zap.Stringer("transform", toTemplate))

	warped, err := p.svc.Registrar.Resample(ctx, moving, chain, p.templates.Volume.Grid, registration.Linear)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resampling reference: %v", ErrRegistrationFailure, err)
	}
	res.Artifacts.Template = layout.Path(SuffixTemplate)
	if err := store.SaveVolume(res.Artifacts.Template, warped, nifti.Float32); err != nil {
		return nil, nil, err
	}
	res.Artifacts.Transform = layout.Path(SuffixTransform)
	if err := store.SaveTransform(res.Artifacts.Transform, toTemplate); err != nil {
		return nil, nil, err
	}

	native, err := p.svc.Extractor.ExtractBrain(ctx, brainextract.Request{
		InputPath:  rawCopy,
		OutputPath: layout.Path(SuffixExtraction),
		Space:      NativeSpace(s),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMaskUnavailable, err)
	}
	if !native.SameGeometry(raw.Grid, 1e-4) {
		return nil, nil, fmt.Errorf("%w: extracted mask does not share the reference grid", ErrMaskUnavailable)
	}
	if m, ok := p.svc.Extractor.(interface{ MaskPath(string) string }); ok {
		res.Artifacts.NativeMask = m.MaskPath(layout.Path(SuffixExtraction))
	}

	mask, err := p.templateMask(ctx, native, chain)
	if err != nil {
		return nil, nil, err
	}
	res.Artifacts.TemplateMask = layout.Path(SuffixTemplateMask)
	if err := store.SaveVolume(res.Artifacts.TemplateMask, &mask.Volume, nifti.Uint8); err != nil {
		return nil, nil, err
	}

	brain, err := native.Apply(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMaskUnavailable, err)
	}
	corrected, err := p.svc.Corrector.CorrectBias(ctx, brain)
	if err != nil {
		return nil, nil, fmt.Errorf("bias correcting reference: %w", err)
	}

	final, err := p.svc.Registrar.Resample(ctx, corrected, chain, p.templates.Volume.Grid, registration.Linear)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resampling corrected reference: %v", ErrRegistrationFailure, err)
	}
	if final, err = mask.Apply(final); err != nil {
		return nil, nil, err
	}

	res.Volume = final
	res.Chain = chain
	res.Mask = mask
	res.Resamplings = 1
	if err := p.finish(layout, res); err != nil {
		return nil, nil, err
	}

	log.Debug("subject mask ready", zap.String("space", mask.Space), zap.Int("voxels", mask.Count()))
	return &reference{session: s, raw: raw, toTemplate: toTemplate, mask: mask}, res, nil
}

// templateMask transports the native reference mask onto the template grid
// and restricts it to the template brain when one is configured.
func (p *Pipeline) templateMask(ctx context.Context, native *models.Mask, chain models.Chain) (*models.Mask, error) {
	mask, err := p.svc.Registrar.ResampleMask(ctx, native, chain, p.templates.Volume.Grid, TemplateSpace)
	if err != nil {
		return nil, fmt.Errorf("%w: transporting mask: %w", ErrMaskUnavailable, err)
	}
	if p.templates.Mask != nil {
		for i := range mask.Data {
			if !p.templates.Mask.Contains(i) {
				mask.Data[i] = 0
			}
		}
	}
	if mask.Count() == 0 {
		return nil, fmt.Errorf("%w: mask is empty in template space", ErrMaskUnavailable)
	}
	return mask, nil
}

// finish writes the final volume and the provenance record.
func (p *Pipeline) finish(layout Layout, res *models.NormalizationResult) error {
	res.Artifacts.Final = layout.Path(SuffixFinal)
	if err := p.svc.Store.SaveVolume(res.Artifacts.Final, res.Volume, nifti.Float32); err != nil {
		return err
	}
	res.Artifacts.Provenance = layout.Path(SuffixProvenance)
	return p.svc.Store.SaveProvenance(res.Artifacts.Provenance, res)
}

func wrapMissing(err error) error {
	if errors.Is(err, ErrMissingInput) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMissingInput, err)
}
