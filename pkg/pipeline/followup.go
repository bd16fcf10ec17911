package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
	"mrilongnorm/pkg/registration"
)

// normalizeFollowup registers a later session to the reference and maps
// its raw volume into template space with one resampling through
// [reference->template, session->reference]. Errors skip only this session.
func (p *Pipeline) normalizeFollowup(ctx context.Context, ref *reference, s models.Session, log *zap.Logger) (*models.NormalizationResult, error) {
	if !s.HasVolume() {
		return nil, fmt.Errorf("%w: no volume for %s", ErrMissingInput, s.Key())
	}
	store := p.svc.Store
	layout := store.Layout(s)

	raw, rawCopy, err := store.LoadRaw(s)
	if err != nil {
		return nil, wrapMissing(err)
	}
	res := &models.NormalizationResult{Session: s}
	res.Artifacts.RawCopy = rawCopy

	toReference, err := p.svc.Registrar.EstimateTransform(ctx, ref.raw, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrRegistrationFailure, s.ID, ref.session.ID, err)
	}
	toReference.From = NativeSpace(s)
	toReference.To = NativeSpace(ref.session)

	chain := models.Chain{ref.toTemplate, toReference}
	log.Debug("follow-up registered", zap.Stringer("chain", chain))

	warped, err := p.svc.Registrar.Resample(ctx, raw, chain, p.templates.Volume.Grid, registration.Linear)
	if err != nil {
		return nil, fmt.Errorf("%w: resampling %s: %v", ErrRegistrationFailure, s.ID, err)
	}
	res.Artifacts.Template = layout.Path(SuffixTemplate)
	if err := store.SaveVolume(res.Artifacts.Template, warped, nifti.Float32); err != nil {
		return nil, err
	}

	brain, err := ref.mask.Apply(warped)
	if err != nil {
		return nil, err
	}
	corrected, err := p.svc.Corrector.CorrectBias(ctx, brain)
	if err != nil {
		return nil, fmt.Errorf("bias correcting %s: %w", s.ID, err)
	}

	res.Volume = corrected
	res.Chain = chain
	res.Mask = ref.mask
	res.Resamplings = 1
	if err := p.finish(layout, res); err != nil {
		return nil, err
	}
	return res, nil
}
