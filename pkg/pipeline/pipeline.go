// Package pipeline implements longitudinal normalization: per subject, the
// earliest session with a scan becomes the reference and is mapped into
// template space, and every later session is mapped there through the
// reference with a single composed resampling.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
)

// TemplateSpace labels volumes and masks on the template grid.
const TemplateSpace = "template"

// NativeSpace labels the scanner space of one session.
func NativeSpace(s models.Session) string {
	return "native:" + s.Key()
}

// Templates are the fixed anatomical images, read once and shared read-only
// by every subject worker.
type Templates struct {
	// Volume is the full-head registration target and defines the output grid
	Volume *models.Volume

	// Brain is the skull-stripped template (optional)
	Brain *models.Volume

	// Mask restricts subject masks to the template brain (optional)
	Mask *models.Mask
}

// LoadTemplates reads the template images. Empty brain or mask paths are
// skipped.
func LoadTemplates(volumePath, brainPath, maskPath string) (Templates, error) {
	var t Templates
	var err error
	if t.Volume, err = nifti.ReadFile(volumePath); err != nil {
		return t, fmt.Errorf("template volume: %w", err)
	}
	if brainPath != "" {
		if t.Brain, err = nifti.ReadFile(brainPath); err != nil {
			return t, fmt.Errorf("template brain: %w", err)
		}
	}
	if maskPath != "" {
		v, err := nifti.ReadFile(maskPath)
		if err != nil {
			return t, fmt.Errorf("template mask: %w", err)
		}
		t.Mask = models.MaskFromVolume(v, TemplateSpace)
	}
	return t, t.Validate()
}

// Validate checks the optional images share the template grid.
func (t Templates) Validate() error {
	if err := t.Volume.Validate(); err != nil {
		return fmt.Errorf("template volume: %w", err)
	}
	if t.Brain != nil && !t.Brain.SameGeometry(t.Volume.Grid, 1e-4) {
		return fmt.Errorf("template brain does not share the template grid")
	}
	if t.Mask != nil && !t.Mask.SameGeometry(t.Volume.Grid, 1e-4) {
		return fmt.Errorf("template mask does not share the template grid")
	}
	return nil
}

// Pipeline runs the per-subject state machine over a catalog. Subjects are
// independent; sessions within a subject run strictly in order.
type Pipeline struct {
	templates Templates
	svc       Services
	workers   int
	logger    *zap.Logger
}

// New creates a pipeline. workers bounds how many subjects run at once.
func New(templates Templates, svc Services, workers int, logger *zap.Logger) (*Pipeline, error) {
	if err := templates.Validate(); err != nil {
		return nil, err
	}
	if svc.Catalog == nil || svc.Registrar == nil || svc.Extractor == nil || svc.Corrector == nil || svc.Store == nil {
		return nil, errors.New("pipeline needs a catalog, registrar, extractor, corrector and store")
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{templates: templates, svc: svc, workers: workers, logger: logger}, nil
}

// Run processes the given subjects, or every catalog subject when none are
// named. Fatal subject errors are recorded in the reports and never stop
// the batch; only catalog failures and cancellation return an error.
func (p *Pipeline) Run(ctx context.Context, subjects []string) ([]*models.SubjectReport, error) {
	if len(subjects) == 0 {
		var err error
		if subjects, err = p.svc.Catalog.Subjects(); err != nil {
			return nil, fmt.Errorf("listing subjects: %w", err)
		}
	}

	runID := uuid.NewString()
	log := p.logger.With(zap.String("run_id", runID))
	log.Info("starting normalization", zap.Int("subjects", len(subjects)), zap.Int("workers", p.workers))

	reports := make([]*models.SubjectReport, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, id := range subjects {
		g.Go(func() error {
			reports[i] = p.processSubject(gctx, id, log)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	s := Summarize(reports)
	log.Info("normalization finished",
		zap.Int("done", s.Done),
		zap.Int("aborted", s.Aborted),
		zap.Int("sessions", s.Sessions),
		zap.Int("skipped", s.Skipped))
	return reports, nil
}

// ProcessSubject runs one subject to a terminal state.
func (p *Pipeline) ProcessSubject(ctx context.Context, subject string) *models.SubjectReport {
	return p.processSubject(ctx, subject, p.logger)
}

// subjectRun carries the state of one subject through its transitions.
type subjectRun struct {
	report *models.SubjectReport
	state  State
	log    *zap.Logger
}

func (r *subjectRun) fire(e Event) {
	next, err := Next(r.state, e)
	if err != nil {
		// only reachable through a programming error in the driver below
		r.log.DPanic("illegal transition", zap.Error(err))
		return
	}
	r.state = next
	r.report.State = string(next)
}

func (r *subjectRun) abort(err error) {
	r.report.Err = &SubjectError{Subject: r.report.Subject, State: r.state, Err: err}
	r.fire(EventFatal)
	r.log.Error("subject aborted", zap.Error(err))
}

func (p *Pipeline) processSubject(ctx context.Context, subject string, log *zap.Logger) *models.SubjectReport {
	run := &subjectRun{
		report: &models.SubjectReport{Subject: subject, State: string(StateStart)},
		state:  StateStart,
		log:    log.With(zap.String("subject", subject)),
	}

	sessions, err := p.svc.Catalog.SessionsFor(subject)
	if err != nil {
		run.abort(fmt.Errorf("%w: %v", ErrMissingInput, err))
		return run.report
	}

	choice := selectReference(sessions)
	run.report.Skipped = append(run.report.Skipped, choice.skipped...)
	for _, sk := range choice.skipped {
		run.log.Warn("session skipped", zap.String("session", sk.Session.ID), zap.Error(sk.Err))
	}
	if !choice.found {
		run.report.Err = &SubjectError{
			Subject: subject,
			State:   run.state,
			Err:     fmt.Errorf("%w: no session of %s has a volume", ErrMissingInput, subject),
		}
		run.fire(EventNoReference)
		run.log.Error("subject aborted", zap.Error(run.report.Err))
		return run.report
	}
	run.fire(EventReferenceFound)
	run.report.Reference = choice.reference.ID

	ref, res, err := p.normalizeReference(ctx, choice.reference, run.log)
	if err != nil {
		run.abort(err)
		return run.report
	}
	run.report.Results = append(run.report.Results, res)
	run.fire(EventReferenceNormalized)
	run.log.Info("reference normalized", zap.String("session", ref.session.ID), zap.String("state", run.report.State))

	for _, s := range choice.followups {
		slog := run.log.With(zap.String("session", s.ID))
		res, err := p.normalizeFollowup(ctx, ref, s, slog)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				run.abort(ctxErr)
				return run.report
			}
			run.report.Skipped = append(run.report.Skipped, models.SkippedSession{Session: s, Err: err})
			run.fire(EventFollowupSkipped)
			slog.Warn("session skipped", zap.Error(err))
			continue
		}
		run.report.Results = append(run.report.Results, res)
		run.fire(EventFollowupProcessed)
		slog.Info("follow-up normalized", zap.String("state", run.report.State))
	}

	run.fire(EventSessionsExhausted)
	run.log.Info("subject done", zap.Strings("sessions", run.report.Sessions()))
	return run.report
}

// Summary counts the outcome of a batch.
type Summary struct {
	Subjects int
	Done     int
	Aborted  int
	Sessions int
	Skipped  int
}

// Summarize tallies subject reports. Nil reports (subjects never started
// because the batch was cancelled) are counted as subjects only.
func Summarize(reports []*models.SubjectReport) Summary {
	s := Summary{Subjects: len(reports)}
	for _, r := range reports {
		if r == nil {
			continue
		}
		if r.Aborted() {
			s.Aborted++
		} else if r.State == string(StateDone) {
			s.Done++
		}
		s.Sessions += len(r.Results)
		s.Skipped += len(r.Skipped)
	}
	return s
}
