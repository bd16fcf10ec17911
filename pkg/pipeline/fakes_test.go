package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"mrilongnorm/internal/models"
	"mrilongnorm/internal/testutil"
	"mrilongnorm/pkg/brainextract"
	"mrilongnorm/pkg/nifti"
	"mrilongnorm/pkg/registration"
)

var testGrid = models.NewGrid(20, 20, 20, [3]float64{1, 1, 1})

// headAt is a phantom whose brain sits at (x, 10, 10).
func headAt(x float64) *models.Volume {
	return testutil.Head(testGrid, [3]float64{x, 10, 10}, 4)
}

type fakeCatalog struct {
	sessions map[string][]models.Session
}

func (c *fakeCatalog) Subjects() ([]string, error) {
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *fakeCatalog) SessionsFor(subject string) ([]models.Session, error) {
	s, ok := c.sessions[subject]
	if !ok {
		return nil, fmt.Errorf("unknown subject %s", subject)
	}
	return s, nil
}

// memStore keeps raw inputs and written artifacts in memory.
type memStore struct {
	mu         sync.Mutex
	raws       map[string]*models.Volume
	volumes    map[string]*models.Volume
	transforms map[string]*models.Transform
	provenance map[string]Provenance
}

func newMemStore() *memStore {
	return &memStore{
		raws:       map[string]*models.Volume{},
		volumes:    map[string]*models.Volume{},
		transforms: map[string]*models.Transform{},
		provenance: map[string]Provenance{},
	}
}

func (m *memStore) Layout(s models.Session) Layout {
	return Layout{Dir: filepath.Join("/out", s.Subject, s.ID), Base: models.VolumeBase(s.VolumePath)}
}

func (m *memStore) LoadRaw(s models.Session) (*models.Volume, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.raws[s.VolumePath]
	if !ok {
		return nil, "", fmt.Errorf("open %s: no such file", s.VolumePath)
	}
	return v, filepath.Join(m.Layout(s).Dir, filepath.Base(s.VolumePath)), nil
}

func (m *memStore) SaveVolume(path string, v *models.Volume, _ nifti.DataType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[path] = v
	return nil
}

func (m *memStore) SaveTransform(path string, t *models.Transform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[path] = t
	return nil
}

func (m *memStore) SaveProvenance(path string, res *models.NormalizationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provenance[path] = NewProvenance(res)
	return nil
}

// addSession registers a raw volume and returns the session pointing to it.
func (m *memStore) addSession(subject, session string, v *models.Volume) models.Session {
	path := fmt.Sprintf("/in/%s/%s/%s_%s_T1w.nii.gz", subject, session, subject, session)
	m.raws[path] = v
	return models.Session{ID: session, Subject: subject, VolumePath: path}
}

type resampleCall struct {
	moving *models.Volume
	chain  models.Chain
}

// spyRegistrar records every Resample call and can fail estimation for
// chosen moving volumes.
type spyRegistrar struct {
	*registration.Registrar

	mu           sync.Mutex
	calls        []resampleCall
	failEstimate map[*models.Volume]bool
}

func newSpyRegistrar() *spyRegistrar {
	r, err := registration.New(registration.Translation, 1)
	if err != nil {
		panic(err)
	}
	return &spyRegistrar{Registrar: r, failEstimate: map[*models.Volume]bool{}}
}

func (s *spyRegistrar) EstimateTransform(ctx context.Context, fixed, moving *models.Volume) (*models.Transform, error) {
	s.mu.Lock()
	fail := s.failEstimate[moving]
	s.mu.Unlock()
	if fail {
		return nil, registration.ErrNotConverged
	}
	return s.Registrar.EstimateTransform(ctx, fixed, moving)
}

func (s *spyRegistrar) Resample(ctx context.Context, moving *models.Volume, chain models.Chain, target models.Grid, interp registration.Interpolator) (*models.Volume, error) {
	s.mu.Lock()
	s.calls = append(s.calls, resampleCall{moving: moving, chain: append(models.Chain(nil), chain...)})
	s.mu.Unlock()
	return s.Registrar.Resample(ctx, moving, chain, target, interp)
}

func (s *spyRegistrar) callsFor(v *models.Volume) []resampleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resampleCall
	for _, c := range s.calls {
		if c.moving == v {
			out = append(out, c)
		}
	}
	return out
}

// fakeExtractor returns a copy of a fixed native mask.
type fakeExtractor struct {
	mask *models.Mask
	err  error
}

func (f *fakeExtractor) ExtractBrain(_ context.Context, req brainextract.Request) (*models.Mask, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := f.mask.Clone()
	return &models.Mask{Volume: *v, Space: req.Space}, nil
}

// recordingCorrector returns its input unchanged and keeps every input.
type recordingCorrector struct {
	mu     sync.Mutex
	inputs []*models.Volume
}

func (c *recordingCorrector) CorrectBias(_ context.Context, v *models.Volume) (*models.Volume, error) {
	if v == nil {
		return nil, errors.New("nil volume")
	}
	c.mu.Lock()
	c.inputs = append(c.inputs, v)
	c.mu.Unlock()
	return v.Clone(), nil
}

type fixture struct {
	store     *memStore
	catalog   *fakeCatalog
	registrar *spyRegistrar
	extractor *fakeExtractor
	corrector *recordingCorrector
	templates Templates
}

func newFixture() *fixture {
	nativeMask := models.MaskFromVolume(testutil.Sphere(testGrid, [3]float64{9, 10, 10}, 4, 1), "native")
	return &fixture{
		store:     newMemStore(),
		catalog:   &fakeCatalog{sessions: map[string][]models.Session{}},
		registrar: newSpyRegistrar(),
		extractor: &fakeExtractor{mask: nativeMask},
		corrector: &recordingCorrector{},
		templates: Templates{Volume: headAt(10)},
	}
}

func (f *fixture) pipeline(workers int) *Pipeline {
	p, err := New(f.templates, Services{
		Catalog:   f.catalog,
		Registrar: f.registrar,
		Extractor: f.extractor,
		Corrector: f.corrector,
		Store:     f.store,
	}, workers, nil)
	if err != nil {
		panic(err)
	}
	return p
}
