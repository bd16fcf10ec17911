package qc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
)

// DiscoverPattern selects the volumes a batch audits below its root.
const DiscoverPattern = "**/*_T1w.nii{,.gz}"

// SummaryFile is written at the output root after a batch.
const SummaryFile = "qc_summary.json"

// ErrNoVolumes is returned when a batch root holds no T1w volume.
var ErrNoVolumes = errors.New("no T1w volumes found")

// ErrDuplicateID marks a volume whose identifier was already taken by an
// earlier path in the same batch, e.g. both .nii and .nii.gz of one scan.
var ErrDuplicateID = errors.New("duplicate volume id")

// Discoverer finds files below a root by glob pattern.
type Discoverer interface {
	Discover(pattern string) ([]string, error)
}

// Record is the batch outcome for one volume. Metrics is nil when the
// volume failed.
type Record struct {
	ID       string   `json:"-"`
	Path     string   `json:"path"`
	Metrics  *Metrics `json:"metrics"`
	Degraded bool     `json:"degraded,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Values returns the metrics, NaN for a failed volume.
func (r Record) Values() Metrics {
	if r.Metrics == nil {
		return MissingMetrics()
	}
	return *r.Metrics
}

// VolumeID names a volume by its file name without the _T1w.nii[.gz]
// ending, e.g. sub-01_ses-02.
func VolumeID(path string) string {
	return strings.TrimSuffix(models.VolumeBase(path), "_T1w")
}

// Batch audits many volumes with a bounded worker pool. A failing volume is
// recorded and never stops the others.
type Batch struct {
	estimator *Estimator
	workers   int
	height    int
	logger    *zap.Logger
}

// NewBatch creates a batch runner; height is the snapshot panel height.
func NewBatch(estimator *Estimator, workers, height int, logger *zap.Logger) *Batch {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{estimator: estimator, workers: workers, height: height, logger: logger}
}

// Run audits every volume found by d and writes, per volume,
// <outRoot>/<id>/<id>_qc.png and <id>_qc.json, then the batch summary.
// Paths are audited in discovery order; a later path whose id is taken
// fails with ErrDuplicateID and writes nothing.
func (b *Batch) Run(ctx context.Context, d Discoverer, outRoot string) ([]Record, error) {
	paths, err := d.Discover(DiscoverPattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoVolumes
	}
	b.logger.Info("running quality control", zap.Int("volumes", len(paths)), zap.Int("workers", b.workers))

	records := make([]Record, len(paths))
	owner := make(map[string]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, path := range paths {
		id := VolumeID(path)
		if first, dup := owner[id]; dup {
			err := fmt.Errorf("%w: %s is already audited from %s", ErrDuplicateID, id, first)
			records[i] = Record{ID: id, Path: path, Error: err.Error()}
			b.logger.Error("quality control failed", zap.String("subject", id), zap.Error(err))
			continue
		}
		owner[id] = path
		g.Go(func() error {
			records[i] = b.processOne(gctx, path, outRoot)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}

	summary := make(map[string]Record, len(records))
	failed := 0
	for _, r := range records {
		if owner[r.ID] == r.Path {
			summary[r.ID] = r
		}
		if r.Error != "" {
			failed++
		}
	}
	if err := writeJSON(filepath.Join(outRoot, SummaryFile), summary); err != nil {
		return records, fmt.Errorf("writing summary: %w", err)
	}
	b.logger.Info("quality control finished", zap.Int("volumes", len(records)), zap.Int("failed", failed))
	return records, nil
}

func (b *Batch) processOne(ctx context.Context, path, outRoot string) (rec Record) {
	id := VolumeID(path)
	rec = Record{ID: id, Path: path}
	log := b.logger.With(zap.String("subject", id))

	fail := func(err error) Record {
		rec.Metrics = nil
		rec.Error = err.Error()
		log.Error("quality control failed", zap.Error(err))
		return rec
	}
	defer func() {
		if r := recover(); r != nil {
			rec = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	v, err := nifti.ReadFile(path)
	if err != nil {
		return fail(err)
	}
	res, err := b.estimator.Estimate(ctx, v)
	if err != nil {
		return fail(err)
	}
	rec.Degraded = res.Degraded != nil

	dir := filepath.Join(outRoot, id)
	if err := res.Snapshot(filepath.Join(dir, id+"_qc.png"), b.height); err != nil {
		return fail(fmt.Errorf("snapshot: %w", err))
	}
	if err := writeJSON(filepath.Join(dir, id+"_qc.json"), res.Metrics); err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}

	rec.Metrics = &res.Metrics
	log.Debug("quality control done", zap.Stringer("metrics", res.Metrics))
	return rec
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
