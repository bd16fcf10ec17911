package qc

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
)

// IQMFile is the default name of the bulk metrics table.
const IQMFile = "t1w_iqm_results.csv"

// outlierFactor scales the interquartile range of the outlier fences.
const outlierFactor = 1.5

// SubjectLister lists subject directories below a root.
type SubjectLister interface {
	Root() string
	Subjects() ([]string, error)
}

// IQMRow holds the image quality measures of one subject. Mean and Std are
// NaN when the subject's volume could not be processed.
type IQMRow struct {
	Subject string
	Mean    float64
	Std     float64
	Outlier bool
}

// ComputeIQM returns the mean and population standard deviation of the
// strictly positive voxels of v.
func ComputeIQM(v *models.Volume) (mean, std float64, err error) {
	var vals []float64
	for _, val := range v.Data {
		if val > 0 {
			vals = append(vals, val)
		}
	}
	if len(vals) == 0 {
		return math.NaN(), math.NaN(), errors.New("volume has no positive voxels")
	}
	mean, std = stat.PopMeanStdDev(vals, nil)
	return mean, std, nil
}

// IQMTable computes the measures of every sub-* subject at
// <root>/<sub>/anat/<sub>_T1w.nii.gz with a bounded worker pool, then flags
// outliers. Rows are ordered by subject.
func IQMTable(ctx context.Context, lister SubjectLister, workers int, logger *zap.Logger) ([]IQMRow, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	all, err := lister.Subjects()
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, s := range all {
		if strings.HasPrefix(s, "sub-") {
			subjects = append(subjects, s)
		}
	}
	logger.Info("computing image quality measures", zap.Int("subjects", len(subjects)))

	rows := make([]IQMRow, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for i, sub := range subjects {
		g.Go(func() error {
			rows[i] = IQMRow{Subject: sub, Mean: math.NaN(), Std: math.NaN()}
			path := filepath.Join(lister.Root(), sub, "anat", sub+"_T1w.nii.gz")
			v, err := nifti.ReadFile(path)
			if err == nil {
				rows[i].Mean, rows[i].Std, err = ComputeIQM(v)
			}
			if err != nil {
				logger.Error("error processing subject", zap.String("subject", sub), zap.Error(err))
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Subject < rows[j].Subject })
	FlagOutliers(rows)

	n := 0
	for _, r := range rows {
		if r.Outlier {
			n++
		}
	}
	logger.Info("outlier detection finished", zap.Int("outliers", n), zap.Int("subjects", len(rows)))
	return rows, nil
}

// FlagOutliers marks rows whose mean lies outside
// [Q1 - 1.5*IQR, Q3 + 1.5*IQR] of all non-NaN means, and returns the fences.
// Rows with a NaN mean are never outliers.
func FlagOutliers(rows []IQMRow) (lower, upper float64) {
	var means []float64
	for _, r := range rows {
		if !math.IsNaN(r.Mean) {
			means = append(means, r.Mean)
		}
	}
	if len(means) == 0 {
		return math.NaN(), math.NaN()
	}
	sort.Float64s(means)
	q1, q3 := percentile(means, 25), percentile(means, 75)
	iqr := q3 - q1
	lower, upper = q1-outlierFactor*iqr, q3+outlierFactor*iqr
	for i := range rows {
		m := rows[i].Mean
		rows[i].Outlier = !math.IsNaN(m) && (m < lower || m > upper)
	}
	return lower, upper
}

// WriteIQMCSV writes rows as subject,mean,std,outlier. NaN measures are
// empty cells.
func WriteIQMCSV(w io.Writer, rows []IQMRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"subject", "mean", "std", "outlier"}); err != nil {
		return err
	}
	for _, r := range rows {
		outlier := "False"
		if r.Outlier {
			outlier = "True"
		}
		if err := cw.Write([]string{r.Subject, formatMeasure(r.Mean), formatMeasure(r.Std), outlier}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatMeasure(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
