package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/biascorrect"
	"mrilongnorm/pkg/denoise"
	"mrilongnorm/pkg/nifti"
	"mrilongnorm/pkg/registration"
)

func writeRaw(t *testing.T, root, subject, session string, v *models.Volume) models.Session {
	t.Helper()
	path := filepath.Join(root, subject, session, "anat", subject+"_"+session+"_T1w.nii.gz")
	require.NoError(t, nifti.WriteFile(path, v, nifti.Float32))
	return models.Session{ID: session, Subject: subject, VolumePath: path}
}

func TestFileStoreLoadRawCopiesIntoSessionFolder(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	s := writeRaw(t, in, "A", "ses-01", headAt(10))
	store := NewFileStore(out)

	v, copyPath, err := store.LoadRaw(s)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "A", "ses-01", "A_ses-01_T1w.nii.gz"), copyPath)
	assert.FileExists(t, copyPath)
	assert.Equal(t, testGrid.Dims, v.Dims)

	layout := store.Layout(s)
	assert.Equal(t, filepath.Join(out, "A", "ses-01", "A_ses-01_T1w_N4_in_MNI.nii.gz"), layout.Path(SuffixFinal))
}

func TestFileStoreLoadRawMissingFile(t *testing.T) {
	store := NewFileStore(t.TempDir())
	_, _, err := store.LoadRaw(models.Session{ID: "ses-01", Subject: "A", VolumePath: "/nonexistent/A_ses-01_T1w.nii.gz"})
	assert.ErrorIs(t, err, ErrMissingInput)

	_, _, err = store.LoadRaw(models.Session{ID: "ses-01", Subject: "A"})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestTransformArtifactRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_MNI_affine.yaml")
	tr := models.Identity("native:A/ses-01", TemplateSpace)
	tr.Kind = "affine"
	tr.Matrix[0][3] = 2.5
	tr.Matrix[1][1] = 1.1

	require.NoError(t, NewFileStore("").SaveTransform(path, tr))
	got, err := LoadTransform(path)
	require.NoError(t, err)
	assert.Equal(t, tr, got)
}

// TestPipelineWritesArtifacts runs the real services, except brain
// extraction, against NIfTI files on disk.
func TestPipelineWritesArtifacts(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	ses01 := writeRaw(t, in, "A", "ses-01", headAt(9))
	ses02 := writeRaw(t, in, "A", "ses-02", headAt(11))

	reg, err := registration.New(registration.Translation, 2)
	require.NoError(t, err)
	f := newFixture()
	f.catalog.sessions["A"] = []models.Session{ses01, ses02}

	p, err := New(f.templates, Services{
		Catalog:   f.catalog,
		Registrar: reg,
		Extractor: f.extractor,
		Corrector: biascorrect.NewSmoothField(2, 4),
		Denoiser:  denoise.NewFilter(0.2),
		Store:     NewFileStore(out),
	}, 1, nil)
	require.NoError(t, err)

	report := p.ProcessSubject(context.Background(), "A")
	require.NoError(t, report.Err)
	require.Len(t, report.Results, 2)

	refDir := filepath.Join(out, "A", "ses-01")
	for _, name := range []string{
		"A_ses-01_T1w.nii.gz",
		"A_ses-01_T1w_MNI.nii.gz",
		"A_ses-01_T1w_MNI_affine.yaml",
		"A_ses-01_T1w_mask_MNI.nii.gz",
		"A_ses-01_T1w_N4_in_MNI.nii.gz",
		"A_ses-01_T1w_provenance.yaml",
	} {
		assert.FileExists(t, filepath.Join(refDir, name))
	}

	fuDir := filepath.Join(out, "A", "ses-02")
	assert.FileExists(t, filepath.Join(fuDir, "A_ses-02_T1w_N4_in_MNI.nii.gz"))
	assert.NoFileExists(t, filepath.Join(fuDir, "A_ses-02_T1w_MNI_affine.yaml"))

	final, err := nifti.ReadFile(filepath.Join(fuDir, "A_ses-02_T1w_N4_in_MNI.nii.gz"))
	require.NoError(t, err)
	mask, err := nifti.ReadFile(filepath.Join(refDir, "A_ses-01_T1w_mask_MNI.nii.gz"))
	require.NoError(t, err)
	for i, val := range final.Data {
		if val != 0 {
			assert.Equal(t, 1.0, mask.Data[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(fuDir, "A_ses-02_T1w_provenance.yaml"))
	require.NoError(t, err)
	var prov Provenance
	require.NoError(t, yaml.Unmarshal(data, &prov))
	assert.Equal(t, "ses-02", prov.Session)
	assert.False(t, prov.Reference)
	assert.Equal(t, 1, prov.Resamplings)
	assert.Equal(t, TemplateSpace, prov.MaskSpace)
	require.Len(t, prov.Chain, 2)
	assert.Equal(t, "native:A/ses-01", prov.Chain[0].From)
	assert.Equal(t, "native:A/ses-02", prov.Chain[1].From)
}
