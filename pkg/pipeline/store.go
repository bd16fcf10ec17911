package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"gopkg.in/yaml.v3"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
)

// Artifact suffixes appended to the raw volume's base name.
const (
	SuffixTemplate     = "_MNI.nii.gz"
	SuffixTransform    = "_MNI_affine.yaml"
	SuffixExtraction   = "_MNI_bet.nii.gz"
	SuffixTemplateMask = "_mask_MNI.nii.gz"
	SuffixFinal        = "_N4_in_MNI.nii.gz"
	SuffixProvenance   = "_provenance.yaml"
)

// Layout locates the artifacts of one session.
type Layout struct {
	// Dir is <output root>/<subject>/<session>
	Dir string

	// Base is the raw file name without .nii / .nii.gz
	Base string
}

// Path returns the artifact path with the given suffix.
func (l Layout) Path(suffix string) string {
	return filepath.Join(l.Dir, l.Base+suffix)
}

// FileStore writes artifacts under an output tree mirroring the input's
// subject/session structure.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at outputRoot.
func NewFileStore(outputRoot string) *FileStore {
	return &FileStore{root: outputRoot}
}

func (f *FileStore) Layout(s models.Session) Layout {
	return Layout{
		Dir:  filepath.Join(f.root, s.Subject, s.ID),
		Base: models.VolumeBase(s.VolumePath),
	}
}

func (f *FileStore) LoadRaw(s models.Session) (*models.Volume, string, error) {
	if !s.HasVolume() {
		return nil, "", fmt.Errorf("%w: no volume for %s", ErrMissingInput, s.Key())
	}
	layout := f.Layout(s)
	if err := os.MkdirAll(layout.Dir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating %s: %w", layout.Dir, err)
	}

	dst := filepath.Join(layout.Dir, filepath.Base(s.VolumePath))
	if err := copy.Copy(s.VolumePath, dst); err != nil {
		return nil, "", fmt.Errorf("%w: copying %s: %v", ErrMissingInput, s.VolumePath, err)
	}
	v, err := nifti.ReadFile(dst)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	return v, dst, nil
}

func (f *FileStore) SaveVolume(path string, v *models.Volume, dt nifti.DataType) error {
	return nifti.WriteFile(path, v, dt)
}

func (f *FileStore) SaveTransform(path string, t *models.Transform) error {
	return writeYAML(path, t)
}

// LoadTransform reads a transform written by SaveTransform.
func LoadTransform(path string) (*models.Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := &models.Transform{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parsing transform %s: %w", path, err)
	}
	return t, nil
}

// Provenance is the on-disk record of how a session's final volume was
// produced.
type Provenance struct {
	Subject     string              `yaml:"subject"`
	Session     string              `yaml:"session"`
	Reference   bool                `yaml:"reference"`
	Chain       []*models.Transform `yaml:"chain"`
	MaskSpace   string              `yaml:"mask_space"`
	MaskVoxels  int                 `yaml:"mask_voxels"`
	Resamplings int                 `yaml:"resamplings"`
	Artifacts   models.Artifacts    `yaml:"artifacts"`
}

// NewProvenance summarizes a result.
func NewProvenance(res *models.NormalizationResult) Provenance {
	p := Provenance{
		Subject:     res.Session.Subject,
		Session:     res.Session.ID,
		Reference:   res.Reference,
		Chain:       res.Chain,
		Resamplings: res.Resamplings,
		Artifacts:   res.Artifacts,
	}
	if res.Mask != nil {
		p.MaskSpace = res.Mask.Space
		p.MaskVoxels = res.Mask.Count()
	}
	return p
}

func (f *FileStore) SaveProvenance(path string, res *models.NormalizationResult) error {
	return writeYAML(path, NewProvenance(res))
}

func writeYAML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0644)
}
