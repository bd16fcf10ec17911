package catalog

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/data"

func newTestFs(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for _, f := range files {
		full := filepath.Join(root, f)
		require.NoError(t, fsys.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, afero.WriteFile(fsys, full, []byte("nifti"), 0644))
	}
	return fsys
}

func TestSessionsOrderedWithMissingVolume(t *testing.T) {
	fsys := newTestFs(t,
		"A/ses-03/anat/A_ses-03_T1w.nii.gz",
		"A/ses-02/A_ses-02_run-01_T1w.nii.gz",
		"A/ses-01/notes.txt",
	)
	c := New(fsys, root)

	sessions, err := c.SessionsFor("A")
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, "ses-01", sessions[0].ID)
	assert.False(t, sessions[0].HasVolume())
	assert.Equal(t, "ses-02", sessions[1].ID)
	assert.Equal(t, filepath.Join(root, "A/ses-02/A_ses-02_run-01_T1w.nii.gz"), sessions[1].VolumePath)
	assert.Equal(t, "ses-03", sessions[2].ID)
	assert.Equal(t, filepath.Join(root, "A/ses-03/anat/A_ses-03_T1w.nii.gz"), sessions[2].VolumePath)
	for _, s := range sessions {
		assert.Equal(t, "A", s.Subject)
	}
}

func TestLocateVolumeTieBreakIsLexicographic(t *testing.T) {
	fsys := newTestFs(t,
		"A/ses-01/A_ses-01_run-02_T1w.nii.gz",
		"A/ses-01/A_ses-01_run-01_T1w.nii.gz",
		"A/ses-01/b/A_ses-01_T1w.nii",
	)
	c := New(fsys, root)

	p, err := c.LocateVolume("A", "ses-01")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "A/ses-01/A_ses-01_run-01_T1w.nii.gz"), p)
}

func TestLocateVolumeIgnoresOtherSessionsAndModalities(t *testing.T) {
	fsys := newTestFs(t,
		"A/ses-01/A_ses-01_T2w.nii.gz",
		"A/ses-02/B_ses-02_T1w.nii.gz",
	)
	c := New(fsys, root)

	p, err := c.LocateVolume("A", "ses-01")
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = c.LocateVolume("A", "ses-02")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestLocateVolumeRejectsUnsafeIDs(t *testing.T) {
	c := New(newTestFs(t), root)
	for _, id := range []string{"", "..", "a/b", "x*"} {
		_, err := c.LocateVolume(id, "ses-01")
		assert.Error(t, err, "subject %q", id)
	}
}

func TestSubjectsSortedAndHiddenSkipped(t *testing.T) {
	fsys := newTestFs(t,
		"B/ses-01/B_ses-01_T1w.nii.gz",
		"A/ses-01/A_ses-01_T1w.nii.gz",
		".cache/x/y.txt",
	)
	ids, err := New(fsys, root).Subjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids)
}

func TestMissingSubjectHasNoSessions(t *testing.T) {
	sessions, err := New(newTestFs(t), root).SessionsFor("ghost")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionListOverridesDirectories(t *testing.T) {
	fsys := newTestFs(t,
		"A/ses-01/A_ses-01_T1w.nii.gz",
		"A/ses-02/A_ses-02_T1w.nii.gz",
	)
	listed, err := ReadSessionList(strings.NewReader(
		"subject_id,session_id,diagnosis\nA,ses-02,CN\nA,ses-00,CN\nA,ses-02,CN\n"))
	require.NoError(t, err)

	c := New(fsys, root).WithSessionList(listed)
	subj, err := c.Subject("A")
	require.NoError(t, err)
	require.Len(t, subj.Sessions, 2)
	assert.Equal(t, "ses-00", subj.Sessions[0].ID)
	assert.False(t, subj.Sessions[0].HasVolume())
	assert.Equal(t, "ses-02", subj.Sessions[1].ID)
	assert.True(t, subj.Sessions[1].HasVolume())

	ids, err := c.Subjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids)
}

func TestReadSessionListRequiresColumns(t *testing.T) {
	_, err := ReadSessionList(strings.NewReader("subject,session\nA,1\n"))
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	fsys := newTestFs(t,
		"sub-02/anat/sub-02_T1w.nii.gz",
		"sub-01/anat/sub-01_T1w.nii.gz",
		"sub-01/anat/sub-01_T2w.nii.gz",
	)
	found, err := New(fsys, root).Discover("**/*_" + VolumeSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "sub-01/anat/sub-01_T1w.nii.gz"),
		filepath.Join(root, "sub-02/anat/sub-02_T1w.nii.gz"),
	}, found)
}
