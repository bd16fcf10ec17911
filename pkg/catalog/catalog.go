// Package catalog enumerates subjects and sessions from a subject/session
// directory tree and locates each session's raw T1-weighted volume.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"mrilongnorm/internal/models"
)

// VolumeSuffix matches the accepted raw volume file endings.
const VolumeSuffix = "T1w.nii{,.gz}"

// Catalog is a read-only view of an input tree laid out as
// <root>/<subject>/<session>/.../<subject>_<session>*T1w.nii.gz.
type Catalog struct {
	fs   afero.Fs
	root string
	iofs fs.FS

	// listed optionally replaces directory enumeration with explicit
	// subject -> session lists
	listed map[string][]string
}

// New returns a catalog rooted at root on the given filesystem.
func New(fsys afero.Fs, root string) *Catalog {
	return &Catalog{
		fs:   fsys,
		root: root,
		iofs: afero.NewIOFS(afero.NewBasePathFs(fsys, root)),
	}
}

// NewOS returns a catalog over the local filesystem.
func NewOS(root string) *Catalog {
	return New(afero.NewOsFs(), root)
}

// WithSessionList restricts enumeration to the given subject -> sessions
// listing, typically read from a sessions CSV.
func (c *Catalog) WithSessionList(listed map[string][]string) *Catalog {
	c.listed = listed
	return c
}

// Root returns the catalog root directory.
func (c *Catalog) Root() string {
	return c.root
}

// Subjects returns subject identifiers in ascending order.
func (c *Catalog) Subjects() ([]string, error) {
	if c.listed != nil {
		ids := make([]string, 0, len(c.listed))
		for id := range c.listed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}
	return c.dirs(".")
}

// Subject returns the subject with its sessions ordered ascending by
// identifier. Sessions without a located volume are included with an
// empty VolumePath.
func (c *Catalog) Subject(id string) (models.Subject, error) {
	sessions, err := c.SessionsFor(id)
	if err != nil {
		return models.Subject{}, err
	}
	return models.Subject{ID: id, Sessions: sessions}, nil
}

// SessionsFor returns the sessions of a subject, ordered ascending by
// session identifier, each with its located volume (if any).
func (c *Catalog) SessionsFor(subject string) ([]models.Session, error) {
	var ids []string
	if c.listed != nil {
		ids = append(ids, c.listed[subject]...)
	} else {
		var err error
		ids, err = c.dirs(subject)
		if err != nil {
			return nil, err
		}
	}

	sessions := make([]models.Session, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := c.LocateVolume(subject, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, models.Session{ID: id, Subject: subject, VolumePath: p})
	}
	models.SortSessions(sessions)
	return sessions, nil
}

// LocateVolume searches the subject directory recursively for
// <subject>_<session>*T1w.nii[.gz]. When several files match, the
// lexicographically first path wins. An empty string with a nil error means
// the session has no scan.
func (c *Catalog) LocateVolume(subject, session string) (string, error) {
	if err := validID(subject); err != nil {
		return "", err
	}
	if err := validID(session); err != nil {
		return "", err
	}

	pattern := path.Join(subject, "**", subject+"_"+session+"*"+VolumeSuffix)
	matches, err := doublestar.Glob(c.iofs, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("searching volumes for %s/%s: %w", subject, session, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return filepath.Join(c.root, filepath.FromSlash(matches[0])), nil
}

// Discover returns every file under the root matching a doublestar pattern,
// sorted.
func (c *Catalog) Discover(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(c.iofs, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = filepath.Join(c.root, filepath.FromSlash(m))
	}
	return out, nil
}

// dirs lists the immediate subdirectories of rel, sorted. A missing
// directory is an empty listing.
func (c *Catalog) dirs(rel string) ([]string, error) {
	infos, err := afero.ReadDir(c.fs, filepath.Join(c.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	var ids []string
	for _, info := range infos {
		if info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
			ids = append(ids, info.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// validID rejects identifiers that would escape the tree or act as glob
// syntax.
func validID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid identifier %q", id)
	}
	if strings.ContainsAny(id, `/\*?[]{}`) {
		return fmt.Errorf("identifier %q contains path or glob characters", id)
	}
	return nil
}
