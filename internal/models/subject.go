package models

import (
	"path/filepath"
	"sort"
	"strings"
)

// Session is one imaging visit of a subject.
type Session struct {
	// ID orders sessions: a larger identifier means a later acquisition
	ID string

	// Subject is the parent subject identifier
	Subject string

	// VolumePath is the raw T1w volume; empty when no scan was located
	VolumePath string
}

// HasVolume reports whether the catalog located a raw volume for the session.
func (s Session) HasVolume() bool {
	return s.VolumePath != ""
}

// Key returns "subject/session", the identifier used in logs and records.
func (s Session) Key() string {
	return s.Subject + "/" + s.ID
}

// Subject is a participant with its sessions in ascending identifier order.
type Subject struct {
	ID       string
	Sessions []Session
}

// SortSessions orders sessions ascending by identifier.
func SortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
}

// VolumeBase strips the directory and the .nii / .nii.gz extension from a
// volume path.
func VolumeBase(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

// Artifacts lists the files written for one session. Empty fields were not
// produced.
type Artifacts struct {
	RawCopy      string `yaml:"raw_copy,omitempty"`
	Template     string `yaml:"template,omitempty"`
	Transform    string `yaml:"transform,omitempty"`
	NativeMask   string `yaml:"native_mask,omitempty"`
	TemplateMask string `yaml:"template_mask,omitempty"`
	Final        string `yaml:"final,omitempty"`
	Provenance   string `yaml:"provenance,omitempty"`
}

// NormalizationResult is the terminal artifact of a session: the
// bias-corrected, masked, template-space volume plus how it was made.
type NormalizationResult struct {
	Session   Session
	Reference bool

	// Volume is the final template-space image
	Volume *Volume

	// Chain is the transform chain the raw volume was resampled through
	Chain Chain

	// Mask is the subject mask applied to Volume
	Mask *Mask

	// Resamplings counts resampling passes applied to the raw volume
	Resamplings int

	Artifacts Artifacts
}

// SkippedSession records a session that produced no result and why.
type SkippedSession struct {
	Session Session
	Err     error
}

// SubjectReport summarizes the processing of one subject.
type SubjectReport struct {
	Subject   string
	State     string
	Reference string
	Results   []*NormalizationResult
	Skipped   []SkippedSession

	// Err is the fatal error that aborted the subject, if any
	Err error
}

// Aborted reports whether the subject ended in the aborted state.
func (r *SubjectReport) Aborted() bool {
	return r.Err != nil
}

// Sessions returns the identifiers of sessions that produced a result.
func (r *SubjectReport) Sessions() []string {
	ids := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		ids = append(ids, res.Session.ID)
	}
	return ids
}
