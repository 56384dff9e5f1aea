// Package view derives the UI-facing presentation mode from the current
// identity and redacts the document accordingly. Pure functions only:
// recomputed on every identity or document change, no state of its own.
package view

import (
	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/document"
)

// Mode is the access level of the current viewer.
type Mode string

// Access levels, least to most privileged.
const (
	// ModePublic is the anonymous view: aggregate progress counts only,
	// all private subject records stripped.
	ModePublic Mode = "public"
	// ModeViewer is an authenticated non-owner: per-subject progress and
	// theme visible, private records still stripped, no mutation.
	ModeViewer Mode = "viewer"
	// ModeOwner exposes everything and enables mutation entry points.
	ModeOwner Mode = "owner"
)

// CanEdit reports whether this mode may feed mutations into the cache.
func (m Mode) CanEdit() bool {
	return m == ModeOwner
}

// ModeFor maps an identity to its presentation mode. authenticated is
// false when no identity is available (logged out or expired).
func ModeFor(id auth.Identity, authenticated bool) Mode {
	switch {
	case !authenticated:
		return ModePublic
	case id.IsOwner:
		return ModeOwner
	default:
		return ModeViewer
	}
}

// Counts aggregates progress for the public view.
type Counts struct {
	NotStarted int `json:"notStarted"`
	Partial    int `json:"partial"`
	Complete   int `json:"complete"`
}

// Total returns the number of tracked subjects.
func (c Counts) Total() int {
	return c.NotStarted + c.Partial + c.Complete
}

// View is a redacted rendering of the document. Progress is nil in public
// mode; Subjects is nil in every mode except owner.
type View struct {
	Mode     Mode                        `json:"mode"`
	Theme    document.Theme              `json:"theme"`
	Counts   Counts                      `json:"counts"`
	Progress map[string]document.Status  `json:"progress,omitempty"`
	Subjects map[string]document.Subject `json:"subjects,omitempty"`
}

// Render produces the redacted view of doc for the given mode. The
// returned maps are copies; callers may not reach the live document.
func Render(doc *document.Document, mode Mode) *View {
	v := &View{
		Mode:   mode,
		Theme:  doc.Theme,
		Counts: countProgress(doc),
	}

	if mode == ModePublic {
		return v
	}

	v.Progress = make(map[string]document.Status, len(doc.Progress))
	for id, st := range doc.Progress {
		v.Progress[id] = st
	}

	if mode != ModeOwner {
		return v
	}

	clone := doc.Clone()
	v.Subjects = clone.Subjects

	return v
}

// countProgress collapses per-subject statuses into aggregate counts.
func countProgress(doc *document.Document) Counts {
	var c Counts

	for _, st := range doc.Progress {
		switch st {
		case document.StatusComplete:
			c.Complete++
		case document.StatusPartial:
			c.Partial++
		default:
			c.NotStarted++
		}
	}

	return c
}
