package view

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/document"
)

func sampleDoc() *document.Document {
	d := document.New()
	d.Theme = document.ThemeDark
	d.Progress["a"] = document.StatusComplete
	d.Progress["b"] = document.StatusPartial
	d.Progress["c"] = document.StatusNotStarted
	d.Subjects["a"] = document.Subject{Goal: "secret goal", Notepad: "secret notes"}

	return d
}

func TestModeFor(t *testing.T) {
	tests := []struct {
		name          string
		id            auth.Identity
		authenticated bool
		want          Mode
	}{
		{"logged out", auth.Identity{}, false, ModePublic},
		{"authenticated non-owner", auth.Identity{Login: "bob"}, true, ModeViewer},
		{"owner", auth.Identity{Login: "alice", IsOwner: true}, true, ModeOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModeFor(tt.id, tt.authenticated))
		})
	}
}

func TestPublicViewStripsEverythingPrivate(t *testing.T) {
	v := Render(sampleDoc(), ModePublic)

	assert.Nil(t, v.Progress, "public view exposes aggregate counts only")
	assert.Nil(t, v.Subjects)
	assert.Equal(t, Counts{NotStarted: 1, Partial: 1, Complete: 1}, v.Counts)
	assert.Equal(t, 3, v.Counts.Total())
	assert.Equal(t, document.ThemeDark, v.Theme)
}

func TestViewerSeesProgressButNotSubjects(t *testing.T) {
	v := Render(sampleDoc(), ModeViewer)

	assert.Equal(t, document.StatusComplete, v.Progress["a"])
	assert.Nil(t, v.Subjects)
	assert.False(t, ModeViewer.CanEdit())
}

func TestOwnerSeesEverything(t *testing.T) {
	v := Render(sampleDoc(), ModeOwner)

	assert.Equal(t, "secret goal", v.Subjects["a"].Goal)
	assert.True(t, ModeOwner.CanEdit())
}

func TestRenderCopiesDoNotAliasDocument(t *testing.T) {
	doc := sampleDoc()
	v := Render(doc, ModeOwner)

	v.Progress["a"] = document.StatusNotStarted
	s := v.Subjects["a"]
	s.Notepad = "tampered"
	v.Subjects["a"] = s

	assert.Equal(t, document.StatusComplete, doc.Progress["a"])
	assert.Equal(t, "secret notes", doc.Subjects["a"].Notepad)
}
