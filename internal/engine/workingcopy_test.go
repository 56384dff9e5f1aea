package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossivalls/studysync/internal/document"
)

func newTestWorkingCopy(t *testing.T) (*WorkingCopy, *Engine) {
	t.Helper()

	e := newTestEngine(t, &fakeStore{}, ownerAuth(), nil)
	path := filepath.Join(t.TempDir(), "studies.json")

	return NewWorkingCopy(path, e, testLogger()), e
}

func TestWorkingCopyExportRoundTrips(t *testing.T) {
	w, e := newTestWorkingCopy(t)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusComplete
		d.Theme = document.ThemeDark
	}))

	require.NoError(t, w.Export())

	content, err := os.ReadFile(w.path)
	require.NoError(t, err)

	loaded, err := document.Decode(content)
	require.NoError(t, err)
	assert.Equal(t, document.StatusComplete, loaded.Progress["2026-08-31"])
	assert.Equal(t, document.ThemeDark, loaded.Theme)
}

func TestWorkingCopyImportAppliesEdits(t *testing.T) {
	w, e := newTestWorkingCopy(t)

	require.NoError(t, w.Export())

	edited := document.New()
	edited.Progress["2026-08-30"] = document.StatusPartial
	edited.Subjects["calc-1"] = document.Subject{Goal: "finish chapter 4"}

	content, err := json.MarshalIndent(edited, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.path, content, 0600))

	require.NoError(t, w.Import())

	snap := e.GetState()
	assert.True(t, snap.Dirty)
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-30"])
	assert.Equal(t, "finish chapter 4", snap.Doc.Subjects["calc-1"].Goal)
}

func TestWorkingCopyImportOfOwnExportIsNoOp(t *testing.T) {
	w, e := newTestWorkingCopy(t)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusComplete
	}))
	require.NoError(t, e.ForceSync(context.Background()).Err)
	require.NoError(t, w.Export())

	require.False(t, e.GetState().Dirty)
	require.NoError(t, w.Import())
	assert.False(t, e.GetState().Dirty, "re-importing our own export must not dirty the state")
}

func TestWorkingCopyImportSkipsCorruptFile(t *testing.T) {
	w, e := newTestWorkingCopy(t)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Theme = document.ThemeDark
	}))
	require.NoError(t, os.WriteFile(w.path, []byte("{ not json"), 0600))

	require.NoError(t, w.Import(), "a half-saved edit is skipped, not fatal")
	assert.Equal(t, document.ThemeDark, e.GetState().Doc.Theme)
}

func TestWorkingCopyImportMissingFileIsNoOp(t *testing.T) {
	w, _ := newTestWorkingCopy(t)

	require.NoError(t, w.Import())
}
