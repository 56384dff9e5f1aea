package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ossivalls/studysync/internal/document"
)

// workingCopyDebounce coalesces editor save bursts (write + chmod + rename)
// into one import.
const workingCopyDebounce = 500 * time.Millisecond

// WorkingCopy mirrors the engine's document to a plain JSON file so it can
// be inspected and edited with ordinary tools. Exports flow from engine
// state changes; edits to the file flow back in as mutations.
type WorkingCopy struct {
	path   string
	engine *Engine
	logger *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWorkingCopy creates a working-copy mirror at path. Call Export for a
// one-shot write, or Watch to keep file and engine in both-way sync.
func NewWorkingCopy(path string, e *Engine, logger *slog.Logger) *WorkingCopy {
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkingCopy{path: path, engine: e, logger: logger}
}

// Export writes the engine's current document to the working-copy file.
// The write goes through a temp file and rename so readers never observe
// a torn document.
func (w *WorkingCopy) Export() error {
	snap := w.engine.GetState()

	content, err := json.MarshalIndent(snap.Doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding working copy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0700); err != nil {
		return fmt.Errorf("creating working copy directory: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(content, '\n'), 0600); err != nil {
		return fmt.Errorf("writing working copy: %w", err)
	}

	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replacing working copy: %w", err)
	}

	return nil
}

// Watch exports the document, then runs until ctx is canceled: engine
// state changes re-export the file, and external edits to the file are
// imported back as mutations. Our own exports round-trip through the
// watcher but are dropped by the no-change check, so the loop terminates.
func (w *WorkingCopy) Watch(ctx context.Context) error {
	if err := w.Export(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files via
	// rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching working copy directory: %w", err)
	}

	w.engine.Subscribe(func(snap Snapshot) {
		if snap.Status == StatusSyncing {
			return
		}

		if err := w.Export(); err != nil {
			w.logger.Warn("working copy export failed", slog.String("error", err.Error()))
		}
	})

	w.logger.Info("watching working copy", slog.String("path", w.path))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.scheduleImport()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

// scheduleImport arms the import debounce timer.
func (w *WorkingCopy) scheduleImport() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}

	w.debounce = time.AfterFunc(workingCopyDebounce, func() {
		if err := w.Import(); err != nil {
			w.logger.Warn("working copy import failed", slog.String("error", err.Error()))
		}
	})
}

// Import reads the working-copy file and applies it to the engine as a
// mutation. A missing or malformed file is skipped with a warning: a
// half-saved edit must not clobber the tracked state. Content identical
// to the engine's document is a no-op so export round-trips do not mark
// the state dirty.
func (w *WorkingCopy) Import() error {
	content, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading working copy: %w", err)
	}

	loaded, err := document.Decode(content)
	if err != nil {
		w.logger.Warn("working copy is not a valid document, ignoring edit",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	current := w.engine.GetState().Doc
	if sameContent(current, loaded) {
		return nil
	}

	w.logger.Info("importing working copy edits", slog.String("path", w.path))

	return w.engine.Mutate(func(d *document.Document) {
		d.Progress = loaded.Progress
		d.Subjects = loaded.Subjects
		d.Theme = loaded.Theme
		d.Extra = loaded.Extra
	})
}

// sameContent compares documents ignoring the modification stamp, which
// every export rewrites.
func sameContent(a, b *document.Document) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.LastModified, bc.LastModified = time.Time{}, time.Time{}

	return reflect.DeepEqual(ac, bc)
}
