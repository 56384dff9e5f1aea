// Package merge implements the three-way conflict resolver. Policy:
// field-level last-writer-wins. A leaf changed on only one side since the
// common base takes the changed side; a leaf changed on both sides to
// different values goes to the document whose lastModified is later, and
// the collision is recorded. Collisions never block the merge.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/ossivalls/studysync/internal/document"
)

// ErrIncompatibleSchema is returned when either input document carries a
// schema version newer than this build can read. Fatal for the sync
// attempt only; the app keeps serving the cached document.
var ErrIncompatibleSchema = errors.New("merge: document schema version not supported")

// Result is the outcome of a merge. Collisions lists the paths of leaves
// both sides changed since base, in traversal order; they are
// informational and already resolved in Merged.
type Result struct {
	Merged     *document.Document
	Collisions []string
}

// merger accumulates collision paths while walking the document.
type merger struct {
	localWins  bool
	collisions []string
}

// Resolve merges local and remote against base (local's last known remote
// snapshot). localTag and remoteTag are the fence tokens of the two sides:
// equal tags mean the remote never advanced and local wins outright with
// no merge. A nil base (first sync) is treated as an empty document.
func Resolve(base, local, remote *document.Document, localTag, remoteTag string) (*Result, error) {
	if local.SchemaVersion > document.SchemaVersionMax {
		return nil, fmt.Errorf("%w: local version %d, max supported %d",
			ErrIncompatibleSchema, local.SchemaVersion, document.SchemaVersionMax)
	}

	if remote.SchemaVersion > document.SchemaVersionMax {
		return nil, fmt.Errorf("%w: remote version %d, max supported %d",
			ErrIncompatibleSchema, remote.SchemaVersion, document.SchemaVersionMax)
	}

	if localTag == remoteTag {
		return &Result{Merged: local.Clone()}, nil
	}

	if base == nil {
		base = &document.Document{}
	}

	// Ties go to remote: the version tag is the only cross-device ordering
	// authority, and the remote side already holds a committed revision.
	m := &merger{localWins: local.LastModified.After(remote.LastModified)}

	merged := document.New()
	merged.Theme = pick(m, "theme", base.Theme, local.Theme, remote.Theme)
	m.mergeProgress(merged, base, local, remote)
	m.mergeSubjects(merged, base, local, remote)
	m.mergeExtra(merged, base, local, remote)

	merged.LastModified = local.LastModified
	if remote.LastModified.After(merged.LastModified) {
		merged.LastModified = remote.LastModified
	}

	merged.SchemaVersion = max(local.SchemaVersion, remote.SchemaVersion)

	return &Result{Merged: merged, Collisions: m.collisions}, nil
}

// pick applies the per-leaf policy: one-sided changes win, two-sided
// identical changes are accepted silently, and genuine collisions resolve
// to the later writer and are recorded.
func pick[T any](m *merger, path string, base, local, remote T) T {
	localChanged := !reflect.DeepEqual(base, local)
	remoteChanged := !reflect.DeepEqual(base, remote)

	switch {
	case !remoteChanged:
		return local
	case !localChanged:
		return remote
	case reflect.DeepEqual(local, remote):
		return local
	default:
		m.collisions = append(m.collisions, path)

		if m.localWins {
			return local
		}

		return remote
	}
}

// mergeProgress merges the progress map entry by entry. An empty status
// means the entry is absent on that side, so deletions participate in the
// same one-sided/LWW policy as edits.
func (m *merger) mergeProgress(merged, base, local, remote *document.Document) {
	for _, id := range unionKeys(base.Progress, local.Progress, remote.Progress) {
		st := pick(m, "progress."+id, base.Progress[id], local.Progress[id], remote.Progress[id])
		if st != "" {
			merged.Progress[id] = st
		}
	}
}

// mergeSubjects merges private records. When both sides still hold the
// subject, each sub-field is its own leaf; when either side deleted it,
// the whole entry is the leaf.
func (m *merger) mergeSubjects(merged, base, local, remote *document.Document) {
	for _, id := range unionKeys(base.Subjects, local.Subjects, remote.Subjects) {
		ls, lok := local.Subjects[id]
		rs, rok := remote.Subjects[id]

		if lok && rok {
			bs := base.Subjects[id] // zero Subject when the entry is new on both sides
			prefix := "subjects." + id + "."

			merged.Subjects[id] = document.Subject{
				Goal:      pick(m, prefix+"goal", bs.Goal, ls.Goal, rs.Goal),
				Resources: pick(m, prefix+"resources", bs.Resources, ls.Resources, rs.Resources),
				Projects:  pick(m, prefix+"projects", bs.Projects, ls.Projects, rs.Projects),
				Notepad:   pick(m, prefix+"notepad", bs.Notepad, ls.Notepad, rs.Notepad),
			}

			continue
		}

		if s := pick(m, "subjects."+id, subjectPtr(base, id), subjectPtr(local, id), subjectPtr(remote, id)); s != nil {
			merged.Subjects[id] = *s
		}
	}
}

// mergeExtra carries unknown top-level fields through the merge under the
// same policy, so newer schemas survive older devices.
func (m *merger) mergeExtra(merged, base, local, remote *document.Document) {
	for _, k := range unionKeys(base.Extra, local.Extra, remote.Extra) {
		v := pick(m, k, base.Extra[k], local.Extra[k], remote.Extra[k])
		if v != nil {
			if merged.Extra == nil {
				merged.Extra = make(map[string]json.RawMessage)
			}

			merged.Extra[k] = v
		}
	}
}

// subjectPtr returns the subject entry as a pointer, nil when absent.
func subjectPtr(d *document.Document, id string) *document.Subject {
	if s, ok := d.Subjects[id]; ok {
		return &s
	}

	return nil
}

// unionKeys returns the sorted union of the keys of all given maps, so
// collision order is deterministic across devices.
func unionKeys[V any](ms ...map[string]V) []string {
	seen := make(map[string]struct{})

	for _, m := range ms {
		for k := range m {
			seen[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
