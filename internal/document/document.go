// Package document defines the synchronized tracker document: per-subject
// progress and private records, plus the metadata fields the sync engine
// keys merges on. Unknown top-level JSON fields survive a load-merge-save
// cycle verbatim so older builds never strip data written by newer ones.
package document

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status is the tracked completion state of a single subject.
type Status string

// Valid progress statuses.
const (
	StatusNotStarted Status = "not-started"
	StatusPartial    Status = "partial"
	StatusComplete   Status = "complete"
)

// Valid reports whether s is one of the known progress statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusPartial, StatusComplete:
		return true
	default:
		return false
	}
}

// Theme is the UI color scheme preference stored alongside user content.
type Theme string

// Valid themes.
const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Valid reports whether t is one of the known themes.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

// Schema version bounds. SchemaVersion is the version written by this
// build; SchemaVersionMax is the newest version this build can still read
// and merge. Documents beyond SchemaVersionMax are refused by the resolver.
const (
	SchemaVersion    = 1
	SchemaVersionMax = 1
)

// Subject holds the private per-subject record. All fields are redacted
// from the public view.
type Subject struct {
	Goal      string   `json:"goal"`
	Resources []string `json:"resources"`
	Projects  []string `json:"projects"`
	Notepad   string   `json:"notepad"`
}

// clone returns a deep copy of the subject.
func (s Subject) clone() Subject {
	c := s
	c.Resources = append([]string(nil), s.Resources...)
	c.Projects = append([]string(nil), s.Projects...)

	return c
}

// Document is the single synchronized unit. The remote version tag is
// deliberately not part of the document: it belongs to the sync state, not
// to user content.
type Document struct {
	Progress      map[string]Status
	Subjects      map[string]Subject
	Theme         Theme
	LastModified  time.Time
	SchemaVersion int

	// Extra preserves unknown top-level fields byte-for-byte.
	Extra map[string]json.RawMessage
}

// Reserved top-level keys. Everything else round-trips through Extra.
const (
	keyProgress      = "progress"
	keySubjects      = "subjects"
	keyTheme         = "theme"
	keyLastModified  = "lastModified"
	keySchemaVersion = "schemaVersion"
)

// New returns an empty document at the current schema version.
func New() *Document {
	return &Document{
		Progress:      make(map[string]Status),
		Subjects:      make(map[string]Subject),
		Theme:         ThemeLight,
		SchemaVersion: SchemaVersion,
	}
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	c := &Document{
		Theme:         d.Theme,
		LastModified:  d.LastModified,
		SchemaVersion: d.SchemaVersion,
		Progress:      make(map[string]Status, len(d.Progress)),
		Subjects:      make(map[string]Subject, len(d.Subjects)),
	}

	for id, st := range d.Progress {
		c.Progress[id] = st
	}

	for id, s := range d.Subjects {
		c.Subjects[id] = s.clone()
	}

	if d.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}

	return c
}

// Touch sets LastModified. The writer stamps the document on every local
// mutation so the resolver can order concurrent edits across devices.
func (d *Document) Touch(now time.Time) {
	d.LastModified = now.UTC().Truncate(time.Second)
}

// Subject returns the private record for id, creating an empty one in the
// map if absent. Callers must reassign after modifying the returned value.
func (d *Document) Subject(id string) Subject {
	if s, ok := d.Subjects[id]; ok {
		return s
	}

	return Subject{}
}

// MarshalJSON encodes the document with ISO-8601 lastModified and unknown
// fields emitted at the top level. Keys are sorted by encoding/json's map
// ordering, so output is deterministic.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+5)

	for k, v := range d.Extra {
		out[k] = v
	}

	progress := d.Progress
	if progress == nil {
		progress = map[string]Status{}
	}

	subjects := d.Subjects
	if subjects == nil {
		subjects = map[string]Subject{}
	}

	fields := map[string]any{
		keyProgress:      progress,
		keySubjects:      subjects,
		keyTheme:         d.Theme,
		keyLastModified:  d.LastModified.UTC().Format(time.RFC3339),
		keySchemaVersion: d.SchemaVersion,
	}

	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("document: encoding %s: %w", k, err)
		}

		out[k] = raw
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes a document, normalizing subject IDs to NFC so the
// same subject edited on different platforms keys identically, and stashing
// unrecognized top-level fields in Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("document: decoding: %w", err)
	}

	*d = Document{
		Progress: make(map[string]Status),
		Subjects: make(map[string]Subject),
	}

	for k, v := range raw {
		var err error

		switch k {
		case keyProgress:
			err = d.decodeProgress(v)
		case keySubjects:
			err = d.decodeSubjects(v)
		case keyTheme:
			err = d.decodeTheme(v)
		case keyLastModified:
			err = d.decodeLastModified(v)
		case keySchemaVersion:
			err = json.Unmarshal(v, &d.SchemaVersion)
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}

			d.Extra[k] = append(json.RawMessage(nil), v...)
		}

		if err != nil {
			return fmt.Errorf("document: decoding %s: %w", k, err)
		}
	}

	return nil
}

func (d *Document) decodeProgress(data []byte) error {
	var m map[string]Status
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for id, st := range m {
		d.Progress[norm.NFC.String(id)] = st
	}

	return nil
}

func (d *Document) decodeSubjects(data []byte) error {
	var m map[string]Subject
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for id, s := range m {
		d.Subjects[norm.NFC.String(id)] = s
	}

	return nil
}

// decodeTheme rejects unknown theme values by falling back to light, so a
// hand-edited file cannot push an unrenderable theme through a merge.
func (d *Document) decodeTheme(data []byte) error {
	var t Theme
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}

	if !t.Valid() {
		t = ThemeLight
	}

	d.Theme = t

	return nil
}

func (d *Document) decodeLastModified(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	if s == "" {
		d.LastModified = time.Time{}
		return nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}

	d.LastModified = t.UTC()

	return nil
}

// Decode parses content into a Document.
func Decode(content []byte) (*Document, error) {
	d := New()
	if err := json.Unmarshal(content, d); err != nil {
		return nil, err
	}

	return d, nil
}

// Encode serializes the document for storage or transfer.
func Encode(d *Document) ([]byte, error) {
	return json.Marshal(d)
}
