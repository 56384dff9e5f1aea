// Package cache implements the durable on-device store for the sync state:
// the last-known document, its remote version tag (the optimistic
// concurrency fence), and the dirty marker. Backed by SQLite; a memory
// implementation covers sessions where local storage is broken.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/ossivalls/studysync/internal/document"
)

// ErrNotFound is returned by Load on a device that has never synced.
var ErrNotFound = errors.New("cache: no saved state")

// State is the persisted per-device sync state. Doc is the current local
// document (possibly diverged); Base is the snapshot taken at the last
// successful sync, the common ancestor for three-way merges. RemoteTag
// always matches the tag of the last successful remote read or write this
// device performed.
type State struct {
	Doc             *document.Document
	Base            *document.Document // nil before the first successful sync
	RemoteTag       string
	Dirty           bool
	LastSyncAttempt time.Time
	LastSyncSuccess time.Time
	PendingError    string
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s

	if s.Doc != nil {
		c.Doc = s.Doc.Clone()
	}

	if s.Base != nil {
		c.Base = s.Base.Clone()
	}

	return &c
}

// SQL statements for state operations. A single-row table (id = 1) holds
// the whole state; every write is one statement, so a crash can never
// leave the document without its fence token.
const (
	sqlLoadState = `SELECT document, base_document, remote_tag, dirty,
		last_attempt, last_success, pending_error
		FROM sync_state WHERE id = 1`

	sqlSaveState = `INSERT INTO sync_state
		(id, document, base_document, remote_tag, dirty,
		 last_attempt, last_success, pending_error, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 document = excluded.document,
		 base_document = excluded.base_document,
		 remote_tag = excluded.remote_tag,
		 dirty = excluded.dirty,
		 last_attempt = excluded.last_attempt,
		 last_success = excluded.last_success,
		 pending_error = excluded.pending_error,
		 updated_at = excluded.updated_at`

	sqlMarkDirty = `UPDATE sync_state SET dirty = 1, updated_at = ? WHERE id = 1`

	sqlMarkClean = `UPDATE sync_state SET dirty = 0, remote_tag = ?,
		base_document = document, pending_error = '',
		last_success = ?, updated_at = ? WHERE id = 1`
)

// Store is the SQLite-backed cache. Sole writer to the state database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use store. The database uses WAL mode with
// synchronous=FULL so a partial write can never survive a crash.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("cache initialized", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the saved state. Returns ErrNotFound on first run.
func (s *Store) Load(ctx context.Context) (*State, error) {
	var (
		docJSON, baseJSON, tag, pendingErr string
		dirty                              int
		lastAttempt, lastSuccess           int64
	)

	row := s.db.QueryRowContext(ctx, sqlLoadState)
	err := row.Scan(&docJSON, &baseJSON, &tag, &dirty, &lastAttempt, &lastSuccess, &pendingErr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("cache: loading state: %w", err)
	}

	doc, err := document.Decode([]byte(docJSON))
	if err != nil {
		return nil, fmt.Errorf("cache: decoding document: %w", err)
	}

	st := &State{
		Doc:          doc,
		RemoteTag:    tag,
		Dirty:        dirty != 0,
		PendingError: pendingErr,
	}

	if baseJSON != "" {
		base, baseErr := document.Decode([]byte(baseJSON))
		if baseErr != nil {
			return nil, fmt.Errorf("cache: decoding base document: %w", baseErr)
		}

		st.Base = base
	}

	if lastAttempt > 0 {
		st.LastSyncAttempt = time.Unix(lastAttempt, 0).UTC()
	}

	if lastSuccess > 0 {
		st.LastSyncSuccess = time.Unix(lastSuccess, 0).UTC()
	}

	return st, nil
}

// Save persists the full state in a single upsert. Atomic with respect to
// process crash: either the old row or the new row is visible, never a mix.
func (s *Store) Save(ctx context.Context, st *State) error {
	docJSON, err := document.Encode(st.Doc)
	if err != nil {
		return fmt.Errorf("cache: encoding document: %w", err)
	}

	var baseJSON []byte
	if st.Base != nil {
		baseJSON, err = document.Encode(st.Base)
		if err != nil {
			return fmt.Errorf("cache: encoding base document: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, sqlSaveState,
		string(docJSON), string(baseJSON), st.RemoteTag, boolToInt(st.Dirty),
		unixOrZero(st.LastSyncAttempt), unixOrZero(st.LastSyncSuccess),
		st.PendingError, s.nowFunc().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: saving state: %w", err)
	}

	return nil
}

// MarkDirty flags the local document as diverged from the last known
// remote revision.
func (s *Store) MarkDirty(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlMarkDirty, s.nowFunc().Unix()); err != nil {
		return fmt.Errorf("cache: marking dirty: %w", err)
	}

	return nil
}

// MarkClean records a fully successful sync in one statement: the stored
// document becomes the new merge base, the fence token advances to tag,
// and the dirty flag clears.
func (s *Store) MarkClean(ctx context.Context, tag string) error {
	now := s.nowFunc().Unix()
	if _, err := s.db.ExecContext(ctx, sqlMarkClean, tag, now, now); err != nil {
		return fmt.Errorf("cache: marking clean: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}
