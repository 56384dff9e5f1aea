package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/cache"
	"github.com/ossivalls/studysync/internal/document"
	"github.com/ossivalls/studysync/internal/remote"
)

const testPath = "data/studies.json"

// fakeStore is a scripted in-memory remote. Each Put bumps the tag and
// rejects stale expected tags with a version conflict, mirroring the real
// store's optimistic concurrency contract.
type fakeStore struct {
	mu      sync.Mutex
	content []byte
	tag     string
	seq     int
	budget  remote.Budget

	getErrs []error // consumed in order, nil slots succeed
	putErrs []error

	// afterGet fires once after the next successful Get, simulating a
	// competing device publishing between our fetch and our put.
	afterGet func()

	gets int
	puts int
}

func (f *fakeStore) Get(_ context.Context, _ string) ([]byte, string, error) {
	f.mu.Lock()

	f.gets++

	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]

		if err != nil {
			f.mu.Unlock()
			return nil, "", err
		}
	}

	if f.content == nil {
		f.mu.Unlock()
		return nil, "", &remote.StoreError{StatusCode: 404, Err: remote.ErrNotFound}
	}

	content := append([]byte(nil), f.content...)
	tag := f.tag
	hook := f.afterGet
	f.afterGet = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	return content, tag, nil
}

func (f *fakeStore) Put(_ context.Context, _ string, content []byte, expectedTag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts++

	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]

		if err != nil {
			return "", err
		}
	}

	if expectedTag != f.tag {
		return "", &remote.StoreError{StatusCode: 409, Err: remote.ErrVersionConflict}
	}

	f.seq++
	f.tag = tagN(f.seq)
	f.content = append([]byte(nil), content...)

	return f.tag, nil
}

func (f *fakeStore) Budget() remote.Budget {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.budget
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.puts
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.gets
}

// setRemote replaces the remote content out of band, simulating another
// device's publish.
func (f *fakeStore) setRemote(t *testing.T, doc *document.Document) string {
	t.Helper()

	content, err := document.Encode(doc)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.tag = tagN(f.seq)
	f.content = content

	return f.tag
}

func tagN(n int) string {
	return "tag-" + string(rune('a'+n-1))
}

type fakeAuth struct {
	mu  sync.Mutex
	id  auth.Identity
	ok  bool
	fns []func(auth.Identity, bool)
}

func (f *fakeAuth) Current() (auth.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.id, f.ok
}

func (f *fakeAuth) OnChange(fn func(auth.Identity, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fns = append(f.fns, fn)
}

func (f *fakeAuth) set(id auth.Identity, ok bool) {
	f.mu.Lock()
	f.id = id
	f.ok = ok
	fns := slices.Clone(f.fns)
	f.mu.Unlock()

	for _, fn := range fns {
		fn(id, ok)
	}
}

func ownerAuth() *fakeAuth {
	return &fakeAuth{id: auth.Identity{Login: "ossi", IsOwner: true}, ok: true}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store *fakeStore, ids Identities, seed *cache.State) *Engine {
	t.Helper()

	e, err := New(Config{
		DocumentPath: testPath,
		Store:        store,
		Cache:        cache.NewMemory(seed),
		Auth:         ids,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestFreshDeviceFreshRemoteDoesNotPublish(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, ownerAuth(), nil)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)
	assert.Zero(t, store.putCount(), "an empty document should not spend a write")
	assert.Empty(t, e.GetState().RemoteTag)
}

func TestMutatePublishesAndMarksClean(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusComplete
	}))

	assert.True(t, e.GetState().Dirty)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)

	snap := e.GetState()
	assert.False(t, snap.Dirty)
	assert.Equal(t, "tag-a", snap.RemoteTag)
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-31"])
	assert.Equal(t, 1, store.putCount())
}

func TestMutateDuringSyncCycleIsNotLost(t *testing.T) {
	store := &fakeStore{}

	theirs := document.New()
	theirs.Touch(time.Now().Add(-time.Hour))
	store.setRemote(t, theirs)

	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-30"] = document.StatusComplete
	}))

	// A second edit lands while the cycle sits between its fetch and its
	// put; completing the cycle must not discard it.
	store.mu.Lock()
	store.afterGet = func() {
		require.NoError(t, e.Mutate(func(d *document.Document) {
			d.Progress["2026-08-31"] = document.StatusPartial
		}))
	}
	store.mu.Unlock()

	outcome := e.ForceSync(context.Background())
	require.NoError(t, outcome.Err)

	snap := e.GetState()
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-30"])
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-31"], "the mid-cycle edit must survive")
	assert.True(t, snap.Dirty, "the mid-cycle edit is still pending")

	// The pending edit converges on the next cycle.
	require.NoError(t, e.ForceSync(context.Background()).Err)

	snap = e.GetState()
	assert.False(t, snap.Dirty)
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-31"])
	assert.Equal(t, 2, store.putCount())
}

func TestReplayedPublishResultIsIdempotent(t *testing.T) {
	// A crash after the remote accepted a put but before the cache was
	// marked clean leaves a dirty state whose content already matches the
	// remote. The next cycle must adopt the existing result as-is, not
	// publish or merge it a second time.
	published := document.New()
	published.Progress["2026-08-30"] = document.StatusComplete
	published.Subjects["calc-1"] = document.Subject{Resources: []string{"textbook"}}
	published.Touch(time.Now())

	base := document.New()
	base.Touch(time.Now().Add(-time.Hour))

	content, err := document.Encode(published)
	require.NoError(t, err)

	store := &fakeStore{content: content, tag: "tag-b", seq: 2}
	seed := &cache.State{Doc: published.Clone(), Base: base, RemoteTag: "tag-a", Dirty: true}

	e := newTestEngine(t, store, ownerAuth(), seed)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)
	assert.Zero(t, store.putCount(), "replaying an already-accepted result must not write again")

	snap := e.GetState()
	assert.False(t, snap.Dirty)
	assert.Equal(t, "tag-b", snap.RemoteTag)

	recoded, err := document.Encode(snap.Doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(recoded), "applying the result twice leaves the document unchanged")

	// A further cycle over the same state is a pure read.
	require.NoError(t, e.ForceSync(context.Background()).Err)
	assert.Zero(t, store.putCount())
}

func TestSecondSyncWithNoChangesIsReadOnly(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Theme = document.ThemeDark
	}))
	require.NoError(t, e.ForceSync(context.Background()).Err)

	before := store.putCount()
	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)
	assert.Equal(t, before, store.putCount(), "an unchanged state must not publish")
}

func TestRemoteOnlyChangeIsAdopted(t *testing.T) {
	store := &fakeStore{}

	theirs := document.New()
	theirs.Progress["2026-08-30"] = document.StatusPartial
	theirs.Touch(time.Now())
	tag := store.setRemote(t, theirs)

	e := newTestEngine(t, store, ownerAuth(), nil)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)

	snap := e.GetState()
	assert.Equal(t, tag, snap.RemoteTag)
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-30"])
	assert.Zero(t, store.putCount(), "adopting remote changes must not publish")
}

func TestVersionConflictRetriesOnceWithRemerge(t *testing.T) {
	store := &fakeStore{}

	theirs := document.New()
	theirs.Progress["2026-08-29"] = document.StatusComplete
	theirs.Touch(time.Now().Add(-time.Hour))
	store.setRemote(t, theirs)

	e := newTestEngine(t, store, ownerAuth(), nil)
	require.NoError(t, e.ForceSync(context.Background()).Err)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusPartial
	}))

	// Another device publishes between our fetch and our put, so the
	// first put lands on a stale tag and is rejected.
	updated := theirs.Clone()
	updated.Progress["2026-08-30"] = document.StatusComplete
	updated.Touch(time.Now().Add(-time.Minute))

	store.mu.Lock()
	store.afterGet = func() { store.setRemote(t, updated) }
	store.mu.Unlock()

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)

	snap := e.GetState()
	assert.False(t, snap.Dirty)
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-29"])
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-30"], "the interloping edit must survive the re-merge")
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-31"])
	assert.Equal(t, 2, store.putCount(), "exactly one conflict retry")
}

func TestPersistentVersionConflictFailsAfterOneRetry(t *testing.T) {
	conflict := &remote.StoreError{StatusCode: 409, Err: remote.ErrVersionConflict}
	store := &fakeStore{putErrs: []error{conflict, conflict}}

	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Theme = document.ThemeDark
	}))

	outcome := e.ForceSync(context.Background())

	require.Error(t, outcome.Err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, remote.ErrVersionConflict)
	assert.Equal(t, 2, store.putCount())

	snap := e.GetState()
	assert.True(t, snap.Dirty, "local edits stay pending after a failed publish")
	assert.False(t, snap.NextRetry.IsZero())
}

func TestNonOwnerNeverPublishes(t *testing.T) {
	store := &fakeStore{}

	theirs := document.New()
	theirs.Progress["2026-08-30"] = document.StatusComplete
	theirs.Touch(time.Now())
	tag := store.setRemote(t, theirs)

	viewer := &fakeAuth{id: auth.Identity{Login: "guest"}, ok: true}
	e := newTestEngine(t, store, viewer, nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusPartial
	}))

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Zero(t, store.putCount(), "a non-owner session must never write")
	assert.Equal(t, StatusConflictResolved, outcome.Status, "a merge held back from the remote is not fully synced")

	snap := e.GetState()
	assert.True(t, snap.Dirty, "local edits stay pending for a future owner session")
	assert.Equal(t, tag, snap.RemoteTag)
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-30"])
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-31"])
}

func TestConcurrentEditsSurfaceCollisions(t *testing.T) {
	store := &fakeStore{}

	base := document.New()
	base.Subjects["calc-1"] = document.Subject{Notepad: "original"}
	base.Touch(time.Now().Add(-time.Hour))
	store.setRemote(t, base)

	e := newTestEngine(t, store, ownerAuth(), nil)
	require.NoError(t, e.ForceSync(context.Background()).Err)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		s := d.Subjects["calc-1"]
		s.Notepad = "ours"
		d.Subjects["calc-1"] = s
	}))

	theirs := base.Clone()
	s := theirs.Subjects["calc-1"]
	s.Notepad = "theirs"
	theirs.Subjects["calc-1"] = s
	theirs.Touch(time.Now().Add(-time.Minute))
	store.setRemote(t, theirs)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusConflictResolved, outcome.Status)
	assert.Equal(t, []string{"subjects.calc-1.notepad"}, outcome.Collisions)
	assert.Equal(t, "ours", e.GetState().Doc.Subjects["calc-1"].Notepad, "the later edit wins")
}

func TestRateLimitDeadlineSuppressesTriggers(t *testing.T) {
	store := &fakeStore{getErrs: []error{
		&remote.RateLimitError{RetryAfter: time.Hour},
	}}

	e := newTestEngine(t, store, ownerAuth(), nil)

	outcome := e.ForceSync(context.Background())

	require.Error(t, outcome.Err)
	assert.ErrorIs(t, outcome.Err, remote.ErrRateLimited)

	snap := e.GetState()
	assert.True(t, snap.NextRetry.After(time.Now().Add(30*time.Minute)), "the server deadline outranks the backoff schedule")

	gets := store.getCount()
	e.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, gets, store.getCount(), "triggers inside the backoff window are dropped")
}

func TestLowBudgetDefersNonForcedSync(t *testing.T) {
	reset := time.Now().Add(20 * time.Minute)
	store := &fakeStore{budget: remote.Budget{Remaining: 2, Reset: reset, Known: true}}

	e := newTestEngine(t, store, ownerAuth(), nil)

	e.Trigger()
	assert.Eventually(t, func() bool {
		return e.GetState().Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	assert.Zero(t, store.getCount(), "a low budget defers before any network call")
	assert.ErrorIs(t, e.GetState().Err, remote.ErrRateLimited)
}

func TestForceSyncBypassesBudgetFloorAndBackoff(t *testing.T) {
	store := &fakeStore{budget: remote.Budget{Remaining: 1, Reset: time.Now().Add(time.Hour), Known: true}}

	e := newTestEngine(t, store, ownerAuth(), nil)

	e.Trigger()
	assert.Eventually(t, func() bool {
		return e.GetState().Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSynced, outcome.Status)
}

func TestNetworkFailureKeepsLocalStateAndBacksOff(t *testing.T) {
	netErr := &remote.StoreError{Err: remote.ErrNetwork, Message: "connection refused"}
	store := &fakeStore{getErrs: []error{netErr}}

	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusPartial
	}))

	outcome := e.ForceSync(context.Background())

	require.Error(t, outcome.Err)
	assert.ErrorIs(t, outcome.Err, remote.ErrNetwork)

	snap := e.GetState()
	assert.True(t, snap.Dirty)
	assert.Equal(t, document.StatusPartial, snap.Doc.Progress["2026-08-31"], "offline edits survive failed syncs")

	// Connectivity returns: the pending edit converges.
	outcome = e.ForceSync(context.Background())
	require.NoError(t, outcome.Err)
	assert.False(t, e.GetState().Dirty)
	assert.Equal(t, 1, store.putCount())
}

func TestRevokedWriteAccessDowngradesSilently(t *testing.T) {
	store := &fakeStore{putErrs: []error{
		&remote.StoreError{StatusCode: 403, Err: remote.ErrUnauthorized},
	}}

	theirs := document.New()
	theirs.Touch(time.Now().Add(-time.Hour))
	store.setRemote(t, theirs)

	e := newTestEngine(t, store, ownerAuth(), nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Theme = document.ThemeDark
	}))

	outcome := e.ForceSync(context.Background())

	require.NoError(t, outcome.Err, "a revoked write is not a sync failure")
	assert.Equal(t, StatusConflictResolved, outcome.Status)
	assert.True(t, e.GetState().Dirty, "edits stay pending after the downgrade")
}

func TestIncompatibleSchemaDisablesSync(t *testing.T) {
	store := &fakeStore{}

	future := document.New()
	future.SchemaVersion = document.SchemaVersionMax + 1
	future.Touch(time.Now())
	store.setRemote(t, future)

	e := newTestEngine(t, store, ownerAuth(), nil)

	outcome := e.ForceSync(context.Background())

	require.Error(t, outcome.Err)
	assert.True(t, e.GetState().SchemaBlocked)

	gets := store.getCount()
	e.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, gets, store.getCount(), "no further network calls once the schema blocks sync")
}

func TestLoginTriggersPendingPush(t *testing.T) {
	store := &fakeStore{}
	ids := &fakeAuth{}

	e := newTestEngine(t, store, ids, nil)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Progress["2026-08-31"] = document.StatusComplete
	}))
	require.NoError(t, e.ForceSync(context.Background()).Err)
	require.Zero(t, store.putCount())

	ids.set(auth.Identity{Login: "ossi", IsOwner: true}, true)

	assert.Eventually(t, func() bool {
		return !e.GetState().Dirty
	}, 2*time.Second, 10*time.Millisecond, "logging in as owner should push the pending edits")
	assert.Equal(t, 1, store.putCount())
}

func TestSubscribersSeeStateTransitions(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, ownerAuth(), nil)

	var (
		mu       sync.Mutex
		statuses []Status
	)

	e.Subscribe(func(snap Snapshot) {
		mu.Lock()
		statuses = append(statuses, snap.Status)
		mu.Unlock()
	})

	require.NoError(t, e.ForceSync(context.Background()).Err)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusSyncing, statuses[0])
	assert.Equal(t, StatusSynced, statuses[len(statuses)-1])
}

func TestMutateAfterCloseFails(t *testing.T) {
	e := newTestEngine(t, &fakeStore{}, ownerAuth(), nil)

	require.NoError(t, e.Close())

	err := e.Mutate(func(*document.Document) {})
	assert.ErrorIs(t, err, ErrClosed)

	outcome := e.ForceSync(context.Background())
	assert.ErrorIs(t, outcome.Err, ErrClosed)
}

func TestStateSurvivesFromSeededCache(t *testing.T) {
	doc := document.New()
	doc.Progress["2026-08-28"] = document.StatusComplete
	doc.Touch(time.Now())

	seed := &cache.State{Doc: doc, Base: doc.Clone(), RemoteTag: "tag-a", Dirty: false}

	content, err := document.Encode(doc)
	require.NoError(t, err)

	store := &fakeStore{content: content, tag: "tag-a", seq: 1}

	e := newTestEngine(t, store, ownerAuth(), seed)

	snap := e.GetState()
	assert.Equal(t, "tag-a", snap.RemoteTag)
	assert.Equal(t, document.StatusComplete, snap.Doc.Progress["2026-08-28"])

	outcome := e.ForceSync(context.Background())
	require.NoError(t, outcome.Err)
	assert.Zero(t, store.putCount())
}

func TestBrokenCacheDegradesToMemory(t *testing.T) {
	e, err := New(Config{
		DocumentPath: testPath,
		Store:        &fakeStore{},
		Cache:        failingCache{},
		Auth:         ownerAuth(),
		Logger:       testLogger(),
	})
	require.NoError(t, err, "a broken cache must not prevent startup")
	t.Cleanup(func() { _ = e.Close() })

	assert.True(t, e.GetState().StorageDegraded)

	require.NoError(t, e.Mutate(func(d *document.Document) {
		d.Theme = document.ThemeDark
	}))
	assert.Equal(t, document.ThemeDark, e.GetState().Doc.Theme)
}

type failingCache struct{}

var errDisk = errors.New("disk unavailable")

func (failingCache) Load(context.Context) (*cache.State, error) { return nil, errDisk }
func (failingCache) Save(context.Context, *cache.State) error   { return errDisk }
func (failingCache) MarkDirty(context.Context) error            { return errDisk }
func (failingCache) MarkClean(context.Context, string) error    { return errDisk }
