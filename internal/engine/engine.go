// Package engine orchestrates the load/merge/save cycle between the local
// cache and the remote document store. It owns the document lifecycle,
// schedules periodic and triggered sync attempts, and exposes the state
// surface the UI layer consumes. All remote failures are converted into
// state fields at this boundary; nothing below the engine ever surfaces a
// raw network error to the UI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/cache"
	"github.com/ossivalls/studysync/internal/document"
	"github.com/ossivalls/studysync/internal/remote"
)

// Scheduling defaults.
const (
	defaultPollInterval   = 5 * time.Minute
	defaultDebounce       = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second

	// retryBase and retryCap bound the failure backoff schedule.
	retryBase = 30 * time.Second
	retryCap  = 30 * time.Minute

	// defaultMinBudget is the remaining-rate-budget floor below which
	// non-forced syncs are deferred until the budget resets.
	defaultMinBudget = 4
)

// ErrClosed is returned by operations on a torn-down engine.
var ErrClosed = errors.New("engine: closed")

// Status is the engine's position in the sync state machine.
type Status int

// Sync states. The engine rests in Idle between attempts; Synced,
// ConflictResolved, and Failed describe the most recent completed attempt.
const (
	StatusIdle Status = iota
	StatusSyncing
	StatusSynced
	StatusConflictResolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusConflictResolved:
		return "conflict-resolved"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RemoteStore is the versioned-blob surface the engine drives.
// Satisfied by *remote.Store.
type RemoteStore interface {
	Get(ctx context.Context, path string) (content []byte, tag string, err error)
	Put(ctx context.Context, path string, content []byte, expectedTag string) (newTag string, err error)
	Budget() remote.Budget
}

// Cache is the durable local state surface. Satisfied by *cache.Store and
// *cache.Memory.
type Cache interface {
	Load(ctx context.Context) (*cache.State, error)
	Save(ctx context.Context, st *cache.State) error
	MarkDirty(ctx context.Context) error
	MarkClean(ctx context.Context, tag string) error
}

// Identities is the authenticator surface the engine consumes. Satisfied
// by *auth.Authenticator.
type Identities interface {
	Current() (auth.Identity, bool)
	OnChange(fn func(auth.Identity, bool))
}

// Config holds the options for New.
type Config struct {
	DocumentPath string // remote path of the synchronized document
	Store        RemoteStore
	Cache        Cache
	Auth         Identities
	Logger       *slog.Logger

	PollInterval   time.Duration // 0 → 5m
	Debounce       time.Duration // mutation debounce window (0 → 2s)
	RequestTimeout time.Duration // per network call (0 → 30s)
	MinBudget      int           // rate-budget floor for non-forced syncs (0 → 4)
}

// Snapshot is an immutable copy of the engine state handed to the UI.
// Doc is a deep copy; callers may render or diff it freely.
type Snapshot struct {
	Status          Status
	Doc             *document.Document
	RemoteTag       string
	Dirty           bool
	LastSyncAttempt time.Time
	LastSyncSuccess time.Time
	Collisions      []string
	Err             error
	NextRetry       time.Time
	StorageDegraded bool
	SchemaBlocked   bool
}

// Outcome summarizes a completed sync attempt.
type Outcome struct {
	Status     Status
	Collisions []string
	Err        error
}

// Engine is the synchronization orchestrator. One Engine per device
// process; attempts are strictly serialized (single-flight), and the
// remote version tag is the only cross-device ordering authority.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	store           Cache // swapped to cache.Memory when local storage breaks
	state           *cache.State
	status          Status
	lastErr         error
	collisions      []string
	attempt         uint64 // monotonic; stale results from old attempts are discarded
	mutGen          uint64 // bumped by Mutate; cycles detect edits that landed mid-flight
	failures        int
	nextRetry       time.Time
	closed          bool
	storageDegraded bool
	schemaBlocked   bool

	sf singleflight.Group

	timerMu    sync.Mutex
	debounce   *time.Timer
	retryTimer *time.Timer

	subsMu     sync.Mutex
	subs       []func(Snapshot)
	dispatchMu sync.Mutex

	nowFunc func() time.Time // injectable for deterministic tests
}

// New creates an Engine, loading the saved state from the cache. A broken
// cache degrades to in-memory state with a persistent warning instead of
// failing: losing sync durability must never lose the display.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Auth == nil {
		return nil, errors.New("engine: store, cache, and auth are required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		store:   cfg.Cache,
		status:  StatusIdle,
		nowFunc: time.Now,
	}

	st, err := cfg.Cache.Load(context.Background())

	switch {
	case errors.Is(err, cache.ErrNotFound):
		st = &cache.State{Doc: document.New()}
	case err != nil:
		cfg.Logger.Error("local cache unusable, continuing in memory for this session",
			slog.String("error", err.Error()),
		)

		st = &cache.State{Doc: document.New()}
		e.store = cache.NewMemory(st)
		e.storageDegraded = true
	}

	e.state = st

	// Re-evaluate write eligibility on every identity change; a fresh
	// login may unlock a pending dirty push.
	cfg.Auth.OnChange(func(id auth.Identity, ok bool) {
		e.logger.Info("identity changed, re-evaluating sync eligibility",
			slog.String("login", id.Login),
			slog.Bool("authenticated", ok),
			slog.Bool("is_owner", id.IsOwner),
		)

		e.Trigger()
	})

	return e, nil
}

// Close tears the engine down. In-flight attempts are not forcibly
// canceled; their results are discarded by the stale-result guard rather
// than applied to a torn-down cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	e.closed = true
	e.mu.Unlock()

	e.timerMu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
	}

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.timerMu.Unlock()

	if closer, ok := e.store.(interface{ Close() error }); ok {
		return closer.Close()
	}

	return nil
}

// GetState returns an immutable snapshot of the current engine state.
func (e *Engine) GetState() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshotLocked()
}

// snapshotLocked builds a Snapshot. Caller holds e.mu.
func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Status:          e.status,
		Doc:             e.state.Doc.Clone(),
		RemoteTag:       e.state.RemoteTag,
		Dirty:           e.state.Dirty,
		LastSyncAttempt: e.state.LastSyncAttempt,
		LastSyncSuccess: e.state.LastSyncSuccess,
		Collisions:      append([]string(nil), e.collisions...),
		Err:             e.lastErr,
		NextRetry:       e.nextRetry,
		StorageDegraded: e.storageDegraded,
		SchemaBlocked:   e.schemaBlocked,
	}
}

// Subscribe registers a state-change callback. Callbacks are dispatched
// serially from a single goroutine at a time; a callback never observes a
// document mutating underneath it.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	e.subs = append(e.subs, fn)
}

// notifyState dispatches the current snapshot to all subscribers.
func (e *Engine) notifyState() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.subsMu.Lock()
	subs := slices.Clone(e.subs)
	e.subsMu.Unlock()

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Mutate applies an updater to the local document, marks the state dirty,
// and schedules a debounced sync. The mutation is optimistic: it is
// visible (and persisted) immediately, reconciled with the remote on the
// next successful cycle.
func (e *Engine) Mutate(fn func(*document.Document)) error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}

	fn(e.state.Doc)
	e.state.Doc.Touch(e.nowFunc())
	e.state.Dirty = true
	e.mutGen++
	st := e.state.Clone()
	e.mu.Unlock()

	e.persist(st)
	e.notifyState()
	e.scheduleDebounced()

	return nil
}

// persist writes the state to the local cache, degrading to in-memory
// storage for the rest of the session on failure.
func (e *Engine) persist(st *cache.State) {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()

	err := store.Save(context.Background(), st)
	if err == nil {
		return
	}

	e.logger.Error("local persistence failed, continuing in memory for this session",
		slog.String("error", err.Error()),
	)

	mem := cache.NewMemory(st)

	e.mu.Lock()
	e.store = mem
	e.storageDegraded = true
	e.mu.Unlock()
}

// Trigger requests a sync attempt. Cheap and non-blocking: concurrent
// triggers collapse into the in-flight attempt, triggers during a failure
// backoff window are dropped, and the periodic timer, mutation debounce,
// push notifications, and manual requests all arrive here.
func (e *Engine) Trigger() {
	e.mu.Lock()

	if e.closed || e.schemaBlocked {
		e.mu.Unlock()
		return
	}

	if now := e.nowFunc(); now.Before(e.nextRetry) {
		e.logger.Debug("sync trigger suppressed during backoff",
			slog.Time("next_retry", e.nextRetry),
		)
		e.mu.Unlock()

		return
	}
	e.mu.Unlock()

	go func() {
		_, _, _ = e.sf.Do("sync", func() (any, error) {
			return e.runCycle(context.Background(), false), nil
		})
	}()
}

// ForceSync runs a sync attempt and waits for its outcome. Bypasses the
// backoff window and the proactive budget floor — this is the
// user-actionable "retry sync" affordance. Joins any in-flight attempt
// rather than queueing behind it.
func (e *Engine) ForceSync(ctx context.Context) Outcome {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{Status: StatusFailed, Err: ErrClosed}
	}

	// A manual retry clears the backoff gate even if the attempt is joined.
	e.nextRetry = time.Time{}
	e.mu.Unlock()

	v, _, _ := e.sf.Do("sync", func() (any, error) {
		return e.runCycle(ctx, true), nil
	})

	outcome, ok := v.(Outcome)
	if !ok {
		return Outcome{Status: StatusFailed, Err: errors.New("engine: unexpected sync result")}
	}

	return outcome
}

// scheduleDebounced arms (or re-arms) the mutation debounce timer.
func (e *Engine) scheduleDebounced() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.debounce != nil {
		e.debounce.Stop()
	}

	e.debounce = time.AfterFunc(e.debounceWindow(), e.Trigger)
}

// scheduleRetry arms the retry timer for the current backoff deadline.
func (e *Engine) scheduleRetry(at time.Time) {
	d := at.Sub(e.nowFunc())
	if d < 0 {
		d = 0
	}

	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}

	e.retryTimer = time.AfterFunc(d, e.Trigger)
}

// Run drives the periodic sync loop until ctx is canceled: an immediate
// initial attempt, then one trigger per poll interval. Failure retries are
// scheduled separately by the backoff timer.
func (e *Engine) Run(ctx context.Context) error {
	e.Trigger()

	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Trigger()
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.PollInterval > 0 {
		return e.cfg.PollInterval
	}

	return defaultPollInterval
}

func (e *Engine) debounceWindow() time.Duration {
	if e.cfg.Debounce > 0 {
		return e.cfg.Debounce
	}

	return defaultDebounce
}

func (e *Engine) requestTimeout() time.Duration {
	if e.cfg.RequestTimeout > 0 {
		return e.cfg.RequestTimeout
	}

	return defaultRequestTimeout
}

func (e *Engine) minBudget() int {
	if e.cfg.MinBudget > 0 {
		return e.cfg.MinBudget
	}

	return defaultMinBudget
}

// backoffFor computes the exponential failure backoff (base 30s, cap 30m).
func backoffFor(failures int) time.Duration {
	d := retryBase

	for i := 1; i < failures; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}

	return d
}
