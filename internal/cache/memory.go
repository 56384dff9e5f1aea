package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-memory fallback used when local storage is broken
// (disk full, permissions). The session stays usable; durability is lost
// and the engine surfaces a persistent storage warning.
type Memory struct {
	mu    sync.Mutex
	state *State
	now   func() time.Time
}

// NewMemory creates an empty in-memory cache. seed, if non-nil, becomes
// the initial state — used when a previously-loaded state outlives a
// failing disk store.
func NewMemory(seed *State) *Memory {
	m := &Memory{now: time.Now}

	if seed != nil {
		m.state = seed.Clone()
	}

	return m
}

// Load returns the held state, or ErrNotFound when empty.
func (m *Memory) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil, ErrNotFound
	}

	return m.state.Clone(), nil
}

// Save replaces the held state.
func (m *Memory) Save(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = st.Clone()

	return nil
}

// MarkDirty flags the held state dirty.
func (m *Memory) MarkDirty(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil {
		m.state.Dirty = true
	}

	return nil
}

// MarkClean records a successful sync against the held state.
func (m *Memory) MarkClean(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil
	}

	m.state.Dirty = false
	m.state.RemoteTag = tag
	m.state.PendingError = ""
	m.state.LastSyncSuccess = m.now().UTC()

	if m.state.Doc != nil {
		m.state.Base = m.state.Doc.Clone()
	}

	return nil
}

// Close is a no-op; it exists so Memory satisfies the same surface as Store.
func (m *Memory) Close() error {
	return nil
}
