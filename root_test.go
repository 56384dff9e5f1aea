package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/engine"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{
		"login", "logout", "whoami",
		"sync", "watch", "status", "show",
		"set", "theme", "note", "goal",
	}

	for _, name := range expected {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "subcommand %s", name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRoleName(t *testing.T) {
	assert.Equal(t, "public", roleName(auth.Identity{}, false))
	assert.Equal(t, "viewer", roleName(auth.Identity{Login: "guest"}, true))
	assert.Equal(t, "owner", roleName(auth.Identity{Login: "ossi", IsOwner: true}, true))
}

func TestSubjectIDNormalizesToNFC(t *testing.T) {
	// "café" typed with a combining accent must key the same map entry as
	// the composed form a decoded document carries.
	assert.Equal(t, "café", subjectID("café"))
	assert.Equal(t, "algebra", subjectID("algebra"))
}

func TestDescribeSnapshot(t *testing.T) {
	snap := engine.Snapshot{Status: engine.StatusSynced}
	assert.Equal(t, "synced", describeSnapshot(snap))

	snap = engine.Snapshot{
		Status:     engine.StatusConflictResolved,
		Dirty:      true,
		Collisions: []string{"theme"},
	}

	out := describeSnapshot(snap)
	assert.Contains(t, out, "conflict-resolved")
	assert.Contains(t, out, "local edits pending")
	assert.Contains(t, out, "1 field(s)")

	snap = engine.Snapshot{
		Status:    engine.StatusFailed,
		Err:       errors.New("rate limited"),
		NextRetry: time.Now().Add(time.Minute),
	}
	assert.Contains(t, describeSnapshot(snap), "rate limited")
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "(none)", orNone(""))
	assert.Equal(t, "tag-a", orNone("tag-a"))
	assert.Equal(t, "pending upload", pendingLabel(true))
	assert.Equal(t, "none", pendingLabel(false))
}
