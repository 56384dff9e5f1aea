package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state without touching the network",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Role            string    `json:"role"`
	Login           string    `json:"login,omitempty"`
	RemoteTag       string    `json:"remote_tag,omitempty"`
	Dirty           bool      `json:"dirty"`
	LastSyncAttempt time.Time `json:"last_sync_attempt,omitzero"`
	LastSyncSuccess time.Time `json:"last_sync_success,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	StorageDegraded bool      `json:"storage_degraded,omitempty"`
	RateRemaining   int       `json:"rate_remaining,omitempty"`
	RateReset       time.Time `json:"rate_reset,omitzero"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := buildApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	identity, ok := a.auth.Current()
	snap := a.engine.GetState()

	out := statusOutput{
		Role:            roleName(identity, ok),
		Login:           identity.Login,
		RemoteTag:       snap.RemoteTag,
		Dirty:           snap.Dirty,
		LastSyncAttempt: snap.LastSyncAttempt,
		LastSyncSuccess: snap.LastSyncSuccess,
		StorageDegraded: snap.StorageDegraded,
	}

	if snap.Err != nil {
		out.LastError = snap.Err.Error()
	}

	// Budget is only known after a remote call in this process; stale
	// values are not worth a network round trip here.
	if b := a.store.Budget(); b.Known {
		out.RateRemaining = b.Remaining
		out.RateReset = b.Reset
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	fmt.Printf("Remote:       %s (%s)\n", resolvedCfg.Remote.Repo, resolvedCfg.Remote.Path)
	fmt.Printf("Role:         %s\n", out.Role)
	fmt.Printf("Version tag:  %s\n", orNone(out.RemoteTag))
	fmt.Printf("Local edits:  %s\n", pendingLabel(out.Dirty))
	fmt.Printf("Last success: %s\n", formatTime(out.LastSyncSuccess))

	if out.LastError != "" {
		fmt.Printf("Last error:   %s\n", out.LastError)
	}

	if !out.RateReset.IsZero() {
		fmt.Printf("Rate budget:  %d remaining, resets %s\n", out.RateRemaining, formatTime(out.RateReset))
	}

	if out.StorageDegraded {
		fmt.Println("Warning: local storage unavailable; state is held in memory only.")
	}

	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}

	return s
}

func pendingLabel(dirty bool) string {
	if dirty {
		return "pending upload"
	}

	return "none"
}
