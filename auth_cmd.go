package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ossivalls/studysync/internal/auth"
	"github.com/ossivalls/studysync/internal/remote"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the document host using device code flow",
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session and return to public read-only access",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the authenticated user and access level",
		RunE:  runWhoami,
	}
}

func runLogin(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	authn := newAuthenticator(resolvedCfg, logger)

	identity, err := authn.Login(context.Background(), func(da auth.DeviceAuth) {
		// Device code prompts must always be visible — not suppressed by --quiet.
		fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
		fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
	})
	if err != nil {
		return err
	}

	logger.Info("login successful", "login", identity.Login, "is_owner", identity.IsOwner)

	if identity.IsOwner {
		statusf("Logged in as %s (owner — edits will sync).\n", identity.Login)
	} else {
		statusf("Logged in as %s (viewer — read-only sync).\n", identity.Login)
	}

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	authn := newAuthenticator(resolvedCfg, logger)

	if err := authn.Logout(); err != nil {
		return err
	}

	statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Login         string `json:"login"`
	Authenticated bool   `json:"authenticated"`
	Role          string `json:"role"`
	Verified      bool   `json:"verified"`
}

func runWhoami(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	authn := newAuthenticator(resolvedCfg, logger)

	identity, ok := authn.Current()

	out := whoamiOutput{
		Login:         identity.Login,
		Authenticated: ok,
		Role:          roleName(identity, ok),
	}

	// Verify the stored session against the live API; a revoked token
	// should surface here, not on the next sync.
	if ok {
		client := remote.NewClient(
			resolvedCfg.Remote.API,
			&http.Client{Timeout: resolvedCfg.Network.TimeoutDuration()},
			authn,
			logger,
		)

		login, err := remote.UserLogin(context.Background(), client)

		switch {
		case err != nil:
			out.Verified = false
			statusf("Warning: could not verify session: %v\n", err)
		case login != identity.Login:
			out.Verified = false
			statusf("Warning: session now belongs to %s; run 'studysync login' again.\n", login)
		default:
			out.Verified = true
		}
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if !ok {
		fmt.Println("Not logged in (public read-only access).")
		return nil
	}

	fmt.Printf("Logged in as %s (%s).\n", out.Login, out.Role)

	return nil
}

func roleName(identity auth.Identity, ok bool) string {
	switch {
	case !ok:
		return "public"
	case identity.IsOwner:
		return "owner"
	default:
		return "viewer"
	}
}
