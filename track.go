package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/ossivalls/studysync/internal/document"
	"github.com/ossivalls/studysync/internal/engine"
	"github.com/ossivalls/studysync/internal/view"
)

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <subject> <not-started|partial|complete>",
		Short: "Set the progress status of a subject",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}
}

func newThemeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "theme <light|dark>",
		Short: "Set the display theme",
		Args:  cobra.ExactArgs(1),
		RunE:  runTheme,
	}
}

var (
	flagNoteResources []string
	flagNoteProjects  []string
)

func newNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note <subject> [text]",
		Short: "Edit a subject's private record",
		Long: "Replaces the subject's notepad with the given text (stdin when omitted " +
			"and no flags are set). --resource and --project append to the subject's lists.",
		Args: cobra.RangeArgs(1, 2),
		RunE: runNote,
	}

	cmd.Flags().StringArrayVar(&flagNoteResources, "resource", nil, "append a resource link (repeatable)")
	cmd.Flags().StringArrayVar(&flagNoteProjects, "project", nil, "append a project (repeatable)")

	return cmd
}

func newGoalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goal <subject> <text>",
		Short: "Set a subject's goal",
		Args:  cobra.ExactArgs(2),
		RunE:  runGoal,
	}
}

// subjectID normalizes a subject argument to NFC, matching how decoded
// document keys are normalized, so an edit keys the same entry no matter
// how the terminal composed the input.
func subjectID(arg string) string {
	return norm.NFC.String(arg)
}

func runSet(_ *cobra.Command, args []string) error {
	subject, status := subjectID(args[0]), document.Status(args[1])

	if !status.Valid() {
		return fmt.Errorf("invalid status %q (want not-started, partial, or complete)", args[1])
	}

	return applyEdit(func(d *document.Document) {
		d.Progress[subject] = status
	})
}

func runTheme(_ *cobra.Command, args []string) error {
	theme := document.Theme(args[0])
	if !theme.Valid() {
		return fmt.Errorf("invalid theme %q (want light or dark)", args[0])
	}

	return applyEdit(func(d *document.Document) {
		d.Theme = theme
	})
}

func runNote(_ *cobra.Command, args []string) error {
	subject := subjectID(args[0])
	flagsOnly := len(args) == 1 && (len(flagNoteResources) > 0 || len(flagNoteProjects) > 0)

	var (
		text    string
		setText bool
	)

	switch {
	case len(args) == 2:
		text, setText = args[1], true
	case flagsOnly:
		// Appending resources or projects leaves the notepad alone.
	default:
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading note from stdin: %w", err)
		}

		text, setText = strings.TrimRight(string(content), "\n"), true
	}

	return applyEdit(func(d *document.Document) {
		s := d.Subject(subject)

		if setText {
			s.Notepad = text
		}

		s.Resources = append(s.Resources, flagNoteResources...)
		s.Projects = append(s.Projects, flagNoteProjects...)
		d.Subjects[subject] = s
	})
}

func runGoal(_ *cobra.Command, args []string) error {
	subject, goal := subjectID(args[0]), args[1]

	return applyEdit(func(d *document.Document) {
		s := d.Subject(subject)
		s.Goal = goal
		d.Subjects[subject] = s
	})
}

// applyEdit wires the app, checks edit rights, applies the mutation, and
// pushes it with a best-effort immediate sync. A failed push is not an
// error: the edit is already durable locally and retries on its own.
func applyEdit(fn func(*document.Document)) error {
	logger := buildLogger()

	a, err := buildApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	identity, ok := a.auth.Current()
	if !view.ModeFor(identity, ok).CanEdit() {
		return errors.New("editing requires the owner account — run 'studysync login'")
	}

	if err := a.engine.Mutate(fn); err != nil {
		return err
	}

	outcome := a.engine.ForceSync(context.Background())

	switch {
	case outcome.Err != nil:
		statusf("Saved locally; sync failed (%v). Will retry.\n", outcome.Err)
	case outcome.Status == engine.StatusConflictResolved:
		statusf("Saved; concurrent edits resolved by last writer wins.\n")
	default:
		statusf("Saved.\n")
	}

	return nil
}
