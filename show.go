package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ossivalls/studysync/internal/document"
	"github.com/ossivalls/studysync/internal/view"
)

var (
	flagShowAs     string
	flagShowPublic bool
)

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the tracker at the current access level",
		Long: "Renders the local copy of the tracker. The access level follows the " +
			"logged-in identity; --public and --as preview what less privileged visitors see.",
		RunE: runShow,
	}

	cmd.Flags().BoolVar(&flagShowPublic, "public", false, "preview the anonymous public view")
	cmd.Flags().StringVar(&flagShowAs, "as", "", "preview as a lower access level (public or viewer)")

	return cmd
}

func runShow(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := buildApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	identity, ok := a.auth.Current()
	mode := view.ModeFor(identity, ok)

	if flagShowPublic {
		mode = view.ModePublic
	}

	switch flagShowAs {
	case "":
	case "public":
		mode = view.ModePublic
	case "viewer":
		if mode == view.ModeOwner {
			mode = view.ModeViewer
		}
	default:
		return fmt.Errorf("unknown access level %q (want public or viewer)", flagShowAs)
	}

	snap := a.engine.GetState()
	v := view.Render(snap.Doc, mode)

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	printView(v)

	return nil
}

func printView(v *view.View) {
	fmt.Printf("Progress: %d complete, %d partial, %d not started (%d subjects)\n",
		v.Counts.Complete, v.Counts.Partial, v.Counts.NotStarted, v.Counts.Total())
	fmt.Printf("Theme:    %s\n", v.Theme)

	if v.Progress == nil {
		return
	}

	// A subject can have a private record before any progress is logged;
	// list the union so nothing is hidden from the owner.
	seen := make(map[string]bool, len(v.Progress))
	for id := range v.Progress {
		seen[id] = true
	}

	for id := range v.Subjects {
		seen[id] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	rows := make([][]string, 0, len(ids))

	for _, id := range ids {
		status, tracked := v.Progress[id]
		if !tracked {
			status = document.StatusNotStarted
		}

		row := []string{id, string(status)}

		if v.Subjects != nil {
			row = append(row, v.Subjects[id].Goal)
		}

		rows = append(rows, row)
	}

	headers := []string{"SUBJECT", "STATUS"}
	if v.Subjects != nil {
		headers = append(headers, "GOAL")
	}

	fmt.Println()
	printTable(os.Stdout, headers, rows)

	if v.Subjects != nil {
		printNotepads(v.Subjects, ids)
	}
}

// printNotepads lists non-empty notepads after the table.
func printNotepads(subjects map[string]document.Subject, ids []string) {
	for _, id := range ids {
		if s := subjects[id]; s.Notepad != "" {
			fmt.Printf("\n[%s]\n%s\n", id, s.Notepad)
		}
	}
}
