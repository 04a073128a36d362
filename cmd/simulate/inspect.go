package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/spf13/cobra"
)

// loadDocument reads a run document or a timeline archive.
func loadDocument(path string) (export.RunExport, error) {
	if strings.HasSuffix(path, ".zst") {
		return export.ReadArchive(path)
	}
	return export.ReadFile(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <run.json>",
		Short: "Validate a run document against the embedded schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var err error
			if strings.HasSuffix(path, ".zst") {
				var doc export.RunExport
				if doc, err = export.ReadArchive(path); err == nil {
					err = export.ValidateDocument(doc)
				}
			} else {
				var raw []byte
				if raw, err = os.ReadFile(path); err == nil {
					err = export.Validate(raw)
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (schema %s)\n", path, export.SchemaVersion)
			return nil
		},
	}
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <run.json|run.jsonl.zst>",
		Short: "Print the summary of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(out).Encode(doc.Summary)
			}
			s := doc.Summary
			fmt.Fprintf(out, "Run %s (seed %d, %d agents)\n", doc.RunID, doc.Seed, len(doc.Agents.Humans))
			fmt.Fprintf(out, "  steps:                 %d\n", s.Steps)
			fmt.Fprintf(out, "  messages:              %d\n", s.MessagesTotal)
			fmt.Fprintf(out, "  replies (human / AI):  %d / %d\n", s.RepliesByHuman, s.RepliesByAI)
			fmt.Fprintf(out, "  human ignores:         %d\n", s.IgnoresByHuman)
			fmt.Fprintf(out, "  direct human replies:  %d\n", s.DirectHumanHumanReplies)
			fmt.Fprintf(out, "  AI processed ratio:    %.4f\n", s.AIProcessedRatio)
			fmt.Fprintf(out, "  weak ties / pruned:    %d / %d\n", s.WeakTiesCount, s.WeakTiesPruned)
			fmt.Fprintf(out, "  bond mean:             %.4f\n", s.BondMean)
			return nil
		},
	}
}
