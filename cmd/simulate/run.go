package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/population"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation to completion",
		Long: `Run a simulation from a seed and write its run document.

Examples:
  simulate run --seed 42 --out run.json
  simulate run --config tuning.yaml --steps 500 --archive run.jsonl.zst --validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetUint32("seed")
			steps, _ := cmd.Flags().GetInt("steps")
			cfgPath, _ := cmd.Flags().GetString("config")
			outPath, _ := cmd.Flags().GetString("out")
			archivePath, _ := cmd.Flags().GetString("archive")
			validate, _ := cmd.Flags().GetBool("validate")
			runID, _ := cmd.Flags().GetString("run-id")
			jsonOut, _ := cmd.Flags().GetBool("json")
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg := config.DefaultRunConfig()
			if cfgPath != "" {
				loaded, err := config.LoadRunConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("steps") {
				cfg.Steps = steps
			}
			if !cmd.Flags().Changed("seed") {
				seed = uint32(time.Now().UnixNano())
			}
			if runID == "" {
				runID = uuid.New().String()
			}

			logger := zap.NewNop()
			if verbose {
				logger, _ = zap.NewDevelopment()
				defer logger.Sync()
			}

			sim, _, edges, err := population.Build(cfg, seed, logger)
			if err != nil {
				return err
			}

			var archive *export.ArchiveWriter
			if archivePath != "" {
				archive, err = export.NewArchiveWriter(archivePath)
				if err != nil {
					return err
				}
				defer archive.Close()
				if err := archive.WriteHeader(export.Build(runID, seed, sim, edges).Header()); err != nil {
					return err
				}
			}

			for !sim.Done() {
				frame := sim.Step()
				if archive != nil {
					if err := archive.WriteFrame(frame); err != nil {
						return err
					}
				}
			}

			doc := export.Build(runID, seed, sim, edges)
			if archive != nil {
				if err := archive.WriteSummary(doc.Summary); err != nil {
					return err
				}
				if err := archive.Close(); err != nil {
					return err
				}
			}
			if validate {
				if err := export.ValidateDocument(doc); err != nil {
					return err
				}
			}

			if outPath != "" {
				if err := export.WriteFile(outPath, doc); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"run_id":  runID,
					"seed":    seed,
					"out":     outPath,
					"archive": archivePath,
					"summary": doc.Summary,
				})
			}
			if outPath == "" && archivePath == "" {
				return export.Write(out, doc)
			}
			fmt.Fprintf(out, "run %s (seed %d): %d steps, %d messages\n",
				runID, seed, doc.Summary.Steps, doc.Summary.MessagesTotal)
			if outPath != "" {
				fmt.Fprintf(out, "  document: %s\n", outPath)
			}
			if archivePath != "" {
				fmt.Fprintf(out, "  archive:  %s\n", archivePath)
			}
			return nil
		},
	}

	cmd.Flags().Uint32("seed", 0, "RNG seed (default: derived from the clock)")
	cmd.Flags().Int("steps", 0, "Override the configured number of steps")
	cmd.Flags().String("config", "", "Run config overlay (JSON or YAML)")
	cmd.Flags().String("out", "", "Write the run document to this file (default: stdout)")
	cmd.Flags().String("archive", "", "Also write a .jsonl.zst timeline archive")
	cmd.Flags().Bool("validate", false, "Validate the document against the run schema")
	cmd.Flags().String("run-id", "", "Run id to stamp on the document (default: random uuid)")
	return cmd
}
