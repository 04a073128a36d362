// Package export assembles, validates and archives run documents.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/world"
)

// SchemaVersion is stamped on every run document.
const SchemaVersion = "1.2.0"

// Agents wraps the roster.
type Agents struct {
	Humans []world.Agent `json:"humans"`
}

// InitialState is the importance graph the run started from.
type InitialState struct {
	ImportanceEdges []world.ImportanceEdge `json:"importance_edges"`
}

// RunExport is the complete record of one run.
type RunExport struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	Seed          uint32            `json:"seed"`
	Config        config.RunConfig  `json:"config"`
	Agents        Agents            `json:"agents"`
	InitialState  InitialState      `json:"initial_state"`
	Timeline      []world.StepFrame `json:"timeline"`
	Summary       world.Summary     `json:"summary"`
}

// Build snapshots a simulation into a run document. The summary's
// ai_processed_ratio is re-derived from its counters.
func Build(runID string, seed uint32, sim *world.Simulation, initialEdges []world.ImportanceEdge) RunExport {
	edges := make([]world.ImportanceEdge, len(initialEdges))
	copy(edges, initialEdges)

	summary := sim.Summary()
	summary.AIProcessedRatio = summary.DerivedAIRatio()

	return RunExport{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Seed:          seed,
		Config:        sim.Config(),
		Agents:        Agents{Humans: sim.Agents()},
		InitialState:  InitialState{ImportanceEdges: edges},
		Timeline:      sim.Timeline().Frames(),
		Summary:       summary,
	}
}

// Header returns a copy of doc without its timeline.
func (doc RunExport) Header() RunExport {
	doc.Timeline = []world.StepFrame{}
	return doc
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc RunExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode run document: %w", err)
	}
	return nil
}

// WriteFile writes doc to path.
func WriteFile(path string, doc RunExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create run document: %w", err)
	}
	if err := Write(f, doc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile loads a run document, validating it against the schema first.
func ReadFile(path string) (RunExport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunExport{}, fmt.Errorf("read run document: %w", err)
	}
	if err := Validate(raw); err != nil {
		return RunExport{}, err
	}
	var doc RunExport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return RunExport{}, fmt.Errorf("decode run document: %w", err)
	}
	return doc, nil
}
