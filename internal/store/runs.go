package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
)

var ErrRunNotFound = errors.New("run not stored")

// RunRecord is the stored metadata of a run.
type RunRecord struct {
	ID         string           `json:"id"`
	Seed       uint32           `json:"seed"`
	Config     config.RunConfig `json:"config"`
	Status     string           `json:"status"`
	T          int              `json:"t"`
	Summary    world.Summary    `json:"summary"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// OnStart stores the run header.
func (s *Store) OnStart(ctx context.Context, header export.RunExport) error {
	cfgJSON, err := json.Marshal(header.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	agentsJSON, err := json.Marshal(header.Agents.Humans)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	edgesJSON, err := json.Marshal(header.InitialState.ImportanceEdges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, seed, schema_version, config, agents, initial_importance_edges, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'running')
		ON CONFLICT (id) DO NOTHING`,
		header.RunID, int64(header.Seed), header.SchemaVersion, cfgJSON, agentsJSON, edgesJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// OnFrame stores one frame and the running summary in a single transaction.
func (s *Store) OnFrame(ctx context.Context, runID string, frame world.StepFrame, summary world.Summary) error {
	frameJSON, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin frame tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO frames (run_id, t, frame) VALUES ($1, $2, $3)
		ON CONFLICT (run_id, t) DO NOTHING`,
		runID, frame.T, frameJSON,
	); err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	if err := upsertSummary(ctx, tx, runID, frame.T+1, summaryJSON); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// OnFinish marks the run finished and stores the final summary.
func (s *Store) OnFinish(ctx context.Context, doc export.RunExport) error {
	summaryJSON, err := json.Marshal(doc.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE runs SET status = 'finished', finished_at = now() WHERE id = $1`, doc.RunID,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if err := upsertSummary(ctx, tx, doc.RunID, len(doc.Timeline), summaryJSON); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertSummary(ctx context.Context, tx pgx.Tx, runID string, t int, summaryJSON []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO summaries (run_id, t, summary, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id) DO UPDATE SET t = EXCLUDED.t, summary = EXCLUDED.summary, updated_at = now()`,
		runID, t, summaryJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// GetRun returns the metadata and latest summary of a run.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		rec         RunRecord
		seed        int64
		cfgJSON     []byte
		summaryJSON []byte
		t           *int
	)
	err := s.db.QueryRow(ctx, `
		SELECT r.id, r.seed, r.config, r.status, r.created_at, r.finished_at, s.t, s.summary
		FROM runs r LEFT JOIN summaries s ON s.run_id = r.id
		WHERE r.id = $1`, id,
	).Scan(&rec.ID, &seed, &cfgJSON, &rec.Status, &rec.CreatedAt, &rec.FinishedAt, &t, &summaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	rec.Seed = uint32(seed)
	if err := json.Unmarshal(cfgJSON, &rec.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if t != nil {
		rec.T = *t
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &rec.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return &rec, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Frames returns frames with from <= t < to in order. A negative to means the
// end of the run.
func (s *Store) Frames(ctx context.Context, runID string, from, to int) ([]world.StepFrame, error) {
	if to < 0 {
		to = int(^uint32(0) >> 1)
	}
	rows, err := s.db.Query(ctx, `
		SELECT frame FROM frames
		WHERE run_id = $1 AND t >= $2 AND t < $3
		ORDER BY t ASC`, runID, from, to)
	if err != nil {
		return nil, fmt.Errorf("get frames: %w", err)
	}
	defer rows.Close()

	frames := []world.StepFrame{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		var f world.StepFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// LoadExport rebuilds the run document from stored rows.
func (s *Store) LoadExport(ctx context.Context, runID string) (export.RunExport, error) {
	var (
		doc        export.RunExport
		seed       int64
		cfgJSON    []byte
		agentsJSON []byte
		edgesJSON  []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT schema_version, seed, config, agents, initial_importance_edges
		FROM runs WHERE id = $1`, runID,
	).Scan(&doc.SchemaVersion, &seed, &cfgJSON, &agentsJSON, &edgesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return export.RunExport{}, fmt.Errorf("load run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return export.RunExport{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	doc.RunID = runID
	doc.Seed = uint32(seed)
	if err := json.Unmarshal(cfgJSON, &doc.Config); err != nil {
		return export.RunExport{}, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(agentsJSON, &doc.Agents.Humans); err != nil {
		return export.RunExport{}, fmt.Errorf("decode agents: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &doc.InitialState.ImportanceEdges); err != nil {
		return export.RunExport{}, fmt.Errorf("decode edges: %w", err)
	}

	if doc.Timeline, err = s.Frames(ctx, runID, 0, -1); err != nil {
		return export.RunExport{}, err
	}
	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		return export.RunExport{}, err
	}
	doc.Summary = rec.Summary
	return doc, nil
}

// DeleteRun removes a run and its frames.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}
