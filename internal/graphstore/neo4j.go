// Package graphstore mirrors run relationship graphs into Neo4j so they can be
// explored with Cypher while a run is in progress.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

// Relationship labels.
const (
	RelImportance = "IMPORTANCE"
	RelBond       = "BOND"
)

// Store writes agents and graph snapshots to Neo4j. Nodes are keyed by
// (run_id, id) so several runs can share one database.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a Neo4j graph store and verifies connectivity.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	s := &Store{driver: driver, logger: logger}
	if err := s.ensureConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	logger.Info("Neo4j graph store connected", zap.String("uri", uri))
	return s, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) ensureConstraints(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE INDEX agent_run_id IF NOT EXISTS FOR (a:Agent) ON (a.run_id, a.id)`, nil)
	if err != nil {
		return fmt.Errorf("create agent index: %w", err)
	}
	return nil
}

// OnStart creates one :Agent node per roster member.
func (s *Store) OnStart(ctx context.Context, header export.RunExport) error {
	agents := make([]map[string]any, 0, len(header.Agents.Humans))
	for _, a := range header.Agents.Humans {
		agents = append(agents, map[string]any{
			"id":          a.ID,
			"type":        a.Type,
			"sociability": a.Traits.Sociability,
			"avoidance":   a.Traits.Avoidance,
			"curiosity":   a.Traits.Curiosity,
			"threshold":   a.AIDelegateThreshold,
			"aiStrength":  a.AIStrength,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`UNWIND $agents AS a
		 MERGE (n:Agent {run_id: $runId, id: a.id})
		 SET n.type = a.type, n.sociability = a.sociability, n.avoidance = a.avoidance,
		     n.curiosity = a.curiosity, n.ai_delegate_threshold = a.threshold,
		     n.ai_strength = a.aiStrength`,
		map[string]any{"runId": header.RunID, "agents": agents})
	if err != nil {
		return fmt.Errorf("merge agents: %w", err)
	}
	return nil
}

func (s *Store) OnFrame(context.Context, string, world.StepFrame, world.Summary) error { return nil }

func (s *Store) OnFinish(context.Context, export.RunExport) error { return nil }

// OnSnapshot replaces the run's edges with the snapshot in one transaction.
func (s *Store) OnSnapshot(ctx context.Context, runID string, snap world.GraphSnapshot) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH (:Agent {run_id: $runId})-[r:IMPORTANCE|BOND]->() DELETE r`,
			map[string]any{"runId": runID}); err != nil {
			return nil, err
		}
		if err := writeEdges(ctx, tx, runID, RelImportance, snap.T, snap.Importance); err != nil {
			return nil, err
		}
		return nil, writeEdges(ctx, tx, runID, RelBond, snap.T, snap.Bond)
	})
	if err != nil {
		return fmt.Errorf("write snapshot t=%d: %w", snap.T, err)
	}
	s.logger.Debug("graph snapshot written",
		zap.String("run_id", runID),
		zap.Int("t", snap.T),
		zap.Int("importance", len(snap.Importance)),
		zap.Int("bond", len(snap.Bond)))
	return nil
}

func writeEdges(ctx context.Context, tx neo4j.ManagedTransaction, runID, rel string, t int, edges []world.ImportanceEdge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		rows[i] = map[string]any{"from": e.From, "to": e.To, "value": e.Value}
	}
	// Relationship types cannot be parameterised; rel is one of the constants.
	_, err := tx.Run(ctx,
		`UNWIND $edges AS e
		 MATCH (a:Agent {run_id: $runId, id: e.from}), (b:Agent {run_id: $runId, id: e.to})
		 CREATE (a)-[:`+rel+` {value: e.value, t: $t}]->(b)`,
		map[string]any{"runId": runID, "edges": rows, "t": t})
	return err
}

// Edges reads back the stored edges of one relationship type for a run,
// ordered by source then target.
func (s *Store) Edges(ctx context.Context, runID, rel string) ([]world.ImportanceEdge, error) {
	if rel != RelImportance && rel != RelBond {
		return nil, fmt.Errorf("unknown relationship %q", rel)
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Agent {run_id: $runId})-[r:`+rel+`]->(b:Agent)
		 RETURN a.id AS from, b.id AS to, r.value AS value
		 ORDER BY from, to`,
		map[string]any{"runId": runID})
	if err != nil {
		return nil, fmt.Errorf("get edges: %w", err)
	}

	var edges []world.ImportanceEdge
	for result.Next(ctx) {
		rec := result.Record()
		from, _ := rec.Get("from")
		to, _ := rec.Get("to")
		value, _ := rec.Get("value")
		edges = append(edges, world.ImportanceEdge{
			From:  from.(string),
			To:    to.(string),
			Value: value.(float64),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("get edges: %w", err)
	}
	return edges, nil
}

// DeleteRun removes every node and edge of a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (a:Agent {run_id: $runId}) DETACH DELETE a`,
		map[string]any{"runId": runID})
	if err != nil {
		return fmt.Errorf("delete run graph: %w", err)
	}
	return nil
}
