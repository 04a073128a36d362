// Package indexdb keeps a local SQLite index of runs so they can be listed
// across restarts without a database server.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not indexed")

// Entry is one indexed run.
type Entry struct {
	RunID            string     `json:"run_id"`
	Seed             uint32     `json:"seed"`
	Agents           int        `json:"agents"`
	Steps            int        `json:"steps"`
	T                int        `json:"t"`
	Status           string     `json:"status"`
	MessagesTotal    int        `json:"messages_total"`
	RepliesTotal     int        `json:"replies_total"`
	AIProcessedRatio float64    `json:"ai_processed_ratio"`
	BondMean         float64    `json:"bond_mean"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Index is a SQLite-backed run index. It implements the runner sink methods.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the index at path.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("open index: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("run index opened", zap.String("path", path))
	return &Index{db: db, logger: logger}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			t INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			messages_total INTEGER NOT NULL DEFAULT 0,
			replies_total INTEGER NOT NULL DEFAULT 0,
			ai_processed_ratio REAL NOT NULL DEFAULT 0,
			bond_mean REAL NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS runs_created_idx ON runs(created_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) OnStart(ctx context.Context, header export.RunExport) error {
	cfg, err := json.Marshal(header.Config)
	if err != nil {
		return fmt.Errorf("index run: %w", err)
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, seed, agents, steps, status, config_json, created_at)
		 VALUES (?, ?, ?, ?, 'running', ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		header.RunID, int64(header.Seed), len(header.Agents.Humans), header.Config.Steps,
		string(cfg), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("index run: %w", err)
	}
	return nil
}

func (x *Index) OnFrame(ctx context.Context, runID string, frame world.StepFrame, s world.Summary) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE runs SET t = ?, messages_total = ?, replies_total = ?, ai_processed_ratio = ?, bond_mean = ?
		 WHERE run_id = ?`,
		frame.T+1, s.MessagesTotal, s.RepliesTotal, s.DerivedAIRatio(), s.BondMean, runID)
	if err != nil {
		return fmt.Errorf("index frame: %w", err)
	}
	return nil
}

func (x *Index) OnFinish(ctx context.Context, doc export.RunExport) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE runs SET status = 'finished', t = ?, messages_total = ?, replies_total = ?,
		 ai_processed_ratio = ?, bond_mean = ?, finished_at = ? WHERE run_id = ?`,
		len(doc.Timeline), doc.Summary.MessagesTotal, doc.Summary.RepliesTotal,
		doc.Summary.AIProcessedRatio, doc.Summary.BondMean, time.Now().UnixMilli(), doc.RunID)
	if err != nil {
		return fmt.Errorf("index finish: %w", err)
	}
	return nil
}

const selectEntry = `SELECT run_id, seed, agents, steps, t, status, messages_total, replies_total,
	ai_processed_ratio, bond_mean, created_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		seed     int64
		created  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&e.RunID, &seed, &e.Agents, &e.Steps, &e.T, &e.Status, &e.MessagesTotal,
		&e.RepliesTotal, &e.AIProcessedRatio, &e.BondMean, &created, &finished); err != nil {
		return Entry{}, err
	}
	e.Seed = uint32(seed)
	e.CreatedAt = time.UnixMilli(created).UTC()
	if finished.Valid {
		ft := time.UnixMilli(finished.Int64).UTC()
		e.FinishedAt = &ft
	}
	return e, nil
}

// Recent lists up to limit runs, newest first.
func (x *Index) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := x.db.QueryContext(ctx, selectEntry+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one indexed run.
func (x *Index) Get(ctx context.Context, runID string) (Entry, error) {
	e, err := scanEntry(x.db.QueryRowContext(ctx, selectEntry+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return e, nil
}

// Config returns the stored configuration of a run.
func (x *Index) Config(ctx context.Context, runID string) (json.RawMessage, error) {
	var raw string
	err := x.db.QueryRowContext(ctx, `SELECT config_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run config %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("run config %s: %w", runID, err)
	}
	return json.RawMessage(raw), nil
}
