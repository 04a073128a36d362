package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/delegate-world/internal/api"
	"github.com/nidhogg/delegate-world/internal/bus"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/graphstore"
	"github.com/nidhogg/delegate-world/internal/indexdb"
	"github.com/nidhogg/delegate-world/internal/runner"
	pgstore "github.com/nidhogg/delegate-world/internal/store"
	"go.uber.org/zap"
)

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	switch level {
	case "", "debug":
		logger, err = zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			cfg.Level = lvl
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/delegate.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Delegate World...", zap.String("config", cfgPath))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snapshotEvery := cfg.Database.Neo4j.SnapshotEvery
	runs := runner.NewManager(runner.Options{
		Defaults:      cfg.Simulation.RunDefaults(),
		TickInterval:  time.Duration(cfg.Simulation.TickIntervalMs) * time.Millisecond,
		MaxRuns:       cfg.Simulation.MaxRuns,
		SnapshotEvery: snapshotEvery,
	}, logger)

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, runs are not persisted", zap.Error(pgErr))
		} else {
			dir := cfg.Database.Postgres.MigrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if mErr := ps.Migrate(ctx, dir); mErr != nil {
				logger.Warn("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			runs.AddSink(ps)
		}
	}

	// Initialize SQLite run index
	var index *indexdb.Index
	if cfg.Database.SQLite.Path != "" {
		idx, idxErr := indexdb.Open(cfg.Database.SQLite.Path, logger)
		if idxErr != nil {
			logger.Warn("run index unavailable", zap.Error(idxErr))
		} else {
			index = idx
			runs.AddSink(idx)
		}
	}

	// Initialize Neo4j graph snapshots
	var graph *graphstore.Store
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := graphstore.New(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without graph snapshots", zap.Error(gErr))
		} else {
			graph = g
			runs.AddSink(g)
			if snapshotEvery <= 0 {
				logger.Info("graph snapshots disabled (database.neo4j.snapshot_every is 0)")
			}
		}
	}

	// Initialize Redis frame bus
	var frameBus *bus.FrameBus
	if cfg.Database.Redis.URL != "" {
		b, bErr := bus.New(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.MaxLen, logger)
		if bErr != nil {
			logger.Warn("Redis unavailable, frames are not published", zap.Error(bErr))
		} else {
			frameBus = b
			runs.AddSink(b)
		}
	}

	// Initialize timeline archive
	var archive *export.ArchiveSink
	if cfg.Archive.Dir != "" {
		archive = export.NewArchiveSink(cfg.Archive.Dir, logger)
		runs.AddSink(archive)
	}

	hub := api.NewHub(logger)
	runs.AddSink(hub)

	// Build HTTP handler
	var history api.RunIndex
	if index != nil {
		history = index
	}
	handler := api.NewHandler(runs, hub, history, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Delegate World listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Delegate World...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopServing(shutdownCtx, srv, runs, logger)
	if archive != nil {
		archive.Close()
	}
	if frameBus != nil {
		frameBus.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if index != nil {
		index.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// stopServing drains HTTP, then stops run clocks. Sinks may be closed once it
// returns.
func stopServing(ctx context.Context, srv *http.Server, runs *runner.Manager, logger *zap.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	runs.Shutdown()
}
