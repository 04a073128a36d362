//go:build e2e

package e2e

import (
	"context"
	"fmt"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/delegate-world/internal/bus"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/graphstore"
	pgstore "github.com/nidhogg/delegate-world/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger *zap.Logger
	testPG     *pgstore.Store
	testGraph  *graphstore.Store
	testBus    *bus.FrameBus
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("delegate_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// smallRun is the configuration every e2e run uses.
func smallRun() config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.N = 8
	cfg.K = 3
	cfg.Steps = 20
	cfg.MessagesPerStepMean = 2
	return cfg
}
