package app

import (
	"context"
	"fmt"

	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/embeddings"
	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/neo4jdb"
	"github.com/lumenbio/biograph-backend/internal/platform/redisdb"
	"github.com/lumenbio/biograph-backend/internal/platform/semanticscholar"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

// Clients holds the external connections. The warehouse is required;
// everything else is optional and comes back nil when unconfigured, with
// the services degrading per request.
type Clients struct {
	Warehouse *clickhousedb.Client
	Graph     *neo4jdb.Client
	Cache     *redisdb.Client
	AI        gemini.Client
	Embedder  embeddings.Service
	Vector    vector.Store
	Scholar   semanticscholar.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	warehouse, err := clickhousedb.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init warehouse client: %w", err)
	}

	graph, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		_ = warehouse.Close()
		return Clients{}, fmt.Errorf("init graph client: %w", err)
	}

	cache, err := redisdb.NewFromEnv(log)
	if err != nil {
		if graph != nil {
			_ = graph.Close(ctx)
		}
		_ = warehouse.Close()
		return Clients{}, fmt.Errorf("init redis client: %w", err)
	}

	ai, err := gemini.NewClient(log)
	if err != nil {
		closePartial(ctx, warehouse, graph, cache)
		return Clients{}, fmt.Errorf("init gemini client: %w", err)
	}

	embedder, err := embeddings.NewFromEnv(log)
	if err != nil {
		closePartial(ctx, warehouse, graph, cache)
		return Clients{}, fmt.Errorf("init embeddings client: %w", err)
	}

	store, err := resolveVectorStore(log, cfg.Vector)
	if err != nil {
		closePartial(ctx, warehouse, graph, cache)
		return Clients{}, fmt.Errorf("init vector store: %w", err)
	}

	scholar, err := semanticscholar.NewClient(log)
	if err != nil {
		closePartial(ctx, warehouse, graph, cache)
		return Clients{}, fmt.Errorf("init semantic scholar client: %w", err)
	}

	return Clients{
		Warehouse: warehouse,
		Graph:     graph,
		Cache:     cache,
		AI:        ai,
		Embedder:  embedder,
		Vector:    store,
		Scholar:   scholar,
	}, nil
}

func closePartial(ctx context.Context, warehouse *clickhousedb.Client, graph *neo4jdb.Client, cache *redisdb.Client) {
	if cache != nil {
		_ = cache.Close()
	}
	if graph != nil {
		_ = graph.Close(ctx)
	}
	if warehouse != nil {
		_ = warehouse.Close()
	}
}

func (c *Clients) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Graph != nil {
		_ = c.Graph.Close(ctx)
	}
	if c.Warehouse != nil {
		_ = c.Warehouse.Close()
	}
}
