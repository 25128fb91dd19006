package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/neo4jdb"
)

// PathReader runs the ANY-SHORTEST query against the mirrored entity
// graph. The graph client is optional; callers must treat a nil reader
// as "no fast path available".
type PathReader interface {
	// ShortestPath returns the path segments oriented in walk order from
	// startID, or nil when no path of at most maxHops exists.
	ShortestPath(ctx context.Context, startID, endID string) ([]graph.PathStep, error)
}

type pathReader struct {
	client  *neo4jdb.Client
	log     *logger.Logger
	maxHops int
}

func NewPathReader(client *neo4jdb.Client, baseLog *logger.Logger) PathReader {
	return &pathReader{
		client:  client,
		log:     baseLog.With("repo", "PathReader"),
		maxHops: envutil.Int("GRAPH_MAX_HOPS", 8),
	}
}

func (r *pathReader) ShortestPath(ctx context.Context, startID, endID string) ([]graph.PathStep, error) {
	session := r.client.ReadSession(ctx)
	defer session.Close(ctx)

	// Variable-length bounds cannot be parameterized in Cypher.
	query := fmt.Sprintf(`
	MATCH p = shortestPath((a:Entity {id: $start})-[*..%d]-(b:Entity {id: $end}))
	RETURN [n IN nodes(p) | n.id] AS node_ids,
	       [r IN relationships(p) | r.relation_type] AS rel_types
	`, r.maxHops)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, map[string]any{"start": startID, "end": endID})
		if err != nil {
			return nil, err
		}
		if !records.Next(ctx) {
			return nil, records.Err()
		}
		rec := records.Record()
		nodeIDs, _ := rec.Get("node_ids")
		relTypes, _ := rec.Get("rel_types")
		return buildSteps(nodeIDs, relTypes)
	})
	if err != nil {
		return nil, fmt.Errorf("shortest path %q -> %q: %w", startID, endID, err)
	}
	if result == nil {
		return nil, nil
	}
	return result.([]graph.PathStep), nil
}

// buildSteps orients each relationship along the walk: segment i connects
// nodes i and i+1 regardless of the stored edge direction.
func buildSteps(nodeIDs, relTypes any) ([]graph.PathStep, error) {
	ids, ok := nodeIDs.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected node list type %T", nodeIDs)
	}
	rels, ok := relTypes.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected relationship list type %T", relTypes)
	}
	if len(ids) != len(rels)+1 {
		return nil, fmt.Errorf("path shape mismatch: %d nodes, %d relationships", len(ids), len(rels))
	}

	steps := make([]graph.PathStep, 0, len(rels))
	for i := range rels {
		from, _ := ids[i].(string)
		to, _ := ids[i+1].(string)
		rel, _ := rels[i].(string)
		steps = append(steps, graph.PathStep{From: from, To: to, RelationType: rel})
	}
	return steps, nil
}
