package warehouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// EntityRepo resolves free-text names and canonical IDs against the
// C23_BioEntities table.
type EntityRepo interface {
	Find(ctx context.Context, query, entityType string) (*graph.Entity, error)
	FindByID(ctx context.Context, entityID string) (*graph.Entity, error)
	FindByIDs(ctx context.Context, entityIDs []string) (map[string]graph.Entity, error)
}

type entityRepo struct {
	db  *clickhousedb.Client
	log *logger.Logger
}

func NewEntityRepo(db *clickhousedb.Client, baseLog *logger.Logger) EntityRepo {
	return &entityRepo{db: db, log: baseLog.With("repo", "EntityRepo")}
}

func (r *entityRepo) table(name string) string {
	return r.db.Database + "." + name
}

// Find ranks candidate mentions: exact match first, then prefix, then
// substring, then ID substring, shorter mentions winning ties. A type
// filter that matches nothing is retried without the filter.
func (r *entityRepo) Find(ctx context.Context, query, entityType string) (*graph.Entity, error) {
	ent, err := r.findRanked(ctx, query, entityType)
	if err != nil {
		return nil, err
	}
	if ent == nil && entityType != "" {
		return r.findRanked(ctx, query, "")
	}
	return ent, nil
}

func (r *entityRepo) findRanked(ctx context.Context, query, entityType string) (*graph.Entity, error) {
	typeFilter := ""
	args := []any{clickhouse.Named("query", query)}
	if entityType != "" {
		typeFilter = "AND lower(ifNull(Type, '')) = lower({entity_type:String})"
		args = append(args, clickhouse.Named("entity_type", entityType))
	}

	sql := `
	SELECT
	    ifNull(EntityId, '') AS entity_id,
	    ifNull(Type, '') AS entity_type,
	    ifNull(Mention, '') AS mention,
	    CASE
	        WHEN lower(Mention) = lower({query:String}) THEN 1
	        WHEN lower(Mention) LIKE concat(lower({query:String}), '%') THEN 2
	        WHEN lower(Mention) LIKE concat('%', lower({query:String}), '%') THEN 3
	        WHEN lower(EntityId) LIKE concat('%', lower({query:String}), '%') THEN 4
	        ELSE 5
	    END AS match_rank
	FROM ` + r.table("C23_BioEntities") + `
	WHERE (lower(Mention) LIKE concat('%', lower({query:String}), '%')
	       OR lower(EntityId) LIKE concat('%', lower({query:String}), '%'))
	  ` + typeFilter + `
	ORDER BY match_rank ASC, length(Mention) ASC
	LIMIT 1
	`

	rows, err := r.db.Conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find entity %q: %w", query, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var ent graph.Entity
	var rank uint8
	if err := rows.Scan(&ent.EntityID, &ent.Type, &ent.Mention, &rank); err != nil {
		return nil, fmt.Errorf("scan entity row: %w", err)
	}
	return &ent, nil
}

func (r *entityRepo) FindByID(ctx context.Context, entityID string) (*graph.Entity, error) {
	sql := `
	SELECT ifNull(EntityId, ''), ifNull(Type, ''), ifNull(Mention, '')
	FROM ` + r.table("C23_BioEntities") + `
	WHERE EntityId = {entity_id:String}
	LIMIT 1
	`
	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("entity_id", entityID))
	if err != nil {
		return nil, fmt.Errorf("find entity by id %q: %w", entityID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var ent graph.Entity
	if err := rows.Scan(&ent.EntityID, &ent.Type, &ent.Mention); err != nil {
		return nil, fmt.Errorf("scan entity row: %w", err)
	}
	return &ent, nil
}

func (r *entityRepo) FindByIDs(ctx context.Context, entityIDs []string) (map[string]graph.Entity, error) {
	out := make(map[string]graph.Entity, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}

	sql := `
	SELECT ifNull(EntityId, ''), ifNull(Type, ''), ifNull(Mention, '')
	FROM ` + r.table("C23_BioEntities") + `
	WHERE EntityId IN {ids:Array(String)}
	`
	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("ids", entityIDs))
	if err != nil {
		return nil, fmt.Errorf("find entities by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ent graph.Entity
		if err := rows.Scan(&ent.EntityID, &ent.Type, &ent.Mention); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out[ent.EntityID] = ent
	}
	return out, rows.Err()
}
