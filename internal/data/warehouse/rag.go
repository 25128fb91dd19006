package warehouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// RagChunkRow is one stored chunk of the materialized RAG corpus.
type RagChunkRow struct {
	ChunkID  string
	DocID    string
	DocType  string
	Text     string
	SourceID string
}

// RagRepo reads the materialized RAG corpus: the chunk table written by
// the materializer and the doc/entity join used for co-mention filtering.
type RagRepo interface {
	FetchChunks(ctx context.Context, chunkIDs []string) ([]RagChunkRow, error)
	CoMentionedDocs(ctx context.Context, sourceID, targetID string, docIDs []string) (map[string]bool, error)
}

type ragRepo struct {
	db          *clickhousedb.Client
	log         *logger.Logger
	database    string
	embedTable  string
	entityTable string
}

func NewRagRepo(db *clickhousedb.Client, baseLog *logger.Logger) RagRepo {
	return &ragRepo{
		db:          db,
		log:         baseLog.With("repo", "RagRepo"),
		database:    envutil.String("OVERVIEW_RAG_DATABASE", "multihopwanderer"),
		embedTable:  envutil.String("OVERVIEW_RAG_EMBED_TABLE", "evidence_embeddings_pilot"),
		entityTable: envutil.String("OVERVIEW_RAG_ENTITY_TABLE", "evidence_doc_entities_pilot"),
	}
}

func (r *ragRepo) FetchChunks(ctx context.Context, chunkIDs []string) ([]RagChunkRow, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	sql := `
	SELECT
	    ifNull(chunk_id, '') AS chunk_id,
	    ifNull(doc_id, '') AS doc_id,
	    ifNull(doc_type, '') AS doc_type,
	    ifNull(chunk_text, '') AS chunk_text,
	    ifNull(source_id, '') AS source_id
	FROM ` + r.database + `.` + r.embedTable + `
	WHERE chunk_id IN {chunk_ids:Array(String)}
	`
	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("chunk_ids", chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("fetch rag chunks: %w", err)
	}
	defer rows.Close()

	var out []RagChunkRow
	for rows.Next() {
		var c RagChunkRow
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.DocType, &c.Text, &c.SourceID); err != nil {
			return nil, fmt.Errorf("scan rag chunk row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CoMentionedDocs returns the subset of docIDs whose entity links include
// both endpoints of the selected edge.
func (r *ragRepo) CoMentionedDocs(ctx context.Context, sourceID, targetID string, docIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(docIDs) == 0 {
		return out, nil
	}

	sql := `
	SELECT ifNull(doc_id, '') AS doc_id
	FROM ` + r.database + `.` + r.entityTable + `
	WHERE entity_id IN ({source_id:String}, {target_id:String})
	  AND doc_id IN {doc_ids:Array(String)}
	GROUP BY doc_id
	HAVING count(DISTINCT entity_id) = 2
	`
	rows, err := r.db.Conn.Query(ctx, sql,
		clickhouse.Named("source_id", sourceID),
		clickhouse.Named("target_id", targetID),
		clickhouse.Named("doc_ids", docIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("co-mention filter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan co-mention row: %w", err)
		}
		out[docID] = true
	}
	return out, rows.Err()
}
