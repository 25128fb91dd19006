package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// RagStageRow is one embedding shard record flattened for the staging
// table. Field order matches the staging DDL.
type RagStageRow struct {
	ChunkID     string
	Embedding   []float64
	DocID       string
	DocType     string
	SourceID    string
	ChunkIndex  int64
	EntityCount int64
	RunID       string
	ModelID     string
}

// RagChunkTextRow carries one reconstructed chunk text into the merge
// staging table.
type RagChunkTextRow struct {
	ChunkID   string
	ChunkText string
}

// RagCoverage reports how much of the embeddings table carries text.
type RagCoverage struct {
	ChunksTotal    int64
	ChunksWithText int64
	DocsTotal      int64
}

// RagTableConfig names the materialized RAG tables. Zero values fall
// back to the same env defaults RagRepo reads from.
type RagTableConfig struct {
	Database    string
	EmbedTable  string
	EntityTable string
}

func (c RagTableConfig) withDefaults() RagTableConfig {
	if c.Database == "" {
		c.Database = envutil.String("OVERVIEW_RAG_DATABASE", "multihopwanderer")
	}
	if c.EmbedTable == "" {
		c.EmbedTable = envutil.String("OVERVIEW_RAG_EMBED_TABLE", "evidence_embeddings_pilot")
	}
	if c.EntityTable == "" {
		c.EntityTable = envutil.String("OVERVIEW_RAG_ENTITY_TABLE", "evidence_doc_entities_pilot")
	}
	return c
}

// RagTableRepo writes the materialized RAG tables: shard staging, the
// embeddings table, the chunk-text backfill and the doc/entity join.
// Each method is one phase of the materializer; the orchestrator in
// internal/pipeline/materialize sequences them.
type RagTableRepo interface {
	EnsureDatabase(ctx context.Context) error
	EmbedTableExists(ctx context.Context) (bool, error)
	CreateShardStage(ctx context.Context) error
	InsertShardStage(ctx context.Context, rows []RagStageRow) error
	BuildEmbedTable(ctx context.Context) error
	AnyRunID(ctx context.Context) (string, error)
	CreateChunkTextStage(ctx context.Context) error
	DocsMissingText(ctx context.Context) ([]string, error)
	ExpectedChunkIDs(ctx context.Context, docIDs []string) (map[string]map[string]bool, error)
	MergeChunkText(ctx context.Context, rows []RagChunkTextRow) error
	BuildEntityTable(ctx context.Context) error
	Coverage(ctx context.Context) (RagCoverage, error)
	EntityCoverage(ctx context.Context) (links int64, docs int64, err error)
	DropStages(ctx context.Context, dropShardStage bool) error
}

type ragTableRepo struct {
	db   *clickhousedb.Client
	docs *evidenceDocRepo
	log  *logger.Logger
	cfg  RagTableConfig

	// stageTable is fresh per run; chunkStage keeps a stable name so an
	// interrupted backfill can continue into the same table.
	stageTable string
	chunkStage string
}

func NewRagTableRepo(db *clickhousedb.Client, cfg RagTableConfig, baseLog *logger.Logger) RagTableRepo {
	cfg = cfg.withDefaults()
	return &ragTableRepo{
		db:         db,
		docs:       &evidenceDocRepo{db: db, log: baseLog.With("repo", "EvidenceDocRepo")},
		log:        baseLog.With("repo", "RagTableRepo"),
		cfg:        cfg,
		stageTable: fmt.Sprintf("_tmp_rag_stage_%d", time.Now().Unix()),
		chunkStage: "_tmp_rag_chunk_text_stage_" + cfg.EmbedTable,
	}
}

func (r *ragTableRepo) qualify(table string) string {
	return r.cfg.Database + "." + table
}

func (r *ragTableRepo) EnsureDatabase(ctx context.Context) error {
	if err := r.db.Conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+r.cfg.Database); err != nil {
		return fmt.Errorf("ensure rag database: %w", err)
	}
	return nil
}

func (r *ragTableRepo) EmbedTableExists(ctx context.Context) (bool, error) {
	sql := `
	SELECT count()
	FROM system.tables
	WHERE database = {db:String} AND name = {table:String}`

	var n uint64
	row := r.db.Conn.QueryRow(ctx, sql,
		clickhouse.Named("db", r.cfg.Database),
		clickhouse.Named("table", r.cfg.EmbedTable),
	)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check embed table: %w", err)
	}
	return n > 0, nil
}

func (r *ragTableRepo) CreateShardStage(ctx context.Context) error {
	sql := `
	CREATE OR REPLACE TABLE ` + r.qualify(r.stageTable) + ` (
	    chunk_id String,
	    embedding Array(Float64),
	    doc_id String,
	    doc_type String,
	    source_id String,
	    chunk_index Int64,
	    entity_count Int64,
	    run_id String,
	    model_id String
	) ENGINE = MergeTree
	ORDER BY chunk_id`

	if err := r.db.Conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create shard stage: %w", err)
	}
	return nil
}

func (r *ragTableRepo) InsertShardStage(ctx context.Context, rows []RagStageRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := r.db.Conn.PrepareBatch(ctx, "INSERT INTO "+r.qualify(r.stageTable))
	if err != nil {
		return fmt.Errorf("prepare shard stage insert: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(
			row.ChunkID, row.Embedding,
			row.DocID, row.DocType, row.SourceID,
			row.ChunkIndex, row.EntityCount,
			row.RunID, row.ModelID,
		); err != nil {
			return fmt.Errorf("append shard stage row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send shard stage batch: %w", err)
	}
	return nil
}

// BuildEmbedTable replaces the embeddings table from the staged shards.
// chunk_text starts NULL and is backfilled by MergeChunkText.
func (r *ragTableRepo) BuildEmbedTable(ctx context.Context) error {
	sql := `
	CREATE OR REPLACE TABLE ` + r.qualify(r.cfg.EmbedTable) + `
	ENGINE = MergeTree
	ORDER BY chunk_id
	AS SELECT
	    chunk_id,
	    doc_id,
	    doc_type,
	    source_id,
	    chunk_index,
	    entity_count,
	    CAST(NULL AS Nullable(String)) AS chunk_text,
	    embedding,
	    run_id,
	    model_id
	FROM ` + r.qualify(r.stageTable) + `
	WHERE chunk_id != '' AND doc_id != ''`

	if err := r.db.Conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("build embed table: %w", err)
	}
	return nil
}

func (r *ragTableRepo) AnyRunID(ctx context.Context) (string, error) {
	sql := `SELECT ifNull(any(run_id), '') FROM ` + r.qualify(r.cfg.EmbedTable)

	var runID string
	if err := r.db.Conn.QueryRow(ctx, sql).Scan(&runID); err != nil {
		return "", fmt.Errorf("read run id: %w", err)
	}
	return runID, nil
}

// CreateChunkTextStage keeps staged texts in a Join table so the merge
// can backfill via joinGet in a single synchronous mutation.
func (r *ragTableRepo) CreateChunkTextStage(ctx context.Context) error {
	sql := `
	CREATE TABLE IF NOT EXISTS ` + r.qualify(r.chunkStage) + ` (
	    chunk_id String,
	    chunk_text String
	) ENGINE = Join(ANY, LEFT, chunk_id)`

	if err := r.db.Conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create chunk text stage: %w", err)
	}
	return nil
}

func (r *ragTableRepo) DocsMissingText(ctx context.Context) ([]string, error) {
	sql := `
	SELECT DISTINCT ifNull(doc_id, '') AS doc_id
	FROM ` + r.qualify(r.cfg.EmbedTable) + `
	WHERE chunk_text IS NULL OR trimBoth(chunk_text) = ''
	ORDER BY doc_id`

	rows, err := r.db.Conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("docs missing text: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan missing doc id: %w", err)
		}
		out = append(out, docID)
	}
	return out, rows.Err()
}

func (r *ragTableRepo) ExpectedChunkIDs(ctx context.Context, docIDs []string) (map[string]map[string]bool, error) {
	out := make(map[string]map[string]bool)
	if len(docIDs) == 0 {
		return out, nil
	}

	sql := `
	SELECT ifNull(doc_id, '') AS doc_id, ifNull(chunk_id, '') AS chunk_id
	FROM ` + r.qualify(r.cfg.EmbedTable) + `
	WHERE doc_id IN {doc_ids:Array(String)}`

	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("doc_ids", docIDs))
	if err != nil {
		return nil, fmt.Errorf("expected chunk ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID, chunkID string
		if err := rows.Scan(&docID, &chunkID); err != nil {
			return nil, fmt.Errorf("scan expected chunk id: %w", err)
		}
		set := out[docID]
		if set == nil {
			set = make(map[string]bool)
			out[docID] = set
		}
		set[chunkID] = true
	}
	return out, rows.Err()
}

// MergeChunkText stages the rows, applies them to the embeddings table
// with a synchronous mutation and truncates the stage. mutations_sync
// keeps the Join table alive until joinGet has run.
func (r *ragTableRepo) MergeChunkText(ctx context.Context, rows []RagChunkTextRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := r.db.Conn.PrepareBatch(ctx, "INSERT INTO "+r.qualify(r.chunkStage))
	if err != nil {
		return fmt.Errorf("prepare chunk text insert: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row.ChunkID, row.ChunkText); err != nil {
			return fmt.Errorf("append chunk text row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send chunk text batch: %w", err)
	}

	merge := `
	ALTER TABLE ` + r.qualify(r.cfg.EmbedTable) + `
	UPDATE chunk_text = joinGet('` + r.qualify(r.chunkStage) + `', 'chunk_text', chunk_id)
	WHERE chunk_id IN (SELECT chunk_id FROM ` + r.qualify(r.chunkStage) + `)
	SETTINGS mutations_sync = 1`
	if err := r.db.Conn.Exec(ctx, merge); err != nil {
		return fmt.Errorf("merge chunk text: %w", err)
	}

	if err := r.db.Conn.Exec(ctx, "TRUNCATE TABLE "+r.qualify(r.chunkStage)); err != nil {
		return fmt.Errorf("truncate chunk text stage: %w", err)
	}
	return nil
}

// BuildEntityTable replaces the doc/entity join, limited to the docs
// present in the embeddings table.
func (r *ragTableRepo) BuildEntityTable(ctx context.Context) error {
	sql := `
	CREATE OR REPLACE TABLE ` + r.qualify(r.cfg.EntityTable) + `
	ENGINE = MergeTree
	ORDER BY (doc_id, entity_id)
	AS WITH target_doc_ids AS (
	    SELECT DISTINCT doc_id FROM ` + r.qualify(r.cfg.EmbedTable) + `
	),
	all_links AS (` + r.docs.linkUnionSQL() + `
	)
	SELECT ifNull(doc_id, '') AS doc_id,
	       ifNull(entity_id, '') AS entity_id,
	       entity_type,
	       mention,
	       source_table
	FROM all_links
	WHERE doc_id IN (SELECT doc_id FROM target_doc_ids)
	  AND entity_id IS NOT NULL`

	if err := r.db.Conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("build entity table: %w", err)
	}
	return nil
}

func (r *ragTableRepo) Coverage(ctx context.Context) (RagCoverage, error) {
	sql := `
	SELECT
	    count() AS chunks_total,
	    countIf(chunk_text IS NOT NULL AND trimBoth(chunk_text) != '') AS chunks_with_text,
	    uniqExact(doc_id) AS docs_total
	FROM ` + r.qualify(r.cfg.EmbedTable)

	var chunks, withText, docs uint64
	row := r.db.Conn.QueryRow(ctx, sql)
	if err := row.Scan(&chunks, &withText, &docs); err != nil {
		return RagCoverage{}, fmt.Errorf("coverage: %w", err)
	}
	return RagCoverage{
		ChunksTotal:    int64(chunks),
		ChunksWithText: int64(withText),
		DocsTotal:      int64(docs),
	}, nil
}

func (r *ragTableRepo) EntityCoverage(ctx context.Context) (int64, int64, error) {
	sql := `
	SELECT count() AS entity_links, uniqExact(doc_id) AS entity_docs
	FROM ` + r.qualify(r.cfg.EntityTable)

	var links, docs uint64
	row := r.db.Conn.QueryRow(ctx, sql)
	if err := row.Scan(&links, &docs); err != nil {
		return 0, 0, fmt.Errorf("entity coverage: %w", err)
	}
	return int64(links), int64(docs), nil
}

func (r *ragTableRepo) DropStages(ctx context.Context, dropShardStage bool) error {
	if err := r.db.Conn.Exec(ctx, "DROP TABLE IF EXISTS "+r.qualify(r.chunkStage)); err != nil {
		return fmt.Errorf("drop chunk text stage: %w", err)
	}
	if dropShardStage {
		if err := r.db.Conn.Exec(ctx, "DROP TABLE IF EXISTS "+r.qualify(r.stageTable)); err != nil {
			return fmt.Errorf("drop shard stage: %w", err)
		}
	}
	return nil
}
