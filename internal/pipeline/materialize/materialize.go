// Package materialize turns embedding shard artifacts into the
// warehouse RAG tables. It stages shard JSONL from the run prefix,
// replaces the embeddings table, reconstructs chunk text
// deterministically from the source docs and rebuilds the doc/entity
// join for the covered documents.
//
// Reconstruction re-runs the same chunking the index builder used, so
// the chunk parameters recorded in the run id must match the configured
// ones. A run id that disagrees aborts the materialization.
package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/pipeline/chunking"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// stageInsertBatch bounds how many decoded shard rows are buffered
// before an insert, keeping embedding vectors from piling up in memory.
const stageInsertBatch = 5000

// Options configure one materializer run.
type Options struct {
	// Prefix locates the run artifacts, either as a full gs://bucket/...
	// URI or as a bucket relative key prefix.
	Prefix      string
	Database    string
	EmbedTable  string
	EntityTable string

	DocBatchSize   int
	ChunkTextFlush int
	MaxChunkChars  int
	OverlapChars   int

	// Resume reuses an existing embeddings table and only backfills
	// missing chunk text.
	Resume            bool
	SkipEntityRefresh bool
	KeepTemp          bool
}

// OptionsFromEnv seeds Options with the shared chunking and RAG table
// settings. CLI flags override on top.
func OptionsFromEnv() Options {
	return Options{
		Database:       envutil.String("OVERVIEW_RAG_DATABASE", "multihopwanderer"),
		EmbedTable:     envutil.String("OVERVIEW_RAG_EMBED_TABLE", "evidence_embeddings_pilot"),
		EntityTable:    envutil.String("OVERVIEW_RAG_ENTITY_TABLE", "evidence_doc_entities_pilot"),
		DocBatchSize:   envutil.Int("RAG_DOC_BATCH_SIZE", 2000),
		ChunkTextFlush: envutil.Int("RAG_CHUNK_TEXT_FLUSH", 25000),
		MaxChunkChars:  envutil.Int("MAX_CHUNK_CHARS", 3500),
		OverlapChars:   envutil.Int("CHUNK_OVERLAP_CHARS", 300),
	}
}

func (o Options) withDefaults() Options {
	if o.DocBatchSize <= 0 {
		o.DocBatchSize = 2000
	}
	if o.ChunkTextFlush <= 0 {
		o.ChunkTextFlush = 25000
	}
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = 3500
	}
	if o.OverlapChars < 0 {
		o.OverlapChars = 0
	}
	return o
}

// Result summarizes a finished run. EntityLinks and EntityDocs are -1
// when the entity refresh was skipped.
type Result struct {
	GCSPrefix      string `json:"gcs_prefix"`
	Database       string `json:"database"`
	EmbedTable     string `json:"embed_table"`
	EntityTable    string `json:"entity_table"`
	Resumed        bool   `json:"resumed,omitempty"`
	ShardFiles     int    `json:"shard_files"`
	RowsStaged     int64  `json:"rows_staged"`
	DocsRebuilt    int    `json:"docs_rebuilt"`
	ChunkTextRows  int64  `json:"chunk_text_rows"`
	ChunksTotal    int64  `json:"chunks_total"`
	ChunksWithText int64  `json:"chunks_with_text"`
	DocsTotal      int64  `json:"docs_total"`
	EntityLinks    int64  `json:"entity_links"`
	EntityDocs     int64  `json:"entity_docs"`
}

// Materializer sequences the staging, backfill and rebuild phases
// against the warehouse.
type Materializer struct {
	store  gcp.ObjectStore
	docs   warehouse.EvidenceDocRepo
	tables warehouse.RagTableRepo
	log    *logger.Logger
}

func NewMaterializer(store gcp.ObjectStore, docs warehouse.EvidenceDocRepo, tables warehouse.RagTableRepo, baseLog *logger.Logger) *Materializer {
	return &Materializer{
		store:  store,
		docs:   docs,
		tables: tables,
		log:    baseLog.With("service", "RagMaterializer"),
	}
}

func (m *Materializer) Run(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	result := Result{
		GCSPrefix:   opts.Prefix,
		Database:    opts.Database,
		EmbedTable:  opts.EmbedTable,
		EntityTable: opts.EntityTable,
		EntityLinks: -1,
		EntityDocs:  -1,
	}

	if opts.Prefix == "" {
		return result, fmt.Errorf("materialize: prefix is required")
	}
	if m.store == nil || m.docs == nil || m.tables == nil {
		return result, fmt.Errorf("materialize: object store and warehouse repos are required")
	}

	resumed := false
	if opts.Resume {
		exists, err := m.tables.EmbedTableExists(ctx)
		if err != nil {
			return result, err
		}
		if exists {
			resumed = true
		} else {
			m.log.Warn("resume requested but embeddings table missing, rebuilding from shards")
		}
	}
	result.Resumed = resumed

	if resumed {
		m.log.Info("resume mode, reusing embeddings table", "table", opts.EmbedTable)
		runID, err := m.tables.AnyRunID(ctx)
		if err != nil {
			return result, err
		}
		if err := m.checkChunkParams(runID, opts); err != nil {
			return result, err
		}
	} else {
		if err := m.loadShards(ctx, opts, &result); err != nil {
			return result, err
		}
	}

	if err := m.backfillChunkText(ctx, opts, &result); err != nil {
		return result, err
	}

	if opts.SkipEntityRefresh {
		m.log.Info("entity table refresh skipped")
	} else {
		m.log.Info("rebuilding entity table", "table", opts.EntityTable)
		if err := m.tables.BuildEntityTable(ctx); err != nil {
			return result, err
		}
		links, docs, err := m.tables.EntityCoverage(ctx)
		if err != nil {
			return result, err
		}
		result.EntityLinks = links
		result.EntityDocs = docs
	}

	cov, err := m.tables.Coverage(ctx)
	if err != nil {
		return result, err
	}
	result.ChunksTotal = cov.ChunksTotal
	result.ChunksWithText = cov.ChunksWithText
	result.DocsTotal = cov.DocsTotal

	if !opts.KeepTemp {
		if err := m.tables.DropStages(ctx, !resumed); err != nil {
			return result, err
		}
	}

	m.log.Info("materialization finished",
		"chunks_total", result.ChunksTotal,
		"chunks_with_text", result.ChunksWithText,
		"docs_total", result.DocsTotal,
		"entity_links", result.EntityLinks,
	)
	return result, nil
}

// loadShards streams every shard under the prefix into the staging table
// and replaces the embeddings table from it.
func (m *Materializer) loadShards(ctx context.Context, opts Options, result *Result) error {
	shardPrefix := objectKeyPrefix(opts.Prefix) + "/shards/"
	keys, err := m.store.List(ctx, shardPrefix)
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no shard files under %s", shardPrefix)
	}
	sort.Strings(keys)
	result.ShardFiles = len(keys)
	m.log.Info("loading shard jsonl into staging", "shards", len(keys), "prefix", shardPrefix)

	if err := m.tables.EnsureDatabase(ctx); err != nil {
		return err
	}
	if err := m.tables.CreateShardStage(ctx); err != nil {
		return err
	}

	checked := false
	buf := make([]warehouse.RagStageRow, 0, stageInsertBatch)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := m.tables.InsertShardStage(ctx, buf); err != nil {
			return err
		}
		result.RowsStaged += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := m.store.Download(ctx, key)
		if err != nil {
			return fmt.Errorf("download shard %s: %w", key, err)
		}
		_, err = decodeShardRows(rc, func(row warehouse.RagStageRow) error {
			if !checked {
				if err := m.checkChunkParams(row.RunID, opts); err != nil {
					return err
				}
				checked = true
			}
			buf = append(buf, row)
			if len(buf) >= stageInsertBatch {
				return flush()
			}
			return nil
		})
		rc.Close()
		if err != nil {
			return fmt.Errorf("shard %s: %w", key, err)
		}
	}
	if err := flush(); err != nil {
		return err
	}

	m.log.Info("replacing embeddings table", "table", opts.EmbedTable, "rows_staged", result.RowsStaged)
	return m.tables.BuildEmbedTable(ctx)
}

// backfillChunkText re-chunks the source docs and merges the texts whose
// chunk ids the embeddings table expects.
func (m *Materializer) backfillChunkText(ctx context.Context, opts Options, result *Result) error {
	if err := m.tables.CreateChunkTextStage(ctx); err != nil {
		return err
	}

	docIDs, err := m.tables.DocsMissingText(ctx)
	if err != nil {
		return err
	}
	total := len(docIDs)
	result.DocsRebuilt = total
	m.log.Info("reconstructing chunk text", "docs", total)

	var pending []warehouse.RagChunkTextRow
	merge := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := m.tables.MergeChunkText(ctx, pending); err != nil {
			return err
		}
		result.ChunkTextRows += int64(len(pending))
		pending = pending[:0]
		return nil
	}

	for start := 0; start < total; start += opts.DocBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + opts.DocBatchSize
		if end > total {
			end = total
		}
		batchIDs := docIDs[start:end]

		expected, err := m.tables.ExpectedChunkIDs(ctx, batchIDs)
		if err != nil {
			return err
		}
		texts, err := m.docs.FetchDocsByID(ctx, batchIDs)
		if err != nil {
			return err
		}

		for _, d := range texts {
			exp := expected[d.DocID]
			if len(exp) == 0 {
				continue
			}
			for _, c := range chunking.ChunkDocument(d.DocID, d.DocType, d.Text, opts.MaxChunkChars, opts.OverlapChars) {
				if exp[c.ChunkID] {
					pending = append(pending, warehouse.RagChunkTextRow{ChunkID: c.ChunkID, ChunkText: c.Text})
				}
			}
		}

		if len(pending) >= opts.ChunkTextFlush {
			if err := merge(); err != nil {
				return err
			}
		}
		m.log.Info("chunk text batch processed", "docs", end, "total", total)
	}
	return merge()
}

func (m *Materializer) checkChunkParams(runID string, opts Options) error {
	found, err := verifyChunkParams(runID, opts.MaxChunkChars, opts.OverlapChars)
	if err != nil {
		return err
	}
	if !found {
		m.log.Warn("run id carries no chunk parameters, cannot verify chunking", "run_id", runID)
	}
	return nil
}

var chunkParamRe = regexp.MustCompile(`chunk(\d+)o(\d+)`)

// verifyChunkParams compares the chunk parameters recorded in a run id
// against the configured reconstruction parameters. Reconstructed text
// only lines up with the stored embeddings when both sides chunked
// identically, so a disagreement is fatal. The bool reports whether the
// run id carried the marker at all.
func verifyChunkParams(runID string, maxChars, overlapChars int) (bool, error) {
	match := chunkParamRe.FindStringSubmatch(runID)
	if match == nil {
		return false, nil
	}
	gotMax, _ := strconv.Atoi(match[1])
	gotOverlap, _ := strconv.Atoi(match[2])
	if gotMax != maxChars || gotOverlap != overlapChars {
		return true, fmt.Errorf("chunk parameters disagree: run %q was built with chunk%do%d, reconstruction configured for chunk%do%d",
			runID, gotMax, gotOverlap, maxChars, overlapChars)
	}
	return true, nil
}

// objectKeyPrefix turns a gs://bucket/path prefix into the bucket
// relative key the object store expects. Bare prefixes pass through.
func objectKeyPrefix(prefix string) string {
	p := strings.TrimRight(prefix, "/")
	if !strings.HasPrefix(p, "gs://") {
		return p
	}
	rest := strings.TrimPrefix(p, "gs://")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[i+1:]
	}
	return ""
}

type shardLine struct {
	ID        string    `json:"id"`
	Embedding []float64 `json:"embedding"`
	Metadata  struct {
		DocID       string `json:"doc_id"`
		DocType     string `json:"doc_type"`
		SourceID    string `json:"source_id"`
		ChunkIndex  int64  `json:"chunk_index"`
		EntityCount int64  `json:"entity_count"`
		RunID       string `json:"run_id"`
		ModelID     string `json:"model_id"`
	} `json:"embedding_metadata"`
}

// decodeShardRows reads newline delimited shard records. Any malformed
// record fails the whole shard; partially staged runs restart cleanly
// because the staging table is replaced per run.
func decodeShardRows(r io.Reader, yield func(warehouse.RagStageRow) error) (int64, error) {
	dec := json.NewDecoder(r)
	var n int64
	for {
		var line shardLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("decode shard record %d: %w", n, err)
		}
		row := warehouse.RagStageRow{
			ChunkID:     line.ID,
			Embedding:   line.Embedding,
			DocID:       line.Metadata.DocID,
			DocType:     line.Metadata.DocType,
			SourceID:    line.Metadata.SourceID,
			ChunkIndex:  line.Metadata.ChunkIndex,
			EntityCount: line.Metadata.EntityCount,
			RunID:       line.Metadata.RunID,
			ModelID:     line.Metadata.ModelID,
		}
		if err := yield(row); err != nil {
			return n, err
		}
		n++
	}
}
