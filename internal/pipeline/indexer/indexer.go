// Package indexer builds the embedding index for the evidence corpus.
// It chunks documents, embeds the chunks through a rate-gated worker
// pool, and writes batch-ingestion shards plus checkpoint, manifest and
// summary artifacts to the object store. Interrupted runs resume from
// the last uploaded checkpoint. The shards can additionally be upserted
// straight into the configured vector store.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/pipeline/chunking"
	"github.com/lumenbio/biograph-backend/internal/platform/embeddings"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

const (
	ModePilot = "pilot"
	ModeFull  = "full"

	upsertBatchSize = 500
)

type Options struct {
	Mode              string
	Limit             int
	BatchDocs         int
	Workers           int
	MaxRetries        int
	EmbedBatchSize    int
	BaseBackoff       time.Duration
	RequestInterval   time.Duration
	MinLinkedEntities int
	EnableTypeFilter  bool
	EntityTypes       []string
	Prefix            string
	ResumeRunID       string
	DryRun            bool
	MaxChunkChars     int
	OverlapChars      int
	// UpsertVectors mirrors every shard into the vector store as it is
	// written, replacing a separate batch index build.
	UpsertVectors bool
}

// OptionsFromEnv seeds the tuning knobs from the environment. Flags in
// cmd/index override the run-shape fields.
func OptionsFromEnv() Options {
	types := envutil.List("ALLOWED_ENTITY_TYPES")
	if len(types) == 0 {
		types = []string{"gene", "disease", "drug", "pathway", "protein"}
	}
	return Options{
		Mode:              ModePilot,
		Limit:             500,
		BatchDocs:         10000,
		Workers:           envutil.Int("EMBED_WORKERS", 2),
		MaxRetries:        envutil.Int("EMBED_MAX_RETRIES", 6),
		EmbedBatchSize:    envutil.Int("EMBED_BATCH_SIZE", 250),
		BaseBackoff:       envutil.Duration("EMBED_BASE_BACKOFF", 500*time.Millisecond),
		RequestInterval:   envutil.Duration("EMBED_REQUEST_INTERVAL", 100*time.Millisecond),
		MinLinkedEntities: 2,
		EntityTypes:       types,
		MaxChunkChars:     envutil.Int("MAX_CHUNK_CHARS", 3500),
		OverlapChars:      envutil.Int("CHUNK_OVERLAP_CHARS", 300),
	}
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModePilot
	}
	if o.BatchDocs <= 0 {
		o.BatchDocs = 10000
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 250
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = 3500
	}
	if o.OverlapChars < 0 {
		o.OverlapChars = 0
	}
	return o
}

// BuildResult summarizes one completed run.
type BuildResult struct {
	RunID            string `json:"run_id"`
	Mode             string `json:"mode"`
	Docs             int64  `json:"docs"`
	Chunks           int64  `json:"chunks"`
	EmbeddedChunks   int64  `json:"embedded_chunks"`
	FailedChunks     int64  `json:"failed_chunks"`
	EmbeddingDim     int    `json:"embedding_dim"`
	GCSPrefix        string `json:"gcs_prefix"`
	ShardCount       int    `json:"shard_count"`
	ManifestStatsURI string `json:"manifest_stats_uri"`
	RunSummaryURI    string `json:"run_summary_uri"`
	FailedChunksURI  string `json:"failed_chunks_uri,omitempty"`
}

type Builder struct {
	store   gcp.ObjectStore
	docs    warehouse.EvidenceDocRepo
	embed   embeddings.Service
	vectors vector.Store
	log     *logger.Logger
}

// NewBuilder wires the run dependencies. vectors may be nil when the
// run only writes shards.
func NewBuilder(store gcp.ObjectStore, docs warehouse.EvidenceDocRepo, embed embeddings.Service, vectors vector.Store, baseLog *logger.Logger) *Builder {
	return &Builder{
		store:   store,
		docs:    docs,
		embed:   embed,
		vectors: vectors,
		log:     baseLog.With("service", "IndexBuilder"),
	}
}

// NewRunID stamps a fresh run with the UTC start time and the chunking
// parameters, so the materializer can verify shard compatibility later.
func NewRunID(now time.Time, maxChars, overlapChars int) string {
	return fmt.Sprintf("%s-chunk%do%d", now.UTC().Format("20060102T150405Z"), maxChars, overlapChars)
}

func resolvePrefix(opts Options, runID string) string {
	if opts.Prefix != "" {
		return strings.TrimRight(opts.Prefix, "/")
	}
	return fmt.Sprintf("vector-search/pkg2-%s/%s", opts.Mode, runID)
}

type runTotals struct {
	docs     int64
	chunks   int64
	embedded int64
	failed   int64
	retries  int64
	dim      int
}

// Run executes one index build. Resumed runs pick up the checkpoint
// under the same prefix and skip documents at or before last_doc_id.
func (b *Builder) Run(ctx context.Context, opts Options) (*BuildResult, error) {
	opts = opts.withDefaults()
	if opts.Mode != ModePilot && opts.Mode != ModeFull {
		return nil, fmt.Errorf("mode must be %q or %q, got %q", ModePilot, ModeFull, opts.Mode)
	}
	if b.store == nil {
		return nil, fmt.Errorf("object store is not configured, set GCS_BUCKET")
	}
	if b.docs == nil || b.embed == nil {
		return nil, fmt.Errorf("document source and embedding service are required")
	}

	runID := opts.ResumeRunID
	if runID == "" {
		runID = NewRunID(time.Now(), opts.MaxChunkChars, opts.OverlapChars)
	}
	prefix := resolvePrefix(opts, runID)
	gate := newRateGate(opts.RequestInterval)

	startAfter := ""
	shardIndex := 0
	var totals runTotals
	if opts.ResumeRunID != "" {
		var cp Checkpoint
		found, err := b.store.DownloadJSON(ctx, checkpointKey(prefix), &cp)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if found {
			startAfter = cp.LastDocID
			shardIndex = cp.NextShardIndex
			totals = runTotals{
				docs:     cp.Docs,
				chunks:   cp.Chunks,
				embedded: cp.EmbeddedChunks,
				failed:   cp.FailedChunks,
				retries:  cp.Retries,
				dim:      cp.EmbeddingDim,
			}
			b.log.Info("resuming run from checkpoint",
				"run_id", runID,
				"last_doc_id", startAfter,
				"next_shard_index", shardIndex,
			)
		} else {
			b.log.Warn("resume requested but no checkpoint found, starting fresh", "run_id", runID)
		}
	}

	var pilotDocs []warehouse.EvidenceDoc
	if opts.Mode == ModePilot {
		var err error
		pilotDocs, err = b.docs.FetchPilotDocs(ctx, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pilot docs: %w", err)
		}
	}

	manifest, err := b.buildManifest(ctx, opts, runID, prefix, pilotDocs)
	if err != nil {
		return nil, err
	}
	if err := b.store.UploadJSON(ctx, manifestKey(prefix), manifest); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}
	manifestURI := b.store.URI(manifestKey(prefix))

	result := &BuildResult{
		RunID:            runID,
		Mode:             opts.Mode,
		GCSPrefix:        b.store.URI(prefix),
		ManifestStatsURI: manifestURI,
	}

	if opts.DryRun {
		summary := RunSummary{
			Mode:             opts.Mode,
			RunID:            runID,
			DryRun:           true,
			ManifestStatsURI: manifestURI,
			GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		if err := b.store.UploadJSON(ctx, summaryKey(prefix), summary); err != nil {
			return nil, fmt.Errorf("upload run summary: %w", err)
		}
		result.RunSummaryURI = b.store.URI(summaryKey(prefix))
		return result, nil
	}

	var allFailed []FailedChunk
	var buffer []warehouse.EvidenceDoc
	lastDocID := startAfter

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		stats, failed, err := b.flushShard(ctx, buffer, shardIndex, opts, gate, runID, prefix)
		if err != nil {
			return err
		}
		totals.docs += int64(stats.docs)
		totals.chunks += int64(stats.chunks)
		totals.embedded += int64(stats.embedded)
		totals.failed += int64(stats.failed)
		totals.retries += stats.retries
		if totals.dim == 0 && stats.dim > 0 {
			totals.dim = stats.dim
		}
		allFailed = append(allFailed, failed...)
		shardIndex++
		buffer = buffer[:0]
		return b.uploadCheckpoint(ctx, runID, opts.Mode, prefix, lastDocID, shardIndex, totals)
	}

	err = b.iterDocs(ctx, opts, startAfter, pilotDocs, func(d warehouse.EvidenceDoc) error {
		buffer = append(buffer, d)
		lastDocID = d.DocID
		if len(buffer) < opts.BatchDocs {
			return nil
		}
		return flush()
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	failedURI := ""
	if len(allFailed) > 0 {
		buf, err := encodeJSONL(allFailed)
		if err != nil {
			return nil, fmt.Errorf("encode failed chunks: %w", err)
		}
		if err := b.store.Upload(ctx, failedKey(prefix), buf, "application/json"); err != nil {
			return nil, fmt.Errorf("upload failed chunks: %w", err)
		}
		failedURI = b.store.URI(failedKey(prefix))
	}

	summary := RunSummary{
		Mode:             opts.Mode,
		RunID:            runID,
		Docs:             totals.docs,
		Chunks:           totals.chunks,
		EmbeddedChunks:   totals.embedded,
		FailedChunks:     totals.failed,
		Retries:          totals.retries,
		EmbeddingDim:     totals.dim,
		Workers:          opts.Workers,
		MaxRetries:       opts.MaxRetries,
		BatchDocs:        opts.BatchDocs,
		EmbedBatchSize:   opts.EmbedBatchSize,
		ManifestStatsURI: manifestURI,
		FailedChunksURI:  failedURI,
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.UploadJSON(ctx, summaryKey(prefix), summary); err != nil {
		return nil, fmt.Errorf("upload run summary: %w", err)
	}

	result.Docs = totals.docs
	result.Chunks = totals.chunks
	result.EmbeddedChunks = totals.embedded
	result.FailedChunks = totals.failed
	result.EmbeddingDim = totals.dim
	result.ShardCount = shardIndex
	result.RunSummaryURI = b.store.URI(summaryKey(prefix))
	result.FailedChunksURI = failedURI

	b.log.Info("index build finished",
		"run_id", runID,
		"docs", totals.docs,
		"chunks", totals.chunks,
		"embedded_chunks", totals.embedded,
		"failed_chunks", totals.failed,
		"shards", shardIndex,
		"retries", totals.retries,
	)
	return result, nil
}

func (b *Builder) buildManifest(ctx context.Context, opts Options, runID, prefix string, pilotDocs []warehouse.EvidenceDoc) (*Manifest, error) {
	m := &Manifest{
		Mode:                   opts.Mode,
		RunID:                  runID,
		GCSPrefix:              b.store.URI(prefix),
		GeneratedAt:            time.Now().UTC().Format(time.RFC3339),
		MinLinkedEntities:      opts.MinLinkedEntities,
		EnableEntityTypeFilter: opts.EnableTypeFilter,
		AllowedEntityTypes:     opts.EntityTypes,
		BatchDocs:              opts.BatchDocs,
		Workers:                opts.Workers,
		MaxRetries:             opts.MaxRetries,
	}

	if opts.Mode == ModePilot {
		m.DocsTotal = int64(len(pilotDocs))
		for _, d := range pilotDocs {
			switch d.DocType {
			case "paper":
				m.DocsPaper++
			case "trial":
				m.DocsTrial++
			case "patent":
				m.DocsPatent++
			}
		}
		m.PilotLimit = opts.Limit
		return m, nil
	}

	stats, err := b.docs.ManifestStats(ctx, b.docFilter(opts, ""))
	if err != nil {
		return nil, fmt.Errorf("manifest stats: %w", err)
	}
	m.DocsTotal = stats.DocsTotal
	m.DocsPaper = stats.DocsPaper
	m.DocsTrial = stats.DocsTrial
	m.DocsPatent = stats.DocsPatent
	if opts.Limit > 0 {
		m.DocsTotalCapped = opts.Limit
	}
	return m, nil
}

func (b *Builder) docFilter(opts Options, startAfter string) warehouse.DocFilter {
	f := warehouse.DocFilter{
		MinLinkedEntities: opts.MinLinkedEntities,
		StartAfterDocID:   startAfter,
		Limit:             opts.Limit,
	}
	if opts.EnableTypeFilter {
		f.EntityTypes = opts.EntityTypes
	}
	return f
}

func (b *Builder) iterDocs(ctx context.Context, opts Options, startAfter string, pilotDocs []warehouse.EvidenceDoc, yield func(warehouse.EvidenceDoc) error) error {
	if opts.Mode == ModePilot {
		for _, d := range pilotDocs {
			if d.DocID <= startAfter {
				continue
			}
			if err := yield(d); err != nil {
				return err
			}
		}
		return nil
	}
	return b.docs.StreamFilteredDocs(ctx, b.docFilter(opts, startAfter), yield)
}

type shardStats struct {
	docs     int
	chunks   int
	embedded int
	failed   int
	retries  int64
	dim      int
}

func (b *Builder) flushShard(ctx context.Context, docs []warehouse.EvidenceDoc, idx int, opts Options, gate *rateGate, runID, prefix string) (shardStats, []FailedChunk, error) {
	var rows []chunkRow
	for _, d := range docs {
		for _, c := range chunking.ChunkDocument(d.DocID, d.DocType, d.Text, opts.MaxChunkChars, opts.OverlapChars) {
			rows = append(rows, chunkRow{
				ChunkID:     c.ChunkID,
				DocID:       c.DocID,
				DocType:     c.DocType,
				ChunkIndex:  c.ChunkIndex,
				Text:        c.Text,
				SourceID:    d.SourceID,
				EntityCount: d.EntityCount,
			})
		}
	}

	ok, failed, retries, dim, err := b.embedBatches(ctx, rows, opts, gate)
	if err != nil {
		return shardStats{}, nil, err
	}

	records := make([]shardRecord, len(ok))
	for i, r := range ok {
		records[i] = shardRecord{
			ID:        r.ChunkID,
			Embedding: r.Embedding,
			Restricts: []restrict{{Namespace: "doc_type", Allow: []string{r.DocType}}},
			Metadata: recordMetadata{
				DocID:       r.DocID,
				DocType:     r.DocType,
				SourceID:    r.SourceID,
				ChunkIndex:  r.ChunkIndex,
				EntityCount: r.EntityCount,
				RunID:       runID,
				ModelID:     b.embed.Model(),
			},
		}
	}
	buf, err := encodeJSONL(records)
	if err != nil {
		return shardStats{}, nil, fmt.Errorf("encode shard %d: %w", idx, err)
	}
	if err := b.store.Upload(ctx, shardKey(prefix, idx), buf, "application/json"); err != nil {
		return shardStats{}, nil, fmt.Errorf("upload shard %d: %w", idx, err)
	}

	if opts.UpsertVectors && b.vectors != nil {
		if err := b.upsertShard(ctx, ok, runID); err != nil {
			return shardStats{}, nil, fmt.Errorf("upsert shard %d: %w", idx, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	failedChunks := make([]FailedChunk, len(failed))
	for i, f := range failed {
		failedChunks[i] = FailedChunk{
			RunID:      runID,
			ShardIndex: idx,
			ChunkID:    f.ChunkID,
			DocID:      f.DocID,
			DocType:    f.DocType,
			SourceID:   f.SourceID,
			Error:      f.Error,
			CreatedAt:  now,
		}
	}

	b.log.Info("shard flushed",
		"shard_index", idx,
		"docs", len(docs),
		"chunks", len(rows),
		"embedded", len(ok),
		"failed", len(failed),
		"retries", retries,
	)
	return shardStats{
		docs:     len(docs),
		chunks:   len(rows),
		embedded: len(ok),
		failed:   len(failed),
		retries:  retries,
		dim:      dim,
	}, failedChunks, nil
}

func (b *Builder) upsertShard(ctx context.Context, rows []embeddedRow, runID string) error {
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		vecs := make([]vector.Vector, 0, end-start)
		for _, r := range rows[start:end] {
			vecs = append(vecs, vector.Vector{
				ID:     r.ChunkID,
				Values: r.Embedding,
				Metadata: map[string]any{
					"doc_id":       r.DocID,
					"doc_type":     r.DocType,
					"source_id":    r.SourceID,
					"chunk_index":  r.ChunkIndex,
					"entity_count": r.EntityCount,
					"run_id":       runID,
					"model_id":     b.embed.Model(),
				},
			})
		}
		if err := b.vectors.Upsert(ctx, vecs); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) uploadCheckpoint(ctx context.Context, runID, mode, prefix, lastDocID string, nextShard int, t runTotals) error {
	cp := Checkpoint{
		RunID:          runID,
		Mode:           mode,
		LastDocID:      lastDocID,
		NextShardIndex: nextShard,
		Docs:           t.docs,
		Chunks:         t.chunks,
		EmbeddedChunks: t.embedded,
		FailedChunks:   t.failed,
		EmbeddingDim:   t.dim,
		Retries:        t.retries,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.UploadJSON(ctx, checkpointKey(prefix), cp); err != nil {
		return fmt.Errorf("upload checkpoint: %w", err)
	}
	return nil
}
