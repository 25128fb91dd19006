package indexer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Checkpoint is uploaded after every shard so an interrupted run can
// resume from the last completed document.
type Checkpoint struct {
	RunID          string `json:"run_id"`
	Mode           string `json:"mode"`
	LastDocID      string `json:"last_doc_id"`
	NextShardIndex int    `json:"next_shard_index"`
	Docs           int64  `json:"docs"`
	Chunks         int64  `json:"chunks"`
	EmbeddedChunks int64  `json:"embedded_chunks"`
	FailedChunks   int64  `json:"failed_chunks"`
	EmbeddingDim   int    `json:"embedding_dim"`
	Retries        int64  `json:"retries"`
	UpdatedAt      string `json:"updated_at"`
}

// Manifest records the eligible-corpus census and the knobs the run was
// started with, uploaded before any shard is written.
type Manifest struct {
	DocsTotal              int64    `json:"docs_total"`
	DocsPaper              int64    `json:"docs_paper"`
	DocsTrial              int64    `json:"docs_trial"`
	DocsPatent             int64    `json:"docs_patent"`
	DocsTotalCapped        int      `json:"docs_total_capped,omitempty"`
	PilotLimit             int      `json:"pilot_limit,omitempty"`
	Mode                   string   `json:"mode"`
	RunID                  string   `json:"run_id"`
	GCSPrefix              string   `json:"gcs_prefix"`
	GeneratedAt            string   `json:"generated_at"`
	MinLinkedEntities      int      `json:"min_linked_entities"`
	EnableEntityTypeFilter bool     `json:"enable_entity_type_filter"`
	AllowedEntityTypes     []string `json:"allowed_entity_types"`
	BatchDocs              int      `json:"batch_docs"`
	Workers                int      `json:"workers"`
	MaxRetries             int      `json:"max_retries"`
}

// RunSummary is the final artifact of a run.
type RunSummary struct {
	Mode             string `json:"mode"`
	RunID            string `json:"run_id"`
	DryRun           bool   `json:"dry_run,omitempty"`
	Docs             int64  `json:"docs"`
	Chunks           int64  `json:"chunks"`
	EmbeddedChunks   int64  `json:"embedded_chunks"`
	FailedChunks     int64  `json:"failed_chunks"`
	Retries          int64  `json:"retries"`
	EmbeddingDim     int    `json:"embedding_dim"`
	Workers          int    `json:"workers,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	BatchDocs        int    `json:"batch_docs,omitempty"`
	EmbedBatchSize   int    `json:"embed_batch_size,omitempty"`
	ManifestStatsURI string `json:"manifest_stats_uri"`
	FailedChunksURI  string `json:"failed_chunks_uri,omitempty"`
	GeneratedAt      string `json:"generated_at"`
}

// FailedChunk is one chunk whose embedding never succeeded, reported in
// failed_chunks.jsonl for later backfill.
type FailedChunk struct {
	RunID      string `json:"run_id"`
	ShardIndex int    `json:"shard_index"`
	ChunkID    string `json:"chunk_id"`
	DocID      string `json:"doc_id"`
	DocType    string `json:"doc_type"`
	SourceID   string `json:"source_id"`
	Error      string `json:"error"`
	CreatedAt  string `json:"created_at"`
}

// shardRecord is one line of a shard file, shaped for batch index
// ingestion: the vector plus a doc_type restrict and enough metadata to
// reconstruct the chunk without the source dump.
type shardRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Restricts []restrict     `json:"restricts"`
	Metadata  recordMetadata `json:"embedding_metadata"`
}

type restrict struct {
	Namespace string   `json:"namespace"`
	Allow     []string `json:"allow"`
}

type recordMetadata struct {
	DocID       string `json:"doc_id"`
	DocType     string `json:"doc_type"`
	SourceID    string `json:"source_id"`
	ChunkIndex  int    `json:"chunk_index"`
	EntityCount int    `json:"entity_count"`
	RunID       string `json:"run_id"`
	ModelID     string `json:"model_id"`
}

func checkpointKey(prefix string) string { return prefix + "/checkpoint.json" }
func manifestKey(prefix string) string   { return prefix + "/manifest_stats.json" }
func summaryKey(prefix string) string    { return prefix + "/run_summary.json" }
func failedKey(prefix string) string     { return prefix + "/failed_chunks.jsonl" }

func shardKey(prefix string, idx int) string {
	return fmt.Sprintf("%s/shards/part-%05d.jsonl", prefix, idx)
}

// encodeJSONL renders one JSON object per line.
func encodeJSONL[T any](rows []T) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
