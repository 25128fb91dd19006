// Command materialize builds the warehouse RAG tables from the
// embedding shards of one index run: it stages the shard JSONL,
// replaces the embeddings table, reconstructs chunk text from the
// source docs and rebuilds the doc/entity join.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/pipeline/materialize"
	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := materialize.OptionsFromEnv()
	flag.StringVar(&opts.Prefix, "prefix", "", "run prefix, gs://bucket/... or bucket relative (required)")
	flag.StringVar(&opts.Database, "database", opts.Database, "target database for the RAG tables")
	flag.StringVar(&opts.EmbedTable, "embed-table", opts.EmbedTable, "embeddings table name")
	flag.StringVar(&opts.EntityTable, "entity-table", opts.EntityTable, "doc/entity table name")
	flag.IntVar(&opts.DocBatchSize, "doc-batch-size", opts.DocBatchSize, "docs per reconstruction batch")
	flag.IntVar(&opts.ChunkTextFlush, "chunk-text-flush", opts.ChunkTextFlush, "staged chunk texts per merge")
	flag.IntVar(&opts.MaxChunkChars, "max-chunk-chars", opts.MaxChunkChars, "chunk size used at embedding time")
	flag.IntVar(&opts.OverlapChars, "chunk-overlap-chars", opts.OverlapChars, "chunk overlap used at embedding time")
	flag.BoolVar(&opts.Resume, "resume", false, "reuse the existing embeddings table, only backfill missing chunk text")
	flag.BoolVar(&opts.SkipEntityRefresh, "skip-entity-refresh", false, "skip rebuilding the entity table")
	flag.BoolVar(&opts.KeepTemp, "keep-temp", false, "keep staging tables after the run")
	flag.Parse()

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "materialize")

	if opts.Prefix == "" {
		log.Error("missing required -prefix")
		os.Exit(1)
	}

	ch, err := clickhousedb.NewFromEnv(log)
	if err != nil {
		log.Error("warehouse unavailable", "error", err.Error())
		os.Exit(1)
	}
	defer ch.Close()

	store, err := gcp.NewObjectStore(ctx, log)
	if err != nil {
		log.Error("object store init failed", "error", err.Error())
		os.Exit(1)
	}
	if store == nil {
		log.Error("GCS_BUCKET is required for materialize runs")
		os.Exit(1)
	}

	docs := warehouse.NewEvidenceDocRepo(ch, log)
	tables := warehouse.NewRagTableRepo(ch, warehouse.RagTableConfig{
		Database:    opts.Database,
		EmbedTable:  opts.EmbedTable,
		EntityTable: opts.EntityTable,
	}, log)

	result, err := materialize.NewMaterializer(store, docs, tables, log).Run(ctx, opts)
	if err != nil {
		log.Error("materialization failed", "error", err.Error())
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error("encode result", "error", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(out))
}
