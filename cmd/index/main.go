// Command index builds the embedding index for the evidence corpus:
// chunks documents from the warehouse, embeds them, and writes batch
// shards plus run artifacts to GCS. With -sink vector the shards are
// also upserted into the configured vector store as they are written.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenbio/biograph-backend/internal/app"
	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/pipeline/indexer"
	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/embeddings"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := indexer.OptionsFromEnv()
	var enableTypeFilter bool
	flag.StringVar(&opts.Mode, "mode", opts.Mode, "run mode: pilot or full")
	flag.IntVar(&opts.Limit, "limit", opts.Limit, "doc limit (0 means uncapped in full mode)")
	flag.IntVar(&opts.BatchDocs, "batch-docs", opts.BatchDocs, "docs per shard")
	flag.IntVar(&opts.Workers, "workers", opts.Workers, "parallel embedding workers")
	flag.IntVar(&opts.MaxRetries, "max-retries", opts.MaxRetries, "max retries per embedding batch")
	flag.IntVar(&opts.MinLinkedEntities, "min-linked-entities", opts.MinLinkedEntities, "minimum distinct linked entities per doc")
	flag.BoolVar(&enableTypeFilter, "type-filter", false, "restrict entity counting to the allowed entity types")
	flag.StringVar(&opts.ResumeRunID, "resume-run-id", "", "resume a previous run id")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "write manifest and summary only")
	flag.StringVar(&opts.Prefix, "prefix", "", "optional GCS prefix for run artifacts")
	sink := flag.String("sink", envutil.String("INDEX_SINK", "gcs"), "index sink: gcs or vector")
	flag.Parse()
	opts.EnableTypeFilter = enableTypeFilter

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "index")

	switch *sink {
	case "gcs":
	case "vector":
		opts.UpsertVectors = true
	default:
		log.Error("unknown sink", "sink", *sink)
		os.Exit(1)
	}

	builder, cleanup, err := wireBuilder(ctx, opts, log)
	if err != nil {
		log.Error("index wiring failed", "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	result, err := builder.Run(ctx, opts)
	if err != nil {
		log.Error("index build failed", "error", err.Error())
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error("encode result", "error", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func wireBuilder(ctx context.Context, opts indexer.Options, log *logger.Logger) (*indexer.Builder, func(), error) {
	ch, err := clickhousedb.NewFromEnv(log)
	if err != nil {
		return nil, nil, fmt.Errorf("warehouse: %w", err)
	}
	cleanup := func() { ch.Close() }

	store, err := gcp.NewObjectStore(ctx, log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("object store: %w", err)
	}
	if store == nil {
		cleanup()
		return nil, nil, fmt.Errorf("GCS_BUCKET is required for index runs")
	}

	embedder, err := embeddings.NewFromEnv(log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("embeddings: %w", err)
	}
	if embedder == nil {
		cleanup()
		return nil, nil, fmt.Errorf("GEMINI_API_KEY is required for index runs")
	}
	prev := cleanup
	cleanup = func() {
		embedder.Close()
		prev()
	}

	var vectors vector.Store
	if opts.UpsertVectors {
		vs, err := app.NewVectorStoreFromEnv(log)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("vector store: %w", err)
		}
		if vs == nil {
			cleanup()
			return nil, nil, fmt.Errorf("sink vector requires a configured vector provider")
		}
		vectors = vs
	}

	docs := warehouse.NewEvidenceDocRepo(ch, log)
	return indexer.NewBuilder(store, docs, embedder, vectors, log), cleanup, nil
}
