// Command ingest converts MySQL dump files into typed, compressed
// JSONL shards and optionally uploads them to GCS. It is phase one of
// the offline pipeline; cmd/index consumes the warehouse tables loaded
// from these shards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/lumenbio/biograph-backend/internal/pipeline/dumpparse"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type ingestConfig struct {
	InputDir    string   `yaml:"input_dir"`
	OutputDir   string   `yaml:"output_dir"`
	BatchSize   int      `yaml:"batch_size"`
	Workers     int      `yaml:"workers"`
	Tables      []string `yaml:"tables"`
	LargeTables []string `yaml:"large_tables"`
	GCSPrefix   string   `yaml:"gcs_prefix"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		configPath = flag.String("config", "", "YAML config file overriding defaults")
		inputDir   = flag.String("input", "", "directory holding {table}.sql.gz dumps")
		outputDir  = flag.String("output", "", "directory for shard output")
		tablesCSV  = flag.String("tables", "", "comma-separated table subset")
		gcsPrefix  = flag.String("gcs-prefix", "", "upload shards under this GCS prefix")
	)
	flag.Parse()

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "ingest")

	cfg := ingestConfig{
		InputDir:  envutil.String("DUMP_INPUT_DIR", "data/pkg_sql"),
		OutputDir: envutil.String("SHARD_OUTPUT_DIR", "data/pkg_shards"),
		BatchSize: envutil.Int("BATCH_SIZE", dumpparse.DefaultBatchSize),
	}
	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			log.Error("config load failed", "path", *configPath, "error", err.Error())
			os.Exit(1)
		}
	}
	if *inputDir != "" {
		cfg.InputDir = *inputDir
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *tablesCSV != "" {
		cfg.Tables = splitCSV(*tablesCSV)
	}
	if *gcsPrefix != "" {
		cfg.GCSPrefix = *gcsPrefix
	}

	opts := dumpparse.Options{
		InputDir:    cfg.InputDir,
		OutputDir:   cfg.OutputDir,
		BatchSize:   cfg.BatchSize,
		Workers:     cfg.Workers,
		Tables:      cfg.Tables,
		LargeTables: cfg.LargeTables,
	}
	results, err := dumpparse.ConvertAll(ctx, opts, log)
	if err != nil {
		log.Error("conversion aborted", "error", err.Error())
		os.Exit(1)
	}

	var failed []string
	var shardFiles []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Table)
			continue
		}
		shardFiles = append(shardFiles, r.ShardFiles...)
	}
	if len(failed) > 0 {
		log.Warn("some tables failed", "tables", strings.Join(failed, ","))
	}

	if cfg.GCSPrefix != "" && len(shardFiles) > 0 {
		if err := uploadShards(ctx, cfg.GCSPrefix, shardFiles, log); err != nil {
			log.Error("shard upload failed", "error", err.Error())
			os.Exit(1)
		}
	}
}

func loadConfigFile(path string, cfg *ingestConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func uploadShards(ctx context.Context, prefix string, files []string, log *logger.Logger) error {
	store, err := gcp.NewObjectStore(ctx, log)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("gcs upload requested but GCS_BUCKET is not set")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range files {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			key := strings.TrimSuffix(prefix, "/") + "/" + filepath.Base(path)
			if err := store.Upload(gctx, key, f, "application/zstd"); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			log.Info("shard uploaded", "uri", store.URI(key))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shard upload complete", "files", len(files), "prefix", prefix)
	return nil
}
