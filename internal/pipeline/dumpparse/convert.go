package dumpparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// DefaultTables is the PKG 2.0 dump set this pipeline was built for.
var DefaultTables = []string{
	"C23_BioEntities",
	"C13_Link_ClinicalTrials_BioEntities",
	"C21_Bioentity_Relationships",
	"C18_Link_Patents_BioEntities",
	"C15_Patents",
	"C06_Link_Papers_BioEntities",
	"C11_ClinicalTrials",
	"C01_Papers",
	"A04_Abstract",
	"A06_MeshHeadingList",
	"A01_Articles",
	"A03_KeywordList",
}

// DefaultLargeTables are converted sequentially after the worker pool
// drains, keeping concurrent gzcat and shard memory bounded.
var DefaultLargeTables = []string{
	"C06_Link_Papers_BioEntities",
	"A04_Abstract",
}

const (
	DefaultBatchSize = 500000
	DefaultWorkers   = 4
)

type Options struct {
	InputDir    string
	OutputDir   string
	BatchSize   int
	Workers     int
	Tables      []string
	LargeTables []string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if len(o.Tables) == 0 {
		o.Tables = DefaultTables
	}
	if o.LargeTables == nil {
		o.LargeTables = DefaultLargeTables
	}
	return o
}

type TableResult struct {
	Table      string
	Rows       int64
	BadLines   int
	Shards     int
	ShardFiles []string
	Elapsed    time.Duration
	Err        error
}

// ConvertAll converts every configured table, small tables through a
// bounded worker pool and large tables sequentially afterwards. A
// failing table is reported in its result and does not stop the rest;
// the returned error covers missing inputs and cancellation only.
func ConvertAll(ctx context.Context, opts Options, log *logger.Logger) ([]TableResult, error) {
	opts = opts.withDefaults()

	var missing []string
	for _, t := range opts.Tables {
		if _, err := findDump(opts.InputDir, t); err != nil {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing dump files for tables %v in %s", missing, opts.InputDir)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	large := make(map[string]bool, len(opts.LargeTables))
	for _, t := range opts.LargeTables {
		large[t] = true
	}
	var small, sequential []string
	for _, t := range opts.Tables {
		if large[t] {
			sequential = append(sequential, t)
		} else {
			small = append(small, t)
		}
	}

	started := time.Now()
	log.Info("dump conversion starting",
		"tables", len(opts.Tables),
		"parallel", len(small),
		"sequential", len(sequential),
		"batch_size", opts.BatchSize,
		"workers", opts.Workers,
	)

	results := make([]TableResult, len(small)+len(sequential))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, t := range small {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = ConvertTable(gctx, t, opts, log)
			logTableResult(log, results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	for i, t := range sequential {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		idx := len(small) + i
		results[idx] = ConvertTable(ctx, t, opts, log)
		logTableResult(log, results[idx])
	}

	var okCount, totalShards int
	var totalRows int64
	for _, r := range results {
		if r.Err == nil {
			okCount++
		}
		totalRows += r.Rows
		totalShards += r.Shards
	}
	log.Info("dump conversion finished",
		"tables_ok", okCount,
		"tables_total", len(results),
		"total_rows", totalRows,
		"total_shards", totalShards,
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)
	return results, nil
}

// ConvertTable runs the two streaming passes for one table: header
// scan, then row extraction into shards.
func ConvertTable(ctx context.Context, table string, opts Options, log *logger.Logger) TableResult {
	opts = opts.withDefaults()
	started := time.Now()
	res := TableResult{Table: table}

	fail := func(err error) TableResult {
		res.Err = err
		res.Elapsed = time.Since(started)
		return res
	}

	path, err := findDump(opts.InputDir, table)
	if err != nil {
		return fail(err)
	}

	in, err := OpenDump(path, log)
	if err != nil {
		return fail(fmt.Errorf("open %s: %w", path, err))
	}
	schema, err := ScanHeader(in, table)
	in.Close()
	if err != nil {
		return fail(fmt.Errorf("scan header of %s: %w", path, err))
	}
	log.Info("table schema parsed", "table", schema.Table, "columns", len(schema.Columns))

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	in, err = OpenDump(path, log)
	if err != nil {
		return fail(fmt.Errorf("reopen %s: %w", path, err))
	}
	defer in.Close()

	writer := NewShardWriter(opts.OutputDir, schema, opts.BatchSize)
	var seen int64
	rows, badLines, err := StreamRows(in, schema.Table, len(schema.Columns), log, func(row []Value) error {
		seen++
		if seen%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return writer.Append(row)
	})
	res.Rows = rows
	res.BadLines = badLines
	if err != nil {
		writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}

	res.Shards = len(writer.ShardFiles())
	res.ShardFiles = writer.ShardFiles()
	res.Elapsed = time.Since(started)
	return res
}

// findDump prefers the compressed dump and falls back to a plain .sql
// file next to it.
func findDump(dir, table string) (string, error) {
	gz := filepath.Join(dir, table+".sql.gz")
	if _, err := os.Stat(gz); err == nil {
		return gz, nil
	}
	plain := filepath.Join(dir, table+".sql")
	if _, err := os.Stat(plain); err == nil {
		return plain, nil
	}
	return "", fmt.Errorf("no dump file for table %s in %s", table, dir)
}

func logTableResult(log *logger.Logger, r TableResult) {
	if r.Err != nil {
		log.Error("table conversion failed",
			"table", r.Table,
			"error", r.Err.Error(),
			"elapsed", r.Elapsed.Round(time.Millisecond).String(),
		)
		return
	}
	log.Info("table converted",
		"table", r.Table,
		"rows", r.Rows,
		"bad_lines", r.BadLines,
		"shards", r.Shards,
		"elapsed", r.Elapsed.Round(time.Millisecond).String(),
	)
}
