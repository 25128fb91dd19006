package dumpparse

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// ShardWriter spills rows into zstd-compressed JSONL shards of at most
// batchSize rows each. Every shard starts with a schema header line so
// downstream loaders never need the source dump. Shard filenames sort
// lexicographically in write order.
type ShardWriter struct {
	dir       string
	schema    *TableSchema
	batchSize int

	shardIdx    int
	rowsInShard int
	totalRows   int64
	files       []string

	f   *os.File
	zw  *zstd.Encoder
	enc *json.Encoder
}

func NewShardWriter(dir string, schema *TableSchema, batchSize int) *ShardWriter {
	return &ShardWriter{dir: dir, schema: schema, batchSize: batchSize}
}

// Append coerces one row to the schema's logical types and writes it,
// rotating to a new shard when the current one is full.
func (w *ShardWriter) Append(row []Value) error {
	if len(row) != len(w.schema.Columns) {
		return fmt.Errorf("table %s: row has %d values, schema has %d columns",
			w.schema.Table, len(row), len(w.schema.Columns))
	}
	if w.f == nil {
		if err := w.openShard(); err != nil {
			return err
		}
	}

	obj := make(map[string]any, len(w.schema.Columns))
	for i, col := range w.schema.Columns {
		obj[col.Name] = coerceValue(col.Type, row[i])
	}
	if err := w.enc.Encode(obj); err != nil {
		return fmt.Errorf("encode row for %s: %w", w.schema.Table, err)
	}

	w.rowsInShard++
	w.totalRows++
	if w.rowsInShard >= w.batchSize {
		return w.closeShard()
	}
	return nil
}

// Close flushes the in-progress shard, if any.
func (w *ShardWriter) Close() error {
	return w.closeShard()
}

func (w *ShardWriter) ShardFiles() []string { return w.files }
func (w *ShardWriter) TotalRows() int64     { return w.totalRows }

func (w *ShardWriter) openShard() error {
	name := fmt.Sprintf("%s_%03d.jsonl.zst", w.schema.Table, w.shardIdx)
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard %s: %w", path, err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("zstd writer for %s: %w", path, err)
	}

	w.f = f
	w.zw = zw
	w.enc = json.NewEncoder(zw)
	w.files = append(w.files, path)

	return w.enc.Encode(w.schema)
}

func (w *ShardWriter) closeShard() error {
	if w.f == nil {
		return nil
	}
	zerr := w.zw.Close()
	ferr := w.f.Close()
	w.f, w.zw, w.enc = nil, nil, nil
	w.shardIdx++
	w.rowsInShard = 0
	if zerr != nil {
		return fmt.Errorf("close shard for %s: %w", w.schema.Table, zerr)
	}
	if ferr != nil {
		return fmt.Errorf("close shard file for %s: %w", w.schema.Table, ferr)
	}
	return nil
}

// coerceValue converts a decoded literal to its logical type. Tokens
// that fail numeric parsing become null rather than aborting the table.
func coerceValue(t LogicalType, v Value) any {
	if v.Null {
		return nil
	}
	switch t {
	case LogicalInt64:
		if n, err := strconv.ParseInt(v.S, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v.S, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return nil
	case LogicalFloat64:
		if f, err := strconv.ParseFloat(v.S, 64); err == nil {
			return f
		}
		return nil
	default:
		return v.S
	}
}
