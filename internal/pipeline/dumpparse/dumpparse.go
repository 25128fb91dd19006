// Package dumpparse converts compressed MySQL dump files into typed,
// compressed JSONL shards ready for warehouse loading.
//
// A dump is processed in two streaming passes: a header scan that stops
// at the first INSERT and yields the table schema, then a value pass
// that tokenizes each extended-INSERT line and groups tokens into rows.
// Decompression is delegated to a gzcat child process when one is on
// PATH, with an in-process gzip fallback.
package dumpparse

import "strings"

// LogicalType is the warehouse-facing column type. MySQL's zoo of
// declared types collapses to three.
type LogicalType string

const (
	LogicalInt64   LogicalType = "Int64"
	LogicalFloat64 LogicalType = "Float64"
	LogicalString  LogicalType = "String"
)

type Column struct {
	Name string      `json:"name"`
	Type LogicalType `json:"type"`
}

type TableSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Value is one decoded SQL literal. Null distinguishes SQL NULL from an
// empty string; S holds the raw token for numerics and the unescaped
// text for strings.
type Value struct {
	S    string
	Null bool
}

var intPrefixes = []string{"int", "bigint", "smallint", "tinyint", "mediumint"}
var floatPrefixes = []string{"float", "double", "decimal", "numeric"}

// mysqlTypeToLogical maps a declared MySQL type token to its logical
// type. binary(1) columns carry 0/1 flags in the source dumps, so the
// binary family counts as integral.
func mysqlTypeToLogical(mysqlType string) LogicalType {
	t := strings.ToLower(strings.TrimSpace(mysqlType))
	for _, p := range intPrefixes {
		if strings.HasPrefix(t, p) {
			return LogicalInt64
		}
	}
	for _, p := range floatPrefixes {
		if strings.HasPrefix(t, p) {
			return LogicalFloat64
		}
	}
	if strings.HasPrefix(t, "binary") {
		return LogicalInt64
	}
	return LogicalString
}
