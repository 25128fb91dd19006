package dumpparse

import (
	"strings"
	"testing"
)

const sampleHeader = `-- MySQL dump 10.13  Distrib 8.0.32
--
-- Host: localhost    Database: pkg
-- ------------------------------------------------------

DROP TABLE IF EXISTS ` + "`C01_Papers`" + `;
CREATE TABLE ` + "`C01_Papers`" + ` (
  ` + "`PMID`" + ` int(11) NOT NULL,
  ` + "`Title`" + ` varchar(512) DEFAULT NULL,
  ` + "`Score`" + ` double DEFAULT NULL,
  ` + "`IsRetracted`" + ` binary(1) DEFAULT NULL,
  PRIMARY KEY (` + "`PMID`" + `),
  KEY ` + "`idx_title`" + ` (` + "`Title`" + `)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

INSERT INTO ` + "`C01_Papers`" + ` VALUES (1,'a',0.5,_binary '0');
`

func TestScanHeaderParsesCreateTable(t *testing.T) {
	schema, err := ScanHeader(strings.NewReader(sampleHeader), "fallback")
	if err != nil {
		t.Fatalf("ScanHeader: %v", err)
	}
	if schema.Table != "C01_Papers" {
		t.Fatalf("table: want=%q got=%q", "C01_Papers", schema.Table)
	}
	if len(schema.Columns) != 4 {
		t.Fatalf("columns: want=4 got=%d", len(schema.Columns))
	}

	wantTypes := map[string]LogicalType{
		"PMID":        LogicalInt64,
		"Title":       LogicalString,
		"Score":       LogicalFloat64,
		"IsRetracted": LogicalInt64,
	}
	for _, col := range schema.Columns {
		if wantTypes[col.Name] != col.Type {
			t.Fatalf("column %s: want=%s got=%s", col.Name, wantTypes[col.Name], col.Type)
		}
	}
}

func TestScanHeaderStopsAtFirstInsert(t *testing.T) {
	dump := sampleHeader + `
CREATE TABLE ` + "`Other`" + ` (
  ` + "`X`" + ` int(11) NOT NULL
);
`
	schema, err := ScanHeader(strings.NewReader(dump), "fallback")
	if err != nil {
		t.Fatalf("ScanHeader: %v", err)
	}
	if schema.Table != "C01_Papers" {
		t.Fatalf("table: want=%q got=%q", "C01_Papers", schema.Table)
	}
	if len(schema.Columns) != 4 {
		t.Fatalf("columns after first table: want=4 got=%d", len(schema.Columns))
	}
}

func TestScanHeaderNoColumnsIsError(t *testing.T) {
	dump := "-- just comments\n-- nothing else\n"
	_, err := ScanHeader(strings.NewReader(dump), "missing_table")
	if err == nil {
		t.Fatalf("expected error for dump without columns")
	}
	if !strings.Contains(err.Error(), "missing_table") {
		t.Fatalf("error should name the fallback table, got %q", err.Error())
	}
}

func TestScanHeaderSurvivesOversizedLines(t *testing.T) {
	giantComment := "-- " + strings.Repeat("x", 256*1024) + "\n"
	dump := giantComment + sampleHeader
	schema, err := ScanHeader(strings.NewReader(dump), "fallback")
	if err != nil {
		t.Fatalf("ScanHeader: %v", err)
	}
	if len(schema.Columns) != 4 {
		t.Fatalf("columns: want=4 got=%d", len(schema.Columns))
	}
}
