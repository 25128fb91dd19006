package dumpparse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	backtickNameRe = regexp.MustCompile("`(\\w+)`")
	columnDeclRe   = regexp.MustCompile("^\\s*`(\\w+)`\\s+([^\\s,]+)")
)

var headerSkipPrefixes = []string{"PRIMARY", "KEY", "UNIQUE", "INDEX", "CONSTRAINT", ")"}

// ScanHeader streams dump lines until the first INSERT INTO and builds
// the table schema from the CREATE TABLE block. The table name falls
// back to fallbackTable (usually derived from the filename) when the
// CREATE TABLE line is missing. A dump with no recognizable columns is
// fatal for that table.
func ScanHeader(r io.Reader, fallbackTable string) (*TableSchema, error) {
	schema := &TableSchema{Table: fallbackTable}
	inCreate := false

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, long, err := readLineFragment(br)
		if len(line) > 0 {
			if bytes.HasPrefix(line, []byte("INSERT INTO")) {
				break
			}
			if !long {
				if err := scanHeaderLine(schema, &inCreate, string(line)); err != nil {
					return nil, err
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("no columns found for table %q", schema.Table)
	}
	return schema, nil
}

func scanHeaderLine(schema *TableSchema, inCreate *bool, line string) error {
	if strings.HasPrefix(line, "CREATE TABLE") {
		if m := backtickNameRe.FindStringSubmatch(line); m != nil {
			schema.Table = m[1]
		}
		*inCreate = true
		return nil
	}
	if !*inCreate {
		return nil
	}
	stripped := strings.TrimSpace(line)
	if strings.HasPrefix(stripped, ")") {
		*inCreate = false
		return nil
	}
	for _, p := range headerSkipPrefixes {
		if strings.HasPrefix(stripped, p) {
			return nil
		}
	}
	if m := columnDeclRe.FindStringSubmatch(line); m != nil {
		schema.Columns = append(schema.Columns, Column{
			Name: m[1],
			Type: mysqlTypeToLogical(m[2]),
		})
	}
	return nil
}

// readLineFragment returns the first fragment of the next line (without
// the trailing newline) and reports whether the line overflowed the
// buffer. Overflowing lines are drained so the next call starts on a
// fresh line; only the first fragment is returned, which is enough to
// prefix-match INSERT INTO without materializing a multi-megabyte line.
func readLineFragment(br *bufio.Reader) ([]byte, bool, error) {
	frag, err := br.ReadSlice('\n')
	if err == nil || err == io.EOF {
		return bytes.TrimRight(frag, "\r\n"), false, err
	}
	if !errors.Is(err, bufio.ErrBufferFull) {
		return nil, false, err
	}

	first := append([]byte(nil), frag...)
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = br.ReadSlice('\n')
	}
	if err != nil && err != io.EOF {
		return first, true, err
	}
	return first, true, err
}
