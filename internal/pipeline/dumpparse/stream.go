package dumpparse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

const streamBufferSize = 32 << 20

// gzip child processes tried in order. Decompressing out of process
// keeps the hot loop on raw line reads for multi-GB dumps.
var gzipCommands = [][]string{
	{"gzcat"},
	{"gunzip", "-c"},
	{"zcat"},
}

// OpenDump opens a dump file for streaming, decompressing .gz inputs
// through a child process when one is available and falling back to
// in-process gzip otherwise. The caller must close the result.
func OpenDump(path string, log *logger.Logger) (io.ReadCloser, error) {
	if !strings.HasSuffix(path, ".gz") {
		return os.Open(path)
	}

	for _, argv := range gzipCommands {
		bin, err := exec.LookPath(argv[0])
		if err != nil {
			continue
		}
		cmd := exec.Command(bin, append(argv[1:], path)...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pipe %s: %w", argv[0], err)
		}
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
		return &processReader{stdout: stdout, cmd: cmd}, nil
	}

	log.Debug("no gzip binary on PATH, decompressing in process", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return &gzipFileReader{zr: zr, f: f}, nil
}

type processReader struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (p *processReader) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *processReader) Close() error {
	p.stdout.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.cmd.Wait()
	return nil
}

type gzipFileReader struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipFileReader) Read(b []byte) (int, error) { return g.zr.Read(b) }

func (g *gzipFileReader) Close() error {
	g.zr.Close()
	return g.f.Close()
}

// StreamRows scans a dump for INSERT statements and feeds complete
// rows to yield. Lines whose values do not divide evenly by numCols
// contribute their whole groups and count as one bad line; the first
// ten are logged. Returns rows emitted and bad line count.
func StreamRows(r io.Reader, table string, numCols int, log *logger.Logger, yield func(row []Value) error) (int64, int, error) {
	br := bufio.NewReaderSize(r, streamBufferSize)
	insertPrefix := []byte("INSERT INTO")
	valuesMark := []byte("VALUES ")

	var rows int64
	badLines := 0

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && bytes.HasPrefix(line, insertPrefix) {
			if idx := bytes.Index(line, valuesMark); idx >= 0 {
				n, leftover, yerr := ExtractValues(line[idx+len(valuesMark):], numCols, yield)
				rows += int64(n)
				if yerr != nil {
					return rows, badLines, yerr
				}
				if leftover > 0 {
					badLines++
					if badLines <= 10 {
						log.Warn("incomplete row group in dump line",
							"table", table,
							"leftover_values", leftover,
							"expected_cols", numCols,
						)
					}
				}
			}
		}
		if err == io.EOF {
			return rows, badLines, nil
		}
		if err != nil {
			return rows, badLines, err
		}
	}
}
