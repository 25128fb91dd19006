package indexer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenbio/biograph-backend/internal/platform/httpx"
)

// chunkRow is one chunk awaiting embedding.
type chunkRow struct {
	ChunkID     string
	DocID       string
	DocType     string
	ChunkIndex  int
	Text        string
	SourceID    string
	EntityCount int
}

// embeddedRow pairs a chunk with its vector.
type embeddedRow struct {
	chunkRow
	Embedding []float32
}

// failedRow carries the terminal error for a chunk that exhausted its
// retries.
type failedRow struct {
	chunkRow
	Error string
}

var retryTokens = []string{"429", "503", "rate", "quota", "unavailable", "deadline", "timeout", "internal"}

// isRetryableEmbedError treats transport-level failures and anything
// that smells like throttling or a transient backend error as worth a
// backoff.
func isRetryableEmbedError(err error) bool {
	if err == nil {
		return false
	}
	if httpx.IsRetryableError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range retryTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// embedBatches splits rows into request-sized batches and embeds them
// on a bounded worker pool. Every batch passes the shared rate gate
// before each attempt; retryable failures back off exponentially with
// jitter. Rows from a batch that exhausts its retries come back in the
// failed slice rather than aborting the run.
func (b *Builder) embedBatches(ctx context.Context, rows []chunkRow, opts Options, gate *rateGate) ([]embeddedRow, []failedRow, int64, int, error) {
	if len(rows) == 0 {
		return nil, nil, 0, 0, nil
	}

	var batches [][]chunkRow
	for i := 0; i < len(rows); i += opts.EmbedBatchSize {
		end := i + opts.EmbedBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[i:end])
	}

	okByBatch := make([][]embeddedRow, len(batches))
	failedByBatch := make([][]failedRow, len(batches))
	var retries atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ok, failed, used, err := b.embedBatch(gctx, batch, opts, gate)
			if err != nil {
				return err
			}
			okByBatch[i] = ok
			failedByBatch[i] = failed
			retries.Add(used)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, retries.Load(), 0, err
	}

	var ok []embeddedRow
	var failed []failedRow
	for i := range batches {
		ok = append(ok, okByBatch[i]...)
		failed = append(failed, failedByBatch[i]...)
	}
	dim := 0
	if len(ok) > 0 {
		dim = len(ok[0].Embedding)
	}
	return ok, failed, retries.Load(), dim, nil
}

func (b *Builder) embedBatch(ctx context.Context, batch []chunkRow, opts Options, gate *rateGate) ([]embeddedRow, []failedRow, int64, error) {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.Text
	}

	var used int64
	for attempt := 0; ; attempt++ {
		if err := gate.Wait(ctx); err != nil {
			return nil, nil, used, err
		}

		vectors, err := b.embed.EmbedDocuments(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(vectors))
		}
		if err == nil {
			ok := make([]embeddedRow, len(batch))
			for i, r := range batch {
				ok[i] = embeddedRow{chunkRow: r, Embedding: vectors[i]}
			}
			return ok, nil, used, nil
		}
		if ctx.Err() != nil {
			return nil, nil, used, ctx.Err()
		}

		if attempt >= opts.MaxRetries || !isRetryableEmbedError(err) {
			failed := make([]failedRow, len(batch))
			for i, r := range batch {
				failed[i] = failedRow{chunkRow: r, Error: err.Error()}
			}
			b.log.Warn("embedding batch failed",
				"chunks", len(batch),
				"attempts", attempt+1,
				"error", err.Error(),
			)
			return nil, failed, used, nil
		}

		used++
		delay := httpx.ExpBackoff(opts.BaseBackoff, attempt, 0)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, used, ctx.Err()
		case <-t.C:
		}
	}
}
