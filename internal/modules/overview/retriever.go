package overview

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/platform/embeddings"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

const (
	annWeight     = 0.75
	overlapWeight = 0.25
)

// Retriever fetches supporting corpus chunks for a selected connection.
// Retrieval is strictly best-effort: missing configuration or a failure
// at any stage comes back as an empty list so the stream can proceed on
// edge evidence alone.
type Retriever interface {
	RetrieveChunks(ctx context.Context, sel *SelectionContext) []RagChunk
}

type retriever struct {
	embedder embeddings.Service
	store    vector.Store
	rag      warehouse.RagRepo
	log      *logger.Logger
	fetchK   int
	topK     int
}

func NewRetriever(embedder embeddings.Service, store vector.Store, rag warehouse.RagRepo, baseLog *logger.Logger) Retriever {
	return &retriever{
		embedder: embedder,
		store:    store,
		rag:      rag,
		log:      baseLog.With("service", "RagRetriever"),
		fetchK:   envutil.Int("OVERVIEW_RAG_FETCH_K", 150),
		topK:     envutil.Int("OVERVIEW_RAG_TOP_K", 20),
	}
}

// buildQueryText is the dense retrieval query: endpoint names, the
// relationship, and a few evidence titles and snippets.
func buildQueryText(sel *SelectionContext) string {
	var titles, snippets []string
	for _, item := range sel.Evidence {
		if v := strings.TrimSpace(item.Title); v != "" {
			titles = append(titles, v)
		}
		if v := strings.TrimSpace(item.Snippet); v != "" {
			snippets = append(snippets, v)
		}
	}

	lines := []string{
		"source: " + sel.sourceName(),
		"target: " + sel.targetName(),
		"predicate: " + sel.relationship(),
		"evidence:",
	}
	lines = append(lines, head(titles, 3)...)
	lines = append(lines, head(snippets, 3)...)
	return strings.Join(lines, "\n")
}

func head(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func (r *retriever) RetrieveChunks(ctx context.Context, sel *SelectionContext) []RagChunk {
	if r.embedder == nil || r.store == nil || r.rag == nil {
		return nil
	}

	queryText := buildQueryText(sel)

	queryEmbedding, err := r.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		r.log.Warn("RAG retrieval unavailable, falling back to edge evidence only", "stage", "embed", "error", err.Error())
		return nil
	}

	matches, err := r.store.QueryMatches(ctx, queryEmbedding, r.fetchK, nil)
	if err != nil {
		r.log.Warn("RAG retrieval unavailable, falling back to edge evidence only", "stage", "ann", "error", err.Error())
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	scoreByID := make(map[string]float64, len(matches))
	chunkIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID == "" {
			continue
		}
		if _, ok := scoreByID[m.ID]; !ok {
			chunkIDs = append(chunkIDs, m.ID)
		}
		scoreByID[m.ID] = m.Score
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	rows, err := r.rag.FetchChunks(ctx, chunkIDs)
	if err != nil {
		r.log.Warn("RAG retrieval unavailable, falling back to edge evidence only", "stage", "chunks", "error", err.Error())
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	chunks := make([]RagChunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, RagChunk{
			ChunkID:  row.ChunkID,
			DocID:    row.DocID,
			DocType:  row.DocType,
			Text:     row.Text,
			SourceID: row.SourceID,
			Score:    scoreByID[row.ChunkID],
		})
	}

	chunks = r.filterCoMentioned(ctx, sel, chunks)
	if len(chunks) == 0 {
		return nil
	}

	return r.rerank(chunks, queryText)
}

// filterCoMentioned keeps chunks whose document mentions both endpoints.
// The filter is lenient: a failed or empty lookup keeps every candidate,
// and center selections skip it entirely.
func (r *retriever) filterCoMentioned(ctx context.Context, sel *SelectionContext, chunks []RagChunk) []RagChunk {
	if sel.SkipCoMention {
		return chunks
	}

	docSeen := make(map[string]bool, len(chunks))
	docIDs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if !docSeen[c.DocID] {
			docSeen[c.DocID] = true
			docIDs = append(docIDs, c.DocID)
		}
	}

	eligible, err := r.rag.CoMentionedDocs(ctx, sel.Edge.Source, sel.Edge.Target, docIDs)
	if err != nil {
		r.log.Warn("Co-mention lookup failed, keeping all candidate chunks", "error", err.Error())
		return chunks
	}
	if len(eligible) == 0 {
		return chunks
	}

	kept := make([]RagChunk, 0, len(chunks))
	for _, c := range chunks {
		if eligible[c.DocID] {
			kept = append(kept, c)
		}
	}
	return kept
}

// rerank blends the ANN similarity with lexical overlap against the
// query and keeps the top chunks.
func (r *retriever) rerank(chunks []RagChunk, queryText string) []RagChunk {
	queryTokens := tokenize(queryText)

	ranks := make([]float64, len(chunks))
	for i, c := range chunks {
		ranks[i] = annWeight*c.Score + overlapWeight*tokenOverlap(tokenize(c.Text), queryTokens)
	}

	idx := make([]int, len(chunks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return ranks[idx[a]] > ranks[idx[b]] })

	top := make([]RagChunk, 0, min(r.topK, len(chunks)))
	for _, i := range idx {
		top = append(top, chunks[i])
		if len(top) == r.topK {
			break
		}
	}
	return top
}

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		tokens[tok] = true
	}
	return tokens
}

func tokenOverlap(chunkTokens, queryTokens map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	shared := 0
	for tok := range chunkTokens {
		if queryTokens[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(queryTokens))
}
