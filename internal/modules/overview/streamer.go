package overview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/platform/embeddings"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/semanticscholar"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
	"github.com/lumenbio/biograph-backend/internal/realtime"
)

// Service streams grounded AI explanations over SSE: connection
// overviews for graph selections, and deep-think analyses and follow-up
// chat for multi-hop paths.
type Service interface {
	StreamOverview(ctx context.Context, req *StreamRequest, sink realtime.EventSink)
	StreamDeepThink(ctx context.Context, req *DeepThinkRequest, sink realtime.EventSink)
	StreamDeepThinkChat(ctx context.Context, req *DeepThinkChatRequest, sink realtime.EventSink)
	Verify(ctx context.Context) map[string]any
}

type service struct {
	ai        gemini.Client
	embedder  embeddings.Service
	store     vector.Store
	retriever Retriever
	orkg      warehouse.OrkgRepo
	scholar   semanticscholar.Client
	log       *logger.Logger

	overviewModel     string
	overviewFallbacks []string
	deepThinkModel    string
	historyLimit      int
	orkgEnabled       bool
	orkgMaxResults    int
}

func NewService(
	ai gemini.Client,
	embedder embeddings.Service,
	store vector.Store,
	rag warehouse.RagRepo,
	orkg warehouse.OrkgRepo,
	scholar semanticscholar.Client,
	baseLog *logger.Logger,
) Service {
	fallbacks := envutil.List("GEMINI_OVERVIEW_MODEL_FALLBACKS")
	if len(fallbacks) == 0 {
		fallbacks = []string{"gemini-flash-latest", "gemini-2.5-flash"}
	}
	return &service{
		ai:        ai,
		embedder:  embedder,
		store:     store,
		retriever: NewRetriever(embedder, store, rag, baseLog),
		orkg:      orkg,
		scholar:   scholar,
		log:       baseLog.With("service", "OverviewService"),

		overviewModel:     envutil.String("GEMINI_OVERVIEW_MODEL", "gemini-3-flash-preview"),
		overviewFallbacks: fallbacks,
		deepThinkModel:    envutil.String("GEMINI_DEEP_THINK_MODEL", "gemini-2.5-pro"),
		historyLimit:      envutil.Int("OVERVIEW_HISTORY_LIMIT", 3),
		orkgEnabled:       envutil.Bool("ORKG_ENABLED", true),
		orkgMaxResults:    envutil.Int("ORKG_MAX_RESULTS", 10),
	}
}

type generationSettings struct {
	temperature     float64
	topP            float64
	maxOutputTokens int
}

var (
	overviewGeneration     = generationSettings{temperature: 0.2, topP: 0.9, maxOutputTokens: 600}
	deepThinkGeneration    = generationSettings{temperature: 0.3, maxOutputTokens: 1500}
	chatGeneration         = generationSettings{temperature: 0.3, maxOutputTokens: 4000}
	compressionGeneration  = generationSettings{temperature: 0.1, maxOutputTokens: 4000}
	verificationGeneration = generationSettings{temperature: 0.1, maxOutputTokens: 300}
	reviewerGeneration     = generationSettings{temperature: 0.0, maxOutputTokens: 300}
)

const backgroundCallTimeout = 60 * time.Second

type startEvent struct {
	SelectionKey  string `json:"selection_key"`
	SelectionType string `json:"selection_type"`
	EdgeID        string `json:"edge_id"`
	Source        string `json:"source"`
	Target        string `json:"target"`
}

type ragChunkDescriptor struct {
	ChunkID  string `json:"chunk_id"`
	DocID    string `json:"doc_id"`
	SourceID string `json:"source_id"`
	DocType  string `json:"doc_type"`
}

type contextEvent struct {
	Citations []Citation           `json:"citations"`
	RagChunks []ragChunkDescriptor `json:"rag_chunks"`
}

type deltaEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Text          string     `json:"text"`
	Citations     []Citation `json:"citations"`
	SelectionKey  string     `json:"selection_key"`
	SelectionType string     `json:"selection_type"`
	Model         string     `json:"model"`
}

type errorEvent struct {
	Message     string `json:"message"`
	PartialText string `json:"partial_text"`
	Detail      string `json:"detail,omitempty"`
}

func (s *service) StreamOverview(ctx context.Context, req *StreamRequest, sink realtime.EventSink) {
	sel, err := buildSelectionContext(req)
	if err != nil {
		s.log.Error("Failed to resolve overview selection", "error", err.Error())
		_ = sink.Send(realtime.EventError, errorEvent{
			Message: "Unable to build AI overview for the selected graph element.",
			Detail:  err.Error(),
		})
		return
	}

	ragChunks := s.retriever.RetrieveChunks(ctx, sel)
	contributionBlock, contributions := s.contributionContext(ctx, sel)
	citations := normalizeCitations(sel.Evidence, ragChunks, contributions)

	_ = sink.Send("start", startEvent{
		SelectionKey:  sel.SelectionKey,
		SelectionType: sel.SelectionType,
		EdgeID:        sel.Edge.ID,
		Source:        sel.Edge.Source,
		Target:        sel.Edge.Target,
	})

	descriptors := make([]ragChunkDescriptor, 0, len(ragChunks))
	for _, c := range ragChunks {
		descriptors = append(descriptors, ragChunkDescriptor{
			ChunkID:  c.ChunkID,
			DocID:    c.DocID,
			SourceID: c.SourceID,
			DocType:  c.DocType,
		})
	}
	_ = sink.Send("context", contextEvent{Citations: citations, RagChunks: descriptors})

	prompt := buildOverviewPrompt(sel, ragChunks, req.History, contributionBlock, s.historyLimit)
	messages := []gemini.Message{{Role: gemini.RoleUser, Text: prompt}}

	model, full, err := s.streamGeneration(ctx, s.overviewCandidates(), overviewGeneration, "", messages, func(delta string) {
		_ = sink.Send("delta", deltaEvent{Text: delta})
	})
	if err != nil {
		s.log.Error("Overview generation failed", "error", err.Error())
		_ = sink.Send(realtime.EventError, errorEvent{
			Message:     "AI overview generation failed. Showing available grounded context only.",
			PartialText: full,
			Detail:      err.Error(),
		})
		return
	}

	_ = sink.Send(realtime.EventDone, doneEvent{
		Text:          full,
		Citations:     citations,
		SelectionKey:  sel.SelectionKey,
		SelectionType: sel.SelectionType,
		Model:         model,
	})

	s.reviewInBackground(buildQueryText(sel), groundingContext(sel, ragChunks, contributionBlock), full)
}

// groundingContext is the material the reviewer judges a response
// against: the same evidence, chunks and contributions the prompt saw.
func groundingContext(sel *SelectionContext, ragChunks []RagChunk, contributionBlock string) string {
	sections := []string{
		"Primary evidence:\n" + linesOrNone(evidenceLines(sel.Evidence, 8)),
		"RAG supporting context:\n" + linesOrNone(ragChunkLines(ragChunks, 8)),
	}
	if contributionBlock != "" {
		sections = append(sections, "Structured research context:\n"+contributionBlock)
	}
	return strings.Join(sections, "\n\n")
}

func (s *service) reviewInBackground(question, grounding, responseText string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundCallTimeout)
		defer cancel()
		result := s.review(ctx, question, grounding, responseText)
		s.log.Info("Overview reviewed", "score", result.Score, "reasoning", clipRunes(result.Reasoning, 80))
	}()
}

func (s *service) overviewCandidates() []string {
	out := make([]string, 0, 1+len(s.overviewFallbacks))
	out = append(out, s.overviewModel)
	out = append(out, s.overviewFallbacks...)
	return out
}

func (s *service) deepThinkCandidates() []string {
	seen := make(map[string]bool, 4)
	var out []string
	for _, m := range []string{s.deepThinkModel, s.overviewModel, "gemini-2.5-flash", "gemini-2.0-flash-001"} {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func (s *service) modelClient(model string, settings generationSettings) gemini.Client {
	return gemini.WithGeneration(gemini.WithModel(s.ai, model), settings.temperature, settings.topP, settings.maxOutputTokens)
}

// streamGeneration walks the candidate chain and commits to the first
// model that yields output. A failure after deltas reached the sink
// returns the partial text with the error instead of retrying, since the
// client has already rendered it.
func (s *service) streamGeneration(ctx context.Context, candidates []string, settings generationSettings, system string, messages []gemini.Message, onDelta func(string)) (string, string, error) {
	if s.ai == nil {
		return "", "", fmt.Errorf("language model client not configured")
	}

	var lastErr error
	for _, candidate := range candidates {
		client := s.modelClient(candidate, settings)

		norm := &deltaNormalizer{}
		emitted := false
		_, err := client.StreamChat(ctx, system, messages, func(chunk string) {
			delta := norm.push(chunk)
			if delta == "" {
				return
			}
			emitted = true
			if onDelta != nil {
				onDelta(delta)
			}
		})
		if err == nil {
			return candidate, norm.text(), nil
		}
		if emitted {
			return candidate, norm.text(), err
		}
		lastErr = err
		s.log.Warn("Model unavailable for streaming", "model", candidate, "error", err.Error())
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no model candidates configured")
	}
	return "", "", lastErr
}
