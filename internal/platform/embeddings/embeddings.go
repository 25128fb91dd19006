package embeddings

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Service produces dense vectors for retrieval. Queries and documents use
// different task types so the index and the lookups stay compatible.
type Service interface {
	// EmbedQuery embeds a single search query. If the configured model is
	// rejected outright, the service switches to the fallback model and
	// stays there for the rest of the process.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of corpus chunks. Errors pass through
	// untouched so callers can drive their own retry policy.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Model reports the model currently in use.
	Model() string

	Close() error
}

type service struct {
	log    *logger.Logger
	client *genai.Client

	mu            sync.Mutex
	model         string
	fallbackModel string
}

// NewFromEnv builds the embedding service from the shared GEMINI_API_KEY.
// An unset key returns a nil service; retrieval callers are expected to
// check and degrade.
func NewFromEnv(log *logger.Logger) (Service, error) {
	if log == nil {
		return nil, fmt.Errorf("embeddings: logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		log.Warn("GEMINI_API_KEY not set; embedding features disabled")
		return nil, nil
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: create client: %w", err)
	}

	return &service{
		log:           log.With("service", "Embeddings"),
		client:        client,
		model:         envutil.String("OVERVIEW_EMBEDDING_MODEL", "gemini-embedding-001"),
		fallbackModel: envutil.String("OVERVIEW_EMBEDDING_MODEL_FALLBACK", "text-embedding-005"),
	}, nil
}

func (s *service) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *service) embed(ctx context.Context, model string, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := s.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		TaskType: task,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embeddings: requested %d vectors, got %d", len(texts), len(result.Embeddings))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (s *service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	model := s.model
	fallback := s.fallbackModel
	s.mu.Unlock()

	vecs, err := s.embed(ctx, model, []string{text}, "RETRIEVAL_QUERY")
	if err != nil && fallback != "" && fallback != model {
		s.log.Warn("Query embedding failed; switching to fallback model",
			"model", model,
			"fallback", fallback,
			"error", err.Error(),
		)
		vecs, err = s.embed(ctx, fallback, []string{text}, "RETRIEVAL_QUERY")
		if err == nil {
			s.mu.Lock()
			s.model = fallback
			s.mu.Unlock()
		}
	}
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return s.embed(ctx, s.Model(), texts, "RETRIEVAL_DOCUMENT")
}

func (s *service) Close() error {
	// genai.Client holds no connection that needs closing.
	return nil
}
