package explore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// ErrExtractionFailed reports that every intent fallback failed and no
// entity could be read out of the query.
var ErrExtractionFailed = errors.New("entity extraction failed")

// Intent kinds returned by the resolver.
const (
	IntentSingle = "single"
	IntentPair   = "pair"
)

// ExtractedEntity is a model-extracted entity reference: a surface name
// plus an optional type hint from the curated entity enum.
type ExtractedEntity struct {
	Name string `json:"entity_name"`
	Type string `json:"entity_type"`
}

// Intent is the resolved shape of a free-text query: a single entity to
// explore, or a pair of entities to connect.
type Intent struct {
	Kind   string
	Entity ExtractedEntity
	Start  ExtractedEntity
	End    ExtractedEntity
}

// IntentResolver maps free text onto an Intent via a forced tool call,
// falling back to plain JSON extraction when the model will not commit
// to a function.
type IntentResolver interface {
	Resolve(ctx context.Context, query string) (*Intent, error)
}

type intentResolver struct {
	ai  gemini.Client
	log *logger.Logger
}

func NewIntentResolver(ai gemini.Client, baseLog *logger.Logger) IntentResolver {
	return &intentResolver{ai: ai, log: baseLog.With("service", "IntentResolver")}
}

const resolverSystemPrompt = `You route biomedical knowledge-graph queries.
Call search_entity when the user asks about one gene, disease, drug, pathway or protein.
Call find_shortest_path when the user asks how two entities are connected or related.
Always call exactly one of the declared functions.`

const extractionSystemPrompt = `Identify the main biomedical entity in the user's query.
Respond with JSON of the form {"entity_name": "...", "entity_type": "gene|disease|drug|pathway|protein|other"}.`

const extractionRetrySystemPrompt = `Extract the single most important biomedical entity from the query.
Respond with exactly one JSON object, no prose and no code fences:
{"entity_name": "...", "entity_type": "gene|disease|drug|pathway|protein|other"}`

var entityTypeEnum = []string{"gene", "disease", "drug", "pathway", "protein", "other"}

var intentTools = []gemini.FunctionDeclaration{
	{
		Name:        "search_entity",
		Description: "Look up one biomedical entity and explore its neighborhood.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_name": map[string]any{"type": "string", "description": "Name of the entity as mentioned in the query."},
				"entity_type": map[string]any{"type": "string", "enum": entityTypeEnum},
			},
			"required": []string{"entity_name"},
		},
	},
	{
		Name:        "find_shortest_path",
		Description: "Find how two biomedical entities are connected.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity1_name": map[string]any{"type": "string"},
				"entity1_type": map[string]any{"type": "string", "enum": entityTypeEnum},
				"entity2_name": map[string]any{"type": "string"},
				"entity2_type": map[string]any{"type": "string", "enum": entityTypeEnum},
			},
			"required": []string{"entity1_name", "entity2_name"},
		},
	},
}

func (r *intentResolver) Resolve(ctx context.Context, query string) (*Intent, error) {
	// Without a model the whole query doubles as the entity phrase; the
	// ranked warehouse lookup handles surprisingly much of it.
	if r.ai == nil {
		return &Intent{Kind: IntentSingle, Entity: ExtractedEntity{Name: query}}, nil
	}

	call, _, err := r.ai.GenerateWithTools(ctx, resolverSystemPrompt, query, intentTools)
	if err != nil {
		r.log.Warn("Intent tool call failed; falling back to JSON extraction", "error", err)
	} else if intent := intentFromCall(call); intent != nil {
		return intent, nil
	}

	ext, extractErr := r.extractEntity(ctx, query, extractionSystemPrompt)
	if extractErr == nil {
		if plausibleExtraction(query, ext.Name) {
			return &Intent{Kind: IntentSingle, Entity: *ext}, nil
		}
		r.log.Warn("Extracted entity implausible for query; retrying extraction",
			"query", query, "entity_name", ext.Name)
	} else {
		r.log.Warn("Entity extraction failed; retrying with strict prompt", "error", extractErr)
	}

	ext, extractErr = r.extractEntity(ctx, query, extractionRetrySystemPrompt)
	if extractErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, extractErr)
	}
	return &Intent{Kind: IntentSingle, Entity: *ext}, nil
}

func (r *intentResolver) extractEntity(ctx context.Context, query, system string) (*ExtractedEntity, error) {
	raw, err := r.ai.GenerateText(ctx, system, query)
	if err != nil {
		return nil, err
	}
	return parseExtractedEntity(raw)
}

func intentFromCall(call *gemini.FunctionCall) *Intent {
	if call == nil {
		return nil
	}
	switch call.Name {
	case "search_entity":
		name := argString(call.Args, "entity_name")
		if name == "" {
			return nil
		}
		return &Intent{Kind: IntentSingle, Entity: ExtractedEntity{
			Name: name,
			Type: argString(call.Args, "entity_type"),
		}}
	case "find_shortest_path":
		name1 := argString(call.Args, "entity1_name")
		name2 := argString(call.Args, "entity2_name")
		if name1 == "" || name2 == "" {
			return nil
		}
		return &Intent{
			Kind:  IntentPair,
			Start: ExtractedEntity{Name: name1, Type: argString(call.Args, "entity1_type")},
			End:   ExtractedEntity{Name: name2, Type: argString(call.Args, "entity2_type")},
		}
	}
	return nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// parseExtractedEntity reads an entity out of a model reply. The reply
// may be the entity object directly, wrapped in {"response": "..."}
// with escaped JSON, or fenced in a markdown code block.
func parseExtractedEntity(raw string) (*ExtractedEntity, error) {
	text := strings.TrimSpace(raw)

	if ent := decodeEntity(text); ent != nil {
		return ent, nil
	}

	var wrapper struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal([]byte(text), &wrapper); err == nil && wrapper.Response != "" {
		text = strings.TrimSpace(wrapper.Response)
	}
	text = stripCodeFence(text)

	if ent := decodeEntity(text); ent != nil {
		return ent, nil
	}
	return nil, fmt.Errorf("unparseable extraction reply %q", clip(raw, 160))
}

func decodeEntity(text string) *ExtractedEntity {
	var ent ExtractedEntity
	if err := json.Unmarshal([]byte(text), &ent); err != nil {
		return nil
	}
	ent.Name = strings.TrimSpace(ent.Name)
	if ent.Name == "" {
		return nil
	}
	return &ent
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = text[3:]
	}
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// plausibleExtraction accepts an extracted name when it is a substring
// of the query (or vice versa) after lowercasing, or when the two share
// at least one token longer than two characters.
func plausibleExtraction(query, name string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	n := strings.ToLower(strings.TrimSpace(name))
	if q == "" || n == "" {
		return false
	}
	if strings.Contains(q, n) || strings.Contains(n, q) {
		return true
	}
	queryTokens := make(map[string]bool)
	for _, t := range wordRe.FindAllString(q, -1) {
		if len(t) > 2 {
			queryTokens[t] = true
		}
	}
	for _, t := range wordRe.FindAllString(n, -1) {
		if len(t) > 2 && queryTokens[t] {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
