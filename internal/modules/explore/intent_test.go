package explore

import (
	"context"
	"errors"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
)

type fakeGeminiClient struct {
	call    *gemini.FunctionCall
	callErr error

	texts    []string
	textErrs []error

	toolCalls int
	textCalls int
}

func (f *fakeGeminiClient) Model() string { return "fake-model" }

func (f *fakeGeminiClient) GenerateText(ctx context.Context, system, user string) (string, error) {
	i := f.textCalls
	f.textCalls++
	var err error
	if i < len(f.textErrs) {
		err = f.textErrs[i]
	}
	var text string
	if i < len(f.texts) {
		text = f.texts[i]
	}
	return text, err
}

func (f *fakeGeminiClient) GenerateChat(ctx context.Context, system string, messages []gemini.Message) (string, error) {
	return "", nil
}

func (f *fakeGeminiClient) GenerateWithTools(ctx context.Context, system, user string, tools []gemini.FunctionDeclaration) (*gemini.FunctionCall, string, error) {
	f.toolCalls++
	return f.call, "", f.callErr
}

func (f *fakeGeminiClient) StreamText(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	return "", nil
}

func (f *fakeGeminiClient) StreamChat(ctx context.Context, system string, messages []gemini.Message, onDelta func(string)) (string, error) {
	return "", nil
}

func TestResolve_ToolCallSingleEntity(t *testing.T) {
	ai := &fakeGeminiClient{call: &gemini.FunctionCall{
		Name: "search_entity",
		Args: map[string]any{"entity_name": "BRCA1", "entity_type": "gene"},
	}}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "tell me about BRCA1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Kind != IntentSingle {
		t.Fatalf("kind: want=%q got=%q", IntentSingle, intent.Kind)
	}
	if intent.Entity.Name != "BRCA1" || intent.Entity.Type != "gene" {
		t.Fatalf("entity: got %+v", intent.Entity)
	}
	if ai.textCalls != 0 {
		t.Fatalf("extraction fallback ran after a good tool call")
	}
}

func TestResolve_ToolCallPair(t *testing.T) {
	ai := &fakeGeminiClient{call: &gemini.FunctionCall{
		Name: "find_shortest_path",
		Args: map[string]any{
			"entity1_name": "BRCA1", "entity1_type": "gene",
			"entity2_name": "tamoxifen", "entity2_type": "drug",
		},
	}}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "how is BRCA1 connected to tamoxifen?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Kind != IntentPair {
		t.Fatalf("kind: want=%q got=%q", IntentPair, intent.Kind)
	}
	if intent.Start.Name != "BRCA1" || intent.End.Name != "tamoxifen" {
		t.Fatalf("pair: got start=%+v end=%+v", intent.Start, intent.End)
	}
}

func TestResolve_FallsBackToExtraction(t *testing.T) {
	ai := &fakeGeminiClient{
		callErr: errors.New("tool call rejected"),
		texts:   []string{`{"entity_name": "BRCA1", "entity_type": "gene"}`},
	}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "what does BRCA1 do?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Kind != IntentSingle || intent.Entity.Name != "BRCA1" {
		t.Fatalf("fallback intent: got %+v", intent)
	}
	if ai.textCalls != 1 {
		t.Fatalf("extraction calls: want=1 got=%d", ai.textCalls)
	}
}

func TestResolve_EmptyToolCallFallsBack(t *testing.T) {
	ai := &fakeGeminiClient{
		call:  &gemini.FunctionCall{Name: "search_entity", Args: map[string]any{"entity_name": "  "}},
		texts: []string{`{"entity_name": "aspirin", "entity_type": "drug"}`},
	}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "aspirin mechanism")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Entity.Name != "aspirin" {
		t.Fatalf("entity: got %+v", intent.Entity)
	}
}

func TestResolve_ImplausibleExtractionRetries(t *testing.T) {
	ai := &fakeGeminiClient{
		callErr: errors.New("no function call"),
		texts: []string{
			`{"entity_name": "aspirin", "entity_type": "drug"}`,
			`{"entity_name": "BRCA1", "entity_type": "gene"}`,
		},
	}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "BRCA1 and breast cancer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Entity.Name != "BRCA1" {
		t.Fatalf("retried entity: got %+v", intent.Entity)
	}
	if ai.textCalls != 2 {
		t.Fatalf("extraction calls: want=2 got=%d", ai.textCalls)
	}
}

func TestResolve_AllFallbacksFail(t *testing.T) {
	ai := &fakeGeminiClient{
		callErr:  errors.New("tool call failed"),
		textErrs: []error{errors.New("bad json"), errors.New("bad json again")},
	}
	resolver := NewIntentResolver(ai, newTestLogger(t))

	_, err := resolver.Resolve(context.Background(), "anything")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("want ErrExtractionFailed, got %v", err)
	}
}

func TestResolve_NilClientUsesWholeQuery(t *testing.T) {
	resolver := NewIntentResolver(nil, newTestLogger(t))

	intent, err := resolver.Resolve(context.Background(), "TP53 lung cancer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if intent.Kind != IntentSingle || intent.Entity.Name != "TP53 lung cancer" {
		t.Fatalf("nil-client intent: got %+v", intent)
	}
}

func TestParseExtractedEntity_Variants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want ExtractedEntity
	}{
		{
			name: "plain object",
			raw:  `{"entity_name": "BRCA1", "entity_type": "gene"}`,
			want: ExtractedEntity{Name: "BRCA1", Type: "gene"},
		},
		{
			name: "response wrapper with escaped json",
			raw:  `{"response": "{\"entity_name\": \"TP53\", \"entity_type\": \"gene\"}"}`,
			want: ExtractedEntity{Name: "TP53", Type: "gene"},
		},
		{
			name: "markdown fences",
			raw:  "```json\n{\"entity_name\": \"aspirin\", \"entity_type\": \"drug\"}\n```",
			want: ExtractedEntity{Name: "aspirin", Type: "drug"},
		},
		{
			name: "wrapper around fences",
			raw:  `{"response": "` + "```json\\n{\\\"entity_name\\\": \\\"insulin\\\", \\\"entity_type\\\": \\\"protein\\\"}\\n```" + `"}`,
			want: ExtractedEntity{Name: "insulin", Type: "protein"},
		},
		{
			name: "surrounding whitespace",
			raw:  "\n  {\"entity_name\": \"EGFR\", \"entity_type\": \"gene\"}  \n",
			want: ExtractedEntity{Name: "EGFR", Type: "gene"},
		},
	}
	for _, tc := range cases {
		got, err := parseExtractedEntity(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if *got != tc.want {
			t.Fatalf("%s: want=%+v got=%+v", tc.name, tc.want, *got)
		}
	}
}

func TestParseExtractedEntity_Rejects(t *testing.T) {
	for _, raw := range []string{
		"the entity is BRCA1",
		`{"entity_name": ""}`,
		`{"response": 42}`,
		"",
	} {
		if _, err := parseExtractedEntity(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestPlausibleExtraction(t *testing.T) {
	cases := []struct {
		query string
		name  string
		want  bool
	}{
		{"what is BRCA1", "BRCA1", true},
		{"WHAT IS brca1", "BRCA1", true},
		{"BRCA1 pathways", "the BRCA1 gene", true},
		{"breast cancer treatments", "breast carcinoma", true},
		{"breast cancer", "BRCA", false},
		{"aspirin dosage", "acetylsalicylic acid", false},
		{"DNA", "RNA", false},
		{"", "BRCA1", false},
		{"BRCA1", "", false},
	}
	for _, tc := range cases {
		if got := plausibleExtraction(tc.query, tc.name); got != tc.want {
			t.Fatalf("plausibleExtraction(%q, %q): want=%v got=%v", tc.query, tc.name, got, tc.want)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```{\"a\": 1}```", `{"a": 1}`},
		{`{"a": 1}`, `{"a": 1}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q): want=%q got=%q", tc.in, tc.want, got)
		}
	}
}
