package overview

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { log.Sync() })
	return log
}

// fakeAI scripts one chunk sequence (and optional trailing error) per
// streaming call, and one text (or error) per generate call.
type fakeAI struct {
	streams     [][]string
	streamErrs  []error
	streamCalls int

	texts     []string
	textErrs  []error
	textCalls int
}

func (f *fakeAI) Model() string { return "fake-model" }

func (f *fakeAI) GenerateText(ctx context.Context, system, user string) (string, error) {
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

func (f *fakeAI) GenerateChat(ctx context.Context, system string, messages []gemini.Message) (string, error) {
	return f.GenerateText(ctx, system, "")
}

func (f *fakeAI) GenerateWithTools(ctx context.Context, system, user string, tools []gemini.FunctionDeclaration) (*gemini.FunctionCall, string, error) {
	return nil, "", nil
}

func (f *fakeAI) StreamText(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	return f.StreamChat(ctx, system, nil, onDelta)
}

func (f *fakeAI) StreamChat(ctx context.Context, system string, messages []gemini.Message, onDelta func(string)) (string, error) {
	i := f.streamCalls
	f.streamCalls++

	var chunks []string
	if i < len(f.streams) {
		chunks = f.streams[i]
	}
	var full strings.Builder
	for _, c := range chunks {
		full.WriteString(c)
		if onDelta != nil {
			onDelta(c)
		}
	}
	if i < len(f.streamErrs) && f.streamErrs[i] != nil {
		return "", f.streamErrs[i]
	}
	return full.String(), nil
}

type sinkEvent struct {
	name string
	data any
}

type fakeSink struct {
	events []sinkEvent
}

func (f *fakeSink) Send(event string, data any) error {
	f.events = append(f.events, sinkEvent{name: event, data: data})
	return nil
}

func (f *fakeSink) names() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.name)
	}
	return out
}

func (f *fakeSink) last() sinkEvent {
	return f.events[len(f.events)-1]
}

func overviewRequest() *StreamRequest {
	return &StreamRequest{
		SelectionType: "edge",
		EdgeID:        "e1",
		CenterNodeID:  "NCBIGene:672",
		Entities: []Entity{
			{ID: "NCBIGene:672", Name: "BRCA1", Type: "gene"},
			{ID: "MESH:D001943", Name: "Breast Neoplasms", Type: "disease"},
		},
		Edges: []Edge{{
			ID:              "e1",
			Source:          "NCBIGene:672",
			Target:          "MESH:D001943",
			Label:           "associated with",
			ConfidenceScore: 0.9,
			Evidence:        []Evidence{{PMID: 101, Title: "BRCA1 and breast cancer", PubYear: 2019}},
		}},
	}
}

func TestStreamOverview_HappyPath(t *testing.T) {
	t.Setenv("GEMINI_OVERVIEW_MODEL", "primary-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL_FALLBACKS", "")

	ai := &fakeAI{streams: [][]string{{"Hello ", "world"}}}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	want := []string{"start", "context", "delta", "delta", "done"}
	if !reflect.DeepEqual(sink.names(), want) {
		t.Fatalf("event order: want=%v got=%v", want, sink.names())
	}

	start := sink.events[0].data.(startEvent)
	if start.SelectionKey != "edge:e1" || start.EdgeID != "e1" || start.Source != "NCBIGene:672" || start.Target != "MESH:D001943" {
		t.Fatalf("start event wrong: %+v", start)
	}

	ctxEv := sink.events[1].data.(contextEvent)
	if len(ctxEv.Citations) != 1 || ctxEv.Citations[0].ID != "PMID:101" || ctxEv.Citations[0].Kind != "evidence" {
		t.Fatalf("context citations wrong: %+v", ctxEv.Citations)
	}
	if len(ctxEv.RagChunks) != 0 {
		t.Fatalf("no retrieval deps configured, want no rag chunks: %+v", ctxEv.RagChunks)
	}

	first := sink.events[2].data.(deltaEvent)
	second := sink.events[3].data.(deltaEvent)
	if first.Text != "Hello " || second.Text != "world" {
		t.Fatalf("deltas: want [%q %q] got [%q %q]", "Hello ", "world", first.Text, second.Text)
	}

	done := sink.events[4].data.(doneEvent)
	if done.Text != "Hello world" {
		t.Fatalf("done text: want=%q got=%q", "Hello world", done.Text)
	}
	if !reflect.DeepEqual(done.Citations, ctxEv.Citations) {
		t.Fatalf("done citations must match the context event: %+v vs %+v", done.Citations, ctxEv.Citations)
	}
	if done.SelectionKey != "edge:e1" || done.Model != "primary-model" {
		t.Fatalf("done event wrong: %+v", done)
	}
}

func TestStreamOverview_SelectionFailureEmitsOnlyError(t *testing.T) {
	svc := NewService(&fakeAI{}, nil, nil, nil, nil, nil, newTestLogger(t))

	req := overviewRequest()
	req.EdgeID = "missing"

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), req, sink)

	if !reflect.DeepEqual(sink.names(), []string{"error"}) {
		t.Fatalf("want a single error event, got %v", sink.names())
	}
	ev := sink.events[0].data.(errorEvent)
	if ev.Message != "Unable to build AI overview for the selected graph element." {
		t.Fatalf("error message: got %q", ev.Message)
	}
	if !strings.Contains(ev.Detail, "not found in the provided graph payload") {
		t.Fatalf("error detail: got %q", ev.Detail)
	}
	if ev.PartialText != "" {
		t.Fatalf("prep failure carries no partial text, got %q", ev.PartialText)
	}
}

func TestStreamOverview_FallbackModelUsed(t *testing.T) {
	t.Setenv("GEMINI_OVERVIEW_MODEL", "primary-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL_FALLBACKS", "backup-model")

	ai := &fakeAI{
		streams:    [][]string{nil, {"Recovered text"}},
		streamErrs: []error{errors.New("model overloaded"), nil},
	}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	if last := sink.last(); last.name != "done" {
		t.Fatalf("want done after fallback, got %v", sink.names())
	}
	done := sink.last().data.(doneEvent)
	if done.Model != "backup-model" {
		t.Fatalf("done model: want=%q got=%q", "backup-model", done.Model)
	}
	if done.Text != "Recovered text" {
		t.Fatalf("done text: want=%q got=%q", "Recovered text", done.Text)
	}
	if ai.streamCalls != 2 {
		t.Fatalf("want 2 stream attempts, got %d", ai.streamCalls)
	}
}

func TestStreamOverview_MidStreamFailureKeepsPartial(t *testing.T) {
	t.Setenv("GEMINI_OVERVIEW_MODEL", "primary-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL_FALLBACKS", "backup-model")

	ai := &fakeAI{
		streams:    [][]string{{"Partial answer"}},
		streamErrs: []error{errors.New("stream cut")},
	}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	if last := sink.last(); last.name != "error" {
		t.Fatalf("want terminal error, got %v", sink.names())
	}
	ev := sink.last().data.(errorEvent)
	if ev.Message != "AI overview generation failed. Showing available grounded context only." {
		t.Fatalf("error message: got %q", ev.Message)
	}
	if ev.PartialText != "Partial answer" {
		t.Fatalf("partial text: want=%q got=%q", "Partial answer", ev.PartialText)
	}
	if ai.streamCalls != 1 {
		t.Fatalf("no fallback once output reached the client: want 1 attempt, got %d", ai.streamCalls)
	}
}

func TestStreamOverview_AllModelsFail(t *testing.T) {
	t.Setenv("GEMINI_OVERVIEW_MODEL", "primary-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL_FALLBACKS", "backup-model")

	ai := &fakeAI{streamErrs: []error{errors.New("down 1"), errors.New("down 2")}}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	if last := sink.last(); last.name != "error" {
		t.Fatalf("want terminal error, got %v", sink.names())
	}
	ev := sink.last().data.(errorEvent)
	if ev.PartialText != "" {
		t.Fatalf("no output was produced, want empty partial, got %q", ev.PartialText)
	}
	if !strings.Contains(ev.Detail, "down 2") {
		t.Fatalf("detail should carry the last model error, got %q", ev.Detail)
	}
	if ai.streamCalls != 2 {
		t.Fatalf("want both candidates tried, got %d", ai.streamCalls)
	}
}

func TestStreamOverview_CumulativeChunksNormalized(t *testing.T) {
	ai := &fakeAI{streams: [][]string{{"BRCA1", "BRCA1 drives", "BRCA1 drives repair."}}}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	var deltas []string
	var joined strings.Builder
	for _, e := range sink.events {
		if e.name == "delta" {
			d := e.data.(deltaEvent).Text
			deltas = append(deltas, d)
			joined.WriteString(d)
		}
	}
	if want := []string{"BRCA1", " drives", " repair."}; !reflect.DeepEqual(deltas, want) {
		t.Fatalf("normalized deltas: want=%v got=%v", want, deltas)
	}

	done := sink.last().data.(doneEvent)
	if joined.String() != done.Text {
		t.Fatalf("concatenated deltas %q must equal done text %q", joined.String(), done.Text)
	}
}

func TestStreamOverview_NilClient(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamOverview(context.Background(), overviewRequest(), sink)

	want := []string{"start", "context", "error"}
	if !reflect.DeepEqual(sink.names(), want) {
		t.Fatalf("event order: want=%v got=%v", want, sink.names())
	}
	ev := sink.last().data.(errorEvent)
	if !strings.Contains(ev.Detail, "not configured") {
		t.Fatalf("detail should name the missing client, got %q", ev.Detail)
	}
}
