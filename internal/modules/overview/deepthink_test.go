package overview

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lumenbio/biograph-backend/internal/platform/semanticscholar"
)

type fakeScholar struct {
	papers []semanticscholar.Paper
	err    error

	gotPMIDs []int64
}

func (f *fakeScholar) FetchPapersByPMID(ctx context.Context, pmids []int64) ([]semanticscholar.Paper, error) {
	f.gotPMIDs = pmids
	if f.err != nil {
		return nil, f.err
	}
	return f.papers, nil
}

func pathFixture() ([]DeepThinkPathNode, []DeepThinkEdge) {
	path := []DeepThinkPathNode{
		{EntityID: "A", EntityName: "BRCA1", EntityType: "gene"},
		{EntityID: "B", EntityName: "PARP1", EntityType: "gene", EdgePredicate: "interacts with"},
		{EntityID: "C", EntityName: "Olaparib", EntityType: "drug", EdgePredicate: "targeted by"},
	}
	edges := []DeepThinkEdge{
		{Source: "A", Target: "B", Evidence: []DeepThinkEdgeEvidence{
			{PMID: 1, Title: "AB paper", Snippet: "a-b finding"},
			{PMID: 2, Title: "AB paper 2"},
		}},
		{Source: "C", Target: "B", Evidence: []DeepThinkEdgeEvidence{
			{PMID: 2, Title: "BC paper"},
			{PMID: 3, Title: "BC paper 2"},
		}},
	}
	return path, edges
}

func TestExtractWeightedPMIDs_LastHopDominates(t *testing.T) {
	path, edges := pathFixture()

	got := extractWeightedPMIDs(path, edges)
	want := []pmidWeight{
		{PMID: 2, Weight: 1.0},
		{PMID: 3, Weight: 1.0},
		{PMID: 1, Weight: 0.8},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("weighted pmids: want=%v got=%v", want, got)
	}
}

func TestExtractWeightedPMIDs_CapsTheList(t *testing.T) {
	path := []DeepThinkPathNode{{EntityID: "A"}, {EntityID: "B"}}
	var evs []DeepThinkEdgeEvidence
	for i := int64(1); i <= 40; i++ {
		evs = append(evs, DeepThinkEdgeEvidence{PMID: i})
	}
	edges := []DeepThinkEdge{{Source: "A", Target: "B", Evidence: evs}}

	got := extractWeightedPMIDs(path, edges)
	if len(got) != maxWeightedPMIDs {
		t.Fatalf("want %d pmids, got %d", maxWeightedPMIDs, len(got))
	}
	if got[0].PMID != 1 || got[len(got)-1].PMID != 30 {
		t.Fatalf("equal weights keep first-seen order: first=%d last=%d", got[0].PMID, got[len(got)-1].PMID)
	}
}

func TestExtractWeightedPMIDs_NoMatchingEdges(t *testing.T) {
	path, _ := pathFixture()
	if got := extractWeightedPMIDs(path, nil); len(got) != 0 {
		t.Fatalf("want none, got %v", got)
	}
}

func TestBuildPaperMeta_PairsWeightsByIndex(t *testing.T) {
	papers := []semanticscholar.Paper{
		{Title: "First", Abstract: strings.Repeat("x", 400), Year: 2020},
		{Title: "", Year: 0},
	}
	weights := []pmidWeight{{PMID: 11, Weight: 1}, {PMID: 22, Weight: 0.8}}

	got := buildPaperMeta(papers, weights, nil, 300)
	if len(got) != 2 {
		t.Fatalf("want 2 papers, got %d", len(got))
	}
	if got[0].PMID == nil || *got[0].PMID != 11 || got[0].Title != "First" {
		t.Fatalf("first paper meta wrong: %+v", got[0])
	}
	if got[0].Year == nil || *got[0].Year != 2020 {
		t.Fatalf("year should carry through: %+v", got[0])
	}
	if utf8.RuneCountInString(got[0].AbstractSnippet) != 300 {
		t.Fatalf("abstract snippet must clip to 300 runes, got %d", utf8.RuneCountInString(got[0].AbstractSnippet))
	}
	if got[1].Title != "Untitled" || got[1].Year != nil {
		t.Fatalf("missing fields must fall back: %+v", got[1])
	}
}

func TestBuildPaperMeta_FallsBackToEdgeEvidence(t *testing.T) {
	_, edges := pathFixture()

	got := buildPaperMeta(nil, nil, edges, 300)
	if len(got) != 4 {
		t.Fatalf("want 4 fallback entries (two per edge), got %d", len(got))
	}
	if got[0].PMID == nil || *got[0].PMID != 1 || got[0].Title != "AB paper" {
		t.Fatalf("fallback entry wrong: %+v", got[0])
	}
	if got[0].AbstractSnippet != "a-b finding" {
		t.Fatalf("fallback snippet wrong: %+v", got[0])
	}
}

func TestExtractCitedPapers(t *testing.T) {
	meta := []paperMeta{{Title: "One"}, {Title: "Two"}, {Title: "Three"}}
	text := "Claim [1]. Another claim [2, 3] and repeat [1]. Bogus [9]."

	got := extractCitedPapers(text, meta)
	if len(got) != 3 {
		t.Fatalf("want 3 cited papers, got %+v", got)
	}
	for i, want := range []int{1, 2, 3} {
		if got[i].Index != want {
			t.Fatalf("cited indices must be sorted 1-based: got %+v", got)
		}
	}
	if got[0].Title != "One" {
		t.Fatalf("cited paper must embed its metadata: %+v", got[0])
	}
}

func TestExtractCitedPapers_NoMarkers(t *testing.T) {
	got := extractCitedPapers("no markers here", []paperMeta{{Title: "One"}})
	if got == nil || len(got) != 0 {
		t.Fatalf("want an empty non-nil list, got %#v", got)
	}
}

func TestStreamDeepThink_EventFlow(t *testing.T) {
	path, edges := pathFixture()
	ai := &fakeAI{streams: [][]string{{"Mechanistic ", "analysis."}}}
	scholar := &fakeScholar{papers: []semanticscholar.Paper{{Title: "AB paper", Year: 2021, Abstract: "abs"}}}
	svc := NewService(ai, nil, nil, nil, nil, scholar, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamDeepThink(context.Background(), &DeepThinkRequest{Path: path, Edges: edges}, sink)

	want := []string{"start", "papers_loaded", "delta", "delta", "done"}
	if !reflect.DeepEqual(sink.names(), want) {
		t.Fatalf("event order: want=%v got=%v", want, sink.names())
	}

	start := sink.events[0].data.(pathStartEvent)
	if start.PathSummary != "BRCA1 → PARP1 → Olaparib" || start.NodeCount != 3 {
		t.Fatalf("start event wrong: %+v", start)
	}

	papers := sink.events[1].data.(papersLoadedEvent)
	if papers.Count != 1 || len(papers.Papers) != 1 || papers.Papers[0].Title != "AB paper" {
		t.Fatalf("papers_loaded wrong: %+v", papers)
	}

	// highest weighted PMIDs go to the paper lookup
	if !reflect.DeepEqual(scholar.gotPMIDs, []int64{2, 3, 1}) {
		t.Fatalf("scholar pmids: want=[2 3 1] got=%v", scholar.gotPMIDs)
	}

	done := sink.last().data.(deepThinkDoneEvent)
	if done.Text != "Mechanistic analysis." {
		t.Fatalf("done text: want=%q got=%q", "Mechanistic analysis.", done.Text)
	}
}

func TestStreamDeepThink_ScholarFailureUsesEvidence(t *testing.T) {
	path, edges := pathFixture()
	ai := &fakeAI{streams: [][]string{{"Analysis from evidence."}}}
	scholar := &fakeScholar{err: errors.New("rate limited")}
	svc := NewService(ai, nil, nil, nil, nil, scholar, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamDeepThink(context.Background(), &DeepThinkRequest{Path: path, Edges: edges}, sink)

	if last := sink.last(); last.name != "done" {
		t.Fatalf("lookup failure must not abort the stream, got %v", sink.names())
	}
	papers := sink.events[1].data.(papersLoadedEvent)
	if papers.Count != 4 || papers.Papers[0].Title != "AB paper" {
		t.Fatalf("want edge evidence fallback in papers_loaded, got %+v", papers)
	}
}

func TestStreamDeepThink_GenerationFailure(t *testing.T) {
	t.Setenv("GEMINI_DEEP_THINK_MODEL", "dt-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL", "ov-model")

	path, edges := pathFixture()
	down := errors.New("down")
	ai := &fakeAI{streamErrs: []error{down, down, down, down}}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamDeepThink(context.Background(), &DeepThinkRequest{Path: path, Edges: edges}, sink)

	if last := sink.last(); last.name != "error" {
		t.Fatalf("want terminal error, got %v", sink.names())
	}
	ev := sink.last().data.(errorEvent)
	if ev.Message != "AI analysis generation failed: down" {
		t.Fatalf("error message: got %q", ev.Message)
	}
	if ai.streamCalls != 4 {
		t.Fatalf("want the full candidate chain tried, got %d attempts", ai.streamCalls)
	}
}

func TestStreamDeepThinkChat_Flow(t *testing.T) {
	path, edges := pathFixture()
	ai := &fakeAI{
		streams: [][]string{{"PARP inhibition ", "answer [1]."}},
		texts:   []string{"CONFIDENCE: 9/10\nREASONING: Grounded."},
	}
	scholar := &fakeScholar{papers: []semanticscholar.Paper{{Title: "AB paper", Year: 2021, Abstract: "abs"}}}
	svc := NewService(ai, nil, nil, nil, nil, scholar, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamDeepThinkChat(context.Background(), &DeepThinkChatRequest{
		Path:     path,
		Edges:    edges,
		Question: "How does PARP inhibition work here?",
		Messages: []DeepThinkChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}, sink)

	want := []string{"start", "papers_loaded", "delta", "delta", "done"}
	if !reflect.DeepEqual(sink.names(), want) {
		t.Fatalf("event order: want=%v got=%v", want, sink.names())
	}

	done := sink.last().data.(chatDoneEvent)
	if done.Text != "PARP inhibition answer [1]." {
		t.Fatalf("done text: got %q", done.Text)
	}
	if done.Confidence.Score != 9 || done.Confidence.Reasoning != "Grounded." {
		t.Fatalf("confidence wrong: %+v", done.Confidence)
	}
	if len(done.CitedPapers) != 1 || done.CitedPapers[0].Index != 1 || done.CitedPapers[0].Title != "AB paper" {
		t.Fatalf("cited papers wrong: %+v", done.CitedPapers)
	}
}

func TestStreamDeepThinkChat_GenerationFailureOmitsDetail(t *testing.T) {
	t.Setenv("GEMINI_DEEP_THINK_MODEL", "dt-model")
	t.Setenv("GEMINI_OVERVIEW_MODEL", "ov-model")

	path, edges := pathFixture()
	down := errors.New("down")
	ai := &fakeAI{streamErrs: []error{down, down, down, down}}
	svc := NewService(ai, nil, nil, nil, nil, nil, newTestLogger(t))

	sink := &fakeSink{}
	svc.StreamDeepThinkChat(context.Background(), &DeepThinkChatRequest{Path: path, Edges: edges, Question: "q"}, sink)

	if last := sink.last(); last.name != "error" {
		t.Fatalf("want terminal error, got %v", sink.names())
	}
	ev := sink.last().data.(errorEvent)
	if ev.Message != "Generation failed: down" {
		t.Fatalf("error message: got %q", ev.Message)
	}
	if ev.Detail != "" {
		t.Fatalf("chat errors carry no detail field, got %q", ev.Detail)
	}
}

func TestMaybeCompressContext_SmallPassesThrough(t *testing.T) {
	svc := NewService(&fakeAI{}, nil, nil, nil, nil, nil, newTestLogger(t)).(*service)

	small := "short context"
	if got := svc.maybeCompressContext(context.Background(), small, "q", nil); got != small {
		t.Fatalf("small contexts must pass through, got %q", got)
	}
}

func TestMaybeCompressContext_CompressesOversized(t *testing.T) {
	svc := NewService(&fakeAI{texts: []string{"compressed summary"}}, nil, nil, nil, nil, nil, newTestLogger(t)).(*service)

	big := strings.Repeat("a", contextCompressionThreshold+1)
	if got := svc.maybeCompressContext(context.Background(), big, "q", nil); got != "compressed summary" {
		t.Fatalf("oversized context should be replaced by the summary, got %d chars", len(got))
	}
}

func TestMaybeCompressContext_FailureTruncates(t *testing.T) {
	svc := NewService(&fakeAI{textErrs: []error{errors.New("no")}}, nil, nil, nil, nil, nil, newTestLogger(t)).(*service)

	big := strings.Repeat("b", contextCompressionThreshold+50)
	got := svc.maybeCompressContext(context.Background(), big, "q", nil)
	if utf8.RuneCountInString(got) != contextCompressionThreshold {
		t.Fatalf("want truncation to %d runes, got %d", contextCompressionThreshold, utf8.RuneCountInString(got))
	}
}
