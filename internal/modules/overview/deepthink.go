package overview

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lumenbio/biograph-backend/internal/platform/gemini"
	"github.com/lumenbio/biograph-backend/internal/platform/semanticscholar"
	"github.com/lumenbio/biograph-backend/internal/realtime"
)

const (
	maxWeightedPMIDs = 30
	chatHistoryLimit = 20

	// Paper contexts beyond this rune count get a query-aware
	// summarization pass before entering the system instruction.
	contextCompressionThreshold = 100_000
	contextCompressionInput     = 80_000
)

type pathStartEvent struct {
	PathSummary string `json:"path_summary"`
	NodeCount   int    `json:"node_count"`
}

type paperMeta struct {
	PMID            *int64 `json:"pmid"`
	Title           string `json:"title"`
	Year            *int   `json:"year"`
	AbstractSnippet string `json:"abstract_snippet"`
}

type papersLoadedEvent struct {
	Papers []paperMeta `json:"papers"`
	Count  int         `json:"count"`
}

type deepThinkDoneEvent struct {
	Text string `json:"text"`
}

type citedPaper struct {
	Index int `json:"index"`
	paperMeta
}

type chatDoneEvent struct {
	Text        string       `json:"text"`
	Confidence  ReviewResult `json:"confidence"`
	CitedPapers []citedPaper `json:"cited_papers"`
}

func pathSummary(path []DeepThinkPathNode) string {
	names := make([]string, 0, len(path))
	for _, node := range path {
		names = append(names, node.EntityName)
	}
	return strings.Join(names, " → ")
}

type pmidWeight struct {
	PMID   int64
	Weight float64
}

// extractWeightedPMIDs collects evidence PMIDs along the path. The most
// recently added hop weighs 1.0 and each earlier hop decays by a quarter
// step, so literature for the user's latest expansion dominates.
func extractWeightedPMIDs(path []DeepThinkPathNode, edges []DeepThinkEdge) []pmidWeight {
	type pair struct{ a, b string }
	var pairs []pair
	for i := 0; i+1 < len(path); i++ {
		pairs = append(pairs, pair{path[i].EntityID, path[i+1].EntityID})
	}

	weights := make(map[int64]float64)
	var order []int64

	for idx := 0; idx < len(pairs); idx++ {
		p := pairs[len(pairs)-1-idx]
		weight := 1.0 / (1.0 + float64(idx)*0.25)

		edge := findPathEdge(edges, p.a, p.b)
		if edge == nil {
			continue
		}
		for _, ev := range edge.Evidence {
			if ev.PMID == 0 {
				continue
			}
			current, ok := weights[ev.PMID]
			if !ok {
				weights[ev.PMID] = weight
				order = append(order, ev.PMID)
			} else if weight > current {
				weights[ev.PMID] = weight
			}
		}
	}

	out := make([]pmidWeight, 0, len(order))
	for _, pmid := range order {
		out = append(out, pmidWeight{PMID: pmid, Weight: weights[pmid]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if len(out) > maxWeightedPMIDs {
		out = out[:maxWeightedPMIDs]
	}
	return out
}

func findPathEdge(edges []DeepThinkEdge, a, b string) *DeepThinkEdge {
	for i := range edges {
		e := &edges[i]
		if a == b {
			if e.Source == a && e.Target == a {
				return e
			}
			continue
		}
		if (e.Source == a && e.Target == b) || (e.Source == b && e.Target == a) {
			return e
		}
	}
	return nil
}

// fetchPathPapers resolves weighted PMIDs to paper metadata. A lookup
// failure degrades to edge evidence rather than aborting the stream.
func (s *service) fetchPathPapers(ctx context.Context, weights []pmidWeight) []semanticscholar.Paper {
	if s.scholar == nil || len(weights) == 0 {
		return nil
	}
	pmids := make([]int64, 0, len(weights))
	for _, w := range weights {
		pmids = append(pmids, w.PMID)
	}
	papers, err := s.scholar.FetchPapersByPMID(ctx, pmids)
	if err != nil {
		s.log.Warn("Semantic Scholar API failed, using edge evidence only", "error", err.Error())
		return nil
	}
	return papers
}

// buildPaperMeta shapes the papers_loaded payload. Papers come back in
// request order, so index i pairs with the i-th weighted PMID. When the
// external lookup returned nothing, titled edge evidence stands in.
func buildPaperMeta(papers []semanticscholar.Paper, weights []pmidWeight, edges []DeepThinkEdge, snippetMax int) []paperMeta {
	meta := make([]paperMeta, 0, len(papers))
	for i, p := range papers {
		var pmid *int64
		if i < len(weights) {
			v := weights[i].PMID
			pmid = &v
		}
		title := p.Title
		if title == "" {
			title = "Untitled"
		}
		var year *int
		if p.Year != 0 {
			y := p.Year
			year = &y
		}
		meta = append(meta, paperMeta{
			PMID:            pmid,
			Title:           title,
			Year:            year,
			AbstractSnippet: clipRunes(p.Abstract, snippetMax),
		})
	}
	if len(meta) > 0 {
		return meta
	}

	for _, edge := range edges {
		evs := edge.Evidence
		if len(evs) > 2 {
			evs = evs[:2]
		}
		for _, ev := range evs {
			if ev.PMID == 0 || ev.Title == "" {
				continue
			}
			v := ev.PMID
			meta = append(meta, paperMeta{
				PMID:            &v,
				Title:           ev.Title,
				AbstractSnippet: clipRunes(ev.Snippet, snippetMax),
			})
		}
	}
	return meta
}

func (s *service) StreamDeepThink(ctx context.Context, req *DeepThinkRequest, sink realtime.EventSink) {
	_ = sink.Send("start", pathStartEvent{PathSummary: pathSummary(req.Path), NodeCount: len(req.Path)})

	weights := extractWeightedPMIDs(req.Path, req.Edges)
	papers := s.fetchPathPapers(ctx, weights)

	meta := buildPaperMeta(papers, weights, req.Edges, 300)
	_ = sink.Send("papers_loaded", papersLoadedEvent{Papers: meta, Count: len(meta)})

	contributionBlock := s.pathContributions(ctx, req.Path)
	prompt := buildDeepThinkPrompt(req.Path, papers, req.Edges, contributionBlock)
	messages := []gemini.Message{{Role: gemini.RoleUser, Text: prompt}}

	_, full, err := s.streamGeneration(ctx, s.deepThinkCandidates(), deepThinkGeneration, "", messages, func(delta string) {
		_ = sink.Send("delta", deltaEvent{Text: delta})
	})
	if err != nil {
		s.log.Error("Deep think generation failed", "error", err.Error())
		_ = sink.Send(realtime.EventError, errorEvent{
			Message:     fmt.Sprintf("AI analysis generation failed: %v", err),
			PartialText: full,
			Detail:      err.Error(),
		})
		return
	}

	s.verifyAnalysisInBackground(full, papers)

	_ = sink.Send(realtime.EventDone, deepThinkDoneEvent{Text: full})
}

// pathContributions pulls structured research context for the path
// endpoints, the pair the analysis ultimately has to connect.
func (s *service) pathContributions(ctx context.Context, path []DeepThinkPathNode) string {
	if len(path) < 2 {
		return ""
	}
	first, last := path[0], path[len(path)-1]
	block, _ := s.fetchContributions(ctx, first.EntityID, first.EntityType, last.EntityID, last.EntityType)
	return block
}

func (s *service) verifyAnalysisInBackground(analysis string, papers []semanticscholar.Paper) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundCallTimeout)
		defer cancel()
		s.verifyAnalysis(ctx, analysis, papers)
	}()
}

// verifyAnalysis runs a post-hoc fact check on a finished analysis. The
// verdict is logged only.
func (s *service) verifyAnalysis(ctx context.Context, analysis string, papers []semanticscholar.Paper) {
	if s.ai == nil {
		return
	}

	client := s.modelClient(s.deepThinkCandidates()[0], verificationGeneration)
	text, err := client.GenerateText(ctx, "", buildVerificationPrompt(analysis, papers))
	if err != nil {
		s.log.Warn("Deep think verification call failed", "error", err.Error())
		return
	}

	if strings.Contains(strings.ToUpper(text), "ISSUES FOUND") {
		s.log.Warn("Deep think verification found issues", "result", clipRunes(text, 400))
	} else {
		s.log.Info("Deep think verification passed", "result", clipRunes(text, 120))
	}
}

func (s *service) StreamDeepThinkChat(ctx context.Context, req *DeepThinkChatRequest, sink realtime.EventSink) {
	_ = sink.Send("start", pathStartEvent{PathSummary: pathSummary(req.Path), NodeCount: len(req.Path)})

	weights := extractWeightedPMIDs(req.Path, req.Edges)
	papers := s.fetchPathPapers(ctx, weights)

	meta := buildPaperMeta(papers, weights, req.Edges, 250)
	_ = sink.Send("papers_loaded", papersLoadedEvent{Papers: meta, Count: len(meta)})

	papersContext := buildPapersContext(papers, req.Edges)
	papersContext = s.maybeCompressContext(ctx, papersContext, req.Question, req.Path)

	system := buildSystemInstruction(req.Path, papersContext)

	history := req.Messages
	if len(history) > chatHistoryLimit {
		history = history[len(history)-chatHistoryLimit:]
	}
	messages := make([]gemini.Message, 0, len(history)+1)
	for _, msg := range history {
		role := gemini.RoleModel
		if msg.Role == "user" {
			role = gemini.RoleUser
		}
		messages = append(messages, gemini.Message{Role: role, Text: msg.Content})
	}
	messages = append(messages, gemini.Message{Role: gemini.RoleUser, Text: req.Question})

	_, full, err := s.streamGeneration(ctx, s.deepThinkCandidates(), chatGeneration, system, messages, func(delta string) {
		_ = sink.Send("delta", deltaEvent{Text: delta})
	})
	if err != nil {
		s.log.Error("Deep think chat generation failed", "error", err.Error())
		_ = sink.Send(realtime.EventError, errorEvent{
			Message:     fmt.Sprintf("Generation failed: %v", err),
			PartialText: full,
		})
		return
	}

	confidence := s.review(ctx, req.Question, papersContext, full)
	s.log.Info("Deep think chat reviewed", "score", confidence.Score, "reasoning", clipRunes(confidence.Reasoning, 80))

	_ = sink.Send(realtime.EventDone, chatDoneEvent{
		Text:        full,
		Confidence:  confidence,
		CitedPapers: extractCitedPapers(full, meta),
	})
}

// maybeCompressContext shrinks an oversized paper context with a
// query-aware summarization pass, truncating when the model cannot help.
func (s *service) maybeCompressContext(ctx context.Context, papersContext, question string, path []DeepThinkPathNode) string {
	size := utf8.RuneCountInString(papersContext)
	if size <= contextCompressionThreshold {
		return papersContext
	}
	if s.ai == nil {
		return clipRunes(papersContext, contextCompressionThreshold)
	}

	model := s.deepThinkCandidates()[0]
	client := s.modelClient(model, compressionGeneration)
	prompt := buildCompressionPrompt(clipRunes(papersContext, contextCompressionInput), question, path)

	compressed, err := client.GenerateText(ctx, "", prompt)
	if err != nil {
		s.log.Warn("Context compression failed, truncating", "error", err.Error())
		return clipRunes(papersContext, contextCompressionThreshold)
	}
	if compressed == "" {
		return clipRunes(papersContext, contextCompressionThreshold)
	}

	s.log.Info("Paper context compressed", "model", model, "from_chars", size, "to_chars", utf8.RuneCountInString(compressed))
	return compressed
}

var citationMarkerRe = regexp.MustCompile(`\[(\d+(?:[,\s]*\d+)*)\]`)

// extractCitedPapers resolves [n] markers in the response back to the
// numbered papers the model was shown. Indices are 1-based; out-of-range
// markers are ignored.
func extractCitedPapers(text string, meta []paperMeta) []citedPaper {
	seen := make(map[int]bool)
	for _, m := range citationMarkerRe.FindAllStringSubmatch(text, -1) {
		for _, numStr := range strings.Split(m[1], ",") {
			numStr = strings.TrimSpace(numStr)
			if !isDigits(numStr) {
				continue
			}
			n, _ := strconv.Atoi(numStr)
			if idx := n - 1; idx >= 0 && idx < len(meta) {
				seen[idx] = true
			}
		}
	}

	indices := make([]int, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]citedPaper, 0, len(indices))
	for _, idx := range indices {
		out = append(out, citedPaper{Index: idx + 1, paperMeta: meta[idx]})
	}
	return out
}
