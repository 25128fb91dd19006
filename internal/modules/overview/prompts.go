package overview

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/platform/semanticscholar"
)

// clipRunes truncates by rune count so multi-byte text never splits
// mid-character.
func clipRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func linesOrNone(lines []string) string {
	if len(lines) == 0 {
		return "- none"
	}
	return strings.Join(lines, "\n")
}

func evidenceLines(evidence []Evidence, limit int) []string {
	var lines []string
	for _, item := range evidence {
		if len(lines) == limit {
			break
		}
		pmid := "PMID:unknown"
		if item.PMID != 0 {
			pmid = "PMID:" + strconv.FormatInt(item.PMID, 10)
		}
		year := "n/a"
		if item.PubYear != 0 {
			year = strconv.FormatInt(item.PubYear, 10)
		}
		title := item.Title
		if title == "" {
			title = item.Snippet
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", pmid, year, title))
	}
	return lines
}

func ragChunkLines(chunks []RagChunk, limit int) []string {
	var lines []string
	for _, chunk := range chunks {
		if len(lines) == limit {
			break
		}
		source := chunk.SourceID
		if source == "" {
			source = chunk.DocID
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", source, clipRunes(chunk.Text, 320)))
	}
	return lines
}

func historyLines(history []HistoryItem, limit int) []string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	var lines []string
	for _, item := range history {
		lines = append(lines, fmt.Sprintf("- %s: %s", item.SelectionKey, clipRunes(item.Summary, 240)))
	}
	return lines
}

func buildOverviewPrompt(sel *SelectionContext, ragChunks []RagChunk, history []HistoryItem, contributionBlock string, historyLimit int) string {
	contributions := contributionBlock
	if contributions == "" {
		contributions = "- none"
	}

	var b strings.Builder
	b.WriteString("You are a biomedical knowledge graph explainer.\n\n")
	b.WriteString("Task: explain why this connection exists using only grounded evidence.\n")
	b.WriteString("Hard rules:\n")
	b.WriteString("1) Do not invent facts.\n")
	b.WriteString("2) Every claim must map to cited IDs from provided evidence or RAG context.\n")
	b.WriteString("3) If evidence is weak or missing, say that explicitly.\n")
	b.WriteString("4) Keep response concise (120-220 words).\n\n")
	fmt.Fprintf(&b, "Selected connection:\n- source: %s (%s)\n- target: %s (%s)\n- predicate: %s\n- selection_type: %s\n- cooccurrence: papers=%d, trials=%d, patents=%d\n\n",
		sel.sourceName(), sel.Edge.Source,
		sel.targetName(), sel.Edge.Target,
		sel.relationship(), sel.SelectionType,
		sel.Edge.PaperCount, sel.Edge.TrialCount, sel.Edge.PatentCount)
	b.WriteString("Primary evidence:\n")
	b.WriteString(linesOrNone(evidenceLines(sel.Evidence, 8)))
	b.WriteString("\n\nRAG supporting context:\n")
	b.WriteString(linesOrNone(ragChunkLines(ragChunks, 8)))
	b.WriteString("\n\nStructured research context:\n")
	b.WriteString(contributions)
	b.WriteString("\n\nPrevious session summaries:\n")
	b.WriteString(linesOrNone(historyLines(history, historyLimit)))
	b.WriteString("\n\nOutput format:\n")
	b.WriteString("- A short paragraph describing mechanism/association.\n")
	b.WriteString("- End with \"Citations:\" followed by bracketed IDs, e.g. [PMID:123], [NCT:...].")
	return b.String()
}

// pathChainWithPredicates renders "A (gene) --[regulates]--> B (disease)".
// EdgePredicate on node i labels the hop arriving at i.
func pathChainWithPredicates(path []DeepThinkPathNode) string {
	var parts []string
	for i, node := range path {
		if i > 0 && node.EdgePredicate != "" {
			parts = append(parts, fmt.Sprintf("--[%s]-->", node.EdgePredicate))
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", node.EntityName, node.EntityType))
	}
	return strings.Join(parts, " ")
}

func pathChainPlain(path []DeepThinkPathNode) string {
	if len(path) == 0 {
		return "unknown path"
	}
	parts := make([]string, 0, len(path))
	for _, node := range path {
		parts = append(parts, fmt.Sprintf("%s (%s)", node.EntityName, node.EntityType))
	}
	return strings.Join(parts, " → ")
}

func yearString(year int) string {
	if year == 0 {
		return "n/a"
	}
	return strconv.Itoa(year)
}

func paperSections(papers []semanticscholar.Paper, edges []DeepThinkEdge) string {
	if len(papers) > 0 {
		sections := make([]string, 0, len(papers))
		for _, p := range papers {
			title := p.Title
			if title == "" {
				title = "Untitled"
			}
			sections = append(sections, fmt.Sprintf("Title: %s\nYear: %s\nAbstract: %s\nTLDR: %s",
				title, yearString(p.Year), p.Abstract, p.TLDRText()))
		}
		return strings.Join(sections, "\n\n---\n\n")
	}

	var lines []string
	for _, edge := range edges {
		evs := edge.Evidence
		if len(evs) > 3 {
			evs = evs[:3]
		}
		for _, ev := range evs {
			if ev.Title == "" && ev.Snippet == "" {
				continue
			}
			title := ev.Title
			if title == "" {
				title = "n/a"
			}
			lines = append(lines, fmt.Sprintf("Title: %s\nSnippet: %s", title, ev.Snippet))
		}
	}
	if len(lines) == 0 {
		return "No papers available."
	}
	return strings.Join(lines, "\n\n---\n\n")
}

func buildDeepThinkPrompt(path []DeepThinkPathNode, papers []semanticscholar.Paper, edges []DeepThinkEdge, contributionBlock string) string {
	var b strings.Builder
	b.WriteString("You are an expert biomedical scientist analyzing a multi-hop knowledge graph path.\n\n")
	b.WriteString("## Path\n")
	b.WriteString(pathChainWithPredicates(path))
	b.WriteString("\n\n## Supporting Literature\n")
	b.WriteString(paperSections(papers, edges))
	if contributionBlock != "" {
		b.WriteString("\n\n## Structured research context\n")
		b.WriteString(contributionBlock)
	}
	b.WriteString("\n\n## Your Task\n")
	b.WriteString("Write a detailed scientific explanation of how these entities are connected along this path. Structure your response as follows:\n\n")
	b.WriteString("1. **Overall connection**: One paragraph summarizing the high-level biological relationship across the entire path.\n")
	b.WriteString("2. **Step-by-step mechanistic breakdown**: For each consecutive pair of entities in the path, dedicate a paragraph explaining the specific molecular mechanism, pathway interaction, or clinical association that links them. Reference specific findings from the provided papers (cite by title).\n")
	b.WriteString("3. **Strength of evidence**: Briefly note where the evidence is strong vs. where it is circumstantial or inferred.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Ground every claim in the provided papers. Do not invent facts.\n")
	b.WriteString("- If evidence for a specific link is absent, explicitly state that.\n")
	b.WriteString("- Aim for 300-500 words total.\n")
	b.WriteString("- End with: \"Key references: [comma-separated list of cited paper titles]\"")
	return b.String()
}

func buildVerificationPrompt(analysis string, papers []semanticscholar.Paper) string {
	var titles []string
	for _, p := range papers {
		title := p.Title
		if title == "" {
			title = "Untitled"
		}
		titles = append(titles, "- "+title)
	}

	var b strings.Builder
	b.WriteString("You are a rigorous scientific fact-checker.\n\n")
	b.WriteString("The following analysis was generated about a biomedical knowledge graph path:\n\n")
	b.WriteString("--- ANALYSIS ---\n")
	b.WriteString(analysis)
	b.WriteString("\n--- END ANALYSIS ---\n\n")
	b.WriteString("Available source papers:\n")
	b.WriteString(linesOrNone(titles))
	b.WriteString("\n\nVerify the analysis:\n")
	b.WriteString("1. Does every factual claim map to one of the source papers or well-established biology?\n")
	b.WriteString("2. Are any papers cited that are NOT in the source list?\n")
	b.WriteString("3. Are there unsupported claims presented as fact?\n\n")
	b.WriteString("Respond concisely with: VERIFIED (no issues found) or ISSUES FOUND: [list problems].")
	return b.String()
}

// buildPapersContext numbers each paper so chat answers can cite them
// with [n] markers.
func buildPapersContext(papers []semanticscholar.Paper, edges []DeepThinkEdge) string {
	if len(papers) > 0 {
		sections := make([]string, 0, len(papers))
		for i, p := range papers {
			title := p.Title
			if title == "" {
				title = "Untitled"
			}
			summary := ""
			if tldr := p.TLDRText(); tldr != "" {
				summary = "Summary: " + tldr
			}
			sections = append(sections, fmt.Sprintf("[%d] %s (%s)\nAbstract: %s\n%s",
				i+1, title, yearString(p.Year), p.Abstract, summary))
		}
		return strings.Join(sections, "\n\n")
	}

	var lines []string
	for _, edge := range edges {
		evs := edge.Evidence
		if len(evs) > 3 {
			evs = evs[:3]
		}
		for _, ev := range evs {
			if ev.Title == "" && ev.Snippet == "" {
				continue
			}
			title := ev.Title
			if title == "" {
				title = "n/a"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", title, ev.Snippet))
		}
	}
	if len(lines) == 0 {
		return "No supporting literature available."
	}
	return strings.Join(lines, "\n")
}

func buildCompressionPrompt(papersContext, question string, path []DeepThinkPathNode) string {
	var b strings.Builder
	b.WriteString("A researcher is exploring this biomedical knowledge-graph path:\n")
	b.WriteString("PATH: ")
	b.WriteString(pathChainPlain(path))
	b.WriteString("\n\nTheir specific question is:\nQUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nBelow are supporting literature abstracts for the entities in this path. Your task: extract and summarize ONLY the findings that are directly relevant to answering the researcher's question about this path. Preserve paper numbers, titles, and the specific mechanistic details that bear on the question. Be concise (max 3 000 words). Omit papers with no relevance.\n\n")
	b.WriteString("Papers:\n")
	b.WriteString(papersContext)
	return b.String()
}

func buildSystemInstruction(path []DeepThinkPathNode, papersContext string) string {
	var b strings.Builder
	b.WriteString("You are an expert biomedical scientist helping a researcher explore a knowledge graph.\n\n")
	b.WriteString("The researcher has built this exploration path:\nPATH: ")
	b.WriteString(pathChainPlain(path))
	b.WriteString("\n\nSupporting literature for the entities in this path:\n")
	b.WriteString(papersContext)
	b.WriteString("\n\nGuidelines:\n")
	b.WriteString("- Answer questions about these entities and their connections with scientific precision.\n")
	b.WriteString("- Ground every claim in the supporting literature; cite specific paper findings.\n")
	b.WriteString("- If the evidence is limited or absent, say so explicitly.\n")
	b.WriteString("- Be clear and concise (150-350 words per answer).\n")
	b.WriteString("- Do not invent facts beyond what the evidence supports.\n")
	b.WriteString("- Do not use markdown formatting symbols (no **, ##, etc.); write in plain prose.")
	return b.String()
}

func buildReviewerPrompt(question, groundingContext, responseText string) string {
	var b strings.Builder
	b.WriteString("You are a scientific accuracy reviewer. Score the following AI response.\n\n")
	b.WriteString("USER QUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nSUPPORTING PAPERS (excerpt):\n")
	b.WriteString(clipRunes(groundingContext, 8000))
	b.WriteString("\n\nAI RESPONSE:\n")
	b.WriteString(responseText)
	b.WriteString("\n\nEvaluate: (1) are all claims grounded in the provided papers? (2) is the science accurate? (3) is the answer complete?\n\n")
	b.WriteString("You MUST respond with only these two lines — nothing before, nothing after:\n")
	b.WriteString("CONFIDENCE: <integer 1-10>/10\n")
	b.WriteString("REASONING: <one sentence explaining the score>\n\n")
	b.WriteString("Example of a correct response:\n")
	b.WriteString("CONFIDENCE: 8/10\n")
	b.WriteString("REASONING: All key claims are directly supported by the cited abstracts.")
	return b.String()
}
