package overview

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// ReviewResult is the reviewer's verdict on a generated answer. A zero
// score means no review happened.
type ReviewResult struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// The reviewer is told to answer with exactly "CONFIDENCE: n/10" and
// "REASONING: ...", but models drift, so progressively looser patterns
// back up the strict one.
var (
	confidenceLineRe = regexp.MustCompile(`(?i)CONFIDENCE:\s*(\d+)\s*/\s*10`)
	slashScoreRe     = regexp.MustCompile(`(\d+)\s*/\s*10`)
	wordScoreRe      = regexp.MustCompile(`(?i)score[:\s]+(\d+)`)
	reasoningLineRe  = regexp.MustCompile(`(?is)REASONING:\s*(.+)`)
)

// review scores a generated response against the grounding context it
// was produced from. Failures never propagate to the stream.
func (s *service) review(ctx context.Context, question, grounding, responseText string) ReviewResult {
	if s.ai == nil {
		return ReviewResult{}
	}

	client := s.modelClient(s.deepThinkCandidates()[0], reviewerGeneration)
	text, err := client.GenerateText(ctx, "", buildReviewerPrompt(question, grounding, responseText))
	if err != nil {
		s.log.Warn("Reviewer call failed", "error", err.Error())
		return ReviewResult{}
	}

	return parseReview(text)
}

func parseReview(text string) ReviewResult {
	score := 5
	if m := confidenceLineRe.FindStringSubmatch(text); m != nil {
		score, _ = strconv.Atoi(m[1])
	} else if m := slashScoreRe.FindStringSubmatch(text); m != nil {
		score, _ = strconv.Atoi(m[1])
	} else if m := wordScoreRe.FindStringSubmatch(text); m != nil {
		score, _ = strconv.Atoi(m[1])
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	reasoning := strings.TrimSpace(text)
	if m := reasoningLineRe.FindStringSubmatch(text); m != nil {
		reasoning = strings.TrimSpace(m[1])
	}

	return ReviewResult{Score: score, Reasoning: clipRunes(reasoning, 300)}
}
