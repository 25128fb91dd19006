// Package chunking slices document text into bounded, overlapping chunks.
//
// The index builder chunks documents before embedding and the RAG
// materializer re-runs the same function to reconstruct chunk text by id.
// Both sides must agree byte for byte, so this package is pure: same
// inputs, same chunk ids, same texts, same offsets. Lengths and offsets
// count runes, not bytes, so an overlap slice never cuts a rune in half.
package chunking

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Chunk struct {
	ChunkID     string
	DocID       string
	DocType     string
	ChunkIndex  int
	Text        string
	StartOffset int
	EndOffset   int
}

// SplitSentences splits on whitespace runs that follow '.', '!' or '?'.
// The punctuation stays attached to the left sentence; empty pieces are
// dropped.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var out []string
	start := 0
	i := 0
	for i < len(runes) {
		r := runes[i]
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			if sent := strings.TrimSpace(string(runes[start : i+1])); sent != "" {
				out = append(out, sent)
			}
			i++
			for i < len(runes) && unicode.IsSpace(runes[i]) {
				i++
			}
			start = i
			continue
		}
		i++
	}
	if start < len(runes) {
		if sent := strings.TrimSpace(string(runes[start:])); sent != "" {
			out = append(out, sent)
		}
	}
	return out
}

// ChunkDocument greedily packs sentences into chunks of at most maxChars
// runes. When a sentence would overflow the current chunk, the chunk is
// emitted and the next one starts with the last overlapChars runes of it,
// so adjacent chunks share that suffix. Chunk k+1 starts at
// prev_end - len(overlap). Text at or under maxChars is a single chunk
// "#0".
func ChunkDocument(docID, docType, text string, maxChars, overlapChars int) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return []Chunk{{
			ChunkID:     docID + "#0",
			DocID:       docID,
			DocType:     docType,
			ChunkIndex:  0,
			Text:        text,
			StartOffset: 0,
			EndOffset:   utf8.RuneCountInString(text),
		}}
	}

	sentences := SplitSentences(text)
	var chunks []Chunk
	cur := ""
	start := 0
	idx := 0

	for _, sent := range sentences {
		candidate := strings.TrimSpace(cur + " " + sent)
		if cur != "" && utf8.RuneCountInString(candidate) > maxChars {
			end := start + utf8.RuneCountInString(cur)
			chunks = append(chunks, Chunk{
				ChunkID:     fmt.Sprintf("%s#%d", docID, idx),
				DocID:       docID,
				DocType:     docType,
				ChunkIndex:  idx,
				Text:        cur,
				StartOffset: start,
				EndOffset:   end,
			})
			idx++

			runes := []rune(cur)
			from := len(runes) - overlapChars
			if from < 0 {
				from = 0
			}
			overlap := string(runes[from:])
			start = end - utf8.RuneCountInString(overlap)
			if start < 0 {
				start = 0
			}
			cur = strings.TrimSpace(overlap + " " + sent)
		} else {
			cur = candidate
		}
	}

	if cur != "" {
		chunks = append(chunks, Chunk{
			ChunkID:     fmt.Sprintf("%s#%d", docID, idx),
			DocID:       docID,
			DocType:     docType,
			ChunkIndex:  idx,
			Text:        cur,
			StartOffset: start,
			EndOffset:   start + utf8.RuneCountInString(cur),
		})
	}
	return chunks
}
