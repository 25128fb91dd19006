package overview

import "strings"

// deltaNormalizer folds a raw model stream into a delta-only sequence.
// Providers disagree on chunk semantics: some send true deltas, some
// resend the cumulative text so far. Either way, concatenating every
// string push returns equals text().
type deltaNormalizer struct {
	full string
}

// push ingests one raw chunk and returns the delta to forward. Stale
// duplicates and empty chunks return "".
func (n *deltaNormalizer) push(chunk string) string {
	if chunk == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(chunk, n.full):
		delta := chunk[len(n.full):]
		n.full = chunk
		return delta
	case strings.HasPrefix(n.full, chunk):
		return ""
	default:
		n.full += chunk
		return chunk
	}
}

func (n *deltaNormalizer) text() string {
	return n.full
}
