package overview

import "context"

const vectorProbeText = "BRCA1 breast cancer pathway"

// Verify probes the retrieval stack end to end with a fixed query so
// operators can confirm the vector index answers before traffic does.
func (s *service) Verify(ctx context.Context) map[string]any {
	if s.store == nil {
		return map[string]any{"ok": false, "reason": "Missing vector endpoint configuration"}
	}
	if s.embedder == nil {
		return map[string]any{"ok": false, "reason": "Missing embedding model configuration"}
	}

	embedding, err := s.embedder.EmbedQuery(ctx, vectorProbeText)
	if err != nil {
		return map[string]any{"ok": false, "reason": err.Error()}
	}

	matches, err := s.store.QueryMatches(ctx, embedding, 5, nil)
	if err != nil {
		return map[string]any{"ok": false, "reason": err.Error()}
	}

	sampleIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		sampleIDs = append(sampleIDs, m.ID)
	}
	return map[string]any{
		"ok":              true,
		"neighbors_found": len(sampleIDs),
		"sample_ids":      sampleIDs,
	}
}
