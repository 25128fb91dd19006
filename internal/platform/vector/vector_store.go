package vector

import "context"

// Vector is one datapoint to write into the ANN index.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// Match is one nearest-neighbor hit. Score is a similarity, higher is
// better. Distance-based backends convert with 1/(1+distance) so scores
// stay comparable across providers.
type Match struct {
	ID    string
	Score float64
}

// Store is the vector index over evidence chunk embeddings. Implementations
// live behind this interface so the serving path does not care whether the
// index is a managed endpoint or a self-hosted collection.
type Store interface {
	Upsert(ctx context.Context, vectors []Vector) error

	// QueryMatches returns chunk IDs with their similarity scores. The
	// filter maps payload fields to required values; []string values mean
	// match-any.
	QueryMatches(ctx context.Context, q []float32, topK int, filter map[string]any) ([]Match, error)
}
