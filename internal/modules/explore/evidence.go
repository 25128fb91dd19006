package explore

import (
	"context"
	"sort"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/domain/graph"
)

// pathPayload enriches path segments with per-edge PMIDs, entity
// details and paper details before assembling the payload.
func (s *service) pathPayload(ctx context.Context, steps []graph.PathStep) (*graph.Payload, error) {
	entities, err := s.entities.FindByIDs(ctx, pathEntityIDs(steps))
	if err != nil {
		return nil, err
	}

	triples := make([]warehouse.EdgeTriple, 0, len(steps))
	for _, step := range steps {
		triples = append(triples, warehouse.EdgeTriple{
			ID1:          step.From,
			ID2:          step.To,
			RelationType: step.RelationType,
		})
	}
	edgePMIDs, err := s.neighbors.FetchEdgePMIDs(ctx, triples)
	if err != nil {
		return nil, err
	}

	papers, err := s.papers.FetchDetails(ctx, collectPathPMIDs(edgePMIDs))
	if err != nil {
		return nil, err
	}
	return buildPathPayload(steps, entities, edgePMIDs, papers), nil
}

// collectPMIDs returns the distinct PMIDs across all neighbor edges in
// ascending order.
func collectPMIDs(related []graph.RelatedEntity) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, rel := range related {
		for _, pmid := range rel.PMIDs {
			if !seen[pmid] {
				seen[pmid] = true
				out = append(out, pmid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func collectPathPMIDs(edgePMIDs map[string][]int64) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, pmids := range edgePMIDs {
		for _, pmid := range pmids {
			if !seen[pmid] {
				seen[pmid] = true
				out = append(out, pmid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// pathEntityIDs lists the distinct entity IDs along a path in walk
// order.
func pathEntityIDs(steps []graph.PathStep) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, step := range steps {
		add(step.From)
		add(step.To)
	}
	return out
}
