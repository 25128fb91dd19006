package explore

import (
	"fmt"
	"math"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/domain/graph"
)

// buildGraphPayload assembles the renderable neighborhood graph for a
// seed entity. Node sizes scale with co-occurrence relative to the
// strongest neighbor; edge confidence is the log-normalised score.
func buildGraphPayload(center *graph.Entity, related []graph.RelatedEntity, papers map[int64]graph.PaperDetail) *graph.Payload {
	nodes := []graph.Node{{
		ID:         center.EntityID,
		Name:       center.Mention,
		Type:       biolinkType(center.Type),
		Color:      entityColor(center.Type),
		Size:       1.5,
		IsExpanded: true,
		Metadata:   map[string]any{"entity_id": center.EntityID},
	}}
	index := map[string]int{center.EntityID: 0}
	edges := make([]graph.Edge, 0, len(related))

	var maxScore int64
	for _, rel := range related {
		if rel.CooccurrenceScore > maxScore {
			maxScore = rel.CooccurrenceScore
		}
	}
	if maxScore == 0 {
		maxScore = 1
	}

	for _, rel := range related {
		mention := rel.Mention
		if mention == "" {
			mention = rel.EntityID
		}

		nodeSize := 0.6 + 0.8*(float64(rel.CooccurrenceScore)/float64(maxScore))
		if i, ok := index[rel.EntityID]; ok {
			// Same neighbor via another relation type: keep the larger size.
			if nodes[i].Size < nodeSize {
				nodes[i].Size = round3(nodeSize)
			}
		} else {
			index[rel.EntityID] = len(nodes)
			nodes = append(nodes, graph.Node{
				ID:       rel.EntityID,
				Name:     mention,
				Type:     biolinkType(rel.Type),
				Color:    entityColor(rel.Type),
				Size:     round3(nodeSize),
				Metadata: map[string]any{"entity_id": rel.EntityID},
			})
		}

		direction := rel.Direction
		if direction == "" {
			direction = "->"
		}
		source, target := center.EntityID, rel.EntityID
		if direction != "->" {
			source, target = rel.EntityID, center.EntityID
		}

		confidence := 0.0
		if maxScore > 0 {
			confidence = math.Min(math.Log1p(float64(rel.CooccurrenceScore))/math.Log1p(float64(maxScore)), 1.0)
		}

		predicate := relationPredicate(rel.RelationType)
		edges = append(edges, graph.Edge{
			ID:                warehouse.EdgeKey(source, target, rel.RelationType),
			Source:            source,
			Target:            target,
			Predicate:         predicate,
			Label:             labelFromPredicate(predicate),
			Color:             entityColor(rel.Type),
			SourceDB:          "kg_raw",
			Direction:         direction,
			ConfidenceScore:   round4(confidence),
			Provenance:        "literature",
			Evidence:          evidenceList(rel.PMIDs, papers),
			PaperCount:        rel.PaperCount,
			TrialCount:        rel.TrialCount,
			PatentCount:       rel.PatentCount,
			CooccurrenceScore: rel.CooccurrenceScore,
		})
	}

	return &graph.Payload{CenterNodeID: center.EntityID, Nodes: nodes, Edges: edges}
}

// buildPathPayload assembles the renderable graph for a shortest path.
// Nodes appear in walk order; only the start node is pre-expanded. Edge
// confidence saturates at 1.0 once an edge carries ten supporting PMIDs.
func buildPathPayload(steps []graph.PathStep, entities map[string]graph.Entity, edgePMIDs map[string][]int64, papers map[int64]graph.PaperDetail) *graph.Payload {
	if len(steps) == 0 {
		return &graph.Payload{Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	}

	pathIDs := make([]string, 0, len(steps)+1)
	pathIDs = append(pathIDs, steps[0].From)
	for _, step := range steps {
		pathIDs = append(pathIDs, step.To)
	}

	nodes := make([]graph.Node, 0, len(pathIDs))
	for i, id := range pathIDs {
		ent := entities[id]
		name := ent.Mention
		if name == "" {
			name = id
		}
		size := 1.0
		if i == 0 {
			size = 1.5
		}
		nodes = append(nodes, graph.Node{
			ID:         id,
			Name:       name,
			Type:       biolinkType(ent.Type),
			Color:      entityColor(ent.Type),
			Size:       size,
			IsExpanded: i == 0,
			Metadata:   map[string]any{"entity_id": id},
		})
	}

	edges := make([]graph.Edge, 0, len(steps))
	for _, step := range steps {
		pmids := edgePMIDs[warehouse.EdgeKey(step.From, step.To, step.RelationType)]
		predicate := relationPredicate(step.RelationType)
		confidence := math.Min(float64(len(pmids))/10.0, 1.0)
		edges = append(edges, graph.Edge{
			ID:              warehouse.EdgeKey(step.From, step.To, step.RelationType),
			Source:          step.From,
			Target:          step.To,
			Predicate:       predicate,
			Label:           labelFromPredicate(predicate),
			Color:           entityColor(entities[step.To].Type),
			SourceDB:        "kg_raw",
			Direction:       "->",
			ConfidenceScore: round4(confidence),
			Provenance:      "literature",
			Evidence:        evidenceList(pmids, papers),
		})
	}

	return &graph.Payload{CenterNodeID: pathIDs[0], Nodes: nodes, Edges: edges}
}

func buildNotFound(query string) *graph.Payload {
	return &graph.Payload{
		Nodes:   []graph.Node{},
		Edges:   []graph.Edge{},
		Message: fmt.Sprintf("No entity found matching '%s'", query),
	}
}

func evidenceList(pmids []int64, papers map[int64]graph.PaperDetail) []graph.Evidence {
	out := make([]graph.Evidence, 0, len(pmids))
	for _, pmid := range pmids {
		paper := papers[pmid]
		out = append(out, graph.Evidence{
			PMID:    pmid,
			Snippet: paper.Title,
			PubYear: paper.Year,
			Source:  "PubMed",
		})
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
