package overview

import (
	"fmt"
	"sort"
)

// Center selections are grounded in the strongest adjacent edges rather
// than a single connection.
const centerAdjacentEdgeLimit = 6

// SelectionContext is the resolved form of a stream request: exactly one
// concrete edge to explain, plus the evidence set that grounds it.
type SelectionContext struct {
	SelectionKey  string
	SelectionType string
	Edge          *Edge
	Source        *Entity
	Target        *Entity

	// Evidence backs citations, the retrieval query and the prompt. For
	// plain edge and node selections it is the resolved edge's evidence;
	// center selections merge the top-ranked adjacent edges.
	Evidence []Evidence

	// SkipCoMention disables the two-endpoint document filter, which has
	// no meaning when the selection is the center node itself.
	SkipCoMention bool
}

func (s *SelectionContext) sourceName() string {
	if s.Source != nil {
		return s.Source.Name
	}
	return s.Edge.Source
}

func (s *SelectionContext) targetName() string {
	if s.Target != nil {
		return s.Target.Name
	}
	return s.Edge.Target
}

func (s *SelectionContext) relationship() string {
	if s.Edge.Label != "" {
		return s.Edge.Label
	}
	return s.Edge.Predicate
}

// buildSelectionContext resolves the client's selection against the
// echoed graph. Node selections without a direct edge to the center fall
// back to a bridge edge through a center neighbor, then to any edge
// touching the node.
func buildSelectionContext(req *StreamRequest) (*SelectionContext, error) {
	entities := make(map[string]*Entity, len(req.Entities))
	for i := range req.Entities {
		entities[req.Entities[i].ID] = &req.Entities[i]
	}

	if req.SelectionType == "edge" {
		var edge *Edge
		for i := range req.Edges {
			if req.Edges[i].ID == req.EdgeID {
				edge = &req.Edges[i]
				break
			}
		}
		if edge == nil {
			return nil, fmt.Errorf("Selected edge was not found in the provided graph payload")
		}
		return &SelectionContext{
			SelectionKey:  "edge:" + edge.ID,
			SelectionType: "edge",
			Edge:          edge,
			Source:        entities[edge.Source],
			Target:        entities[edge.Target],
			Evidence:      edge.Evidence,
		}, nil
	}

	if req.NodeID == "" {
		return nil, fmt.Errorf("node_id is required when selection_type=node")
	}

	centerID := req.CenterNodeID
	nodeID := req.NodeID

	var direct []*Edge
	for i := range req.Edges {
		if sameEndpoints(&req.Edges[i], centerID, nodeID) {
			direct = append(direct, &req.Edges[i])
		}
	}
	chosen := pickBestEdge(direct)

	if chosen == nil {
		centerNeighbors := make(map[string]bool)
		for i := range req.Edges {
			e := &req.Edges[i]
			switch {
			case e.Source == centerID:
				centerNeighbors[e.Target] = true
			case e.Target == centerID:
				centerNeighbors[e.Source] = true
			}
		}
		var bridge []*Edge
		for i := range req.Edges {
			e := &req.Edges[i]
			if (e.Source == nodeID && centerNeighbors[e.Target]) ||
				(e.Target == nodeID && centerNeighbors[e.Source]) {
				bridge = append(bridge, e)
			}
		}
		chosen = pickBestEdge(bridge)
	}

	if chosen == nil {
		var any []*Edge
		for i := range req.Edges {
			e := &req.Edges[i]
			if e.Source == nodeID || e.Target == nodeID {
				any = append(any, e)
			}
		}
		chosen = pickBestEdge(any)
	}

	if chosen == nil {
		return nil, fmt.Errorf("Unable to resolve a connection edge for selected node")
	}

	sel := &SelectionContext{
		SelectionKey:  "node:" + nodeID,
		SelectionType: "node",
		Edge:          chosen,
		Source:        entities[chosen.Source],
		Target:        entities[chosen.Target],
		Evidence:      chosen.Evidence,
	}

	if nodeID == centerID {
		sel.Evidence = mergeAdjacentEvidence(req.Edges, centerID, centerAdjacentEdgeLimit)
		sel.SkipCoMention = true
	}
	return sel, nil
}

func sameEndpoints(e *Edge, a, b string) bool {
	if a == b {
		return e.Source == a && e.Target == a
	}
	return (e.Source == a && e.Target == b) || (e.Source == b && e.Target == a)
}

// rankScore prefers the client-side score and falls back to the
// payload's confidence when the client did not send one.
func rankScore(e *Edge) float64 {
	if e.Score != 0 {
		return e.Score
	}
	return e.ConfidenceScore
}

func sortEdgesByRank(edges []*Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		si, sj := rankScore(edges[i]), rankScore(edges[j])
		if si != sj {
			return si > sj
		}
		return len(edges[i].Evidence) > len(edges[j].Evidence)
	})
}

func pickBestEdge(candidates []*Edge) *Edge {
	if len(candidates) == 0 {
		return nil
	}
	ranked := make([]*Edge, len(candidates))
	copy(ranked, candidates)
	sortEdgesByRank(ranked)
	return ranked[0]
}

func mergeAdjacentEvidence(edges []Edge, centerID string, limit int) []Evidence {
	var adjacent []*Edge
	for i := range edges {
		e := &edges[i]
		if e.Source == centerID || e.Target == centerID {
			adjacent = append(adjacent, e)
		}
	}
	sortEdgesByRank(adjacent)
	if len(adjacent) > limit {
		adjacent = adjacent[:limit]
	}

	var merged []Evidence
	for _, e := range adjacent {
		merged = append(merged, e.Evidence...)
	}
	return merged
}
