package explore

import (
	"context"

	"github.com/lumenbio/biograph-backend/internal/data/graphstore"
	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// PathEngine finds a shortest path between two entities. Stage one asks
// the mirrored graph store; when that store is absent, errors out or
// finds nothing, stage two runs a bidirectional breadth-first search
// over the warehouse relationship table.
type PathEngine interface {
	// FindPath returns the path in walk order from startID, with
	// found=false when the endpoints are not connected within the hop
	// budget. Equal endpoints yield an empty path with found=true.
	// Store failures are logged and reported as not found.
	FindPath(ctx context.Context, startID, endID string) (steps []graph.PathStep, found bool)
}

type pathEngine struct {
	paths     graphstore.PathReader
	neighbors warehouse.NeighborhoodRepo
	log       *logger.Logger

	maxDepth    int
	maxFrontier int
}

func NewPathEngine(paths graphstore.PathReader, neighbors warehouse.NeighborhoodRepo, baseLog *logger.Logger) PathEngine {
	return &pathEngine{
		paths:     paths,
		neighbors: neighbors,
		log:       baseLog.With("service", "PathEngine"),
		// Four expansions per side bounds paths at eight hops, matching
		// the graph store's traversal limit.
		maxDepth:    envutil.Int("PATH_MAX_DEPTH", 4),
		maxFrontier: envutil.Int("PATH_MAX_FRONTIER", 500),
	}
}

func (e *pathEngine) FindPath(ctx context.Context, startID, endID string) ([]graph.PathStep, bool) {
	if startID == endID {
		return []graph.PathStep{}, true
	}

	if e.paths != nil {
		steps, err := e.paths.ShortestPath(ctx, startID, endID)
		if err != nil {
			e.log.Warn("Graph store path query failed; falling back to breadth-first search",
				"start", startID, "end", endID, "error", err)
		} else if steps != nil {
			return steps, true
		}
	}

	return e.bidirectionalSearch(ctx, startID, endID)
}

// parentLink records how a node was first reached: the node expanded
// when it was discovered and the relation type of the connecting edge.
// The search roots carry an empty parent.
type parentLink struct {
	parent       string
	relationType string
}

// bidirectionalSearch grows two breadth-first trees, one rooted at each
// endpoint, always expanding the smaller frontier. The first node
// discovered by both trees is the meeting point; within one expansion
// step the first write into a parent map wins, so ties resolve
// deterministically in enumeration order.
func (e *pathEngine) bidirectionalSearch(ctx context.Context, startID, endID string) ([]graph.PathStep, bool) {
	forward := map[string]parentLink{startID: {}}
	backward := map[string]parentLink{endID: {}}
	forwardFrontier := []string{startID}
	backwardFrontier := []string{endID}

	for i := 0; i < 2*e.maxDepth; i++ {
		own, other := forward, backward
		frontier := &forwardFrontier
		if len(backwardFrontier) < len(forwardFrontier) {
			own, other = backward, forward
			frontier = &backwardFrontier
		}

		if len(*frontier) > e.maxFrontier {
			*frontier = (*frontier)[:e.maxFrontier]
		}

		adjacency, err := e.neighbors.FindNeighborIDs(ctx, *frontier)
		if err != nil {
			e.log.Warn("Neighbor fetch failed during path search",
				"start", startID, "end", endID, "error", err)
			return nil, false
		}

		var next []string
		for _, v := range *frontier {
			for _, n := range adjacency[v] {
				if _, seen := own[n.NeighborID]; seen {
					continue
				}
				own[n.NeighborID] = parentLink{parent: v, relationType: n.RelationType}
				next = append(next, n.NeighborID)
				if _, met := other[n.NeighborID]; met {
					return e.reconstruct(forward, backward, n.NeighborID), true
				}
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		*frontier = next
	}

	return nil, false
}

// reconstruct joins the two trees at the meeting point: the forward
// half is walked back to the start and reversed into walk order, the
// backward half already points toward the end.
func (e *pathEngine) reconstruct(forward, backward map[string]parentLink, meeting string) []graph.PathStep {
	var head []graph.PathStep
	for at := meeting; ; {
		link := forward[at]
		if link.parent == "" {
			break
		}
		head = append(head, graph.PathStep{From: link.parent, To: at, RelationType: link.relationType})
		at = link.parent
	}
	for i, j := 0, len(head)-1; i < j; i, j = i+1, j-1 {
		head[i], head[j] = head[j], head[i]
	}

	for at := meeting; ; {
		link := backward[at]
		if link.parent == "" {
			break
		}
		head = append(head, graph.PathStep{From: at, To: link.parent, RelationType: link.relationType})
		at = link.parent
	}
	return head
}
