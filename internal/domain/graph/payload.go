package graph

// Evidence is one literature citation attached to an edge.
type Evidence struct {
	PMID    int64  `json:"pmid"`
	Snippet string `json:"snippet"`
	PubYear int64  `json:"pub_year"`
	Source  string `json:"source"`
}

// Node is a renderable graph node. Size is a relative radius in the
// 0.6..1.5 range; the center node is always 1.5 and pre-expanded.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Color      string         `json:"color"`
	Size       float64        `json:"size"`
	IsExpanded bool           `json:"is_expanded,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Edge is a renderable graph edge with Biolink predicate, provenance and
// per-corpus co-mention counts. Direction is "->" when the center entity
// is the subject of the relation.
type Edge struct {
	ID                string     `json:"id"`
	Source            string     `json:"source"`
	Target            string     `json:"target"`
	Predicate         string     `json:"predicate"`
	Label             string     `json:"label"`
	Color             string     `json:"color,omitempty"`
	SourceDB          string     `json:"source_db"`
	Direction         string     `json:"direction"`
	ConfidenceScore   float64    `json:"confidence_score"`
	Provenance        string     `json:"provenance"`
	Evidence          []Evidence `json:"evidence"`
	PaperCount        int64      `json:"paper_count"`
	TrialCount        int64      `json:"trial_count"`
	PatentCount       int64      `json:"patent_count"`
	CooccurrenceScore int64      `json:"cooccurrence_score"`
}

// Payload is the full renderable graph returned by query, expand and
// path operations. Message is set only on empty results ("no entity
// found", "no path found", same-entity queries).
type Payload struct {
	CenterNodeID string `json:"center_node_id"`
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`
	Message      string `json:"message,omitempty"`
}
