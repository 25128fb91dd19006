package overview

// Entity is a graph node as echoed back by the frontend when it asks for
// an AI overview of the current selection.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Evidence is one citation attached to an echoed edge. The field names
// mirror the graph payload so the client can echo edges back verbatim.
// PMID zero means the citation carries no PubMed ID.
type Evidence struct {
	PMID    int64  `json:"pmid,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
	PubYear int64  `json:"pub_year,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Edge is a graph edge as echoed back by the frontend. Score is an
// optional client-side ranking value; when absent the payload's
// confidence score stands in for it.
type Edge struct {
	ID                string     `json:"id"`
	Source            string     `json:"source"`
	Target            string     `json:"target"`
	Predicate         string     `json:"predicate"`
	Label             string     `json:"label,omitempty"`
	Score             float64    `json:"score,omitempty"`
	ConfidenceScore   float64    `json:"confidence_score,omitempty"`
	Provenance        string     `json:"provenance,omitempty"`
	SourceDB          string     `json:"source_db,omitempty"`
	Evidence          []Evidence `json:"evidence"`
	PaperCount        int64      `json:"paper_count,omitempty"`
	TrialCount        int64      `json:"trial_count,omitempty"`
	PatentCount       int64      `json:"patent_count,omitempty"`
	CooccurrenceScore int64      `json:"cooccurrence_score,omitempty"`
}

// HistoryItem is a prior overview summary carried by the client so the
// model can reference earlier selections in the same session.
type HistoryItem struct {
	SelectionKey  string `json:"selection_key"`
	SelectionType string `json:"selection_type"`
	Summary       string `json:"summary"`
}

// PathEntity is one node of the exploration path the user has built.
type PathEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// RagChunk is one retrieved evidence chunk. Score is the ANN similarity
// reported by the vector store, higher is better.
type RagChunk struct {
	ChunkID  string  `json:"chunk_id"`
	DocID    string  `json:"doc_id"`
	DocType  string  `json:"doc_type"`
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// Citation is one grounding reference surfaced to the client in the
// context and done events. Kind is "evidence" for edge PMIDs, "rag" for
// retrieved chunks and "contribution" for structured research records.
type Citation struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// StreamRequest asks for a streamed AI overview of the currently selected
// edge or node. The client echoes the visible graph so the server does
// not need to re-query it.
type StreamRequest struct {
	SelectionType string        `json:"selection_type" binding:"required,oneof=edge node"`
	EdgeID        string        `json:"edge_id,omitempty"`
	NodeID        string        `json:"node_id,omitempty"`
	CenterNodeID  string        `json:"center_node_id" binding:"required,min=1"`
	Entities      []Entity      `json:"entities"`
	Edges         []Edge        `json:"edges"`
	History       []HistoryItem `json:"history"`
	Path          []PathEntity  `json:"path"`
}

// DeepThinkPathNode is one hop of the exploration path sent for deep
// analysis. EdgePredicate is the predicate of the edge leading INTO this
// node and is empty on the first node.
type DeepThinkPathNode struct {
	EntityID      string `json:"entity_id"`
	EntityName    string `json:"entity_name"`
	EntityType    string `json:"entity_type"`
	EdgePredicate string `json:"edge_predicate,omitempty"`
}

// DeepThinkEdgeEvidence is a citation attached to a path edge.
type DeepThinkEdgeEvidence struct {
	PMID    int64  `json:"pmid,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
}

// DeepThinkEdge is one edge of the exploration path with its evidence.
type DeepThinkEdge struct {
	Source    string                  `json:"source"`
	Target    string                  `json:"target"`
	Predicate string                  `json:"predicate"`
	Evidence  []DeepThinkEdgeEvidence `json:"evidence"`
}

// DeepThinkRequest asks for a streamed mechanistic analysis of a full
// exploration path.
type DeepThinkRequest struct {
	Path     []DeepThinkPathNode `json:"path" binding:"required,min=2"`
	Edges    []DeepThinkEdge     `json:"edges"`
	Question string              `json:"question,omitempty"`
}

// DeepThinkChatMessage is one turn of an ongoing deep-think conversation.
type DeepThinkChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DeepThinkChatRequest continues a deep-think conversation about a path
// with a follow-up question.
type DeepThinkChatRequest struct {
	Path     []DeepThinkPathNode    `json:"path" binding:"required,min=2"`
	Edges    []DeepThinkEdge        `json:"edges"`
	Question string                 `json:"question" binding:"required,min=1"`
	Messages []DeepThinkChatMessage `json:"messages"`
}
