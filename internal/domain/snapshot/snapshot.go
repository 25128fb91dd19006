package snapshot

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Payload is the client-side exploration state captured in a shareable
// snapshot. Entities and edges are stored as the frontend sent them, so
// restoring a snapshot replays the exact view.
type Payload struct {
	Query            string           `json:"query" binding:"required,min=1"`
	Entities         []map[string]any `json:"entities"`
	Edges            []map[string]any `json:"edges"`
	ExpandedNodes    []string         `json:"expanded_nodes"`
	CenterNodeID     string           `json:"center_node_id"`
	PathNodeIDs      []string         `json:"path_node_ids"`
	EntityFilter     json.RawMessage  `json:"entity_filter,omitempty"` // "all" or a list of types
	NodePositions    map[string]any   `json:"node_positions"`
	SelectionHistory []map[string]any `json:"selection_history"`
	SelectedEntityID string           `json:"selected_entity_id,omitempty"`
}

// GraphSnapshot is the persisted snapshot row. ID is a 10 character
// lowercase hex token used directly in share links.
type GraphSnapshot struct {
	ID        string         `gorm:"type:text;primaryKey" json:"id"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (GraphSnapshot) TableName() string { return "graph_snapshot" }
