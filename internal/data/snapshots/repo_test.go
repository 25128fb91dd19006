package snapshots

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
)

func TestMemoryRepoSaveAndFind(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	payload := &snapshot.Payload{
		Query:        "BRCA1",
		Entities:     []map[string]any{{"id": "E1", "name": "BRCA1"}},
		Edges:        []map[string]any{{"id": "e1", "source": "E1", "target": "E2"}},
		CenterNodeID: "E1",
		PathNodeIDs:  []string{"E1", "E2"},
		NodePositions: map[string]any{
			"E1": map[string]any{"x": 1.5, "y": 2.5},
		},
		SelectedEntityID: "E2",
	}

	id, err := repo.Save(ctx, payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Find(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.Query != "BRCA1" {
		t.Fatalf("query: want=%q got=%q", "BRCA1", got.Query)
	}
	if got.CenterNodeID != "E1" {
		t.Fatalf("center_node_id: want=%q got=%q", "E1", got.CenterNodeID)
	}
	if got.SelectedEntityID != "E2" {
		t.Fatalf("selected_entity_id: want=%q got=%q", "E2", got.SelectedEntityID)
	}
	if len(got.Entities) != 1 || got.Entities[0]["name"] != "BRCA1" {
		t.Fatalf("unexpected entities: %+v", got.Entities)
	}
	if len(got.PathNodeIDs) != 2 {
		t.Fatalf("path_node_ids length: want=2 got=%d", len(got.PathNodeIDs))
	}
}

func TestSnapshotIDShape(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := newSnapshotID()
		if len(id) != 10 {
			t.Fatalf("id length: want=10 got=%d (%q)", len(id), id)
		}
		for _, r := range id {
			if !strings.ContainsRune("0123456789abcdef", r) {
				t.Fatalf("id %q contains non-hex rune %q", id, r)
			}
		}
	}
}

func TestSaveNormalizesDefaults(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	id, err := repo.Save(ctx, &snapshot.Payload{Query: "TP53", CenterNodeID: "E9"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Find(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if got.Entities == nil || len(got.Entities) != 0 {
		t.Fatalf("entities should default to empty list, got %+v", got.Entities)
	}
	if got.Edges == nil || len(got.Edges) != 0 {
		t.Fatalf("edges should default to empty list, got %+v", got.Edges)
	}
	if got.ExpandedNodes == nil || len(got.ExpandedNodes) != 0 {
		t.Fatalf("expanded_nodes should default to empty list, got %+v", got.ExpandedNodes)
	}
	if got.PathNodeIDs == nil || len(got.PathNodeIDs) != 0 {
		t.Fatalf("path_node_ids should default to empty list, got %+v", got.PathNodeIDs)
	}
	if string(got.EntityFilter) != `"all"` {
		t.Fatalf("entity_filter: want=%q got=%q", `"all"`, string(got.EntityFilter))
	}
	if got.NodePositions == nil || len(got.NodePositions) != 0 {
		t.Fatalf("node_positions should default to empty map, got %+v", got.NodePositions)
	}
	if got.SelectionHistory == nil || len(got.SelectionHistory) != 0 {
		t.Fatalf("selection_history should default to empty list, got %+v", got.SelectionHistory)
	}
}

func TestEntityFilterListRoundTrips(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	id, err := repo.Save(ctx, &snapshot.Payload{
		Query:        "aspirin",
		CenterNodeID: "E3",
		EntityFilter: json.RawMessage(`["gene","drug"]`),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Find(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	var filter []string
	if err := json.Unmarshal(got.EntityFilter, &filter); err != nil {
		t.Fatalf("entity_filter should be a list: %v", err)
	}
	if len(filter) != 2 || filter[0] != "gene" || filter[1] != "drug" {
		t.Fatalf("unexpected entity_filter: %v", filter)
	}
}

func TestFindMissingSnapshot(t *testing.T) {
	repo := NewMemoryRepo()

	got, err := repo.Find(context.Background(), "0123456789")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing snapshot, got %+v", got)
	}
}
