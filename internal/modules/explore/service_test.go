package explore

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/apierr"
)

type fakeResolver struct {
	intent *Intent
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, query string) (*Intent, error) {
	return f.intent, f.err
}

type fakeEntityRepo struct {
	byQuery map[string]*graph.Entity
	byID    map[string]*graph.Entity
}

func (f *fakeEntityRepo) Find(ctx context.Context, query, entityType string) (*graph.Entity, error) {
	return f.byQuery[query], nil
}

func (f *fakeEntityRepo) FindByID(ctx context.Context, entityID string) (*graph.Entity, error) {
	return f.byID[entityID], nil
}

func (f *fakeEntityRepo) FindByIDs(ctx context.Context, entityIDs []string) (map[string]graph.Entity, error) {
	out := make(map[string]graph.Entity)
	for _, id := range entityIDs {
		if e, ok := f.byID[id]; ok {
			out[id] = *e
		}
	}
	return out, nil
}

type fakePaperRepo struct {
	papers    map[int64]graph.PaperDetail
	gotPMIDs  []int64
	fetchErrs error
}

func (f *fakePaperRepo) FetchDetails(ctx context.Context, pmids []int64) (map[int64]graph.PaperDetail, error) {
	f.gotPMIDs = append([]int64(nil), pmids...)
	if f.fetchErrs != nil {
		return nil, f.fetchErrs
	}
	out := make(map[int64]graph.PaperDetail)
	for _, p := range pmids {
		if d, ok := f.papers[p]; ok {
			out[p] = d
		}
	}
	return out, nil
}

type fakePathEngine struct {
	steps []graph.PathStep
	found bool
}

func (f *fakePathEngine) FindPath(ctx context.Context, startID, endID string) ([]graph.PathStep, bool) {
	return f.steps, f.found
}

func newTestService(t *testing.T, intents IntentResolver, entities *fakeEntityRepo, neighbors *fakeNeighborRepo, papers *fakePaperRepo, pathways PathEngine) Service {
	t.Helper()
	if entities == nil {
		entities = &fakeEntityRepo{}
	}
	if neighbors == nil {
		neighbors = &fakeNeighborRepo{}
	}
	if papers == nil {
		papers = &fakePaperRepo{}
	}
	if pathways == nil {
		pathways = &fakePathEngine{}
	}
	return NewService(intents, entities, neighbors, papers, pathways, newTestLogger(t))
}

func TestServiceQuery_SingleEntity(t *testing.T) {
	brca1 := &graph.Entity{EntityID: "NCBIGene:672", Type: "gene", Mention: "BRCA1"}
	entities := &fakeEntityRepo{byQuery: map[string]*graph.Entity{"BRCA1": brca1}}
	neighbors := &fakeNeighborRepo{related: []graph.RelatedEntity{{
		EntityID:          "MESH:D001943",
		Type:              "disease",
		Mention:           "Breast Neoplasms",
		RelationType:      "gene_disease",
		Direction:         "->",
		EvidenceCount:     3,
		PMIDs:             []int64{102, 101},
		PaperCount:        42,
		CooccurrenceScore: 42,
	}}}
	papers := &fakePaperRepo{papers: map[int64]graph.PaperDetail{101: {Title: "t101", Year: 2018}}}
	resolver := &fakeResolver{intent: &Intent{Kind: IntentSingle, Entity: ExtractedEntity{Name: "BRCA1", Type: "gene"}}}

	svc := newTestService(t, resolver, entities, neighbors, papers, nil)
	payload, err := svc.Query(context.Background(), "tell me about BRCA1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if payload.CenterNodeID != "NCBIGene:672" {
		t.Fatalf("center_node_id: want=%q got=%q", "NCBIGene:672", payload.CenterNodeID)
	}
	var diseaseNode *graph.Node
	for i := range payload.Nodes {
		if payload.Nodes[i].ID == "MESH:D001943" {
			diseaseNode = &payload.Nodes[i]
		}
	}
	if diseaseNode == nil {
		t.Fatalf("expected node MESH:D001943 in payload")
	}
	if len(payload.Edges) != 1 {
		t.Fatalf("edge count: want=1 got=%d", len(payload.Edges))
	}
	edge := payload.Edges[0]
	if !strings.HasPrefix(edge.Predicate, "biolink:") {
		t.Fatalf("predicate: want biolink prefix, got %q", edge.Predicate)
	}
	if edge.PaperCount != 42 {
		t.Fatalf("paper_count: want=42 got=%d", edge.PaperCount)
	}

	// PMIDs are batched distinct and ascending.
	if len(papers.gotPMIDs) != 2 || papers.gotPMIDs[0] != 101 || papers.gotPMIDs[1] != 102 {
		t.Fatalf("fetched pmids: got %v", papers.gotPMIDs)
	}
}

func TestServiceQuery_EntityMissUsesExtractedName(t *testing.T) {
	resolver := &fakeResolver{intent: &Intent{Kind: IntentSingle, Entity: ExtractedEntity{Name: "fooase"}}}
	svc := newTestService(t, resolver, nil, nil, nil, nil)

	payload, err := svc.Query(context.Background(), "what binds fooase receptors?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if payload.Message != "No entity found matching 'fooase'" {
		t.Fatalf("message: got=%q", payload.Message)
	}
	if len(payload.Nodes) != 0 || len(payload.Edges) != 0 {
		t.Fatalf("want empty payload, got %d nodes %d edges", len(payload.Nodes), len(payload.Edges))
	}
}

func TestServiceQuery_ExtractionErrorBecomes502(t *testing.T) {
	resolver := &fakeResolver{err: ErrExtractionFailed}
	svc := newTestService(t, resolver, nil, nil, nil, nil)

	_, err := svc.Query(context.Background(), "???")
	ae, ok := apierr.As(err)
	if !ok {
		t.Fatalf("want *apierr.Error, got %v", err)
	}
	if ae.Status != http.StatusBadGateway || ae.Code != "entity_extraction_failed" {
		t.Fatalf("want 502 entity_extraction_failed, got %d %s", ae.Status, ae.Code)
	}
	if ae.Err.Error() != "Entity extraction failed" {
		t.Fatalf("message: got=%q", ae.Err.Error())
	}
}

func TestServiceQuery_PairSameEntity(t *testing.T) {
	ent := &graph.Entity{EntityID: "NCBIGene:672", Type: "gene", Mention: "BRCA1"}
	entities := &fakeEntityRepo{byQuery: map[string]*graph.Entity{
		"BRCA1":  ent,
		"brca-1": ent,
	}}
	resolver := &fakeResolver{intent: &Intent{
		Kind:  IntentPair,
		Start: ExtractedEntity{Name: "BRCA1"},
		End:   ExtractedEntity{Name: "brca-1"},
	}}
	svc := newTestService(t, resolver, entities, nil, nil, nil)

	payload, err := svc.Query(context.Background(), "path from BRCA1 to brca-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(payload.Message, "resolve to the same entity") {
		t.Fatalf("message: got=%q", payload.Message)
	}
	if len(payload.Nodes) != 0 || len(payload.Edges) != 0 {
		t.Fatalf("want empty payload, got %d nodes %d edges", len(payload.Nodes), len(payload.Edges))
	}
}

func TestServiceQuery_PairNoPath(t *testing.T) {
	entities := &fakeEntityRepo{byQuery: map[string]*graph.Entity{
		"BRCA1":   {EntityID: "NCBIGene:672", Type: "gene", Mention: "BRCA1"},
		"aspirin": {EntityID: "CHEBI:15365", Type: "drug", Mention: "Aspirin"},
	}}
	resolver := &fakeResolver{intent: &Intent{
		Kind:  IntentPair,
		Start: ExtractedEntity{Name: "BRCA1"},
		End:   ExtractedEntity{Name: "aspirin"},
	}}
	svc := newTestService(t, resolver, entities, nil, nil, &fakePathEngine{found: false})

	payload, err := svc.Query(context.Background(), "connect BRCA1 to aspirin")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(payload.Message, "No path found") {
		t.Fatalf("message: got=%q", payload.Message)
	}
	if len(payload.Nodes) != 0 {
		t.Fatalf("want no nodes, got %d", len(payload.Nodes))
	}
}

func TestServiceQuery_PairPathPayload(t *testing.T) {
	entities := &fakeEntityRepo{
		byQuery: map[string]*graph.Entity{
			"BRCA1":   {EntityID: "A", Type: "gene", Mention: "BRCA1"},
			"aspirin": {EntityID: "C", Type: "drug", Mention: "Aspirin"},
		},
		byID: map[string]*graph.Entity{
			"A": {EntityID: "A", Type: "gene", Mention: "BRCA1"},
			"B": {EntityID: "B", Type: "disease", Mention: "Breast Neoplasms"},
			"C": {EntityID: "C", Type: "drug", Mention: "Aspirin"},
		},
	}
	steps := []graph.PathStep{
		{From: "A", To: "B", RelationType: "gene_disease"},
		{From: "B", To: "C", RelationType: "disease_drug"},
	}
	neighbors := &fakeNeighborRepo{edgePMIDs: map[string][]int64{
		"A--B--gene_disease": {11, 12},
		"B--C--disease_drug": {13},
	}}
	papers := &fakePaperRepo{papers: map[int64]graph.PaperDetail{11: {Title: "t11", Year: 2021}}}
	resolver := &fakeResolver{intent: &Intent{
		Kind:  IntentPair,
		Start: ExtractedEntity{Name: "BRCA1"},
		End:   ExtractedEntity{Name: "aspirin"},
	}}
	svc := newTestService(t, resolver, entities, neighbors, papers, &fakePathEngine{steps: steps, found: true})

	payload, err := svc.Query(context.Background(), "how is BRCA1 linked to aspirin?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if payload.CenterNodeID != "A" {
		t.Fatalf("center_node_id: want=%q got=%q", "A", payload.CenterNodeID)
	}
	wantOrder := []string{"A", "B", "C"}
	if len(payload.Nodes) != len(wantOrder) {
		t.Fatalf("node count: want=%d got=%d", len(wantOrder), len(payload.Nodes))
	}
	for i, id := range wantOrder {
		if payload.Nodes[i].ID != id {
			t.Fatalf("node %d: want=%q got=%q", i, id, payload.Nodes[i].ID)
		}
	}
	if payload.Nodes[1].Name != "Breast Neoplasms" {
		t.Fatalf("intermediate node name: got=%q", payload.Nodes[1].Name)
	}
	if len(payload.Edges) != 2 {
		t.Fatalf("edge count: want=2 got=%d", len(payload.Edges))
	}
	first := payload.Edges[0]
	if len(first.Evidence) != 2 || first.Evidence[0].Snippet != "t11" {
		t.Fatalf("first edge evidence: %+v", first.Evidence)
	}
	if !close4(first.ConfidenceScore, 0.2) {
		t.Fatalf("first edge confidence: want=0.2 got=%v", first.ConfidenceScore)
	}
}

func TestServiceExpand_KnownEntity(t *testing.T) {
	entities := &fakeEntityRepo{byID: map[string]*graph.Entity{
		"NCBIGene:672": {EntityID: "NCBIGene:672", Type: "gene", Mention: "BRCA1"},
	}}
	neighbors := &fakeNeighborRepo{related: []graph.RelatedEntity{{
		EntityID: "MESH:D001943", Type: "disease", Mention: "Breast Neoplasms",
		RelationType: "gene_disease", Direction: "->", CooccurrenceScore: 7,
	}}}
	svc := newTestService(t, &fakeResolver{}, entities, neighbors, nil, nil)

	payload, err := svc.Expand(context.Background(), "NCBIGene:672")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if payload.CenterNodeID != "NCBIGene:672" {
		t.Fatalf("center_node_id: want=%q got=%q", "NCBIGene:672", payload.CenterNodeID)
	}
	if len(payload.Nodes) != 2 || len(payload.Edges) != 1 {
		t.Fatalf("payload shape: got %d nodes %d edges", len(payload.Nodes), len(payload.Edges))
	}
}

func TestServiceExpand_UnknownEntity(t *testing.T) {
	svc := newTestService(t, &fakeResolver{}, nil, nil, nil, nil)

	payload, err := svc.Expand(context.Background(), "MISSING:1")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if payload.Message != "No entity found matching 'MISSING:1'" {
		t.Fatalf("message: got=%q", payload.Message)
	}
}
