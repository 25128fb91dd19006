package graph

// Entity is a canonical biomedical entity row from the warehouse
// (C23_BioEntities). IDs follow PKG conventions, e.g. "NCBIGene672"
// or "meshD001943".
type Entity struct {
	EntityID string `json:"entity_id"`
	Type     string `json:"type"`
	Mention  string `json:"mention"`
}

// RelatedEntity is one neighborhood row for a seed entity: the neighbor,
// its co-mention counts across the three corpora, and a capped sample of
// supporting PMIDs. Direction is "->" when the seed is entity_id1 of the
// underlying relationship rows.
type RelatedEntity struct {
	EntityID          string  `json:"entity_id"`
	Type              string  `json:"type"`
	Mention           string  `json:"mention"`
	RelationType      string  `json:"relation_type"`
	Direction         string  `json:"direction"`
	EvidenceCount     int64   `json:"evidence_count"`
	PMIDs             []int64 `json:"pmids"`
	PaperCount        int64   `json:"paper_count"`
	TrialCount        int64   `json:"trial_count"`
	PatentCount       int64   `json:"patent_count"`
	CooccurrenceScore int64   `json:"cooccurrence_score"`
}

// PaperDetail is the title/year pair resolved for a PMID.
type PaperDetail struct {
	Title string `json:"title"`
	Year  int64  `json:"year"`
}

// PathStep is a single traversal hop in an entity-to-entity path,
// oriented in walk order from the start entity.
type PathStep struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relation_type"`
}

// Neighbor is one adjacency entry used by the breadth-first path search:
// a directly connected entity plus the relation and a capped PMID sample.
type Neighbor struct {
	NeighborID   string  `json:"neighbor_id"`
	RelationType string  `json:"relation_type"`
	PMIDs        []int64 `json:"pmids"`
}
