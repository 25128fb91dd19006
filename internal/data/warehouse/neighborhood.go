package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// EdgeTriple identifies one relationship edge in the caller's requested
// orientation.
type EdgeTriple struct {
	ID1          string
	ID2          string
	RelationType string
}

// NeighborhoodRepo answers relationship queries against
// C21_Bioentity_Relationships and the three co-occurrence link tables.
type NeighborhoodRepo interface {
	FindRelated(ctx context.Context, seedID string) ([]graph.RelatedEntity, error)
	FindNeighborIDs(ctx context.Context, entityIDs []string) (map[string][]graph.Neighbor, error)
	FetchEdgePMIDs(ctx context.Context, edges []EdgeTriple) (map[string][]int64, error)
}

type neighborhoodRepo struct {
	db          *clickhousedb.Client
	log         *logger.Logger
	maxRelated  int
	maxEvidence int
}

func NewNeighborhoodRepo(db *clickhousedb.Client, baseLog *logger.Logger) NeighborhoodRepo {
	return &neighborhoodRepo{
		db:          db,
		log:         baseLog.With("repo", "NeighborhoodRepo"),
		maxRelated:  envutil.Int("MAX_RELATED_ENTITIES", 50),
		maxEvidence: envutil.Int("MAX_EVIDENCE_PER_EDGE", 5),
	}
}

func (r *neighborhoodRepo) table(name string) string {
	return r.db.Database + "." + name
}

func (r *neighborhoodRepo) pmidSample() string {
	return "arraySlice(arraySort(groupUniqArray(PMID)), 1, " + strconv.Itoa(r.maxEvidence) + ")"
}

// FindRelated collapses the seed's relationship rows by (other, relation,
// direction), counts distinct co-occurring papers, trials and patents per
// neighbor, and returns the top rows by combined co-occurrence.
func (r *neighborhoodRepo) FindRelated(ctx context.Context, seedID string) ([]graph.RelatedEntity, error) {
	if r.maxRelated <= 0 {
		return nil, nil
	}

	sql := `
	WITH relationships AS (
	    SELECT
	        CASE WHEN entity_id1 = {entity_id:String} THEN entity_id2 ELSE entity_id1 END AS other_entity_id,
	        CASE WHEN entity_id1 = {entity_id:String} THEN '->' ELSE '<-' END AS direction,
	        relation_type,
	        PMID
	    FROM ` + r.table("C21_Bioentity_Relationships") + `
	    WHERE entity_id1 = {entity_id:String} OR entity_id2 = {entity_id:String}
	),
	agg AS (
	    SELECT
	        other_entity_id,
	        ifNull(relation_type, '') AS relation_type,
	        direction,
	        toInt64(count(DISTINCT PMID)) AS evidence_count,
	        ` + r.pmidSample() + ` AS pmids
	    FROM relationships
	    GROUP BY other_entity_id, relation_type, direction
	),
	paper_co AS (
	    SELECT a.Entityid AS other_entity_id, toInt64(count(DISTINCT a.PMID)) AS paper_count
	    FROM ` + r.table("C06_Link_Papers_BioEntities") + ` AS seed
	    INNER JOIN ` + r.table("C06_Link_Papers_BioEntities") + ` AS a ON a.PMID = seed.PMID
	    WHERE seed.Entityid = {entity_id:String} AND a.Entityid != {entity_id:String}
	    GROUP BY a.Entityid
	),
	trial_co AS (
	    SELECT a.EntityId AS other_entity_id, toInt64(count(DISTINCT a.nct_id)) AS trial_count
	    FROM ` + r.table("C13_Link_ClinicalTrials_BioEntities") + ` AS seed
	    INNER JOIN ` + r.table("C13_Link_ClinicalTrials_BioEntities") + ` AS a ON a.nct_id = seed.nct_id
	    WHERE seed.EntityId = {entity_id:String} AND a.EntityId != {entity_id:String}
	    GROUP BY a.EntityId
	),
	patent_co AS (
	    SELECT a.EntityId AS other_entity_id, toInt64(count(DISTINCT a.PatentId)) AS patent_count
	    FROM ` + r.table("C18_Link_Patents_BioEntities") + ` AS seed
	    INNER JOIN ` + r.table("C18_Link_Patents_BioEntities") + ` AS a ON a.PatentId = seed.PatentId
	    WHERE seed.EntityId = {entity_id:String} AND a.EntityId != {entity_id:String}
	    GROUP BY a.EntityId
	)
	SELECT
	    ifNull(a.other_entity_id, '') AS other_entity_id,
	    a.relation_type,
	    a.direction,
	    a.evidence_count,
	    a.pmids,
	    ifNull(e.Type, '') AS other_type,
	    ifNull(e.Mention, '') AS other_mention,
	    toInt64(coalesce(pc.paper_count, 0)) AS paper_count,
	    toInt64(coalesce(tc.trial_count, 0)) AS trial_count,
	    toInt64(coalesce(pt.patent_count, 0)) AS patent_count,
	    toInt64(coalesce(pc.paper_count, 0)
	        + coalesce(tc.trial_count, 0)
	        + coalesce(pt.patent_count, 0)) AS cooccurrence_score
	FROM agg AS a
	LEFT JOIN ` + r.table("C23_BioEntities") + ` AS e ON e.EntityId = a.other_entity_id
	LEFT JOIN paper_co AS pc ON pc.other_entity_id = a.other_entity_id
	LEFT JOIN trial_co AS tc ON tc.other_entity_id = a.other_entity_id
	LEFT JOIN patent_co AS pt ON pt.other_entity_id = a.other_entity_id
	ORDER BY cooccurrence_score DESC, a.evidence_count DESC
	LIMIT ` + strconv.Itoa(r.maxRelated) + `
	`

	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("entity_id", seedID))
	if err != nil {
		return nil, fmt.Errorf("find related entities for %q: %w", seedID, err)
	}
	defer rows.Close()

	var out []graph.RelatedEntity
	for rows.Next() {
		var re graph.RelatedEntity
		if err := rows.Scan(
			&re.EntityID,
			&re.RelationType,
			&re.Direction,
			&re.EvidenceCount,
			&re.PMIDs,
			&re.Type,
			&re.Mention,
			&re.PaperCount,
			&re.TrialCount,
			&re.PatentCount,
			&re.CooccurrenceScore,
		); err != nil {
			return nil, fmt.Errorf("scan related entity row: %w", err)
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

// FindNeighborIDs is the batched 1-hop adjacency lookup used by the
// breadth-first path search. When both endpoints of a row are in the
// request set the row is attributed to entity_id1.
func (r *neighborhoodRepo) FindNeighborIDs(ctx context.Context, entityIDs []string) (map[string][]graph.Neighbor, error) {
	out := make(map[string][]graph.Neighbor)
	if len(entityIDs) == 0 {
		return out, nil
	}

	sql := `
	WITH rels AS (
	    SELECT
	        CASE WHEN entity_id1 IN {ids:Array(String)} THEN entity_id1 ELSE entity_id2 END AS src,
	        CASE WHEN entity_id1 IN {ids:Array(String)} THEN entity_id2 ELSE entity_id1 END AS nbr,
	        relation_type,
	        PMID
	    FROM ` + r.table("C21_Bioentity_Relationships") + `
	    WHERE entity_id1 IN {ids:Array(String)} OR entity_id2 IN {ids:Array(String)}
	)
	SELECT
	    ifNull(src, '') AS src,
	    ifNull(nbr, '') AS nbr,
	    ifNull(relation_type, '') AS relation_type,
	    ` + r.pmidSample() + ` AS pmids
	FROM rels
	GROUP BY src, nbr, relation_type
	`

	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("ids", entityIDs))
	if err != nil {
		return nil, fmt.Errorf("find neighbor ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src string
		var n graph.Neighbor
		if err := rows.Scan(&src, &n.NeighborID, &n.RelationType, &n.PMIDs); err != nil {
			return nil, fmt.Errorf("scan neighbor row: %w", err)
		}
		out[src] = append(out[src], n)
	}
	return out, rows.Err()
}

// FetchEdgePMIDs returns up to maxEvidence supporting PMIDs per edge,
// checking both endpoint orderings and keying results by the orientation
// the caller asked for.
func (r *neighborhoodRepo) FetchEdgePMIDs(ctx context.Context, edges []EdgeTriple) (map[string][]int64, error) {
	out := make(map[string][]int64, len(edges))
	if len(edges) == 0 {
		return out, nil
	}

	conds := make([]string, 0, len(edges))
	args := make([]any, 0, len(edges)*3)
	requested := make(map[[3]string]bool, len(edges))
	for i, e := range edges {
		a := fmt.Sprintf("a%d", i)
		b := fmt.Sprintf("b%d", i)
		rel := fmt.Sprintf("r%d", i)
		conds = append(conds, fmt.Sprintf(
			"((entity_id1 = {%s:String} AND entity_id2 = {%s:String} AND relation_type = {%s:String})"+
				" OR (entity_id1 = {%s:String} AND entity_id2 = {%s:String} AND relation_type = {%s:String}))",
			a, b, rel, b, a, rel))
		args = append(args,
			clickhouse.Named(a, e.ID1),
			clickhouse.Named(b, e.ID2),
			clickhouse.Named(rel, e.RelationType),
		)
		requested[[3]string{e.ID1, e.ID2, e.RelationType}] = true
	}

	sql := `
	SELECT
	    ifNull(entity_id1, '') AS entity_id1,
	    ifNull(entity_id2, '') AS entity_id2,
	    ifNull(relation_type, '') AS relation_type,
	    ` + r.pmidSample() + ` AS pmids
	FROM ` + r.table("C21_Bioentity_Relationships") + `
	WHERE ` + strings.Join(conds, "\n\t   OR ") + `
	GROUP BY entity_id1, entity_id2, relation_type
	`

	rows, err := r.db.Conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch edge pmids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id1, id2, rel string
		var pmids []int64
		if err := rows.Scan(&id1, &id2, &rel, &pmids); err != nil {
			return nil, fmt.Errorf("scan edge pmid row: %w", err)
		}
		switch {
		case requested[[3]string{id1, id2, rel}]:
			out[EdgeKey(id1, id2, rel)] = pmids
		case requested[[3]string{id2, id1, rel}]:
			out[EdgeKey(id2, id1, rel)] = pmids
		}
	}
	return out, rows.Err()
}

// EdgeKey formats the canonical edge identifier shared with the payload
// builder.
func EdgeKey(source, target, relationType string) string {
	return source + "--" + target + "--" + relationType
}
