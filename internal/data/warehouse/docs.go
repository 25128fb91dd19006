package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// EvidenceDoc is one embeddable document assembled from the abstract,
// trial and patent tables.
type EvidenceDoc struct {
	DocID       string
	DocType     string
	SourceID    string
	Text        string
	EntityCount int
}

// DocFilter gates the full-corpus stream on entity linkage.
type DocFilter struct {
	MinLinkedEntities int
	// EntityTypes filters the links used for counting. Empty disables
	// the type filter. Values are lowercased before matching.
	EntityTypes     []string
	StartAfterDocID string
	Limit           int
}

// DocStats is the eligible-document census written into the run manifest.
type DocStats struct {
	DocsTotal  int64 `json:"docs_total"`
	DocsPaper  int64 `json:"docs_paper"`
	DocsTrial  int64 `json:"docs_trial"`
	DocsPatent int64 `json:"docs_patent"`
}

// EvidenceDocRepo reads the embeddable corpus for the index builder and
// the RAG materializer. Pilot mode draws a small per-type sample; full
// mode streams every document whose linked-entity count clears the
// filter, ordered by doc_id so runs can resume from a checkpoint.
// FetchDocsByID serves chunk-text reconstruction, which must see exactly
// the text the index builder embedded.
type EvidenceDocRepo interface {
	FetchPilotDocs(ctx context.Context, limit int) ([]EvidenceDoc, error)
	StreamFilteredDocs(ctx context.Context, f DocFilter, yield func(EvidenceDoc) error) error
	ManifestStats(ctx context.Context, f DocFilter) (DocStats, error)
	FetchDocsByID(ctx context.Context, docIDs []string) ([]EvidenceDoc, error)
}

type evidenceDocRepo struct {
	db  *clickhousedb.Client
	log *logger.Logger
}

func NewEvidenceDocRepo(db *clickhousedb.Client, baseLog *logger.Logger) EvidenceDocRepo {
	return &evidenceDocRepo{db: db, log: baseLog.With("repo", "EvidenceDocRepo")}
}

func (r *evidenceDocRepo) table(name string) string {
	return r.db.Database + "." + name
}

// docsUnionSQL yields doc_id, doc_type, source_id, text for every
// document with usable text. Trial text concatenates the brief summary
// and the detailed description.
func (r *evidenceDocRepo) docsUnionSQL() string {
	return `
	SELECT concat('PMID:', toString(PMID)) AS doc_id,
	       'paper' AS doc_type,
	       toString(PMID) AS source_id,
	       ifNull(AbstractText, '') AS text
	FROM ` + r.table("A04_Abstract") + `
	WHERE AbstractText IS NOT NULL AND trimBoth(AbstractText) != ''
	UNION ALL
	SELECT concat('NCT:', nct_id) AS doc_id,
	       'trial' AS doc_type,
	       nct_id AS source_id,
	       concat(ifNull(brief_summaries, ''), ' ', ifNull(detailed_descriptions, '')) AS text
	FROM ` + r.table("C11_ClinicalTrials") + `
	WHERE (brief_summaries IS NOT NULL AND trimBoth(brief_summaries) != '')
	   OR (detailed_descriptions IS NOT NULL AND trimBoth(detailed_descriptions) != '')
	UNION ALL
	SELECT concat('PATENT:', PatentId) AS doc_id,
	       'patent' AS doc_type,
	       PatentId AS source_id,
	       ifNull(Abstract, '') AS text
	FROM ` + r.table("C15_Patents") + `
	WHERE Abstract IS NOT NULL AND trimBoth(Abstract) != ''`
}

// linkUnionSQL yields doc_id, doc_type, entity_type, entity_id, mention
// and source_table for every entity mention, canonicalizing the id with
// the same precedence the entity tables use: NCBIGene, then CHEBI, then
// MESH, then the raw link id. C06 spells its link id column "Entityid".
func (r *evidenceDocRepo) linkUnionSQL() string {
	var sb strings.Builder
	for i, src := range []struct {
		docExpr string
		docType string
		idCol   string
		table   string
	}{
		{"concat('PMID:', toString(PMID))", "paper", "Entityid", "C06_Link_Papers_BioEntities"},
		{"concat('NCT:', nct_id)", "trial", "EntityId", "C13_Link_ClinicalTrials_BioEntities"},
		{"concat('PATENT:', PatentId)", "patent", "EntityId", "C18_Link_Patents_BioEntities"},
	} {
		if i > 0 {
			sb.WriteString("\n\tUNION ALL")
		}
		fmt.Fprintf(&sb, `
	SELECT %s AS doc_id,
	       '%s' AS doc_type,
	       lower(ifNull(Type, '')) AS entity_type,
	       multiIf(
	         ifNull(NCBIGene, '') != '', concat('NCBIGene:', NCBIGene),
	         ifNull(CHEBI, '') != '', concat('CHEBI:', CHEBI),
	         ifNull(mesh, '') != '', concat('MESH:', replaceRegexpOne(mesh, '^mesh', '')),
	         ifNull(%s, '') != '', %s,
	         NULL) AS entity_id,
	       ifNull(Mention, '') AS mention,
	       '%s' AS source_table
	FROM %s`, src.docExpr, src.docType, src.idCol, src.idCol, src.table, r.table(src.table))
	}
	return sb.String()
}

// FetchPilotDocs samples up to limit documents, split evenly across the
// three doc types, ordered by doc_id within each type.
func (r *evidenceDocRepo) FetchPilotDocs(ctx context.Context, limit int) ([]EvidenceDoc, error) {
	if limit <= 0 {
		return nil, nil
	}
	perType := limit / 3
	if perType < 1 {
		perType = 1
	}

	sql := `
	WITH all_docs AS (` + r.docsUnionSQL() + `
	)
	SELECT doc_id, doc_type, source_id, text
	FROM all_docs
	ORDER BY doc_type, doc_id
	LIMIT ` + strconv.Itoa(perType) + ` BY doc_type
	LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.Conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("fetch pilot docs: %w", err)
	}
	defer rows.Close()

	var out []EvidenceDoc
	for rows.Next() {
		var d EvidenceDoc
		if err := rows.Scan(&d.DocID, &d.DocType, &d.SourceID, &d.Text); err != nil {
			return nil, fmt.Errorf("scan pilot doc: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FetchDocsByID returns the documents among docIDs that still have
// usable text in the source tables.
func (r *evidenceDocRepo) FetchDocsByID(ctx context.Context, docIDs []string) ([]EvidenceDoc, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}

	sql := `
	WITH all_docs AS (` + r.docsUnionSQL() + `
	)
	SELECT doc_id, doc_type, source_id, text
	FROM all_docs
	WHERE doc_id IN {doc_ids:Array(String)}`

	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("doc_ids", docIDs))
	if err != nil {
		return nil, fmt.Errorf("fetch docs by id: %w", err)
	}
	defer rows.Close()

	var out []EvidenceDoc
	for rows.Next() {
		var d EvidenceDoc
		if err := rows.Scan(&d.DocID, &d.DocType, &d.SourceID, &d.Text); err != nil {
			return nil, fmt.Errorf("scan doc by id: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *evidenceDocRepo) filteredDocsSQL(f DocFilter, selectClause, tailClause string) (string, []any) {
	typeFilter := ""
	args := []any{
		clickhouse.Named("min_linked", f.MinLinkedEntities),
	}
	if len(f.EntityTypes) > 0 {
		lowered := make([]string, len(f.EntityTypes))
		for i, t := range f.EntityTypes {
			lowered[i] = strings.ToLower(t)
		}
		typeFilter = "AND entity_type IN {allowed_types:Array(String)}"
		args = append(args, clickhouse.Named("allowed_types", lowered))
	}

	sql := `
	WITH docs AS (` + r.docsUnionSQL() + `
	),
	links AS (` + r.linkUnionSQL() + `
	),
	filtered_links AS (
	    SELECT doc_id, doc_type, entity_id
	    FROM links
	    WHERE entity_id IS NOT NULL ` + typeFilter + `
	),
	doc_counts AS (
	    SELECT doc_id, doc_type, uniqExact(entity_id) AS entity_count
	    FROM filtered_links
	    GROUP BY doc_id, doc_type
	)
	` + selectClause + `
	FROM docs d
	JOIN doc_counts c USING (doc_id, doc_type)
	WHERE c.entity_count >= {min_linked:Int64}
	` + tailClause
	return sql, args
}

// StreamFilteredDocs walks the eligible corpus in doc_id order, feeding
// each document to yield. Stops early when yield errors or the limit is
// reached.
func (r *evidenceDocRepo) StreamFilteredDocs(ctx context.Context, f DocFilter, yield func(EvidenceDoc) error) error {
	tail := "AND d.doc_id > {start_after:String}\n\tORDER BY d.doc_id"
	if f.Limit > 0 {
		tail += "\n\tLIMIT " + strconv.Itoa(f.Limit)
	}
	sql, args := r.filteredDocsSQL(f,
		"SELECT d.doc_id, d.doc_type, d.source_id, d.text, c.entity_count", tail)
	args = append(args, clickhouse.Named("start_after", f.StartAfterDocID))

	rows, err := r.db.Conn.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("stream filtered docs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d EvidenceDoc
		var entityCount uint64
		if err := rows.Scan(&d.DocID, &d.DocType, &d.SourceID, &d.Text, &entityCount); err != nil {
			return fmt.Errorf("scan filtered doc: %w", err)
		}
		d.EntityCount = int(entityCount)
		if err := yield(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ManifestStats counts eligible documents per type under the same
// filter the stream uses.
func (r *evidenceDocRepo) ManifestStats(ctx context.Context, f DocFilter) (DocStats, error) {
	sql, args := r.filteredDocsSQL(f, `SELECT
	    count() AS docs_total,
	    countIf(d.doc_type = 'paper') AS docs_paper,
	    countIf(d.doc_type = 'trial') AS docs_trial,
	    countIf(d.doc_type = 'patent') AS docs_patent`, "")

	var total, paper, trial, patent uint64
	row := r.db.Conn.QueryRow(ctx, sql, args...)
	if err := row.Scan(&total, &paper, &trial, &patent); err != nil {
		return DocStats{}, fmt.Errorf("manifest stats: %w", err)
	}
	return DocStats{
		DocsTotal:  int64(total),
		DocsPaper:  int64(paper),
		DocsTrial:  int64(trial),
		DocsPatent: int64(patent),
	}, nil
}
