package warehouse

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// OrkgRow is one structured scholarly contribution from the Open Research
// Knowledge Graph export. EntityIDs is a pipe separated list of PKG style
// IDs such as "NCBIGene672|meshD001943".
type OrkgRow struct {
	PaperTitle        string
	DOI               string
	Result            string
	Methodology       string
	Treatment         string
	EntityIDs         string
	ContributionLabel string
}

// OrkgRepo queries the orkg_contributions table for contributions that
// reference candidate entity IDs.
type OrkgRepo interface {
	// QueryContributions returns contributions matching the candidate ID
	// sets. With requireBoth, a contribution must reference at least one
	// ID from each set; otherwise any ID from either set matches.
	QueryContributions(ctx context.Context, idsA, idsB []string, limit int, requireBoth bool) ([]OrkgRow, error)
}

type orkgRepo struct {
	db    *clickhousedb.Client
	log   *logger.Logger
	table string
}

func NewOrkgRepo(db *clickhousedb.Client, baseLog *logger.Logger) OrkgRepo {
	return &orkgRepo{
		db:    db,
		log:   baseLog.With("repo", "OrkgRepo"),
		table: envutil.String("ORKG_TABLE", "orkg_contributions"),
	}
}

func (r *orkgRepo) QueryContributions(ctx context.Context, idsA, idsB []string, limit int, requireBoth bool) ([]OrkgRow, error) {
	if limit <= 0 {
		return nil, nil
	}

	var where string
	var args []any
	if requireBoth {
		where = `arrayExists(a -> position(ifNull(entity_ids, ''), a) > 0, {ids_a:Array(String)})
	  AND arrayExists(b -> position(ifNull(entity_ids, ''), b) > 0, {ids_b:Array(String)})`
		args = []any{
			clickhouse.Named("ids_a", idsA),
			clickhouse.Named("ids_b", idsB),
		}
	} else {
		all := make([]string, 0, len(idsA)+len(idsB))
		seen := make(map[string]bool, len(idsA)+len(idsB))
		for _, id := range append(append([]string{}, idsA...), idsB...) {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
		where = `arrayExists(x -> position(ifNull(entity_ids, ''), x) > 0, {all_ids:Array(String)})`
		args = []any{clickhouse.Named("all_ids", all)}
	}

	sql := `
	SELECT
	    ifNull(paper_title, ''),
	    ifNull(doi, ''),
	    ifNull(result, ''),
	    ifNull(methodology, ''),
	    ifNull(treatment, ''),
	    ifNull(entity_ids, ''),
	    ifNull(contribution_label, '')
	FROM ` + r.db.Database + `.` + r.table + `
	WHERE ` + where + `
	LIMIT ` + strconv.Itoa(limit) + `
	`

	rows, err := r.db.Conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query orkg contributions: %w", err)
	}
	defer rows.Close()

	var out []OrkgRow
	for rows.Next() {
		var row OrkgRow
		if err := rows.Scan(
			&row.PaperTitle,
			&row.DOI,
			&row.Result,
			&row.Methodology,
			&row.Treatment,
			&row.EntityIDs,
			&row.ContributionLabel,
		); err != nil {
			return nil, fmt.Errorf("scan orkg row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
