package warehouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/clickhousedb"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// PaperRepo resolves PMIDs to titles and publication years.
type PaperRepo interface {
	FetchDetails(ctx context.Context, pmids []int64) (map[int64]graph.PaperDetail, error)
}

type paperRepo struct {
	db  *clickhousedb.Client
	log *logger.Logger
}

func NewPaperRepo(db *clickhousedb.Client, baseLog *logger.Logger) PaperRepo {
	return &paperRepo{db: db, log: baseLog.With("repo", "PaperRepo")}
}

// FetchDetails looks up C01_Papers in one batch. Non-positive PMIDs are
// skipped; PMIDs with no row produce no entry.
func (r *paperRepo) FetchDetails(ctx context.Context, pmids []int64) (map[int64]graph.PaperDetail, error) {
	out := make(map[int64]graph.PaperDetail, len(pmids))

	valid := make([]int64, 0, len(pmids))
	for _, p := range pmids {
		if p > 0 {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}

	sql := `
	SELECT toInt64(ifNull(PMID, 0)), ifNull(ArticleTitle, ''), toInt64(ifNull(PubYear, 0))
	FROM ` + r.db.Database + `.C01_Papers
	WHERE PMID IN {pmids:Array(Int64)}
	`
	rows, err := r.db.Conn.Query(ctx, sql, clickhouse.Named("pmids", valid))
	if err != nil {
		return nil, fmt.Errorf("fetch paper details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pmid int64
		var d graph.PaperDetail
		if err := rows.Scan(&pmid, &d.Title, &d.Year); err != nil {
			return nil, fmt.Errorf("scan paper row: %w", err)
		}
		out[pmid] = d
	}
	return out, rows.Err()
}
