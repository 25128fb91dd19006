package overview

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
)

// Contribution rows key entities by PKG-style identifiers such as
// "NCBIGene672" or "meshD001943", while the graph uses CURIEs like
// "MESH:D001943". toPkgIDs expands one entity ID into every variant
// worth matching against that column.
var pkgIDRe = regexp.MustCompile(`(?i)^(NCBIGene|mesh[A-Z]|CHEBI|CHEMBL|MONDO|UniProt|GO|HP|DOID|Reactome)`)

var pkgTypePrefixes = map[string][]string{
	"gene":    {"NCBIGene"},
	"disease": {"meshD", "MONDO"},
	"drug":    {"meshD", "CHEBI", "CHEMBL"},
	"pathway": {"meshD"},
	"protein": {"UniProt", "NCBIGene"},
}

func toPkgIDs(entityID, entityType string) []string {
	candidates := []string{entityID}

	if pkgIDRe.MatchString(entityID) && !strings.Contains(entityID, ":") {
		return candidates
	}

	if prefix, suffix, ok := strings.Cut(entityID, ":"); ok {
		candidates = append(candidates, strings.ToLower(prefix)+suffix)
	}

	if isDigits(entityID) && entityType != "" {
		key := strings.ToLower(strings.TrimPrefix(entityType, "biolink:"))
		for _, prefix := range pkgTypePrefixes[key] {
			candidates = append(candidates, prefix+entityID)
		}
	}

	return candidates
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// contributionContext fetches structured scholarly findings that mention
// the selected endpoints. Best-effort: a disabled repo or a failed query
// degrades to an empty block.
func (s *service) contributionContext(ctx context.Context, sel *SelectionContext) (string, []warehouse.OrkgRow) {
	var sourceType, targetType string
	if sel.Source != nil {
		sourceType = sel.Source.Type
	}
	if sel.Target != nil {
		targetType = sel.Target.Type
	}
	return s.fetchContributions(ctx, sel.Edge.Source, sourceType, sel.Edge.Target, targetType)
}

// fetchContributions tries rows mentioning both endpoints first and
// widens to either endpoint when that comes back empty.
func (s *service) fetchContributions(ctx context.Context, sourceID, sourceType, targetID, targetType string) (string, []warehouse.OrkgRow) {
	if s.orkg == nil || !s.orkgEnabled {
		return "", nil
	}

	idsA := toPkgIDs(sourceID, sourceType)
	idsB := toPkgIDs(targetID, targetType)

	rows, err := s.orkg.QueryContributions(ctx, idsA, idsB, s.orkgMaxResults, true)
	if err != nil {
		s.log.Warn("Contribution lookup failed", "mode", "both", "error", err.Error())
		rows = nil
	}
	if len(rows) == 0 {
		rows, err = s.orkg.QueryContributions(ctx, idsA, idsB, s.orkgMaxResults, false)
		if err != nil {
			s.log.Warn("Contribution lookup failed", "mode", "either", "error", err.Error())
			return "", nil
		}
	}
	if len(rows) == 0 {
		return "", nil
	}
	return formatContributionRows(rows), rows
}

func formatContributionRows(rows []warehouse.OrkgRow) string {
	var lines []string
	for i, row := range rows {
		var parts []string
		if v := strings.TrimSpace(row.PaperTitle); v != "" {
			parts = append(parts, "Paper: "+v)
		}
		if v := strings.TrimSpace(row.DOI); v != "" {
			parts = append(parts, "DOI: "+v)
		}
		if v := strings.TrimSpace(row.ContributionLabel); v != "" {
			parts = append(parts, "Contribution: "+v)
		}
		if v := strings.TrimSpace(row.Result); v != "" {
			parts = append(parts, "Result: "+clipRunes(v, 300))
		}
		if v := strings.TrimSpace(row.Methodology); v != "" {
			parts = append(parts, "Method: "+clipRunes(v, 200))
		}
		if v := strings.TrimSpace(row.Treatment); v != "" {
			parts = append(parts, "Treatment: "+clipRunes(v, 200))
		}
		if len(parts) > 0 {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, strings.Join(parts, " | ")))
		}
	}
	return strings.Join(lines, "\n")
}
