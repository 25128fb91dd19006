package explore

import "strings"

// Curated warehouse types and relation types mapped onto the Biolink
// model. Lookups are case-insensitive; anything unmapped falls back to
// the generic Biolink terms.

const (
	biolinkFallback   = "biolink:NamedThing"
	predicateFallback = "biolink:related_to"
	colorFallback     = "#95A5A6"
)

var entityTypeToBiolink = map[string]string{
	"gene":    "biolink:Gene",
	"disease": "biolink:DiseaseOrPhenotypicFeature",
	"drug":    "biolink:Drug",
	"pathway": "biolink:Pathway",
	"protein": "biolink:Protein",
}

var relationTypeToPredicate = map[string]string{
	"gene_disease":    "biolink:gene_associated_with_condition",
	"disease_gene":    "biolink:gene_associated_with_condition",
	"drug_gene":       "biolink:affects",
	"gene_drug":       "biolink:affects",
	"drug_disease":    "biolink:treats",
	"disease_drug":    "biolink:treats",
	"gene_gene":       "biolink:genetically_interacts_with",
	"disease_disease": "biolink:correlated_with",
	"drug_drug":       "biolink:interacts_with",
}

var entityTypeColors = map[string]string{
	"gene":    "#4A90D9",
	"disease": "#E74C3C",
	"drug":    "#2ECC71",
	"pathway": "#F39C12",
	"protein": "#9B59B6",
}

func biolinkType(rawType string) string {
	if rawType == "" {
		return biolinkFallback
	}
	if t, ok := entityTypeToBiolink[strings.ToLower(rawType)]; ok {
		return t
	}
	return biolinkFallback
}

func entityColor(rawType string) string {
	if rawType == "" {
		return colorFallback
	}
	if c, ok := entityTypeColors[strings.ToLower(rawType)]; ok {
		return c
	}
	return colorFallback
}

func relationPredicate(relationType string) string {
	if relationType == "" {
		return predicateFallback
	}
	if p, ok := relationTypeToPredicate[strings.ToLower(relationType)]; ok {
		return p
	}
	return predicateFallback
}

// labelFromPredicate derives the human-readable edge label from a
// Biolink predicate, e.g. "biolink:treats" becomes "treats".
func labelFromPredicate(predicate string) string {
	return strings.ReplaceAll(strings.TrimPrefix(predicate, "biolink:"), "_", " ")
}
