package overview

import (
	"strconv"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
)

// normalizeCitations collapses every grounding source into one ordered,
// de-duplicated citation list: edge evidence PMIDs first, then retrieved
// corpus chunks, then contribution DOIs. Chunk IDs that already carry a
// registry prefix (PMID:, NCT:, PATENT:) pass through as is; bare
// document IDs get a DOC: prefix.
func normalizeCitations(evidence []Evidence, ragChunks []RagChunk, contributions []warehouse.OrkgRow) []Citation {
	citations := make([]Citation, 0, len(evidence)+len(ragChunks)+len(contributions))
	seen := make(map[string]bool)

	add := func(id, kind string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		citations = append(citations, Citation{ID: id, Kind: kind, Label: id})
	}

	for _, item := range evidence {
		if item.PMID != 0 {
			add("PMID:"+strconv.FormatInt(item.PMID, 10), "evidence")
		}
	}

	for _, chunk := range ragChunks {
		source := chunk.SourceID
		if source == "" {
			source = chunk.DocID
		}
		if source == "" {
			continue
		}
		if !strings.Contains(source, ":") {
			source = "DOC:" + source
		}
		add(source, "rag")
	}

	for _, row := range contributions {
		if doi := strings.TrimSpace(row.DOI); doi != "" {
			add("DOI:"+doi, "contribution")
		}
	}

	return citations
}
