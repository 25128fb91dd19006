// Package snapshots stores shareable graph exploration snapshots. Each
// snapshot is addressed by a short hex token that goes directly into a
// share link. Postgres backs the store when DATABASE_URL is configured,
// otherwise an in-process map keeps snapshots for the life of the server.
package snapshots

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
)

// Repo stores and retrieves graph snapshots. Find returns (nil, nil)
// when no snapshot exists under the given id.
type Repo interface {
	Save(ctx context.Context, payload *snapshot.Payload) (string, error)
	Find(ctx context.Context, id string) (*snapshot.Payload, error)
}

// newSnapshotID returns a 10 character lowercase hex token.
func newSnapshotID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// normalize fills the optional snapshot fields with their defaults so
// every stored payload round-trips with the same shape.
func normalize(p *snapshot.Payload) {
	if p.Entities == nil {
		p.Entities = []map[string]any{}
	}
	if p.Edges == nil {
		p.Edges = []map[string]any{}
	}
	if p.ExpandedNodes == nil {
		p.ExpandedNodes = []string{}
	}
	if p.PathNodeIDs == nil {
		p.PathNodeIDs = []string{}
	}
	if len(p.EntityFilter) == 0 {
		p.EntityFilter = json.RawMessage(`"all"`)
	}
	if p.NodePositions == nil {
		p.NodePositions = map[string]any{}
	}
	if p.SelectionHistory == nil {
		p.SelectionHistory = []map[string]any{}
	}
}
