package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/gcp"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// vertexStore talks to a Vertex AI Vector Search endpoint over REST.
// Queries go to the index endpoint; upserts go to the index resource and
// only work when the index was created for streaming updates.
type vertexStore struct {
	log              *logger.Logger
	httpClient       *http.Client
	apiHost          string
	endpointResource string
	indexResource    string
	deployedIndexID  string
}

// NewVertexStore builds the store from VERTEX_VECTOR_* environment
// variables. Missing endpoint configuration returns a nil store so the
// serving path can degrade to evidence-only retrieval.
func NewVertexStore(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("vector: logger required")
	}

	endpointResource := strings.TrimSpace(os.Getenv("VERTEX_VECTOR_ENDPOINT_RESOURCE"))
	deployedIndexID := strings.TrimSpace(os.Getenv("VERTEX_VECTOR_DEPLOYED_INDEX_ID"))
	if endpointResource == "" || deployedIndexID == "" {
		log.Warn("Vertex vector endpoint not configured; vector retrieval disabled")
		return nil, nil
	}

	region := envutil.String("GCP_REGION", "us-central1")
	apiHost := envutil.String("VERTEX_VECTOR_API_HOST", region+"-aiplatform.googleapis.com")

	opts := append(gcp.ClientOptionsFromEnv(),
		option.WithScopes("https://www.googleapis.com/auth/cloud-platform"),
	)
	httpClient, _, err := htransport.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("vector: vertex credentials: %w", err)
	}
	httpClient.Timeout = time.Duration(envutil.Int("VERTEX_VECTOR_TIMEOUT_SECONDS", 30)) * time.Second

	return &vertexStore{
		log:              log.With("service", "VertexVectorStore"),
		httpClient:       httpClient,
		apiHost:          apiHost,
		endpointResource: endpointResource,
		indexResource:    strings.TrimSpace(os.Getenv("VERTEX_VECTOR_INDEX_RESOURCE")),
		deployedIndexID:  deployedIndexID,
	}, nil
}

type vertexRestrict struct {
	Namespace string   `json:"namespace"`
	AllowList []string `json:"allowList,omitempty"`
}

type vertexDatapoint struct {
	DatapointID   string           `json:"datapointId"`
	FeatureVector []float32        `json:"featureVector,omitempty"`
	Restricts     []vertexRestrict `json:"restricts,omitempty"`
}

type findNeighborsRequest struct {
	DeployedIndexID string `json:"deployedIndexId"`
	Queries         []struct {
		Datapoint     vertexDatapoint `json:"datapoint"`
		NeighborCount int             `json:"neighborCount"`
	} `json:"queries"`
	ReturnFullDatapoint bool `json:"returnFullDatapoint"`
}

type findNeighborsResponse struct {
	NearestNeighbors []struct {
		Neighbors []struct {
			Datapoint struct {
				DatapointID string `json:"datapointId"`
			} `json:"datapoint"`
			Distance float64 `json:"distance"`
		} `json:"neighbors"`
	} `json:"nearestNeighbors"`
}

func (s *vertexStore) QueryMatches(ctx context.Context, q []float32, topK int, filter map[string]any) ([]Match, error) {
	if s == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	if len(q) == 0 {
		return nil, fmt.Errorf("vector: query vector required")
	}
	if topK <= 0 {
		topK = 10
	}

	req := findNeighborsRequest{
		DeployedIndexID:     s.deployedIndexID,
		ReturnFullDatapoint: false,
	}
	req.Queries = make([]struct {
		Datapoint     vertexDatapoint `json:"datapoint"`
		NeighborCount int             `json:"neighborCount"`
	}, 1)
	req.Queries[0].Datapoint = vertexDatapoint{
		DatapointID:   "0",
		FeatureVector: q,
		Restricts:     restrictsFromFilter(filter),
	}
	req.Queries[0].NeighborCount = topK

	var resp findNeighborsResponse
	if err := s.post(ctx, s.endpointResource+":findNeighbors", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.NearestNeighbors) == 0 {
		return nil, nil
	}

	out := make([]Match, 0, len(resp.NearestNeighbors[0].Neighbors))
	for _, n := range resp.NearestNeighbors[0].Neighbors {
		id := strings.TrimSpace(n.Datapoint.DatapointID)
		if id == "" {
			continue
		}
		dist := n.Distance
		if dist < 0 {
			dist = 0
		}
		out = append(out, Match{ID: id, Score: 1.0 / (1.0 + dist)})
	}
	return out, nil
}

func (s *vertexStore) Upsert(ctx context.Context, vectors []Vector) error {
	if s == nil {
		return fmt.Errorf("vector store unavailable")
	}
	if len(vectors) == 0 {
		return nil
	}
	if s.indexResource == "" {
		return fmt.Errorf("vector: VERTEX_VECTOR_INDEX_RESOURCE required for upsert")
	}

	points := make([]vertexDatapoint, 0, len(vectors))
	for _, v := range vectors {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return fmt.Errorf("vector: datapoint id is required")
		}
		if len(v.Values) == 0 {
			return fmt.Errorf("vector: datapoint %q has empty values", id)
		}
		points = append(points, vertexDatapoint{
			DatapointID:   id,
			FeatureVector: v.Values,
			Restricts:     restrictsFromFilter(v.Metadata),
		})
	}

	req := map[string]any{"datapoints": points}
	return s.post(ctx, s.indexResource+":upsertDatapoints", req, nil)
}

func (s *vertexStore) post(ctx context.Context, path string, in any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return fmt.Errorf("vector: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+s.apiHost+"/v1/"+path, &buf)
	if err != nil {
		return fmt.Errorf("vector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector: vertex request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("vector: read response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector: vertex http %d: %s", resp.StatusCode, truncate(raw, 1024))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vector: decode response: %w", err)
	}
	return nil
}

// restrictsFromFilter converts string-valued fields into token restricts.
// Non-string metadata is dropped; the warehouse is the system of record for
// chunk attributes.
func restrictsFromFilter(filter map[string]any) []vertexRestrict {
	if len(filter) == 0 {
		return nil
	}
	out := make([]vertexRestrict, 0, len(filter))
	for key, value := range filter {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		switch typed := value.(type) {
		case string:
			if typed != "" {
				out = append(out, vertexRestrict{Namespace: k, AllowList: []string{typed}})
			}
		case []string:
			if len(typed) > 0 {
				out = append(out, vertexRestrict{Namespace: k, AllowList: typed})
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
