package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lumenbio/biograph-backend/internal/data/snapshots"
	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/http/response"
	"github.com/lumenbio/biograph-backend/internal/modules/overview"
	"github.com/lumenbio/biograph-backend/internal/platform/apierr"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/realtime"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

type fakeExploreService struct {
	payload   *graph.Payload
	err       error
	gotQuery  string
	gotEntity string
}

func (f *fakeExploreService) Query(ctx context.Context, query string) (*graph.Payload, error) {
	f.gotQuery = query
	return f.payload, f.err
}

func (f *fakeExploreService) Expand(ctx context.Context, entityID string) (*graph.Payload, error) {
	f.gotEntity = entityID
	return f.payload, f.err
}

type fakeOverviewService struct {
	verify map[string]any
}

func (f *fakeOverviewService) StreamOverview(ctx context.Context, req *overview.StreamRequest, sink realtime.EventSink) {
	_ = sink.Send("start", map[string]any{"selection_key": "edge:e1"})
	_ = sink.Send("done", map[string]any{"text": "summary"})
}

func (f *fakeOverviewService) StreamDeepThink(ctx context.Context, req *overview.DeepThinkRequest, sink realtime.EventSink) {
	_ = sink.Send("done", map[string]any{"text": "analysis"})
}

func (f *fakeOverviewService) StreamDeepThinkChat(ctx context.Context, req *overview.DeepThinkChatRequest, sink realtime.EventSink) {
	_ = sink.Send("done", map[string]any{"text": "answer"})
}

func (f *fakeOverviewService) Verify(ctx context.Context) map[string]any {
	return f.verify
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorEnvelope {
	t.Helper()
	var env response.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", NewHealthHandler().HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d", http.StatusOK, rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field: want=%q got=%q", "ok", body["status"])
	}
}

func TestQueryRejectsInvalidBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeExploreService{}
	r := gin.New()
	r.POST("/api/query", NewExploreHandler(svc).Query)

	bodies := []string{
		`{}`,
		`{"query":""}`,
		fmt.Sprintf(`{"query":%q}`, strings.Repeat("x", 501)),
		`not json`,
	}
	for _, body := range bodies {
		rec := postJSON(t, r, "/api/query", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q status: want=%d got=%d", body, http.StatusBadRequest, rec.Code)
		}
		env := decodeErrorEnvelope(t, rec)
		if env.Error.Code != "invalid_request" {
			t.Fatalf("body %q code: want=%q got=%q", body, "invalid_request", env.Error.Code)
		}
	}
	if svc.gotQuery != "" {
		t.Fatalf("service should not be called for invalid bodies, got query %q", svc.gotQuery)
	}
}

func TestQueryMapsExtractionFailureTo502(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeExploreService{
		err: apierr.New(http.StatusBadGateway, "entity_extraction_failed",
			errors.New("Entity extraction failed")),
	}
	r := gin.New()
	r.POST("/api/query", NewExploreHandler(svc).Query)

	rec := postJSON(t, r, "/api/query", `{"query":"What does BRCA1 do?"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: want=%d got=%d", http.StatusBadGateway, rec.Code)
	}
	env := decodeErrorEnvelope(t, rec)
	if env.Error.Code != "entity_extraction_failed" {
		t.Fatalf("code: want=%q got=%q", "entity_extraction_failed", env.Error.Code)
	}
	if env.Error.Message != "Entity extraction failed" {
		t.Fatalf("message: want=%q got=%q", "Entity extraction failed", env.Error.Message)
	}
}

func TestQueryReturnsGraphPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeExploreService{
		payload: &graph.Payload{
			CenterNodeID: "NCBIGene672",
			Nodes: []graph.Node{
				{ID: "NCBIGene672", Name: "BRCA1", Type: "gene", Size: 1.5, IsExpanded: true},
			},
			Edges: []graph.Edge{},
		},
	}
	r := gin.New()
	r.POST("/api/query", NewExploreHandler(svc).Query)

	rec := postJSON(t, r, "/api/query", `{"query":"BRCA1 breast cancer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if svc.gotQuery != "BRCA1 breast cancer" {
		t.Fatalf("service query: want=%q got=%q", "BRCA1 breast cancer", svc.gotQuery)
	}
	var payload graph.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CenterNodeID != "NCBIGene672" {
		t.Fatalf("center node: want=%q got=%q", "NCBIGene672", payload.CenterNodeID)
	}
	if len(payload.Nodes) != 1 || payload.Nodes[0].Name != "BRCA1" {
		t.Fatalf("unexpected nodes: %+v", payload.Nodes)
	}
}

func TestExpandPassesEntityID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeExploreService{payload: &graph.Payload{CenterNodeID: "meshD001943"}}
	r := gin.New()
	r.POST("/api/expand", NewExploreHandler(svc).Expand)

	rec := postJSON(t, r, "/api/expand", `{"entity_id":"meshD001943"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d", http.StatusOK, rec.Code)
	}
	if svc.gotEntity != "meshD001943" {
		t.Fatalf("entity id: want=%q got=%q", "meshD001943", svc.gotEntity)
	}

	rec = postJSON(t, r, "/api/expand", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body status: want=%d got=%d", http.StatusBadRequest, rec.Code)
	}
}

func TestSnapshotCreateAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSnapshotHandler(snapshots.NewMemoryRepo())
	r := gin.New()
	r.POST("/api/graph/snapshot", h.Create)
	r.GET("/api/graph/snapshot/:id", h.Get)

	body := `{
		"query": "BRCA1",
		"entities": [{"id": "E1", "name": "BRCA1", "type": "gene"}],
		"edges": [],
		"expanded_nodes": ["E1"],
		"center_node_id": "E1"
	}`
	rec := postJSON(t, r, "/api/graph/snapshot", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: want=%d got=%d body=%s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["id"]
	if len(id) != 10 {
		t.Fatalf("snapshot id length: want=10 got=%d (%q)", len(id), id)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/graph/snapshot/"+id, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: want=%d got=%d", http.StatusOK, getRec.Code)
	}
	var stored map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if stored["query"] != "BRCA1" {
		t.Fatalf("stored query: want=%q got=%v", "BRCA1", stored["query"])
	}
	if stored["entity_filter"] != "all" {
		t.Fatalf("entity_filter default: want=%q got=%v", "all", stored["entity_filter"])
	}
}

func TestSnapshotGetMissingReturns404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSnapshotHandler(snapshots.NewMemoryRepo())
	r := gin.New()
	r.GET("/api/graph/snapshot/:id", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/api/graph/snapshot/deadbeef00", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: want=%d got=%d", http.StatusNotFound, rec.Code)
	}
	env := decodeErrorEnvelope(t, rec)
	if env.Error.Code != "snapshot_not_found" {
		t.Fatalf("code: want=%q got=%q", "snapshot_not_found", env.Error.Code)
	}
	if env.Error.Message != "Snapshot not found" {
		t.Fatalf("message: want=%q got=%q", "Snapshot not found", env.Error.Message)
	}
}

func TestSnapshotCreateRejectsMissingQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSnapshotHandler(snapshots.NewMemoryRepo())
	r := gin.New()
	r.POST("/api/graph/snapshot", h.Create)

	rec := postJSON(t, r, "/api/graph/snapshot", `{"center_node_id":"E1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=%d got=%d", http.StatusBadRequest, rec.Code)
	}
}

func TestOverviewStreamEmitsSSE(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewOverviewHandler(&fakeOverviewService{}, newTestLogger(t))
	r := gin.New()
	r.POST("/api/overview/stream", h.Stream)

	body := `{"selection_type":"node","node_id":"E1","center_node_id":"E1"}`
	rec := postJSON(t, r, "/api/overview/stream", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Fatalf("content type: want=%q got=%q", "text/event-stream; charset=utf-8", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: start\n") {
		t.Fatalf("missing start event in output: %q", out)
	}
	if !strings.Contains(out, "event: done\n") {
		t.Fatalf("missing done event in output: %q", out)
	}
}

func TestOverviewStreamRejectsBadSelectionType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewOverviewHandler(&fakeOverviewService{}, newTestLogger(t))
	r := gin.New()
	r.POST("/api/overview/stream", h.Stream)

	rec := postJSON(t, r, "/api/overview/stream", `{"selection_type":"path","center_node_id":"E1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=%d got=%d", http.StatusBadRequest, rec.Code)
	}
	env := decodeErrorEnvelope(t, rec)
	if env.Error.Code != "invalid_request" {
		t.Fatalf("code: want=%q got=%q", "invalid_request", env.Error.Code)
	}
}

func TestOverviewVerify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewOverviewHandler(&fakeOverviewService{
		verify: map[string]any{"ok": true, "neighbors_found": 2},
	}, newTestLogger(t))
	r := gin.New()
	r.GET("/api/overview/verify", h.Verify)

	req := httptest.NewRequest(http.MethodGet, "/api/overview/verify", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d", http.StatusOK, rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("ok: want=true got=%v", body["ok"])
	}
	if body["neighbors_found"] != float64(2) {
		t.Fatalf("neighbors_found: want=2 got=%v", body["neighbors_found"])
	}
}

func TestDeepThinkStreamRequiresTwoPathNodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDeepThinkHandler(&fakeOverviewService{}, newTestLogger(t))
	r := gin.New()
	r.POST("/api/deep-think/stream", h.Stream)

	rec := postJSON(t, r, "/api/deep-think/stream", `{"path":[{"entity_id":"A","entity_name":"BRCA1","entity_type":"gene"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=%d got=%d", http.StatusBadRequest, rec.Code)
	}
}

func TestDeepThinkChatStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDeepThinkHandler(&fakeOverviewService{}, newTestLogger(t))
	r := gin.New()
	r.POST("/api/deep-think/chat/stream", h.ChatStream)

	body := `{
		"path": [
			{"entity_id":"A","entity_name":"BRCA1","entity_type":"gene"},
			{"entity_id":"B","entity_name":"PARP1","entity_type":"gene","edge_predicate":"interacts with"}
		],
		"edges": [],
		"question": "why?"
	}`
	rec := postJSON(t, r, "/api/deep-think/chat/stream", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "event: done\n") {
		t.Fatalf("missing done event: %q", rec.Body.String())
	}
}
