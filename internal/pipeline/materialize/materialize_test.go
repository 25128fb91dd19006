package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { log.Sync() })
	return log
}

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = b
	return nil
}

func (s *memStore) UploadJSON(ctx context.Context, key string, v any) error {
	return fmt.Errorf("not used")
}

func (s *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) DownloadJSON(ctx context.Context, key string, out any) (bool, error) {
	return false, nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) URI(key string) string {
	return "gs://test-bucket/" + strings.TrimLeft(key, "/")
}

type fakeDocRepo struct {
	docs []warehouse.EvidenceDoc
}

func (f *fakeDocRepo) FetchPilotDocs(ctx context.Context, limit int) ([]warehouse.EvidenceDoc, error) {
	return nil, nil
}

func (f *fakeDocRepo) StreamFilteredDocs(ctx context.Context, filter warehouse.DocFilter, yield func(warehouse.EvidenceDoc) error) error {
	return nil
}

func (f *fakeDocRepo) ManifestStats(ctx context.Context, filter warehouse.DocFilter) (warehouse.DocStats, error) {
	return warehouse.DocStats{}, nil
}

func (f *fakeDocRepo) FetchDocsByID(ctx context.Context, docIDs []string) ([]warehouse.EvidenceDoc, error) {
	want := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		want[id] = true
	}
	var out []warehouse.EvidenceDoc
	for _, d := range f.docs {
		if want[d.DocID] {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeRagTables struct {
	exists   bool
	runID    string
	missing  []string
	expected map[string]map[string]bool

	coverage    warehouse.RagCoverage
	entityLinks int64
	entityDocs  int64

	ensuredDB      bool
	stageCreated   bool
	stageRows      []warehouse.RagStageRow
	insertCalls    int
	embedBuilt     bool
	chunkStageMade bool
	merged         []warehouse.RagChunkTextRow
	mergeCalls     int
	expectedCalls  int
	entityBuilt    bool
	dropCalls      []bool
}

func (f *fakeRagTables) EnsureDatabase(ctx context.Context) error {
	f.ensuredDB = true
	return nil
}

func (f *fakeRagTables) EmbedTableExists(ctx context.Context) (bool, error) {
	return f.exists, nil
}

func (f *fakeRagTables) CreateShardStage(ctx context.Context) error {
	f.stageCreated = true
	return nil
}

func (f *fakeRagTables) InsertShardStage(ctx context.Context, rows []warehouse.RagStageRow) error {
	f.insertCalls++
	f.stageRows = append(f.stageRows, rows...)
	return nil
}

func (f *fakeRagTables) BuildEmbedTable(ctx context.Context) error {
	f.embedBuilt = true
	return nil
}

func (f *fakeRagTables) AnyRunID(ctx context.Context) (string, error) {
	return f.runID, nil
}

func (f *fakeRagTables) CreateChunkTextStage(ctx context.Context) error {
	f.chunkStageMade = true
	return nil
}

func (f *fakeRagTables) DocsMissingText(ctx context.Context) ([]string, error) {
	return f.missing, nil
}

func (f *fakeRagTables) ExpectedChunkIDs(ctx context.Context, docIDs []string) (map[string]map[string]bool, error) {
	f.expectedCalls++
	out := make(map[string]map[string]bool)
	for _, id := range docIDs {
		if set, ok := f.expected[id]; ok {
			out[id] = set
		}
	}
	return out, nil
}

func (f *fakeRagTables) MergeChunkText(ctx context.Context, rows []warehouse.RagChunkTextRow) error {
	f.mergeCalls++
	f.merged = append(f.merged, rows...)
	return nil
}

func (f *fakeRagTables) BuildEntityTable(ctx context.Context) error {
	f.entityBuilt = true
	return nil
}

func (f *fakeRagTables) Coverage(ctx context.Context) (warehouse.RagCoverage, error) {
	return f.coverage, nil
}

func (f *fakeRagTables) EntityCoverage(ctx context.Context) (int64, int64, error) {
	return f.entityLinks, f.entityDocs, nil
}

func (f *fakeRagTables) DropStages(ctx context.Context, dropShardStage bool) error {
	f.dropCalls = append(f.dropCalls, dropShardStage)
	return nil
}

const testRunID = "20260301T000000Z-chunk3500o300"

func shardRecord(chunkID, docID, docType, sourceID, runID string) string {
	return fmt.Sprintf(`{"id":%q,"embedding":[0.1,0.2],"restricts":[{"namespace":"doc_type","allow":[%q]}],`+
		`"embedding_metadata":{"doc_id":%q,"doc_type":%q,"source_id":%q,"chunk_index":0,"entity_count":3,"run_id":%q,"model_id":"gemini-embedding-001"}}`+"\n",
		chunkID, docType, docID, docType, sourceID, runID)
}

func seedShards(store *memStore, runID string) {
	store.objects["vector-search/pkg2-pilot/run1/shards/part-00000.jsonl"] =
		[]byte(shardRecord("NCT:NCT9#0", "NCT:NCT9", "trial", "NCT9", runID))
	store.objects["vector-search/pkg2-pilot/run1/shards/part-00001.jsonl"] =
		[]byte(shardRecord("PMID:1#0", "PMID:1", "paper", "1", runID))
}

func testDocs() []warehouse.EvidenceDoc {
	return []warehouse.EvidenceDoc{
		{DocID: "NCT:NCT9", DocType: "trial", SourceID: "NCT9", Text: "Brief summary. More detail."},
		{DocID: "PMID:1", DocType: "paper", SourceID: "1", Text: "BRCA1 regulates repair."},
	}
}

func testExpected() map[string]map[string]bool {
	return map[string]map[string]bool{
		"NCT:NCT9": {"NCT:NCT9#0": true},
		"PMID:1":   {"PMID:1#0": true},
	}
}

func testOptions(prefix string) Options {
	return Options{
		Prefix:         prefix,
		Database:       "ragtest",
		EmbedTable:     "evidence_embeddings_pilot",
		EntityTable:    "evidence_doc_entities_pilot",
		DocBatchSize:   2000,
		ChunkTextFlush: 25000,
		MaxChunkChars:  3500,
		OverlapChars:   300,
	}
}

func TestRunFreshMaterializesEndToEnd(t *testing.T) {
	store := newMemStore()
	seedShards(store, testRunID)
	tables := &fakeRagTables{
		missing:     []string{"NCT:NCT9", "PMID:1"},
		expected:    testExpected(),
		coverage:    warehouse.RagCoverage{ChunksTotal: 2, ChunksWithText: 2, DocsTotal: 2},
		entityLinks: 5,
		entityDocs:  2,
	}
	m := NewMaterializer(store, &fakeDocRepo{docs: testDocs()}, tables, mustTestLogger(t))

	res, err := m.Run(context.Background(), testOptions("gs://test-bucket/vector-search/pkg2-pilot/run1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !tables.ensuredDB || !tables.stageCreated || !tables.embedBuilt {
		t.Fatalf("staging phases skipped: db=%v stage=%v embed=%v", tables.ensuredDB, tables.stageCreated, tables.embedBuilt)
	}
	if res.ShardFiles != 2 || res.RowsStaged != 2 {
		t.Fatalf("staging counts: want shards=2 rows=2 got shards=%d rows=%d", res.ShardFiles, res.RowsStaged)
	}
	if len(tables.stageRows) != 2 {
		t.Fatalf("stage rows: want=2 got=%d", len(tables.stageRows))
	}
	first := tables.stageRows[0]
	if first.ChunkID != "NCT:NCT9#0" || first.DocType != "trial" || first.EntityCount != 3 {
		t.Fatalf("first stage row: got %+v", first)
	}
	if len(first.Embedding) != 2 || first.Embedding[0] != 0.1 {
		t.Fatalf("stage row embedding: got %v", first.Embedding)
	}

	if res.DocsRebuilt != 2 || res.ChunkTextRows != 2 {
		t.Fatalf("backfill counts: want docs=2 rows=2 got docs=%d rows=%d", res.DocsRebuilt, res.ChunkTextRows)
	}
	texts := make(map[string]string, len(tables.merged))
	for _, row := range tables.merged {
		texts[row.ChunkID] = row.ChunkText
	}
	if texts["PMID:1#0"] != "BRCA1 regulates repair." {
		t.Fatalf("reconstructed text: got %q", texts["PMID:1#0"])
	}
	if texts["NCT:NCT9#0"] != "Brief summary. More detail." {
		t.Fatalf("reconstructed trial text: got %q", texts["NCT:NCT9#0"])
	}

	if !tables.entityBuilt {
		t.Fatalf("entity table not rebuilt")
	}
	if res.EntityLinks != 5 || res.EntityDocs != 2 {
		t.Fatalf("entity coverage: want links=5 docs=2 got links=%d docs=%d", res.EntityLinks, res.EntityDocs)
	}
	if res.ChunksTotal != 2 || res.ChunksWithText != 2 || res.DocsTotal != 2 {
		t.Fatalf("coverage echo: got %+v", res)
	}
	if len(tables.dropCalls) != 1 || tables.dropCalls[0] != true {
		t.Fatalf("drop stages: want [true] got %v", tables.dropCalls)
	}
}

func TestRunResumeBackfillsOnly(t *testing.T) {
	store := newMemStore()
	tables := &fakeRagTables{
		exists:   true,
		runID:    testRunID,
		missing:  []string{"PMID:1"},
		expected: testExpected(),
		coverage: warehouse.RagCoverage{ChunksTotal: 2, ChunksWithText: 2, DocsTotal: 2},
	}
	m := NewMaterializer(store, &fakeDocRepo{docs: testDocs()}, tables, mustTestLogger(t))

	opts := testOptions("vector-search/pkg2-pilot/run1")
	opts.Resume = true
	opts.SkipEntityRefresh = true
	res, err := m.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Resumed {
		t.Fatalf("result not marked resumed")
	}
	if tables.stageCreated || tables.insertCalls != 0 || tables.embedBuilt {
		t.Fatalf("resume reloaded shards: stage=%v inserts=%d embed=%v", tables.stageCreated, tables.insertCalls, tables.embedBuilt)
	}
	if res.ChunkTextRows != 1 || len(tables.merged) != 1 {
		t.Fatalf("backfill rows: want=1 got=%d merged=%d", res.ChunkTextRows, len(tables.merged))
	}
	if tables.entityBuilt || res.EntityLinks != -1 || res.EntityDocs != -1 {
		t.Fatalf("entity refresh not skipped: built=%v links=%d", tables.entityBuilt, res.EntityLinks)
	}
	if len(tables.dropCalls) != 1 || tables.dropCalls[0] != false {
		t.Fatalf("drop stages: want [false] got %v", tables.dropCalls)
	}
}

func TestRunRefusesChunkParamMismatch(t *testing.T) {
	store := newMemStore()
	seedShards(store, "20260301T000000Z-chunk1000o100")
	tables := &fakeRagTables{}
	m := NewMaterializer(store, &fakeDocRepo{}, tables, mustTestLogger(t))

	_, err := m.Run(context.Background(), testOptions("vector-search/pkg2-pilot/run1"))
	if err == nil || !strings.Contains(err.Error(), "chunk parameters disagree") {
		t.Fatalf("want chunk parameter error, got %v", err)
	}
	if tables.insertCalls != 0 || tables.embedBuilt {
		t.Fatalf("staged rows despite mismatch: inserts=%d embed=%v", tables.insertCalls, tables.embedBuilt)
	}
}

func TestRunResumeRefusesChunkParamMismatch(t *testing.T) {
	store := newMemStore()
	tables := &fakeRagTables{exists: true, runID: "20260301T000000Z-chunk1000o100"}
	m := NewMaterializer(store, &fakeDocRepo{}, tables, mustTestLogger(t))

	opts := testOptions("vector-search/pkg2-pilot/run1")
	opts.Resume = true
	_, err := m.Run(context.Background(), opts)
	if err == nil || !strings.Contains(err.Error(), "chunk parameters disagree") {
		t.Fatalf("want chunk parameter error, got %v", err)
	}
	if tables.chunkStageMade {
		t.Fatalf("backfill started despite mismatch")
	}
}

func TestRunFailsWithoutShards(t *testing.T) {
	store := newMemStore()
	m := NewMaterializer(store, &fakeDocRepo{}, &fakeRagTables{}, mustTestLogger(t))

	_, err := m.Run(context.Background(), testOptions("vector-search/pkg2-pilot/empty"))
	if err == nil || !strings.Contains(err.Error(), "no shard files") {
		t.Fatalf("want missing shards error, got %v", err)
	}
}

func TestRunFlushesPerBatch(t *testing.T) {
	store := newMemStore()
	seedShards(store, testRunID)
	tables := &fakeRagTables{
		missing:  []string{"NCT:NCT9", "PMID:1"},
		expected: testExpected(),
		coverage: warehouse.RagCoverage{ChunksTotal: 2, ChunksWithText: 2, DocsTotal: 2},
	}
	m := NewMaterializer(store, &fakeDocRepo{docs: testDocs()}, tables, mustTestLogger(t))

	opts := testOptions("vector-search/pkg2-pilot/run1")
	opts.DocBatchSize = 1
	opts.ChunkTextFlush = 1
	opts.SkipEntityRefresh = true
	res, err := m.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tables.expectedCalls != 2 {
		t.Fatalf("expected-chunk batches: want=2 got=%d", tables.expectedCalls)
	}
	if tables.mergeCalls != 2 {
		t.Fatalf("merge flushes: want=2 got=%d", tables.mergeCalls)
	}
	if res.ChunkTextRows != 2 {
		t.Fatalf("chunk text rows: want=2 got=%d", res.ChunkTextRows)
	}
}

func TestVerifyChunkParams(t *testing.T) {
	cases := []struct {
		runID     string
		wantFound bool
		wantErr   bool
	}{
		{"20260301T000000Z-chunk3500o300", true, false},
		{"20260301T000000Z-chunk1000o100", true, true},
		{"custom-run", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		found, err := verifyChunkParams(tc.runID, 3500, 300)
		if found != tc.wantFound {
			t.Fatalf("verifyChunkParams(%q) found: want=%v got=%v", tc.runID, tc.wantFound, found)
		}
		if (err != nil) != tc.wantErr {
			t.Fatalf("verifyChunkParams(%q) err: want=%v got=%v", tc.runID, tc.wantErr, err)
		}
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"gs://bucket/vector-search/run1", "vector-search/run1"},
		{"gs://bucket/vector-search/run1/", "vector-search/run1"},
		{"vector-search/run1", "vector-search/run1"},
		{"gs://bucket", ""},
	}
	for _, tc := range cases {
		if got := objectKeyPrefix(tc.in); got != tc.want {
			t.Fatalf("objectKeyPrefix(%q): want=%q got=%q", tc.in, tc.want, got)
		}
	}
}

func TestDecodeShardRowsBadRecordFails(t *testing.T) {
	good := shardRecord("PMID:1#0", "PMID:1", "paper", "1", testRunID)
	input := good + "{not json\n"

	var rows []warehouse.RagStageRow
	n, err := decodeShardRows(strings.NewReader(input), func(row warehouse.RagStageRow) error {
		rows = append(rows, row)
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "decode shard record 1") {
		t.Fatalf("want decode error for record 1, got %v", err)
	}
	if n != 1 || len(rows) != 1 {
		t.Fatalf("rows before failure: want=1 got n=%d rows=%d", n, len(rows))
	}
}
