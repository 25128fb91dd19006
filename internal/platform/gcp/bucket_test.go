package gcp

import "testing"

func TestContentTypeForKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"runs/abc/manifest_stats.json", "application/json"},
		{"runs/abc/shards/part-00001.jsonl", "application/json"},
		{"shards/C01_Papers_000.jsonl.zst", "application/zstd"},
		{"shards/C01_Papers_000.tsv", "text/tab-separated-values"},
		{"shards/C01_Papers_000.csv", "text/csv"},
		{"runs/abc/checkpoint", ""},
	}
	for _, tc := range cases {
		if got := contentTypeForKey(tc.key); got != tc.want {
			t.Fatalf("contentTypeForKey(%q): want=%q got=%q", tc.key, tc.want, got)
		}
	}
}

func TestObjectURI(t *testing.T) {
	st := &objectStore{bucket: "biograph-pipelines"}
	want := "gs://biograph-pipelines/runs/r1/checkpoint.json"
	if got := st.URI("/runs/r1/checkpoint.json"); got != want {
		t.Fatalf("URI: want=%q got=%q", want, got)
	}
	if got := st.URI("runs/r1/checkpoint.json"); got != want {
		t.Fatalf("URI without slash: want=%q got=%q", want, got)
	}
}
