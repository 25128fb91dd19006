package overview

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

func TestVerify_MissingVectorStore(t *testing.T) {
	svc := NewService(nil, &fakeEmbedder{}, nil, nil, nil, nil, newTestLogger(t))

	got := svc.Verify(context.Background())
	if got["ok"] != false || got["reason"] != "Missing vector endpoint configuration" {
		t.Fatalf("missing store: got %v", got)
	}
}

func TestVerify_MissingEmbedder(t *testing.T) {
	svc := NewService(nil, nil, &fakeVectorStore{}, nil, nil, nil, newTestLogger(t))

	got := svc.Verify(context.Background())
	if got["ok"] != false || got["reason"] != "Missing embedding model configuration" {
		t.Fatalf("missing embedder: got %v", got)
	}
}

func TestVerify_EmbedFailure(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("quota exhausted")}
	svc := NewService(nil, embedder, &fakeVectorStore{}, nil, nil, nil, newTestLogger(t))

	got := svc.Verify(context.Background())
	if got["ok"] != false || got["reason"] != "quota exhausted" {
		t.Fatalf("embed failure: got %v", got)
	}
}

func TestVerify_QueryFailure(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.1}}
	store := &fakeVectorStore{err: errors.New("endpoint unreachable")}
	svc := NewService(nil, embedder, store, nil, nil, nil, newTestLogger(t))

	got := svc.Verify(context.Background())
	if got["ok"] != false || got["reason"] != "endpoint unreachable" {
		t.Fatalf("query failure: got %v", got)
	}
}

func TestVerify_ProbeSucceeds(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	store := &fakeVectorStore{matches: []vector.Match{{ID: "c1", Score: 0.9}, {ID: "c2", Score: 0.8}}}
	svc := NewService(nil, embedder, store, nil, nil, nil, newTestLogger(t))

	got := svc.Verify(context.Background())
	if got["ok"] != true || got["neighbors_found"] != 2 {
		t.Fatalf("probe result: got %v", got)
	}
	if !reflect.DeepEqual(got["sample_ids"], []string{"c1", "c2"}) {
		t.Fatalf("sample ids: got %v", got["sample_ids"])
	}
}
