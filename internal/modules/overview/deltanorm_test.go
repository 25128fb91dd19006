package overview

import (
	"strings"
	"testing"
)

func TestDeltaNormalizer_TrueDeltas(t *testing.T) {
	n := &deltaNormalizer{}
	deltas := []string{n.push("Hello "), n.push("world")}
	if strings.Join(deltas, "") != "Hello world" {
		t.Fatalf("deltas: want=%q got=%q", "Hello world", strings.Join(deltas, ""))
	}
	if n.text() != "Hello world" {
		t.Fatalf("full text: want=%q got=%q", "Hello world", n.text())
	}
}

func TestDeltaNormalizer_CumulativeSnapshots(t *testing.T) {
	n := &deltaNormalizer{}
	got := []string{n.push("Hel"), n.push("Hello wo"), n.push("Hello world")}
	want := []string{"Hel", "lo wo", "rld"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delta %d: want=%q got=%q", i, want[i], got[i])
		}
	}
	if n.text() != "Hello world" {
		t.Fatalf("full text: want=%q got=%q", "Hello world", n.text())
	}
}

func TestDeltaNormalizer_StaleDuplicateDropped(t *testing.T) {
	n := &deltaNormalizer{}
	n.push("Hello world")
	if d := n.push("Hello"); d != "" {
		t.Fatalf("stale chunk must yield no delta, got %q", d)
	}
	if n.text() != "Hello world" {
		t.Fatalf("stale chunk must not rewind the text, got %q", n.text())
	}
}

func TestDeltaNormalizer_EmptyChunk(t *testing.T) {
	n := &deltaNormalizer{}
	n.push("abc")
	if d := n.push(""); d != "" {
		t.Fatalf("empty chunk must yield no delta, got %q", d)
	}
	if n.text() != "abc" {
		t.Fatalf("full text: want=%q got=%q", "abc", n.text())
	}
}

func TestDeltaNormalizer_MixedChunksStillConcatenate(t *testing.T) {
	chunks := []string{"The", "The quick", " brown", "The quick brown fox", "The quick", ""}

	n := &deltaNormalizer{}
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(n.push(c))
	}

	if joined.String() != n.text() {
		t.Fatalf("concatenated deltas %q must equal full text %q", joined.String(), n.text())
	}
	if n.text() != "The quick brown fox" {
		t.Fatalf("full text: want=%q got=%q", "The quick brown fox", n.text())
	}
}
