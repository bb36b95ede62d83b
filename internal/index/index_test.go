package index

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// stubEmbedder maps known texts to fixed 3-dim vectors so vector search is
// deterministic without a live provider.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i, text := range input {
		v, ok := s.vectors[text]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func newTestCorpus(t *testing.T, embedder Embedder) *Corpus {
	t.Helper()
	c, err := NewCorpus(embedder, "test-model")
	if err != nil {
		t.Fatalf("creating corpus: %v", err)
	}
	return c
}

func TestBM25Search(t *testing.T) {
	c := newTestCorpus(t, nil)
	ctx := context.Background()

	chunks := []Chunk{
		{DocID: "d1", ChunkID: "0", Title: "Go concurrency", Text: "goroutines and channels make concurrency simple"},
		{DocID: "d2", ChunkID: "0", Title: "Rust ownership", Text: "the borrow checker enforces memory safety"},
		{DocID: "d3", ChunkID: "0", Title: "Go scheduling", Text: "the runtime multiplexes goroutines onto threads"},
	}
	for _, ch := range chunks {
		if err := c.AddChunk(ctx, ch); err != nil {
			t.Fatalf("adding chunk: %v", err)
		}
	}

	hits, err := c.BM25Search("goroutines", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.DocID == "d2" {
			t.Fatalf("irrelevant document matched: %+v", h)
		}
	}
	if hits[0].Rank != 1 || hits[1].Rank != 2 {
		t.Fatalf("ranks not sequential: %d, %d", hits[0].Rank, hits[1].Rank)
	}
}

func TestHybridSearchCarriesCosine(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"goroutines and channels":   {1, 0, 0},
		"memory safety with borrow": {0, 1, 0},
		"concurrency in go":         {0.9, 0.1, 0},
	}}
	c := newTestCorpus(t, emb)
	ctx := context.Background()

	if err := c.AddChunk(ctx, Chunk{DocID: "d1", ChunkID: "0", Title: "Go", Text: "goroutines and channels"}); err != nil {
		t.Fatalf("adding chunk: %v", err)
	}
	if err := c.AddChunk(ctx, Chunk{DocID: "d2", ChunkID: "0", Title: "Rust", Text: "memory safety with borrow"}); err != nil {
		t.Fatalf("adding chunk: %v", err)
	}

	hits, err := c.Search(ctx, "concurrency in go", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits from vector side even without lexical overlap")
	}
	if hits[0].DocID != "d1" {
		t.Fatalf("expected semantic neighbor first, got %s", hits[0].DocID)
	}
	if hits[0].Cosine <= hits[len(hits)-1].Cosine {
		t.Fatalf("cosine not carried: first=%f last=%f", hits[0].Cosine, hits[len(hits)-1].Cosine)
	}
}

func TestFuseRRF(t *testing.T) {
	a := []Hit{
		{DocID: "x", ChunkID: "0", Rank: 1},
		{DocID: "y", ChunkID: "0", Rank: 2},
	}
	b := []Hit{
		{DocID: "y", ChunkID: "0", Rank: 1},
		{DocID: "z", ChunkID: "0", Rank: 2},
	}

	fused := FuseRRF(a, b, 10)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused hits, got %d", len(fused))
	}
	// y appears in both lists so it must fuse to the top.
	if fused[0].DocID != "y" {
		t.Fatalf("expected doc in both lists first, got %s", fused[0].DocID)
	}
	for i, h := range fused {
		if h.Rank != i+1 {
			t.Fatalf("rank %d at position %d", h.Rank, i)
		}
	}
}

func TestFuseRRFTruncates(t *testing.T) {
	var a []Hit
	for i := 0; i < 20; i++ {
		a = append(a, Hit{DocID: fmt.Sprintf("d%d", i), ChunkID: "0", Rank: i + 1})
	}
	fused := FuseRRF(a, nil, 5)
	if len(fused) != 5 {
		t.Fatalf("expected 5 hits after truncation, got %d", len(fused))
	}
}

func TestSnippetKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes of two-byte runes
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet split a rune: %q", got[:10])
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix on truncated snippet")
	}
	if short := snippet("plain"); short != "plain" {
		t.Fatalf("short text must pass through, got %q", short)
	}
}
