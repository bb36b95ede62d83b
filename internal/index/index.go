package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// Chunk is one indexed passage of a corpus document.
type Chunk struct {
	DocID      string
	ChunkID    string
	Title      string
	Source     string
	Text       string
	SourceType string
}

func (c Chunk) key() string { return c.DocID + "__" + c.ChunkID }

// Hit is one search result with its rank in the fused order and, when the
// query was embedded, its cosine similarity to the query.
type Hit struct {
	DocID      string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
	Cosine     float64 `json:"cosine"`
	Rank       int     `json:"rank"`
	SourceType string  `json:"source_type,omitempty"`
}

// Embedder turns texts into vectors. A nil embedder degrades the corpus to
// lexical-only search.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

type embedVec struct {
	key string
	vec []float32
}

// Corpus is an in-memory hybrid search index over document chunks: BM25 via
// bleve plus brute-force cosine over embedding vectors, fused by reciprocal
// rank.
type Corpus struct {
	bleve    bleve.Index
	embedder Embedder
	model    string

	mu      sync.RWMutex
	meta    map[string]Chunk
	vectors []embedVec
}

// NewCorpus creates an empty in-memory corpus. embedder may be nil.
func NewCorpus(embedder Embedder, embeddingModel string) (*Corpus, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating bleve index: %w", err)
	}
	return &Corpus{
		bleve:    idx,
		embedder: embedder,
		model:    embeddingModel,
		meta:     make(map[string]Chunk),
	}, nil
}

// AddChunk indexes one chunk for lexical search and, when an embedder is
// configured, embeds it for vector search.
func (c *Corpus) AddChunk(ctx context.Context, chunk Chunk) error {
	key := chunk.key()

	c.mu.Lock()
	c.meta[key] = chunk
	c.mu.Unlock()

	if err := c.bleve.Index(key, chunk); err != nil {
		return fmt.Errorf("indexing chunk %s: %w", key, err)
	}

	if c.embedder != nil {
		vecs, err := c.embedder.Embed(ctx, c.model, []string{chunk.Text})
		if err != nil {
			return fmt.Errorf("embedding chunk %s: %w", key, err)
		}
		c.mu.Lock()
		c.vectors = append(c.vectors, embedVec{key: key, vec: vecs[0]})
		c.mu.Unlock()
	}
	return nil
}

// Len returns the number of indexed chunks.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.meta)
}

// Search runs the hybrid query: BM25 and vector search fused by reciprocal
// rank. Each hit's Cosine field carries its similarity to the query vector
// when embeddings are available.
func (c *Corpus) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	lexical, err := c.BM25Search(query, k)
	if err != nil {
		return nil, err
	}

	if c.embedder == nil {
		return lexical, nil
	}

	vecs, err := c.embedder.Embed(ctx, c.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := vecs[0]

	semantic := c.VectorSearch(queryVec, k)
	fused := FuseRRF(lexical, semantic, k)

	// Attach cosine-to-query on every fused hit so downstream rerank can
	// reorder by semantic fit regardless of which list a hit came from.
	cosines := c.cosinesFor(queryVec)
	for i := range fused {
		fused[i].Cosine = cosines[fused[i].DocID+"__"+fused[i].ChunkID]
	}
	return fused, nil
}

// BM25Search runs lexical search only.
func (c *Corpus) BM25Search(q string, k int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := c.bleve.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		chunk := c.meta[hit.ID]
		out = append(out, Hit{
			DocID:      chunk.DocID,
			ChunkID:    chunk.ChunkID,
			Title:      chunk.Title,
			Source:     chunk.Source,
			Snippet:    snippet(chunk.Text),
			Score:      hit.Score,
			Rank:       i + 1,
			SourceType: chunk.SourceType,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// VectorSearch runs brute-force cosine search over the stored vectors.
func (c *Corpus) VectorSearch(q []float32, k int) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type scored struct {
		key   string
		score float64
	}
	scoreds := make([]scored, 0, len(c.vectors))
	for _, v := range c.vectors {
		scoreds = append(scoreds, scored{key: v.key, score: cosine(q, v.vec)})
	}
	sort.Slice(scoreds, func(i, j int) bool { return scoreds[i].score > scoreds[j].score })

	var out []Hit
	for i, sc := range scoreds {
		chunk := c.meta[sc.key]
		out = append(out, Hit{
			DocID:      chunk.DocID,
			ChunkID:    chunk.ChunkID,
			Title:      chunk.Title,
			Source:     chunk.Source,
			Snippet:    snippet(chunk.Text),
			Score:      sc.score,
			Cosine:     sc.score,
			Rank:       i + 1,
			SourceType: chunk.SourceType,
		})
		if len(out) >= k {
			break
		}
	}
	return out
}

func (c *Corpus) cosinesFor(q []float32) map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.vectors))
	for _, v := range c.vectors {
		out[v.key] = cosine(q, v.vec)
	}
	return out
}

// FuseRRF merges two ranked lists by reciprocal-rank fusion and returns the
// top k with fused scores and fresh ranks.
func FuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		item  Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			key := h.DocID + "__" + h.ChunkID
			x, ok := m[key]
			if !ok {
				m[key] = &agg{item: h}
				x = m[key]
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)

	items := make([]*agg, 0, len(m))
	for _, v := range m {
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })

	n := k
	if n > len(items) {
		n = len(items)
	}
	out := make([]Hit, 0, n)
	for i := 0; i < n; i++ {
		hit := items[i].item
		hit.Score = items[i].score
		hit.Rank = i + 1
		out = append(out, hit)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	cut := 300
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
