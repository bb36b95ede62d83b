package core

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepresearch/internal/index"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/tools/extract"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

// Engine bundles a ready-to-run orchestrator with the resources it owns.
type Engine struct {
	Orchestrator *Orchestrator
	Corpus       *index.Corpus
	Telemetry    *telemetry.Telemetry

	pg    *store.Postgres
	cache *store.Cache
}

// NewEngine wires the full research engine from configuration: LLM provider,
// corpus index hydrated from postgres, redis retrieval cache, web search and
// the orchestration loop.
func NewEngine(ctx context.Context, cfg *config.Config, sink EventSink) (*Engine, error) {
	logger := log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)

	llm, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}

	tel := telemetry.NewTelemetry(cfg.Telemetry)

	embeddingModel := ""
	if p, ok := cfg.LLM.Providers["openai"]; ok {
		embeddingModel = p.EmbeddingModel
	}
	corpus, err := index.NewCorpus(llm, embeddingModel)
	if err != nil {
		return nil, fmt.Errorf("creating corpus index: %w", err)
	}

	engine := &Engine{Corpus: corpus, Telemetry: tel}

	if cfg.Store.Postgres.URL != "" || cfg.Store.Postgres.Host != "" {
		pg, err := store.NewPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting corpus store: %w", err)
		}
		engine.pg = pg
		if err := hydrateCorpus(ctx, corpus, pg); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Printf("corpus hydrated: %d chunks indexed", corpus.Len())
	}

	var cache QueryCache
	if cfg.Store.Redis.Enabled {
		rc, err := store.NewCache(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting retrieval cache: %w", err)
		}
		engine.cache = rc
		cache = &redisQueryCache{cache: rc}
	}

	pipeline := NewPipeline(llm, newCorpusProvider(corpus, cfg.Research.MaxParallelBranches), cache, tel, sink, cfg.Research, cfg.LLM.Routing)

	var web WebSearcher
	if key := webSearchKey(cfg.Sources.WebSearch); key != "" {
		searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Sources.WebSearch.Provider), key)
		if err != nil {
			return nil, fmt.Errorf("creating web searcher: %w", err)
		}
		adapter := &webSearchAdapter{searcher: searcher}
		if cfg.Sources.Extract.Enabled {
			adapter.extractor = extract.New(cfg.Sources.Extract.Timeout, 0)
			adapter.maxPages = cfg.Sources.Extract.MaxPages
		}
		web = adapter
	}

	// The graph querier has no built-in provider; callers with a graph
	// backend inject one through the tool registry.
	var images ImageGenerator
	if ig, ok := llm.(ImageGenerator); ok {
		images = ig
	}

	tools := NewToolSet(llm, pipeline, web, nil, images, cfg.LLM.Routing, cfg.Sources.WebSearch.MaxResults)
	engine.Orchestrator = NewOrchestrator(cfg, llm, tools, tel, sink)
	return engine, nil
}

// Tools exposes the registry so callers can add generic tool integrations
// before running.
func (e *Engine) Tools() *ToolSet {
	return e.Orchestrator.tools
}

// Research runs one request to completion.
func (e *Engine) Research(ctx context.Context, req ResearchRequest) (ResearchResult, error) {
	return e.Orchestrator.Run(ctx, req)
}

// Close releases store connections.
func (e *Engine) Close() error {
	var firstErr error
	if e.pg != nil {
		if err := e.pg.Close(); err != nil {
			firstErr = err
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func hydrateCorpus(ctx context.Context, corpus *index.Corpus, pg *store.Postgres) error {
	chunks, err := pg.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("loading corpus chunks: %w", err)
	}
	for _, ch := range chunks {
		err := corpus.AddChunk(ctx, index.Chunk{
			DocID:      ch.DocID,
			ChunkID:    ch.ChunkID,
			Title:      ch.Title,
			Source:     ch.Source,
			Text:       ch.Text,
			SourceType: ch.SourceType,
		})
		if err != nil {
			return fmt.Errorf("indexing chunk %s/%s: %w", ch.DocID, ch.ChunkID, err)
		}
	}
	return nil
}

// NewLLMProvider builds the configured model provider. Only OpenAI-compatible
// providers are supported.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	for _, provider := range cfg.Providers {
		if provider.Type == "openai" {
			return NewOpenAIProvider(provider), nil
		}
	}
	return nil, fmt.Errorf("no openai provider configured")
}

func webSearchKey(cfg config.WebSearchConfig) string {
	switch cfg.Provider {
	case "brave":
		return cfg.BraveAPIKey
	case "serper":
		return cfg.SerperAPIKey
	}
	return ""
}

// corpusProvider grants scoped access to the shared corpus index, bounding
// the number of concurrent searches with a semaphore.
type corpusProvider struct {
	corpus *index.Corpus
	slots  chan struct{}
}

func newCorpusProvider(corpus *index.Corpus, maxConcurrent int) *corpusProvider {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &corpusProvider{
		corpus: corpus,
		slots:  make(chan struct{}, maxConcurrent),
	}
}

func (p *corpusProvider) Acquire(ctx context.Context) (DocumentRetriever, func(), error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	release := func() { <-p.slots }
	return &corpusRetriever{corpus: p.corpus}, release, nil
}

// corpusRetriever translates index hits into evidence sections. The fused
// rank is the primary order; cosine-to-query becomes the rerank score.
type corpusRetriever struct {
	corpus *index.Corpus
}

func (r *corpusRetriever) Search(ctx context.Context, query string, filters SearchFilters) ([]EvidenceSection, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 10
	}
	hits, err := r.corpus.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	var out []EvidenceSection
	for _, hit := range hits {
		if len(filters.SourceTypes) > 0 && !contains(filters.SourceTypes, hit.SourceType) {
			continue
		}
		out = append(out, EvidenceSection{
			DocumentID:  hit.DocID,
			ChunkID:     hit.ChunkID,
			Title:       hit.Title,
			Source:      hit.Source,
			Text:        hit.Snippet,
			RawRank:     hit.Rank,
			Score:       hit.Score,
			RerankScore: hit.Cosine,
		})
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// redisQueryCache adapts the store cache to the retrieval pipeline.
type redisQueryCache struct {
	cache *store.Cache
}

func (c *redisQueryCache) Get(ctx context.Context, query string) ([]EvidenceSection, bool, error) {
	var sections []EvidenceSection
	found, err := c.cache.GetJSON(ctx, query, &sections)
	if err != nil || !found {
		return nil, false, err
	}
	return sections, true, nil
}

func (c *redisQueryCache) Set(ctx context.Context, query string, sections []EvidenceSection) error {
	return c.cache.SetJSON(ctx, query, sections)
}

// webSearchAdapter bridges the web search tool into the engine and, when an
// extractor is configured, pulls readable page content for the top hits.
type webSearchAdapter struct {
	searcher  web_search.WebSearcher
	extractor *extract.Extractor
	maxPages  int
}

func (a *webSearchAdapter) Discover(ctx context.Context, q string, k int) ([]WebResult, error) {
	hits, err := a.searcher.Discover(ctx, q, k)
	if err != nil {
		return nil, err
	}
	out := make([]WebResult, 0, len(hits))
	for i, hit := range hits {
		result := WebResult{Title: hit.Title, URL: hit.URL, Snippet: hit.Snippet}
		if a.extractor != nil && i < a.maxPages {
			if page, err := a.extractor.Extract(ctx, hit.URL); err == nil {
				result.Content = page.Text
			}
		}
		out = append(out, result)
	}
	return out, nil
}
