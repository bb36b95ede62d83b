package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// scriptedLLM answers prompts by keyword so pipeline stages are testable
// without a live provider.
type scriptedLLM struct {
	expansion    string
	expansionErr error
	verifyYes    func(prompt string) bool
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ string, _ map[string]interface{}) (string, error) {
	if strings.Contains(prompt, "search queries") {
		if s.expansionErr != nil {
			return "", s.expansionErr
		}
		return s.expansion, nil
	}
	if strings.Contains(prompt, `"yes" or "no"`) {
		if s.verifyYes != nil && s.verifyYes(prompt) {
			return "yes", nil
		}
		return "no", nil
	}
	return "ok", nil
}

func (s *scriptedLLM) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	out, err := s.Generate(ctx, prompt, model, options)
	return out, 10, 5, err
}

func (s *scriptedLLM) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *scriptedLLM) CalculateCost(in, out int64, _ string) float64 {
	return float64(in+out) / 1000.0
}

// stubRetrieverProvider serves a fixed candidate set per query.
type stubRetrieverProvider struct {
	byQuery  map[string][]EvidenceSection
	failFor  string
	acquired atomic.Int64
}

func (p *stubRetrieverProvider) Acquire(_ context.Context) (DocumentRetriever, func(), error) {
	p.acquired.Add(1)
	return &stubRetriever{provider: p}, func() {}, nil
}

type stubRetriever struct {
	provider *stubRetrieverProvider
}

func (r *stubRetriever) Search(_ context.Context, query string, _ SearchFilters) ([]EvidenceSection, error) {
	if query == r.provider.failFor {
		return nil, errors.New("index unavailable")
	}
	return r.provider.byQuery[query], nil
}

type mapQueryCache struct {
	data map[string][]EvidenceSection
	hits atomic.Int64
}

func (c *mapQueryCache) Get(_ context.Context, query string) ([]EvidenceSection, bool, error) {
	sections, ok := c.data[query]
	if ok {
		c.hits.Add(1)
	}
	return sections, ok, nil
}

func (c *mapQueryCache) Set(_ context.Context, query string, sections []EvidenceSection) error {
	c.data[query] = sections
	return nil
}

func testResearchConfig() config.ResearchConfig {
	return config.ResearchConfig{
		MaxIterations:    10,
		ExpansionQueries: 3,
		ResultCap:        5,
		VerifyTimeout:    time.Second,
		CollectFitStats:  true,
	}
}

func section(doc string, rawRank int, rerank float64, text string) EvidenceSection {
	return EvidenceSection{
		DocumentID:  doc,
		ChunkID:     "0",
		Text:        text,
		RawRank:     rawRank,
		Score:       1.0 / float64(rawRank),
		RerankScore: rerank,
	}
}

func TestExpandQueriesFallsBackOnError(t *testing.T) {
	llm := &scriptedLLM{expansionErr: errors.New("provider down")}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	got := p.expandQueries(context.Background(), "original question")
	if len(got) != 1 || got[0] != "original question" {
		t.Fatalf("expected fallback to original question, got %v", got)
	}
}

func TestExpandQueriesFallsBackOnGarbage(t *testing.T) {
	llm := &scriptedLLM{expansion: "sorry, I cannot produce queries"}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	got := p.expandQueries(context.Background(), "q")
	if len(got) != 1 || got[0] != "q" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestExpandQueriesParsesAndTruncates(t *testing.T) {
	llm := &scriptedLLM{expansion: `Here you go: ["a", "b", "c", "d", "e"]`}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	got := p.expandQueries(context.Background(), "q")
	if len(got) != 3 {
		t.Fatalf("expected 3 queries after truncation, got %v", got)
	}
}

func TestRetrievePipelineEndToEnd(t *testing.T) {
	llm := &scriptedLLM{
		expansion: `["alpha", "beta", "gamma"]`,
		verifyYes: func(prompt string) bool {
			return !strings.Contains(prompt, "offtopic")
		},
	}

	// 8 distinct candidates plus one duplicate across queries. Rerank
	// scores deliberately invert the raw order so the lift is positive.
	provider := &stubRetrieverProvider{byQuery: map[string][]EvidenceSection{
		"alpha": {
			section("d1", 1, 0.1, "relevant but weak fit"),
			section("d2", 2, 0.9, "relevant strong fit"),
			section("d3", 3, 0.2, "offtopic chatter"),
		},
		"beta": {
			section("d4", 1, 0.8, "relevant strong"),
			section("d5", 2, 0.3, "offtopic noise"),
			section("d2", 3, 0.9, "relevant strong fit"),
		},
		"gamma": {
			section("d6", 1, 0.7, "relevant"),
			section("d7", 2, 0.6, "relevant"),
			section("d8", 3, 0.5, "relevant"),
		},
	}}

	p := NewPipeline(llm, provider, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	bundle, err := p.Retrieve(context.Background(), "run-1", "alpha")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if len(bundle.Results) != 3 {
		t.Fatalf("expected 3 per-query results, got %d", len(bundle.Results))
	}

	// 8 unique candidates, 2 rejected by verification, capped at 5.
	if len(bundle.Sections) != 5 {
		t.Fatalf("expected 5 sections after rerank cap, got %d", len(bundle.Sections))
	}
	seen := map[string]bool{}
	for _, s := range bundle.Sections {
		if seen[s.ContentKey()] {
			t.Fatalf("duplicate section survived dedup: %s", s.ContentKey())
		}
		seen[s.ContentKey()] = true
		if strings.Contains(s.Text, "offtopic") {
			t.Fatalf("rejected section leaked through: %+v", s)
		}
	}
	for i := 1; i < len(bundle.Sections); i++ {
		if bundle.Sections[i].RerankScore > bundle.Sections[i-1].RerankScore {
			t.Fatalf("sections not ordered by rerank score at %d", i)
		}
	}

	if bundle.Stats.Verified != 6 || bundle.Stats.Rejected != 2 {
		t.Fatalf("chunk stats wrong: %+v", bundle.Stats)
	}

	stats := bundle.Results[0].FitStats
	if stats == nil {
		t.Fatal("expected fit stats to be collected")
	}
	if stats.FitScoreLift <= 0 {
		t.Fatalf("rerank inverts raw order here, lift must be positive: %f", stats.FitScoreLift)
	}
	if stats.RerankEffect <= 0 {
		t.Fatalf("expected nonzero rerank effect: %f", stats.RerankEffect)
	}
}

func TestRetrieveSiblingQueryFailureIsIsolated(t *testing.T) {
	llm := &scriptedLLM{
		expansion: `["good", "bad"]`,
		verifyYes: func(string) bool { return true },
	}
	provider := &stubRetrieverProvider{
		failFor: "bad",
		byQuery: map[string][]EvidenceSection{
			"good": {section("d1", 1, 0.5, "content")},
		},
	}
	p := NewPipeline(llm, provider, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	bundle, err := p.Retrieve(context.Background(), "run-1", "good")
	if err != nil {
		t.Fatalf("one failing query must not fail the round: %v", err)
	}
	if len(bundle.Sections) != 1 {
		t.Fatalf("expected surviving query's sections, got %d", len(bundle.Sections))
	}
	var failSlot *QueryResult
	for i := range bundle.Results {
		if bundle.Results[i].Query == "bad" {
			failSlot = &bundle.Results[i]
		}
	}
	if failSlot == nil || failSlot.QueryInfo["error"] == nil {
		t.Fatalf("failed query slot should record its error: %+v", bundle.Results)
	}
}

func TestRetrieveUsesCache(t *testing.T) {
	llm := &scriptedLLM{
		expansion: `["cached"]`,
		verifyYes: func(string) bool { return true },
	}
	cache := &mapQueryCache{data: map[string][]EvidenceSection{
		"cached": {section("d9", 1, 0.4, "cached content")},
	}}
	provider := &stubRetrieverProvider{}
	p := NewPipeline(llm, provider, cache, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	bundle, err := p.Retrieve(context.Background(), "run-1", "cached")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if cache.hits.Load() != 1 {
		t.Fatalf("expected one cache hit, got %d", cache.hits.Load())
	}
	if provider.acquired.Load() != 0 {
		t.Fatalf("cache hit must not touch the index, acquired=%d", provider.acquired.Load())
	}
	if len(bundle.Sections) != 1 || bundle.Sections[0].DocumentID != "d9" {
		t.Fatalf("cached sections not served: %+v", bundle.Sections)
	}
}

func TestRetrieveAlwaysIncludesOriginalQuestion(t *testing.T) {
	// Expansion replaces rather than augments the question here; the round
	// must still retrieve under the original phrasing.
	llm := &scriptedLLM{
		expansion: `["alpha"]`,
		verifyYes: func(string) bool { return true },
	}
	provider := &stubRetrieverProvider{byQuery: map[string][]EvidenceSection{
		"what is the refund policy": {section("d1", 1, 0.9, "refunds within 30 days")},
	}}
	p := NewPipeline(llm, provider, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	bundle, err := p.Retrieve(context.Background(), "run-1", "what is the refund policy")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(bundle.Results) != 2 {
		t.Fatalf("expected the question plus one expansion, got %d results", len(bundle.Results))
	}
	if bundle.Results[0].Query != "what is the refund policy" {
		t.Fatalf("original question must lead the query set, got %q", bundle.Results[0].Query)
	}
	if len(bundle.Sections) != 1 || bundle.Sections[0].DocumentID != "d1" {
		t.Fatalf("evidence reachable only under the original phrasing was lost: %+v", bundle.Sections)
	}
}

func TestRerankLiftWhenCapEqualsVerified(t *testing.T) {
	llm := &scriptedLLM{}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	// Five verified sections with the cap at five: the kept set is identical
	// to the raw set, only the order changes.
	sections := []EvidenceSection{
		section("d1", 1, 0.1, "a"),
		section("d2", 2, 0.2, "b"),
		section("d3", 3, 0.3, "c"),
		section("d4", 4, 0.4, "d"),
		section("d5", 5, 0.5, "e"),
	}
	kept, stats := p.rerank(sections)
	if len(kept) != 5 {
		t.Fatalf("expected the full set back, got %d", len(kept))
	}
	if stats == nil || stats.FitScoreLift <= 0 {
		t.Fatalf("reordering the full set must register as lift: %+v", stats)
	}
	if stats.RerankEffect <= 0 {
		t.Fatalf("expected nonzero rerank effect: %+v", stats)
	}
}

func TestRetrievePublishesRoundEvent(t *testing.T) {
	stream := NewStream(8)
	llm := &scriptedLLM{
		expansion: `["alpha"]`,
		verifyYes: func(string) bool { return true },
	}
	provider := &stubRetrieverProvider{byQuery: map[string][]EvidenceSection{
		"alpha": {section("d1", 1, 0.9, "content")},
	}}
	p := NewPipeline(llm, provider, nil, nil, stream, testResearchConfig(), config.LLMRoutingConfig{})

	if _, err := p.Retrieve(context.Background(), "run-9", "alpha"); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	stream.Close()

	found := false
	for ev := range stream.Events() {
		if ev.Type == EventRetrieval {
			found = true
			if ev.RunID != "run-9" {
				t.Fatalf("retrieval event carries wrong run: %+v", ev)
			}
		}
	}
	if !found {
		t.Fatal("expected a retrieval event on the stream")
	}
}

func TestRerankEmptyInput(t *testing.T) {
	llm := &scriptedLLM{}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})

	sections, stats := p.rerank(nil)
	if sections != nil || stats != nil {
		t.Fatalf("expected empty output for empty input, got %v, %v", sections, stats)
	}
}

func TestChunkStats(t *testing.T) {
	verified := []EvidenceSection{
		{Score: 0.4, RerankScore: 0.8},
		{Score: 0.6, RerankScore: 0.6},
	}
	stats := chunkStats(verified, 3)
	if stats.Verified != 2 || stats.Rejected != 3 {
		t.Fatalf("counts wrong: %+v", stats)
	}
	if fmt.Sprintf("%.2f", stats.AvgVerifiedScore) != "0.50" {
		t.Fatalf("avg score wrong: %v", stats.AvgVerifiedScore)
	}
	if fmt.Sprintf("%.2f", stats.AvgRerankScore) != "0.70" {
		t.Fatalf("avg rerank wrong: %v", stats.AvgRerankScore)
	}
}
