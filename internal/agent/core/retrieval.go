package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/agent/telemetry"
)

var retrievalTracer trace.Tracer = otel.Tracer("deepresearch/retrieval")

// Pipeline is the internal retrieval flow: query expansion, parallel
// retrieval, relevance verification, rerank and dedup. One instance is
// shared by every run; per-call state stays on the stack.
type Pipeline struct {
	llm       LLMProvider
	retriever RetrieverProvider
	cache     QueryCache
	telemetry *telemetry.Telemetry
	sink      EventSink
	logger    *log.Logger

	expansionQueries int
	resultCap        int
	verifyTimeout    time.Duration
	collectFitStats  bool

	verifyModel string
	expandModel string
}

// NewPipeline builds the retrieval pipeline. cache and sink may be nil.
func NewPipeline(llm LLMProvider, retriever RetrieverProvider, cache QueryCache, tel *telemetry.Telemetry, sink EventSink, cfg config.ResearchConfig, routing config.LLMRoutingConfig) *Pipeline {
	resultCap := cfg.ResultCap
	if resultCap <= 0 {
		resultCap = 10
	}
	expansion := cfg.ExpansionQueries
	if expansion <= 0 {
		expansion = 3
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{
		llm:              llm,
		retriever:        retriever,
		cache:            cache,
		telemetry:        tel,
		sink:             sink,
		logger:           log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
		expansionQueries: expansion,
		resultCap:        resultCap,
		verifyTimeout:    cfg.VerifyTimeout,
		collectFitStats:  cfg.CollectFitStats,
		verifyModel:      routing.Verification,
		expandModel:      routing.Expansion,
	}
}

// Retrieve runs the full pipeline for one branch question and returns the
// verified, reranked, deduplicated evidence.
func (p *Pipeline) Retrieve(ctx context.Context, runID, question string) (RetrievalBundle, error) {
	ctx, span := retrievalTracer.Start(ctx, "retrieval.retrieve")
	defer span.End()

	queries := seedQueries(question, p.expandQueries(ctx, question))
	p.logger.Printf("expanded %q into %d queries", question, len(queries))

	results, err := p.parallelRetrieve(ctx, queries)
	if err != nil {
		return RetrievalBundle{}, fmt.Errorf("retrieving for %q: %w", question, err)
	}

	var candidates []EvidenceSection
	for _, r := range results {
		candidates = append(candidates, r.SearchResults...)
	}
	candidates = DedupSections(candidates)

	verified, rejected := p.verifySections(ctx, question, candidates)

	sections, fitStats := p.rerank(verified)
	stats := chunkStats(verified, rejected)

	if p.collectFitStats && fitStats != nil && len(results) > 0 {
		results[0].FitStats = fitStats
	}

	span.SetAttributes(
		attribute.Int("retrieval.queries", len(queries)),
		attribute.Int("retrieval.candidates", len(candidates)),
		attribute.Int("retrieval.verified", len(verified)),
		attribute.Int("retrieval.kept", len(sections)),
	)
	p.sink.Publish(Event{
		Type:    EventRetrieval,
		RunID:   runID,
		Message: fmt.Sprintf("%q: %d queries, %d candidates, %d verified, %d kept", question, len(queries), len(candidates), len(verified), len(sections)),
	})

	if p.telemetry != nil {
		p.telemetry.RecordRetrievalEvent(ctx, telemetry.RetrievalEvent{
			RunID:            runID,
			Queries:          len(queries),
			Candidates:       len(candidates),
			Verified:         len(verified),
			Rejected:         rejected,
			AvgVerifiedScore: stats.AvgVerifiedScore,
			FitScoreLift:     fitLift(fitStats),
		})
	}

	return RetrievalBundle{Results: results, Sections: sections, Stats: stats}, nil
}

// seedQueries puts the original question first in the query set, so evidence
// reachable only under its exact phrasing is always retrieved alongside the
// expansions.
func seedQueries(question string, expansions []string) []string {
	out := []string{question}
	for _, q := range expansions {
		if q != question {
			out = append(out, q)
		}
	}
	return out
}

// expandQueries asks the model for alternative phrasings of the question.
// Anything unusable degrades to the question itself; expansion is an
// optimization, never a failure point.
func (p *Pipeline) expandQueries(ctx context.Context, question string) []string {
	prompt := fmt.Sprintf(`Rewrite the following research question into %d distinct search queries that together cover its aspects. Respond with a JSON array of strings only.

Question: %s`, p.expansionQueries, question)

	response, err := p.llm.Generate(ctx, prompt, p.expandModel, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		p.logger.Printf("query expansion failed, using original question: %v", err)
		return []string{question}
	}

	var queries []string
	if raw := extractJSONArray(response); raw != "" {
		if err := json.Unmarshal([]byte(raw), &queries); err != nil {
			queries = nil
		}
	}
	var out []string
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return []string{question}
	}
	if len(out) > p.expansionQueries {
		out = out[:p.expansionQueries]
	}
	return out
}

// parallelRetrieve runs each expansion query against the corpus
// concurrently. One failing query loses only its own slot; results keep
// query order regardless of completion order.
func (p *Pipeline) parallelRetrieve(ctx context.Context, queries []string) ([]QueryResult, error) {
	results := make([]QueryResult, len(queries))
	var wg sync.WaitGroup

	for i, query := range queries {
		wg.Add(1)
		go func(slot int, query string) {
			defer wg.Done()
			sections, err := p.retrieveOne(ctx, query)
			if err != nil {
				p.logger.Printf("query %q failed: %v", query, err)
				results[slot] = QueryResult{
					Query:     query,
					QueryInfo: map[string]interface{}{"error": err.Error()},
				}
				return
			}
			results[slot] = QueryResult{Query: query, SearchResults: sections}
		}(i, query)
	}
	wg.Wait()

	return results, nil
}

func (p *Pipeline) retrieveOne(ctx context.Context, query string) ([]EvidenceSection, error) {
	if p.cache != nil {
		if sections, ok, err := p.cache.Get(ctx, query); err == nil && ok {
			return sections, nil
		}
	}

	retriever, release, err := p.retriever.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring retriever: %w", err)
	}
	defer release()

	sections, err := retriever.Search(ctx, query, SearchFilters{Limit: p.resultCap * 2})
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, query, sections); err != nil {
			p.logger.Printf("caching %q failed: %v", query, err)
		}
	}
	return sections, nil
}

// verifySections filters candidates through a yes/no relevance check, run in
// parallel with a per-candidate deadline. An unreadable verdict counts as a
// rejection. Kept sections preserve candidate order.
func (p *Pipeline) verifySections(ctx context.Context, question string, candidates []EvidenceSection) ([]EvidenceSection, int) {
	if len(candidates) == 0 {
		return nil, 0
	}

	keep := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, section := range candidates {
		wg.Add(1)
		go func(slot int, section EvidenceSection) {
			defer wg.Done()
			keep[slot] = p.verifyOne(ctx, question, section)
		}(i, section)
	}
	wg.Wait()

	var verified []EvidenceSection
	rejected := 0
	for i, section := range candidates {
		if keep[i] {
			verified = append(verified, section)
		} else {
			rejected++
		}
	}
	return verified, rejected
}

func (p *Pipeline) verifyOne(ctx context.Context, question string, section EvidenceSection) bool {
	if p.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.verifyTimeout)
		defer cancel()
	}

	text := truncateText(section.Text, 2000)
	prompt := fmt.Sprintf(`Does the passage below contain information relevant to answering the question? Answer with exactly "yes" or "no".

Question: %s

Passage:
%s`, question, text)

	response, err := p.llm.Generate(ctx, prompt, p.verifyModel, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		p.logger.Printf("verification failed for %s: %v", section.ContentKey(), err)
		return false
	}
	verdict := strings.ToLower(strings.TrimSpace(response))
	return strings.HasPrefix(verdict, "yes")
}

// rerank orders verified sections by their secondary relevance score and
// truncates to the result cap. The returned fit stats compare the reranked
// order against the raw retrieval order with a rank-discounted score sum, so
// a pure reordering of the same top set still registers as lift.
func (p *Pipeline) rerank(sections []EvidenceSection) ([]EvidenceSection, *RetrievalFitStats) {
	if len(sections) == 0 {
		return nil, nil
	}

	raw := append([]EvidenceSection(nil), sections...)
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].RawRank < raw[j].RawRank })

	reranked := append([]EvidenceSection(nil), sections...)
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].RerankScore > reranked[j].RerankScore
	})

	topN := p.resultCap
	if topN > len(reranked) {
		topN = len(reranked)
	}

	var stats *RetrievalFitStats
	if p.collectFitStats {
		stats = &RetrievalFitStats{
			FitScoreLift: discountedGain(reranked[:topN]) - discountedGain(raw[:topN]),
			RerankEffect: positionChurn(raw[:topN], reranked[:topN]),
			FitScores:    make(map[string]FitScore, topN),
		}
		for _, s := range reranked[:topN] {
			fs := stats.FitScores[s.DocumentID]
			fs.Score = s.RerankScore
			fs.ChunkIDs = append(fs.ChunkIDs, s.ChunkID)
			stats.FitScores[s.DocumentID] = fs
		}
	}

	return DedupSections(reranked[:topN]), stats
}

// discountedGain sums rerank scores weighted by 1/(position+1). Position
// weighting makes the measure order-sensitive: the same set reordered with
// higher scores earlier gains.
func discountedGain(sections []EvidenceSection) float64 {
	var sum float64
	for i, s := range sections {
		sum += s.RerankScore / float64(i+1)
	}
	return sum
}

// positionChurn is the fraction of top slots whose occupant changed between
// the raw and reranked orders.
func positionChurn(raw, reranked []EvidenceSection) float64 {
	n := len(raw)
	if n == 0 {
		return 0
	}
	changed := 0
	for i := 0; i < n && i < len(reranked); i++ {
		if raw[i].ContentKey() != reranked[i].ContentKey() {
			changed++
		}
	}
	return float64(changed) / float64(n)
}

func chunkStats(verified []EvidenceSection, rejected int) AgentChunkStats {
	stats := AgentChunkStats{Verified: len(verified), Rejected: rejected}
	if len(verified) == 0 {
		return stats
	}
	var scoreSum, rerankSum float64
	for _, s := range verified {
		scoreSum += s.Score
		rerankSum += s.RerankScore
	}
	stats.AvgVerifiedScore = scoreSum / float64(len(verified))
	stats.AvgRerankScore = rerankSum / float64(len(verified))
	return stats
}

func fitLift(stats *RetrievalFitStats) float64 {
	if stats == nil {
		return 0
	}
	return stats.FitScoreLift
}
