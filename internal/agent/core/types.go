package core

import (
	"context"
	"fmt"
	"time"
)

// Path is one of the fixed routing destinations the orchestrator can select.
type Path string

const (
	PathClarifier       Path = "clarifier"
	PathOrchestrator    Path = "orchestrator"
	PathInternalSearch  Path = "internal_search"
	PathGenericTool     Path = "generic_tool"
	PathKnowledgeGraph  Path = "knowledge_graph"
	PathInternetSearch  Path = "internet_search"
	PathImageGeneration Path = "image_generation"
	PathCloser          Path = "closer"
	PathEnd             Path = "end"
)

// ParsePath converts a raw model output into a Path, rejecting anything
// outside the fixed set.
func ParsePath(s string) (Path, error) {
	p := Path(s)
	switch p {
	case PathClarifier, PathOrchestrator, PathInternalSearch, PathGenericTool,
		PathKnowledgeGraph, PathInternetSearch, PathImageGeneration, PathCloser, PathEnd:
		return p, nil
	}
	return "", fmt.Errorf("unknown path: %q", s)
}

// Terminal reports whether the path ends a run.
func (p Path) Terminal() bool {
	return p == PathCloser || p == PathEnd
}

// IterationAnswer is the result of one branch unit within one iteration.
// Immutable once created.
type IterationAnswer struct {
	IterationNr       int               `json:"iteration_nr"`
	ParallelizationNr int               `json:"parallelization_nr"`
	Tool              Path              `json:"tool"`
	BranchQuestion    string            `json:"branch_question"`
	Answer            string            `json:"answer"`
	Citations         []EvidenceSection `json:"citations,omitempty"`
	Failed            bool              `json:"failed"`
	Error             string            `json:"error,omitempty"`
	Cost              float64           `json:"cost"`
	TokensUsed        int64             `json:"tokens_used"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PlannedStep is one entry of the append-only plan-of-record, produced once
// per orchestrator invocation.
type PlannedStep struct {
	Reasoning    string    `json:"reasoning"`
	NextStep     Path      `json:"next_step"`
	PlanOfRecord []Path    `json:"plan_of_record"`
	CreatedAt    time.Time `json:"created_at"`
}

// EvidenceSection is a retrieved passage with a stable content identity.
type EvidenceSection struct {
	DocumentID  string  `json:"document_id"`
	ChunkID     string  `json:"chunk_id"`
	Title       string  `json:"title,omitempty"`
	Source      string  `json:"source,omitempty"` // URL or corpus identifier
	Text        string  `json:"text"`
	RawRank     int     `json:"raw_rank"`
	Score       float64 `json:"score"`        // primary retrieval score
	RerankScore float64 `json:"rerank_score"` // secondary relevance score
}

// ContentKey is the deduplication identity: document plus chunk, independent
// of which query or iteration produced the section.
func (s EvidenceSection) ContentKey() string {
	return s.DocumentID + "__" + s.ChunkID
}

// QueryResult holds the retrieval output for one expansion query within one
// retrieval round.
type QueryResult struct {
	Query         string                 `json:"query"`
	SearchResults []EvidenceSection      `json:"search_results"`
	FitStats      *RetrievalFitStats     `json:"fit_stats,omitempty"`
	QueryInfo     map[string]interface{} `json:"query_info,omitempty"`
}

// RetrievalFitStats is purely observational; it never affects control flow.
type RetrievalFitStats struct {
	FitScoreLift float64             `json:"fit_score_lift"`
	RerankEffect float64             `json:"rerank_effect"`
	FitScores    map[string]FitScore `json:"fit_scores,omitempty"`
}

// FitScore is the per-content-key rerank score entry.
type FitScore struct {
	Score    float64  `json:"score"`
	ChunkIDs []string `json:"chunk_ids"`
}

// AgentChunkStats aggregates verification outcomes for one retrieval round.
type AgentChunkStats struct {
	Verified         int     `json:"verified"`
	Rejected         int     `json:"rejected"`
	AvgVerifiedScore float64 `json:"avg_verified_score"`
	AvgRerankScore   float64 `json:"avg_rerank_score"`
}

// RetrievalBundle is what the pipeline hands back to whichever node requested
// the retrieval.
type RetrievalBundle struct {
	Results  []QueryResult     `json:"results"`
	Sections []EvidenceSection `json:"sections"` // deduplicated, reranked
	Stats    AgentChunkStats   `json:"stats"`
}

// RoutingDecision is the structured output of one orchestrator decision call.
type RoutingDecision struct {
	Reasoning    string   `json:"reasoning"`
	NextStep     Path     `json:"next_step"`
	PlanOfRecord []Path   `json:"plan_of_record"`
	SubQueries   []string `json:"sub_queries"`
}

// ResearchRequest enters the engine once per question.
type ResearchRequest struct {
	ID           string                 `json:"id"`
	Question     string                 `json:"question"`
	ResearchType string                 `json:"research_type"` // fast, shallow, deep
	Context      map[string]interface{} `json:"context,omitempty"`
}

// ResearchResult is the terminal output of a run: either a synthesized
// answer or a clarifying question, never both.
type ResearchResult struct {
	ID             string            `json:"id"`
	Question       string            `json:"question"`
	Answer         string            `json:"answer,omitempty"`
	Clarification  string            `json:"clarification,omitempty"`
	Citations      []EvidenceSection `json:"citations,omitempty"`
	Iterations     int               `json:"iterations"`
	UsedTimeBudget float64           `json:"used_time_budget"`
	QueryPath      []Path            `json:"query_path"`
	PlanOfRecord   []PlannedStep     `json:"plan_of_record"`
	CostEstimate   float64           `json:"cost_estimate"`
	TokensUsed     int64             `json:"tokens_used"`
	ProcessingTime time.Duration     `json:"processing_time"`
	CreatedAt      time.Time         `json:"created_at"`
}

// LLMProvider is the narrow model capability the core consumes.
type LLMProvider interface {
	// Generate generates text for a prompt using the named model.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// CalculateCost calculates the dollar cost for a given token usage.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// SearchFilters restrict a retrieval call.
type SearchFilters struct {
	SourceTypes []string
	After       time.Time
	Limit       int
}

// DocumentRetriever is the retrieval capability over the internal corpus.
type DocumentRetriever interface {
	Search(ctx context.Context, query string, filters SearchFilters) ([]EvidenceSection, error)
}

// RetrieverProvider grants a scoped retriever for the duration of one call.
// The core never holds the returned handle across iterations.
type RetrieverProvider interface {
	Acquire(ctx context.Context) (DocumentRetriever, func(), error)
}

// WebResult is a single internet search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// WebSearcher is the internet search capability.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]WebResult, error)
}

// GraphAnswer is the result of a knowledge-graph query.
type GraphAnswer struct {
	Answer    string            `json:"answer"`
	Citations []EvidenceSection `json:"citations,omitempty"`
}

// GraphQuerier is the knowledge-graph capability.
type GraphQuerier interface {
	Query(ctx context.Context, question string) (GraphAnswer, error)
}

// ImageArtifact is the output of an image-generation call.
type ImageArtifact struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// ImageGenerator is the image-generation capability.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (ImageArtifact, error)
}

// GenericTool is a custom tool integration executed through the generic
// branch. Implementations are registered by name.
type GenericTool interface {
	Name() string
	Run(ctx context.Context, input string) (string, error)
}

// QueryCache caches per-query retrieval results between iterations. A nil
// cache is valid and means no caching.
type QueryCache interface {
	Get(ctx context.Context, query string) ([]EvidenceSection, bool, error)
	Set(ctx context.Context, query string, sections []EvidenceSection) error
}

// EventSink receives progress events. Implementations must never block the
// run and must tolerate being unavailable.
type EventSink interface {
	Publish(ev Event)
}
