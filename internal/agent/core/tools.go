package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// ToolSet bundles the Act implementations for every routable tool path. A
// path with a nil capability is simply not offered to the orchestrator.
type ToolSet struct {
	llm      LLMProvider
	pipeline *Pipeline
	web      WebSearcher
	graph    GraphQuerier
	images   ImageGenerator
	logger   *log.Logger

	answerModel string
	webResults  int

	mu      sync.RWMutex
	generic map[string]GenericTool
}

// NewToolSet creates the tool registry. web, graph and images may be nil;
// webResults bounds the web search fan-out per branch question.
func NewToolSet(llm LLMProvider, pipeline *Pipeline, web WebSearcher, graph GraphQuerier, images ImageGenerator, routing config.LLMRoutingConfig, webResults int) *ToolSet {
	if webResults <= 0 {
		webResults = 8
	}
	return &ToolSet{
		llm:         llm,
		pipeline:    pipeline,
		web:         web,
		graph:       graph,
		images:      images,
		logger:      log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
		answerModel: routing.Answering,
		webResults:  webResults,
		generic:     make(map[string]GenericTool),
	}
}

// RegisterGeneric makes a custom tool reachable through the generic branch.
func (t *ToolSet) RegisterGeneric(tool GenericTool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generic[tool.Name()] = tool
}

// Available returns the tool paths that have a usable implementation.
func (t *ToolSet) Available() []Path {
	paths := []Path{PathInternalSearch}
	if t.web != nil {
		paths = append(paths, PathInternetSearch)
	}
	if t.graph != nil {
		paths = append(paths, PathKnowledgeGraph)
	}
	if t.images != nil {
		paths = append(paths, PathImageGeneration)
	}
	t.mu.RLock()
	if len(t.generic) > 0 {
		paths = append(paths, PathGenericTool)
	}
	t.mu.RUnlock()
	return paths
}

// Act returns the ActFunc for a tool path, or nil when the path has no
// implementation.
func (t *ToolSet) Act(path Path) ActFunc {
	switch path {
	case PathInternalSearch:
		return t.internalSearch
	case PathInternetSearch:
		if t.web == nil {
			return nil
		}
		return t.internetSearch
	case PathKnowledgeGraph:
		if t.graph == nil {
			return nil
		}
		return t.knowledgeGraph
	case PathImageGeneration:
		if t.images == nil {
			return nil
		}
		return t.imageGeneration
	case PathGenericTool:
		return t.genericTool
	}
	return nil
}

// internalSearch retrieves from the corpus and answers the branch question
// from the verified evidence.
func (t *ToolSet) internalSearch(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error) {
	bundle, err := t.pipeline.Retrieve(ctx, "", unit.Question)
	if err != nil {
		return IterationAnswer{}, err
	}
	if len(bundle.Sections) == 0 {
		return IterationAnswer{
			Answer:    "No relevant passages were found in the corpus for this question.",
			CreatedAt: time.Now(),
		}, nil
	}

	answer, cost, tokens, err := t.answerFromSections(ctx, unit.Question, bundle.Sections)
	if err != nil {
		return IterationAnswer{}, err
	}
	return IterationAnswer{
		Answer:     answer,
		Citations:  bundle.Sections,
		Cost:       cost,
		TokensUsed: tokens,
		CreatedAt:  time.Now(),
	}, nil
}

// internetSearch queries the web and answers from the hits. Web results get
// synthetic content keys so they dedup against themselves across iterations.
func (t *ToolSet) internetSearch(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error) {
	hits, err := t.web.Discover(ctx, unit.Question, t.webResults)
	if err != nil {
		return IterationAnswer{}, fmt.Errorf("web search: %w", err)
	}
	if len(hits) == 0 {
		return IterationAnswer{
			Answer:    "Internet search returned no results for this question.",
			CreatedAt: time.Now(),
		}, nil
	}

	sections := make([]EvidenceSection, 0, len(hits))
	for i, hit := range hits {
		text := hit.Content
		if text == "" {
			text = hit.Snippet
		}
		sections = append(sections, EvidenceSection{
			DocumentID: hit.URL,
			ChunkID:    "0",
			Title:      hit.Title,
			Source:     hit.URL,
			Text:       text,
			RawRank:    i,
		})
	}

	answer, cost, tokens, err := t.answerFromSections(ctx, unit.Question, sections)
	if err != nil {
		return IterationAnswer{}, err
	}
	return IterationAnswer{
		Answer:     answer,
		Citations:  sections,
		Cost:       cost,
		TokensUsed: tokens,
		CreatedAt:  time.Now(),
	}, nil
}

func (t *ToolSet) knowledgeGraph(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error) {
	result, err := t.graph.Query(ctx, unit.Question)
	if err != nil {
		return IterationAnswer{}, fmt.Errorf("knowledge graph: %w", err)
	}
	return IterationAnswer{
		Answer:    result.Answer,
		Citations: result.Citations,
		CreatedAt: time.Now(),
	}, nil
}

func (t *ToolSet) imageGeneration(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error) {
	artifact, err := t.images.GenerateImage(ctx, unit.Question)
	if err != nil {
		return IterationAnswer{}, fmt.Errorf("image generation: %w", err)
	}
	return IterationAnswer{
		Answer:    fmt.Sprintf("Generated image for %q: %s", artifact.Prompt, artifact.URL),
		CreatedAt: time.Now(),
	}, nil
}

// genericTool dispatches on a "name: input" branch question. A name without
// a registered implementation is a routing contract violation, not a
// transient failure.
func (t *ToolSet) genericTool(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error) {
	name, input := splitToolCall(unit.Question)

	t.mu.RLock()
	tool, ok := t.generic[name]
	t.mu.RUnlock()
	if !ok {
		return IterationAnswer{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	output, err := tool.Run(ctx, input)
	if err != nil {
		return IterationAnswer{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return IterationAnswer{Answer: output, CreatedAt: time.Now()}, nil
}

// splitToolCall parses "name: input". Without a separator the whole string
// is the tool name and the input is empty.
func splitToolCall(q string) (string, string) {
	if idx := strings.Index(q, ":"); idx >= 0 {
		return strings.TrimSpace(q[:idx]), strings.TrimSpace(q[idx+1:])
	}
	return strings.TrimSpace(q), ""
}

func (t *ToolSet) answerFromSections(ctx context.Context, question string, sections []EvidenceSection) (string, float64, int64, error) {
	var sb strings.Builder
	for i, s := range sections {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, s.Title, s.Source, s.Text)
	}

	prompt := fmt.Sprintf(`Answer the question using only the passages below. Cite passages by their [number]. If the passages do not contain the answer, say so.

Question: %s

Passages:
%s`, question, sb.String())

	response, inTok, outTok, err := t.llm.GenerateWithTokens(ctx, prompt, t.answerModel, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		return "", 0, 0, fmt.Errorf("answering from evidence: %w", err)
	}
	cost := t.llm.CalculateCost(inTok, outTok, t.answerModel)
	return strings.TrimSpace(response), cost, inTok + outTok, nil
}
