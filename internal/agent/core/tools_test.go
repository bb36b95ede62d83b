package core

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/mohammad-safakhou/deepresearch/config"
)

type echoTool struct{ name string }

func (t echoTool) Name() string { return t.name }
func (t echoTool) Run(_ context.Context, input string) (string, error) {
	return "echo: " + input, nil
}

func TestToolSetAvailability(t *testing.T) {
	llm := &scriptedLLM{}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})
	ts := NewToolSet(llm, p, nil, nil, nil, config.LLMRoutingConfig{}, 0)

	available := ts.Available()
	if len(available) != 1 || available[0] != PathInternalSearch {
		t.Fatalf("expected only internal search without optional capabilities, got %v", available)
	}
	if ts.Act(PathInternetSearch) != nil {
		t.Fatal("unconfigured capability must have no act func")
	}

	ts.RegisterGeneric(echoTool{name: "calc"})
	available = ts.Available()
	found := false
	for _, p := range available {
		if p == PathGenericTool {
			found = true
		}
	}
	if !found {
		t.Fatalf("generic path missing after registration: %v", available)
	}
}

func TestGenericToolDispatch(t *testing.T) {
	llm := &scriptedLLM{}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})
	ts := NewToolSet(llm, p, nil, nil, nil, config.LLMRoutingConfig{}, 0)
	ts.RegisterGeneric(echoTool{name: "calc"})

	state := NewState("q", "fast")
	ans, err := ts.genericTool(context.Background(), state, BranchUnit{Question: "calc: 2+2"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ans.Answer != "echo: 2+2" {
		t.Fatalf("unexpected output: %q", ans.Answer)
	}

	_, err = ts.genericTool(context.Background(), state, BranchUnit{Question: "missing: input"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool for unregistered name, got %v", err)
	}
}

// countingWebSearcher records the fan-out it was asked for.
type countingWebSearcher struct {
	askedK int
}

func (w *countingWebSearcher) Discover(_ context.Context, _ string, k int) ([]WebResult, error) {
	w.askedK = k
	return nil, nil
}

func TestInternetSearchHonorsConfiguredResultCount(t *testing.T) {
	llm := &scriptedLLM{}
	p := NewPipeline(llm, &stubRetrieverProvider{}, nil, nil, nil, testResearchConfig(), config.LLMRoutingConfig{})
	web := &countingWebSearcher{}
	ts := NewToolSet(llm, p, web, nil, nil, config.LLMRoutingConfig{}, 5)

	state := NewState("q", "fast")
	if _, err := ts.internetSearch(context.Background(), state, BranchUnit{Question: "q"}); err != nil {
		t.Fatalf("internet search: %v", err)
	}
	if web.askedK != 5 {
		t.Fatalf("expected configured result count 5, got %d", web.askedK)
	}

	ts = NewToolSet(llm, p, web, nil, nil, config.LLMRoutingConfig{}, 0)
	if _, err := ts.internetSearch(context.Background(), state, BranchUnit{Question: "q"}); err != nil {
		t.Fatalf("internet search: %v", err)
	}
	if web.askedK != 8 {
		t.Fatalf("expected default result count 8, got %d", web.askedK)
	}
}

func TestSplitToolCall(t *testing.T) {
	name, input := splitToolCall("calc: 2 + 2")
	if name != "calc" || input != "2 + 2" {
		t.Fatalf("got %q, %q", name, input)
	}
	name, input = splitToolCall("bare")
	if name != "bare" || input != "" {
		t.Fatalf("got %q, %q", name, input)
	}
}

func TestExtractBalancedJSON(t *testing.T) {
	obj := extractJSONObject(`noise {"a": "b {not a brace}", "n": 1} trailing`)
	if obj != `{"a": "b {not a brace}", "n": 1}` {
		t.Fatalf("object extraction wrong: %q", obj)
	}
	arr := extractJSONArray("```json\n[\"x\", \"y\"]\n```")
	if arr != `["x", "y"]` {
		t.Fatalf("array extraction wrong: %q", arr)
	}
	if got := extractJSONObject("no json at all"); got != "" {
		t.Fatalf("expected empty for no object, got %q", got)
	}
	if got := extractJSONObject(`{"unbalanced": `); got != "" {
		t.Fatalf("expected empty for unbalanced input, got %q", got)
	}
}

func TestTruncateTextKeepsRuneBoundary(t *testing.T) {
	s := "héllo wörld"
	got := truncateText(s, 2)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if got != "h" {
		t.Fatalf("expected cut before the two-byte rune, got %q", got)
	}
	if truncateText("short", 100) != "short" {
		t.Fatal("under-limit input must pass through unchanged")
	}
}
