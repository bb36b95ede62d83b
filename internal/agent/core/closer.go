package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Closer synthesizes the final answer from everything the run accumulated.
// It is the only node allowed to terminate a run with an answer.
type Closer struct {
	llm    LLMProvider
	logger *log.Logger
	model  string
}

// NewCloser creates the synthesis node.
func NewCloser(llm LLMProvider, routing config.LLMRoutingConfig) *Closer {
	return &Closer{
		llm:    llm,
		logger: log.New(log.Writer(), "[CLOSER] ", log.LstdFlags),
		model:  routing.Synthesis,
	}
}

// Synthesize produces the final answer from the ordered iteration answers
// and the deduplicated evidence set. With nothing accumulated it still
// answers, stating that no findings were gathered.
func (c *Closer) Synthesize(ctx context.Context, state *OrchestrationState) (string, float64, int64, error) {
	answers := state.IterationAnswers()
	evidence := state.Evidence()
	c.logger.Printf("synthesizing from %d answers and %d evidence sections", len(answers), len(evidence))

	var findings strings.Builder
	for _, ans := range answers {
		if ans.Failed {
			continue
		}
		fmt.Fprintf(&findings, "- [%s, iteration %d] %s\n  %s\n", ans.Tool, ans.IterationNr, ans.BranchQuestion, ans.Answer)
	}
	if findings.Len() == 0 {
		findings.WriteString("(no findings were gathered)\n")
	}

	var sources strings.Builder
	for i, sec := range evidence {
		fmt.Fprintf(&sources, "[%d] %s (%s)\n", i+1, sec.Title, sec.Source)
	}

	prompt := fmt.Sprintf(`Write the final answer to the research question below, synthesizing the findings gathered across iterations. Be direct and complete. Reference sources by their [number] where they support a claim. If the findings are insufficient, say what remains unknown.

Question: %s

Findings:
%s
Sources:
%s`, state.Question(), findings.String(), sources.String())

	response, inTok, outTok, err := c.llm.GenerateWithTokens(ctx, prompt, c.model, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return "", 0, 0, fmt.Errorf("synthesizing final answer: %w", err)
	}
	cost := c.llm.CalculateCost(inTok, outTok, c.model)
	return strings.TrimSpace(response), cost, inTok + outTok, nil
}

// Clarifier asks the user a clarifying question instead of researching. It
// terminates the run; the caller restarts with an amended question.
type Clarifier struct {
	llm    LLMProvider
	logger *log.Logger
	model  string
}

// NewClarifier creates the clarification node.
func NewClarifier(llm LLMProvider, routing config.LLMRoutingConfig) *Clarifier {
	return &Clarifier{
		llm:    llm,
		logger: log.New(log.Writer(), "[CLARIFIER] ", log.LstdFlags),
		model:  routing.Routing,
	}
}

// Clarify produces the single clarifying question for an underspecified
// research request.
func (c *Clarifier) Clarify(ctx context.Context, state *OrchestrationState) (string, error) {
	prompt := fmt.Sprintf(`The research question below is too ambiguous to research directly. Ask the user one short clarifying question that would resolve the ambiguity. Respond with the question only.

Question: %s`, state.Question())

	response, err := c.llm.Generate(ctx, prompt, c.model, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return "", fmt.Errorf("generating clarification: %w", err)
	}
	return strings.TrimSpace(response), nil
}
