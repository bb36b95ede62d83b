package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepresearch/internal/budget"
)

var orchestratorTracer trace.Tracer = otel.Tracer("deepresearch/orchestrator")

// Orchestrator drives the plan/act/reduce loop for one research question at
// a time. It owns routing, budget charging and termination; everything else
// happens in the nodes it dispatches to.
type Orchestrator struct {
	cfg       *config.Config
	llm       LLMProvider
	tools     *ToolSet
	closer    *Closer
	clarifier *Clarifier
	telemetry *telemetry.Telemetry
	sink      EventSink
	logger    *log.Logger

	subagents map[Path]*SubAgent
}

// NewOrchestrator wires the decision loop to its nodes. sink may be nil.
func NewOrchestrator(cfg *config.Config, llm LLMProvider, tools *ToolSet, tel *telemetry.Telemetry, sink EventSink) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	o := &Orchestrator{
		cfg:       cfg,
		llm:       llm,
		tools:     tools,
		closer:    NewCloser(llm, cfg.LLM.Routing),
		clarifier: NewClarifier(llm, cfg.LLM.Routing),
		telemetry: tel,
		sink:      sink,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		subagents: make(map[Path]*SubAgent),
	}
	for _, path := range tools.Available() {
		o.subagents[path] = NewSubAgent(
			path,
			tools.Act(path),
			tel,
			sink,
			cfg.Research.BranchTimeout,
			cfg.Research.MaxParallelBranches,
		)
	}
	return o
}

// Run processes one research request to completion. The returned result
// carries either a synthesized answer or a clarifying question.
func (o *Orchestrator) Run(ctx context.Context, req ResearchRequest) (ResearchResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.run")
	defer span.End()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("run.id", req.ID),
		attribute.String("run.tier", req.ResearchType),
	)

	started := time.Now()
	state := NewState(req.Question, req.ResearchType)
	ledger := budget.NewLedger(o.budgetConfig(), req.ResearchType)

	o.sink.Publish(Event{Type: EventRunStarted, RunID: req.ID, Message: req.Question})
	o.logger.Printf("run %s started: tier=%s allocated=%.1f", req.ID, ledger.Tier(), ledger.Allocated())

	var totalCost float64
	var totalTokens int64

	result, runErr := o.loop(ctx, req, state, ledger, &totalCost, &totalTokens)
	elapsed := time.Since(started)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		o.sink.Publish(Event{Type: EventRunFailed, RunID: req.ID, Message: runErr.Error()})
		if o.telemetry != nil {
			o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
				ID: req.ID, Question: req.Question, Tier: ledger.Tier(),
				StartTime: started, EndTime: time.Now(), Duration: elapsed,
				Iterations: state.IterationNr(), BudgetUsed: ledger.Used(),
				Success: false, Error: runErr.Error(),
				Cost: totalCost, TokensUsed: totalTokens,
			})
		}
		return ResearchResult{}, runErr
	}

	result.ID = req.ID
	result.Question = req.Question
	result.Iterations = state.IterationNr()
	result.UsedTimeBudget = ledger.Used()
	result.QueryPath = state.QueryPath()
	result.PlanOfRecord = state.PlanOfRecord()
	result.CostEstimate = totalCost
	result.TokensUsed = totalTokens
	result.ProcessingTime = elapsed
	result.CreatedAt = time.Now()

	o.sink.Publish(Event{Type: EventRunCompleted, RunID: req.ID, Iteration: result.Iterations})
	if o.telemetry != nil {
		o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
			ID: req.ID, Question: req.Question, Tier: ledger.Tier(),
			StartTime: started, EndTime: time.Now(), Duration: elapsed,
			Iterations: result.Iterations, BudgetUsed: result.UsedTimeBudget,
			Success: true, Cost: totalCost, TokensUsed: totalTokens,
		})
	}
	o.logger.Printf("run %s completed: iterations=%d budget=%.1f/%.1f cost=$%.4f",
		req.ID, result.Iterations, result.UsedTimeBudget, ledger.Allocated(), totalCost)
	return result, nil
}

func (o *Orchestrator) loop(ctx context.Context, req ResearchRequest, state *OrchestrationState, ledger *budget.Ledger, totalCost *float64, totalTokens *int64) (ResearchResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ResearchResult{}, err
		}

		decision, cost, tokens, err := o.decide(ctx, state, ledger)
		if err != nil {
			return ResearchResult{}, err
		}
		*totalCost += cost
		*totalTokens += tokens

		// Charge at selection. The unit cost is committed before the tool
		// runs, so a failing branch still consumed its budget.
		charged := ledger.Charge(string(decision.NextStep))

		queries := decision.SubQueries
		delta := StateDelta{
			AppendPath:        []Path{decision.NextStep},
			ReplaceQueryList:  &queries,
			AdvanceIterations: 1,
			ChargeBudget:      charged,
			AppendPlan: []PlannedStep{{
				Reasoning:    decision.Reasoning,
				NextStep:     decision.NextStep,
				PlanOfRecord: decision.PlanOfRecord,
				CreatedAt:    time.Now(),
			}},
		}
		if err := state.Apply(delta); err != nil {
			return ResearchResult{}, fmt.Errorf("applying decision: %w", err)
		}

		o.sink.Publish(Event{
			Type:      EventDecision,
			RunID:     req.ID,
			Iteration: state.IterationNr(),
			Tool:      decision.NextStep,
			Message:   decision.Reasoning,
		})
		o.logger.Printf("run %s iteration %d: -> %s (charged %.1f, used %.1f/%.1f)",
			req.ID, state.IterationNr(), decision.NextStep, charged, ledger.Used(), ledger.Allocated())

		switch decision.NextStep {
		case PathClarifier:
			clarification, err := o.clarifier.Clarify(ctx, state)
			if err != nil {
				return ResearchResult{}, err
			}
			return ResearchResult{Clarification: clarification}, nil

		case PathCloser:
			answer, cost, tokens, err := o.closer.Synthesize(ctx, state)
			if err != nil {
				return ResearchResult{}, err
			}
			*totalCost += cost
			*totalTokens += tokens
			return ResearchResult{Answer: answer, Citations: state.Evidence()}, nil

		default:
			agent, ok := o.subagents[decision.NextStep]
			if !ok {
				return ResearchResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, decision.NextStep)
			}
			if err := agent.Run(ctx, req.ID, state); err != nil {
				return ResearchResult{}, err
			}
			for _, ans := range state.BranchAnswers(state.IterationNr()) {
				*totalCost += ans.Cost
				*totalTokens += ans.TokensUsed
			}
		}
	}
}

// decide selects the next step. Depth and budget exhaustion force the
// closer without consulting the model; an illegal model decision gets one
// corrective re-prompt before falling back to the closer.
func (o *Orchestrator) decide(ctx context.Context, state *OrchestrationState, ledger *budget.Ledger) (RoutingDecision, float64, int64, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.decide")
	defer span.End()

	if state.IterationNr() >= o.cfg.Research.MaxIterations {
		o.forceCloser("iteration limit reached")
		return RoutingDecision{NextStep: PathCloser, Reasoning: "iteration limit reached"}, 0, 0, nil
	}
	if ledger.Exhausted() {
		o.forceCloser(fmt.Sprintf("budget exhausted: %.1f/%.1f", ledger.Used(), ledger.Allocated()))
		return RoutingDecision{NextStep: PathCloser, Reasoning: "time budget exhausted"}, 0, 0, nil
	}

	prompt := o.decisionPrompt(state, ledger, "")
	decision, cost, tokens, parseErr := o.askForDecision(ctx, prompt, o.routingModel(false))
	if parseErr == nil {
		span.SetAttributes(attribute.String("decision.next_step", string(decision.NextStep)))
		return decision, cost, tokens, nil
	}

	o.logger.Printf("illegal routing decision, re-prompting once: %v", parseErr)
	prompt = o.decisionPrompt(state, ledger, parseErr.Error())
	decision, cost2, tokens2, parseErr := o.askForDecision(ctx, prompt, o.routingModel(true))
	cost += cost2
	tokens += tokens2
	if parseErr == nil {
		span.SetAttributes(attribute.String("decision.next_step", string(decision.NextStep)))
		return decision, cost, tokens, nil
	}

	o.forceCloser(fmt.Sprintf("model produced illegal decisions twice: %v", parseErr))
	span.RecordError(parseErr)
	return RoutingDecision{NextStep: PathCloser, Reasoning: "routing fallback after illegal decisions"}, cost, tokens, nil
}

func (o *Orchestrator) forceCloser(reason string) {
	if o.telemetry != nil {
		o.telemetry.RecordForcedCloser(reason)
	}
	o.logger.Printf("forcing closer: %s", reason)
}

// routingModel picks the model for a decision call. The re-prompt after a
// rejected decision switches to the fallback model when one is configured.
func (o *Orchestrator) routingModel(retry bool) string {
	if retry && o.cfg.LLM.Routing.Fallback != "" {
		return o.cfg.LLM.Routing.Fallback
	}
	return o.cfg.LLM.Routing.Routing
}

func (o *Orchestrator) askForDecision(ctx context.Context, prompt, model string) (RoutingDecision, float64, int64, error) {
	response, inTok, outTok, err := o.llm.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		return RoutingDecision{}, 0, 0, fmt.Errorf("routing call: %w", err)
	}
	cost := o.llm.CalculateCost(inTok, outTok, model)
	tokens := inTok + outTok

	raw := extractJSONObject(response)
	if raw == "" {
		return RoutingDecision{}, cost, tokens, fmt.Errorf("no JSON object in routing response")
	}

	var parsed struct {
		Reasoning    string   `json:"reasoning"`
		NextStep     string   `json:"next_step"`
		PlanOfRecord []string `json:"plan_of_record"`
		SubQueries   []string `json:"sub_queries"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return RoutingDecision{}, cost, tokens, fmt.Errorf("unmarshaling routing decision: %w", err)
	}

	next, err := ParsePath(parsed.NextStep)
	if err != nil {
		return RoutingDecision{}, cost, tokens, err
	}
	if !o.legalNextStep(next) {
		return RoutingDecision{}, cost, tokens, fmt.Errorf("next_step %q is not available", next)
	}

	decision := RoutingDecision{
		Reasoning:  parsed.Reasoning,
		NextStep:   next,
		SubQueries: parsed.SubQueries,
	}
	for _, step := range parsed.PlanOfRecord {
		if p, err := ParsePath(step); err == nil {
			decision.PlanOfRecord = append(decision.PlanOfRecord, p)
		}
	}
	return decision, cost, tokens, nil
}

func (o *Orchestrator) legalNextStep(p Path) bool {
	if p == PathClarifier || p == PathCloser {
		return true
	}
	_, ok := o.subagents[p]
	return ok
}

func (o *Orchestrator) decisionPrompt(state *OrchestrationState, ledger *budget.Ledger, correction string) string {
	var sb strings.Builder

	sb.WriteString("You are the routing step of a multi-step research engine. Decide the single next step.\n\n")
	fmt.Fprintf(&sb, "Research question: %s\n", state.Question())
	fmt.Fprintf(&sb, "Iteration: %d of at most %d\n", state.IterationNr(), o.cfg.Research.MaxIterations)
	fmt.Fprintf(&sb, "Time budget: %.1f used of %.1f\n\n", ledger.Used(), ledger.Allocated())

	available := []string{string(PathClarifier), string(PathCloser)}
	for _, p := range o.tools.Available() {
		available = append(available, string(p))
	}
	fmt.Fprintf(&sb, "Available next steps: %s\n", strings.Join(available, ", "))

	if path := state.QueryPath(); len(path) > 0 {
		steps := make([]string, len(path))
		for i, p := range path {
			steps[i] = string(p)
		}
		fmt.Fprintf(&sb, "Steps taken so far: %s\n", strings.Join(steps, " -> "))
	}

	if answers := state.IterationAnswers(); len(answers) > 0 {
		sb.WriteString("\nFindings so far:\n")
		for _, ans := range answers {
			if ans.Failed {
				fmt.Fprintf(&sb, "- [%s] %s: FAILED (%s)\n", ans.Tool, ans.BranchQuestion, ans.Error)
				continue
			}
			summary := ans.Answer
			if len(summary) > 300 {
				summary = truncateText(summary, 300) + "..."
			}
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", ans.Tool, ans.BranchQuestion, summary)
		}
	}

	if correction != "" {
		fmt.Fprintf(&sb, "\nYour previous decision was rejected: %s. Choose from the available next steps only.\n", correction)
	}

	sb.WriteString(`
Guidance:
- Choose "clarifier" only when the question is too ambiguous to research.
- Choose "closer" when the findings are sufficient, or when budget is nearly spent.
- Otherwise choose the tool most likely to add new information, with 1-8 focused sub_queries for it.

Respond with a JSON object only:
{"reasoning": "...", "next_step": "...", "plan_of_record": ["...", "..."], "sub_queries": ["...", "..."]}`)

	return sb.String()
}

func (o *Orchestrator) budgetConfig() budget.Config {
	tiers := make(map[string]float64, len(o.cfg.Budget.Tiers))
	for k, v := range o.cfg.Budget.Tiers {
		tiers[k] = v
	}
	costs := make(map[string]float64, len(o.cfg.Budget.UnitCosts))
	for k, v := range o.cfg.Budget.UnitCosts {
		costs[k] = v
	}
	return budget.Config{
		Tiers:           tiers,
		UnitCosts:       costs,
		DefaultTier:     o.cfg.Budget.DefaultTier,
		DefaultUnitCost: o.cfg.Budget.DefaultUnitCost,
	}
}
