package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/deepresearch/internal/agent/telemetry"
)

// ErrUnknownTool is returned when a branch is dispatched for a tool that has
// no registered implementation. Unlike a transient tool failure this aborts
// the run.
var ErrUnknownTool = errors.New("no implementation registered for tool")

// BranchUnit identifies one unit of parallel work within one iteration.
type BranchUnit struct {
	IterationNr       int
	ParallelizationNr int
	Tool              Path
	Question          string
}

// ActFunc executes one branch unit against its tool and produces an answer.
// Implementations read the shared state but write results only through the
// returned answer.
type ActFunc func(ctx context.Context, state *OrchestrationState, unit BranchUnit) (IterationAnswer, error)

// SubAgent runs the branch/act/reduce template shared by every node type
// except the orchestrator itself. A node instance is stateless across runs;
// all per-run data lives in the OrchestrationState.
type SubAgent struct {
	tool        Path
	act         ActFunc
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	sink        EventSink
	timeout     time.Duration
	maxParallel int
}

// NewSubAgent creates a node for one tool path. maxParallel caps the fan-out
// width; extra sub-queries beyond the cap are dropped, earliest first kept.
func NewSubAgent(tool Path, act ActFunc, tel *telemetry.Telemetry, sink EventSink, timeout time.Duration, maxParallel int) *SubAgent {
	if sink == nil {
		sink = NopSink{}
	}
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &SubAgent{
		tool:        tool,
		act:         act,
		logger:      log.New(log.Writer(), fmt.Sprintf("[%s] ", tool), log.LstdFlags),
		telemetry:   tel,
		sink:        sink,
		timeout:     timeout,
		maxParallel: maxParallel,
	}
}

// Run executes one full branch/act/reduce cycle for the current iteration.
// It blocks until every branch unit has finished or timed out, then folds
// the iteration's results into the main accumulator in branch order.
func (a *SubAgent) Run(ctx context.Context, runID string, state *OrchestrationState) error {
	ctx, span := orchestratorTracer.Start(ctx, fmt.Sprintf("subagent.%s", a.tool))
	defer span.End()

	last, err := state.LastPath()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if last != a.tool {
		err := fmt.Errorf("dispatched %s but routing selected %s", a.tool, last)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	iteration := state.IterationNr()
	units := a.branch(state, iteration)
	span.SetAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("branch.units", len(units)),
	)
	a.logger.Printf("iteration %d: fanning out %d branch units", iteration, len(units))

	if err := a.fanOut(ctx, runID, state, units); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := a.reduce(runID, state, iteration); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// branch derives the unit list for this iteration. The orchestrator's
// sub-query list drives the width; an empty list degrades to a single unit
// carrying the original question.
func (a *SubAgent) branch(state *OrchestrationState, iteration int) []BranchUnit {
	queries := state.QueryList()
	if len(queries) == 0 {
		queries = []string{state.Question()}
	}
	if len(queries) > a.maxParallel {
		a.logger.Printf("iteration %d: capping fan-out from %d to %d units", iteration, len(queries), a.maxParallel)
		queries = queries[:a.maxParallel]
	}

	units := make([]BranchUnit, len(queries))
	for i, q := range queries {
		units[i] = BranchUnit{
			IterationNr:       iteration,
			ParallelizationNr: i,
			Tool:              a.tool,
			Question:          q,
		}
	}
	return units
}

// fanOut runs every unit concurrently and appends each result to the shared
// branch accumulator as it completes. The barrier is total: reduce never
// starts while any unit is in flight.
func (a *SubAgent) fanOut(ctx context.Context, runID string, state *OrchestrationState, units []BranchUnit) error {
	fatalCh := make(chan error, len(units))
	done := make(chan struct{}, len(units))

	for _, unit := range units {
		go func(unit BranchUnit) {
			defer func() { done <- struct{}{} }()
			answer, fatal := a.runUnit(ctx, runID, state, unit)
			if fatal != nil {
				fatalCh <- fatal
				return
			}
			if err := state.Apply(StateDelta{AppendBranchAnswers: []IterationAnswer{answer}}); err != nil {
				fatalCh <- err
			}
		}(unit)
	}
	for range units {
		<-done
	}

	select {
	case err := <-fatalCh:
		return err
	default:
		return nil
	}
}

// runUnit executes one branch unit with its own deadline. Tool failures and
// timeouts are folded into a failure-marked answer so sibling results
// survive; only contract violations propagate as errors.
func (a *SubAgent) runUnit(ctx context.Context, runID string, state *OrchestrationState, unit BranchUnit) (answer IterationAnswer, fatal error) {
	unitCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			answer = a.failedAnswer(unit, fmt.Errorf("branch panicked: %v", r))
			fatal = nil
		}
		a.observeUnit(unitCtx, runID, unit, answer, time.Since(started))
	}()

	result, err := a.act(unitCtx, state, unit)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			return IterationAnswer{}, err
		}
		return a.failedAnswer(unit, err), nil
	}

	result.IterationNr = unit.IterationNr
	result.ParallelizationNr = unit.ParallelizationNr
	result.Tool = unit.Tool
	if result.BranchQuestion == "" {
		result.BranchQuestion = unit.Question
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	return result, nil
}

func (a *SubAgent) failedAnswer(unit BranchUnit, err error) IterationAnswer {
	a.logger.Printf("iteration %d branch %d failed: %v", unit.IterationNr, unit.ParallelizationNr, err)
	return IterationAnswer{
		IterationNr:       unit.IterationNr,
		ParallelizationNr: unit.ParallelizationNr,
		Tool:              unit.Tool,
		BranchQuestion:    unit.Question,
		Failed:            true,
		Error:             err.Error(),
		CreatedAt:         time.Now(),
	}
}

func (a *SubAgent) observeUnit(ctx context.Context, runID string, unit BranchUnit, answer IterationAnswer, elapsed time.Duration) {
	a.sink.Publish(Event{
		Type:      EventBranchUnit,
		RunID:     runID,
		Iteration: unit.IterationNr,
		Tool:      unit.Tool,
		Message:   fmt.Sprintf("branch %d done (failed=%v)", unit.ParallelizationNr, answer.Failed),
	})
	if a.telemetry != nil {
		a.telemetry.RecordBranchEvent(ctx, telemetry.BranchEvent{
			RunID:     runID,
			Tool:      string(unit.Tool),
			Iteration: unit.IterationNr,
			Branch:    unit.ParallelizationNr,
			Duration:  elapsed,
			Success:   !answer.Failed,
			Error:     answer.Error,
			Cost:      answer.Cost,
			Tokens:    answer.TokensUsed,
		})
	}
}

// reduce folds this iteration's branch results into the main accumulator in
// parallelization order, merging citations into the evidence set. Entries
// tagged with other iterations are stale writes and are ignored.
func (a *SubAgent) reduce(runID string, state *OrchestrationState, iteration int) error {
	answers := state.BranchAnswers(iteration)
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].ParallelizationNr < answers[j].ParallelizationNr
	})

	var evidence []EvidenceSection
	for _, ans := range answers {
		evidence = append(evidence, ans.Citations...)
	}

	if err := state.Apply(StateDelta{
		AppendAnswers: answers,
		MergeEvidence: evidence,
	}); err != nil {
		return fmt.Errorf("reducing iteration %d: %w", iteration, err)
	}

	a.sink.Publish(Event{
		Type:      EventReduce,
		RunID:     runID,
		Iteration: iteration,
		Tool:      a.tool,
		Message:   fmt.Sprintf("reduced %d branch answers", len(answers)),
	})
	a.logger.Printf("iteration %d: reduced %d answers, %d evidence sections", iteration, len(answers), len(evidence))
	return nil
}
