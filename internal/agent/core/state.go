package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrEmptyQueryPath is returned when a routing read observes an empty query
// path. This is a defect in the caller, not a recoverable runtime condition.
var ErrEmptyQueryPath = errors.New("routing read on empty query path")

// OrchestrationState is the append-only state record threaded through every
// step of a research run. It is created once per incoming question and
// mutated exclusively through Apply with declared reducers; direct overwrite
// of any accumulator is not possible from outside the package.
type OrchestrationState struct {
	mu sync.Mutex

	question     string
	researchType string

	queryPath      []Path
	queryList      []string
	iterationNr    int
	planOfRecord   []PlannedStep
	usedTimeBudget float64

	branchAnswers    []IterationAnswer
	iterationAnswers []IterationAnswer

	evidence     []EvidenceSection
	evidenceKeys map[string]struct{}
}

// NewState creates the state record for one research run.
func NewState(question, researchType string) *OrchestrationState {
	return &OrchestrationState{
		question:     question,
		researchType: researchType,
		evidenceKeys: make(map[string]struct{}),
	}
}

// StateDelta is a tagged union of partial updates. Each field carries its own
// merge semantics: slices are appended, MergeEvidence is dedup-merged by
// content key, numeric fields are summed. Concurrently produced deltas
// combine rather than clobber.
type StateDelta struct {
	AppendPath          []Path
	ReplaceQueryList    *[]string // orchestrator-owned; nil leaves the list untouched
	AdvanceIterations   int
	AppendPlan          []PlannedStep
	ChargeBudget        float64
	AppendBranchAnswers []IterationAnswer
	AppendAnswers       []IterationAnswer
	MergeEvidence       []EvidenceSection
}

// Apply merges a delta into the state. It is safe for concurrent use by
// fan-out branches; callers never lock the state directly.
func (s *OrchestrationState) Apply(delta StateDelta) error {
	if delta.ChargeBudget < 0 {
		return fmt.Errorf("budget charge cannot be negative: %v", delta.ChargeBudget)
	}
	if delta.AdvanceIterations < 0 {
		return fmt.Errorf("iteration counter cannot move backwards")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryPath = append(s.queryPath, delta.AppendPath...)
	if delta.ReplaceQueryList != nil {
		s.queryList = append([]string(nil), (*delta.ReplaceQueryList)...)
	}
	s.iterationNr += delta.AdvanceIterations
	s.planOfRecord = append(s.planOfRecord, delta.AppendPlan...)
	s.usedTimeBudget += delta.ChargeBudget
	s.branchAnswers = append(s.branchAnswers, delta.AppendBranchAnswers...)
	s.iterationAnswers = append(s.iterationAnswers, delta.AppendAnswers...)

	for _, section := range delta.MergeEvidence {
		key := section.ContentKey()
		if _, seen := s.evidenceKeys[key]; seen {
			continue
		}
		s.evidenceKeys[key] = struct{}{}
		s.evidence = append(s.evidence, section)
	}
	return nil
}

// Question returns the original research question.
func (s *OrchestrationState) Question() string { return s.question }

// ResearchType returns the requested depth tier.
func (s *OrchestrationState) ResearchType() string { return s.researchType }

// QueryPath returns a copy of the routing history.
func (s *OrchestrationState) QueryPath() []Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Path(nil), s.queryPath...)
}

// LastPath returns the most recent routing decision. An empty path at a
// routing read is a contract failure and surfaces as ErrEmptyQueryPath.
func (s *OrchestrationState) LastPath() (Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queryPath) == 0 {
		return "", ErrEmptyQueryPath
	}
	return s.queryPath[len(s.queryPath)-1], nil
}

// QueryList returns a copy of the pending sub-queries for the current
// iteration.
func (s *OrchestrationState) QueryList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queryList...)
}

// IterationNr returns the current iteration counter.
func (s *OrchestrationState) IterationNr() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterationNr
}

// UsedTimeBudget returns the total units charged to this run so far.
func (s *OrchestrationState) UsedTimeBudget() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedTimeBudget
}

// PlanOfRecord returns a copy of the append-only plan history.
func (s *OrchestrationState) PlanOfRecord() []PlannedStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlannedStep(nil), s.planOfRecord...)
}

// BranchAnswers returns the entries of the shared branch accumulator tagged
// with the given iteration, excluding stale entries from other iterations.
func (s *OrchestrationState) BranchAnswers(iteration int) []IterationAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IterationAnswer
	for _, ans := range s.branchAnswers {
		if ans.IterationNr == iteration {
			out = append(out, ans)
		}
	}
	return out
}

// IterationAnswers returns a copy of the main answer accumulator.
func (s *OrchestrationState) IterationAnswers() []IterationAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IterationAnswer(nil), s.iterationAnswers...)
}

// Evidence returns a copy of the deduplicated evidence set in first-seen
// order.
func (s *OrchestrationState) Evidence() []EvidenceSection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EvidenceSection(nil), s.evidence...)
}

// DedupSections merges sections by content key, keeping the first-seen
// instance and preserving relative order of first occurrence. Running it on
// an already-deduplicated input is a no-op.
func DedupSections(sections []EvidenceSection) []EvidenceSection {
	if len(sections) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(sections))
	out := make([]EvidenceSection, 0, len(sections))
	for _, section := range sections {
		key := section.ContentKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, section)
	}
	return out
}
