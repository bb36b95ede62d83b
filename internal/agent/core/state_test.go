package core

import (
	"errors"
	"sync"
	"testing"
)

func TestApplyAppendsAndSums(t *testing.T) {
	s := NewState("what changed in go 1.22", "fast")

	queries := []string{"a", "b"}
	err := s.Apply(StateDelta{
		AppendPath:        []Path{PathInternalSearch},
		ReplaceQueryList:  &queries,
		AdvanceIterations: 1,
		ChargeBudget:      1.5,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(StateDelta{AppendPath: []Path{PathCloser}, ChargeBudget: 0.5}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := s.QueryPath(); len(got) != 2 || got[0] != PathInternalSearch || got[1] != PathCloser {
		t.Fatalf("query path wrong: %v", got)
	}
	if got := s.UsedTimeBudget(); got != 2.0 {
		t.Fatalf("expected budget 2.0, got %v", got)
	}
	if got := s.IterationNr(); got != 1 {
		t.Fatalf("expected iteration 1, got %d", got)
	}
	if got := s.QueryList(); len(got) != 2 {
		t.Fatalf("query list not replaced: %v", got)
	}
}

func TestApplyRejectsNegativeCharge(t *testing.T) {
	s := NewState("q", "fast")
	if err := s.Apply(StateDelta{ChargeBudget: -1}); err == nil {
		t.Fatal("expected error for negative charge")
	}
	if err := s.Apply(StateDelta{AdvanceIterations: -1}); err == nil {
		t.Fatal("expected error for negative iteration advance")
	}
	if got := s.UsedTimeBudget(); got != 0 {
		t.Fatalf("rejected delta must not change state, budget=%v", got)
	}
}

func TestNilQueryListLeavesCurrentUntouched(t *testing.T) {
	s := NewState("q", "fast")
	queries := []string{"a"}
	if err := s.Apply(StateDelta{ReplaceQueryList: &queries}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(StateDelta{AdvanceIterations: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.QueryList(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("query list clobbered by nil field: %v", got)
	}

	empty := []string{}
	if err := s.Apply(StateDelta{ReplaceQueryList: &empty}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.QueryList(); len(got) != 0 {
		t.Fatalf("explicit empty replacement ignored: %v", got)
	}
}

func TestLastPathOnEmptyHistory(t *testing.T) {
	s := NewState("q", "fast")
	if _, err := s.LastPath(); !errors.Is(err, ErrEmptyQueryPath) {
		t.Fatalf("expected ErrEmptyQueryPath, got %v", err)
	}
}

func TestMergeEvidenceFirstSeenWins(t *testing.T) {
	s := NewState("q", "fast")
	first := EvidenceSection{DocumentID: "d1", ChunkID: "0", Text: "original"}
	dup := EvidenceSection{DocumentID: "d1", ChunkID: "0", Text: "different text, same identity"}
	other := EvidenceSection{DocumentID: "d2", ChunkID: "0", Text: "other"}

	if err := s.Apply(StateDelta{MergeEvidence: []EvidenceSection{first, other}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(StateDelta{MergeEvidence: []EvidenceSection{dup}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got := s.Evidence()
	if len(got) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(got))
	}
	if got[0].Text != "original" {
		t.Fatalf("first-seen instance replaced: %q", got[0].Text)
	}
	if got[0].DocumentID != "d1" || got[1].DocumentID != "d2" {
		t.Fatalf("first-seen order not preserved: %v", got)
	}
}

func TestBranchAnswersFiltersStaleIterations(t *testing.T) {
	s := NewState("q", "fast")
	answers := []IterationAnswer{
		{IterationNr: 1, ParallelizationNr: 0, Answer: "current"},
		{IterationNr: 0, ParallelizationNr: 0, Answer: "stale"},
		{IterationNr: 1, ParallelizationNr: 1, Answer: "current too"},
	}
	if err := s.Apply(StateDelta{AppendBranchAnswers: answers}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got := s.BranchAnswers(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 answers for iteration 1, got %d", len(got))
	}
	for _, ans := range got {
		if ans.IterationNr != 1 {
			t.Fatalf("stale answer leaked: %+v", ans)
		}
	}
}

func TestConcurrentAppliesCombine(t *testing.T) {
	s := NewState("q", "fast")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Apply(StateDelta{
				ChargeBudget: 1,
				AppendBranchAnswers: []IterationAnswer{
					{IterationNr: 0, ParallelizationNr: i},
				},
			})
		}(i)
	}
	wg.Wait()

	if got := s.UsedTimeBudget(); got != 50 {
		t.Fatalf("charges clobbered: %v", got)
	}
	if got := len(s.BranchAnswers(0)); got != 50 {
		t.Fatalf("appends clobbered: %d", got)
	}
}

func TestDedupSections(t *testing.T) {
	in := []EvidenceSection{
		{DocumentID: "a", ChunkID: "0"},
		{DocumentID: "b", ChunkID: "0"},
		{DocumentID: "a", ChunkID: "0"},
		{DocumentID: "a", ChunkID: "1"},
	}
	out := DedupSections(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(out))
	}
	if out[0].DocumentID != "a" || out[1].DocumentID != "b" || out[2].ChunkID != "1" {
		t.Fatalf("order not preserved: %v", out)
	}

	again := DedupSections(out)
	if len(again) != len(out) {
		t.Fatalf("dedup not idempotent: %d vs %d", len(again), len(out))
	}

	if got := DedupSections(nil); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
