package budget

import "testing"

func testConfig() Config {
	return Config{
		Tiers: map[string]float64{"fast": 3.0, "shallow": 6.0, "deep": 12.0},
		UnitCosts: map[string]float64{
			"internal_search": 1.0,
			"knowledge_graph": 2.0,
			"internet_search": 1.5,
			"closer":          0.0,
		},
		DefaultTier:     "shallow",
		DefaultUnitCost: 1.0,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty tiers")
	}

	cfg = testConfig()
	cfg.Tiers["fast"] = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative tier budget")
	}

	cfg = testConfig()
	cfg.DefaultTier = "missing"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown default tier")
	}

	if err := testConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLedgerChargeMonotonic(t *testing.T) {
	ledger := NewLedger(testConfig(), "fast")
	prev := ledger.Used()
	paths := []string{"internal_search", "closer", "knowledge_graph", "internet_search", "closer"}
	for _, p := range paths {
		ledger.Charge(p)
		if ledger.Used() < prev {
			t.Fatalf("used budget decreased after charging %s", p)
		}
		prev = ledger.Used()
	}
	if ledger.Used() != 4.5 {
		t.Fatalf("expected 4.5 units used, got %v", ledger.Used())
	}
}

func TestLedgerExhaustionScenario(t *testing.T) {
	// fast tier = 3.0; two internal searches plus one knowledge graph
	// overruns it, forcing the next decision to the closer.
	ledger := NewLedger(testConfig(), "fast")
	ledger.Charge("internal_search")
	ledger.Charge("internal_search")
	if ledger.Exhausted() {
		t.Fatalf("budget should not be exhausted at 2.0 of 3.0")
	}
	ledger.Charge("knowledge_graph")
	if ledger.Used() != 4.0 {
		t.Fatalf("expected 4.0 units used, got %v", ledger.Used())
	}
	if !ledger.Exhausted() {
		t.Fatalf("expected exhaustion at 4.0 of 3.0")
	}
}

func TestLedgerUnknownTierFallsBack(t *testing.T) {
	ledger := NewLedger(testConfig(), "bogus")
	if ledger.Tier() != "shallow" {
		t.Fatalf("expected default tier fallback, got %s", ledger.Tier())
	}
	if ledger.Allocated() != 6.0 {
		t.Fatalf("expected shallow allocation, got %v", ledger.Allocated())
	}
}

func TestLedgerUnknownPathUsesDefaultCost(t *testing.T) {
	ledger := NewLedger(testConfig(), "deep")
	if got := ledger.Charge("custom_tool"); got != 1.0 {
		t.Fatalf("expected default unit cost 1.0, got %v", got)
	}
}

func TestMinUnitCost(t *testing.T) {
	if got := testConfig().MinUnitCost(); got != 1.0 {
		t.Fatalf("expected min unit cost 1.0, got %v", got)
	}
	cfg := Config{DefaultUnitCost: 0}
	if got := cfg.MinUnitCost(); got != 1.0 {
		t.Fatalf("expected fallback min unit cost 1.0, got %v", got)
	}
}
