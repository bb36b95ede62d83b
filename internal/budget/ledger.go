package budget

import "sync"

// Ledger tracks the monotonically increasing time-unit budget consumed by a
// single research run. Paths are charged at the moment they are selected,
// not when they complete.
type Ledger struct {
	config    Config
	tier      string
	allocated float64
	used      float64
	mu        sync.Mutex
}

// NewLedger clones the provided config and starts tracking usage for a tier.
func NewLedger(cfg Config, tier string) *Ledger {
	if _, ok := cfg.Tiers[tier]; !ok {
		tier = cfg.DefaultTier
	}
	return &Ledger{
		config:    cfg.Clone(),
		tier:      tier,
		allocated: cfg.Allocated(tier),
	}
}

// Charge records the unit cost of a selected path and returns the amount
// charged. Charging never fails; exhaustion is observed via Remaining and is
// a normal termination condition, not an error.
func (l *Ledger) Charge(path string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	cost := l.config.UnitCost(path)
	l.used += cost
	return cost
}

// Used returns the total units charged so far.
func (l *Ledger) Used() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Remaining returns allocated minus used; zero or negative means exhausted.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated - l.used
}

// Exhausted reports whether the run has consumed its entire budget.
func (l *Ledger) Exhausted() bool {
	return l.Remaining() <= 0
}

// Tier returns the resolved tier for this run.
func (l *Ledger) Tier() string { return l.tier }

// Allocated returns the absolute budget for this run's tier.
func (l *Ledger) Allocated() float64 { return l.allocated }
