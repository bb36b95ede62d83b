package budget

import (
	"fmt"
	"sort"
)

// Config defines the tiered time budgets and per-path unit costs for a run.
// Tiers are keyed by research type (fast, shallow, deep); unit costs by path
// name (internal_search, knowledge_graph, ...).
type Config struct {
	Tiers           map[string]float64
	UnitCosts       map[string]float64
	DefaultTier     string
	DefaultUnitCost float64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one budget tier is required")
	}
	for name, limit := range c.Tiers {
		if limit < 0 {
			return fmt.Errorf("tier %q cannot have a negative budget", name)
		}
	}
	for path, cost := range c.UnitCosts {
		if cost < 0 {
			return fmt.Errorf("unit cost for %q cannot be negative", path)
		}
	}
	if c.DefaultUnitCost < 0 {
		return fmt.Errorf("default unit cost cannot be negative")
	}
	if c.DefaultTier != "" {
		if _, ok := c.Tiers[c.DefaultTier]; !ok {
			return fmt.Errorf("default tier %q not present in tiers", c.DefaultTier)
		}
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{
		DefaultTier:     c.DefaultTier,
		DefaultUnitCost: c.DefaultUnitCost,
	}
	if c.Tiers != nil {
		clone.Tiers = make(map[string]float64, len(c.Tiers))
		for k, v := range c.Tiers {
			clone.Tiers[k] = v
		}
	}
	if c.UnitCosts != nil {
		clone.UnitCosts = make(map[string]float64, len(c.UnitCosts))
		for k, v := range c.UnitCosts {
			clone.UnitCosts[k] = v
		}
	}
	return clone
}

// Allocated returns the absolute budget for a tier, falling back to the
// default tier for unknown values.
func (c Config) Allocated(tier string) float64 {
	if limit, ok := c.Tiers[tier]; ok {
		return limit
	}
	if limit, ok := c.Tiers[c.DefaultTier]; ok {
		return limit
	}
	return 0
}

// UnitCost returns the fixed weight charged when a path is selected.
func (c Config) UnitCost(path string) float64 {
	if cost, ok := c.UnitCosts[path]; ok {
		return cost
	}
	return c.DefaultUnitCost
}

// MinUnitCost returns the smallest non-zero unit cost, used to bound the
// number of orchestrator turns a run can take.
func (c Config) MinUnitCost() float64 {
	costs := make([]float64, 0, len(c.UnitCosts))
	for _, v := range c.UnitCosts {
		if v > 0 {
			costs = append(costs, v)
		}
	}
	if len(costs) == 0 {
		if c.DefaultUnitCost > 0 {
			return c.DefaultUnitCost
		}
		return 1.0
	}
	sort.Float64s(costs)
	return costs[0]
}
