package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Telemetry provides monitoring and cost tracking for research runs. It is a
// one-way sink: recording never fails the caller.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	prom        *promMetrics
	mu          sync.RWMutex
}

// Metrics holds aggregate counters for a process lifetime.
type Metrics struct {
	mu sync.RWMutex

	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Branch metrics
	BranchUnits      map[string]int64 // tool -> executions
	BranchFailures   map[string]int64
	BranchSuccessAvg map[string]float64

	// Retrieval metrics
	RetrievalRounds     int64
	ChunksVerifiedTotal int64
	ChunksRejectedTotal int64

	// Budget metrics
	BudgetChargedTotal float64
	ForcedClosers      int64
}

// CostTracker tracks LLM spend across operations and models.
type CostTracker struct {
	mu sync.RWMutex

	OperationCosts map[string]float64
	ModelCosts     map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// RunEvent represents one completed research run.
type RunEvent struct {
	ID         string
	Question   string
	Tier       string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Iterations int
	BudgetUsed float64
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
}

// BranchEvent represents one branch unit execution.
type BranchEvent struct {
	RunID     string
	Tool      string
	Iteration int
	Branch    int
	Duration  time.Duration
	Success   bool
	Error     string
	Cost      float64
	Tokens    int64
}

// RetrievalEvent carries chunk stats for one retrieval round.
type RetrievalEvent struct {
	RunID            string
	Queries          int
	Candidates       int
	Verified         int
	Rejected         int
	AvgVerifiedScore float64
	FitScoreLift     float64
}

type promMetrics struct {
	runsTotal       *prometheus.CounterVec
	branchUnits     *prometheus.CounterVec
	chunksVerified  prometheus.Counter
	chunksRejected  prometheus.Counter
	budgetCharged   prometheus.Counter
	runDuration     prometheus.Histogram
	branchDuration  *prometheus.HistogramVec
	retrievalRounds prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_runs_total",
			Help: "Research runs by outcome.",
		}, []string{"outcome"}),
		branchUnits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_branch_units_total",
			Help: "Branch unit executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		chunksVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_chunks_verified_total",
			Help: "Passages that survived relevance verification.",
		}),
		chunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_chunks_rejected_total",
			Help: "Passages rejected during relevance verification.",
		}),
		budgetCharged: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_budget_units_charged_total",
			Help: "Time-budget units charged across all runs.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepresearch_run_duration_seconds",
			Help:    "End-to-end research run duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		branchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepresearch_branch_duration_seconds",
			Help:    "Branch unit duration by tool.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"tool"}),
		retrievalRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_retrieval_rounds_total",
			Help: "Retrieval pipeline rounds executed.",
		}),
	}
}

// NewTelemetry creates a telemetry instance. When enabled, a Prometheus
// metrics endpoint is served on the configured port.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			BranchUnits:      make(map[string]int64),
			BranchFailures:   make(map[string]int64),
			BranchSuccessAvg: make(map[string]float64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}

	if cfg.Enabled {
		reg := prometheus.NewRegistry()
		t.prom = newPromMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				t.logger.Printf("metrics endpoint stopped: %v", err)
			}
		}()
	}

	return t
}

// RecordRunEvent records the outcome of a full research run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	n := t.metrics.TotalRuns
	t.metrics.AverageRunTime = time.Duration((int64(t.metrics.AverageRunTime)*(n-1) + int64(event.Duration)) / n)
	t.metrics.BudgetChargedTotal += event.BudgetUsed
	t.metrics.mu.Unlock()

	if t.config.CostTracking {
		t.trackCost("run", "", event.Cost, event.TokensUsed)
	}

	if t.prom != nil {
		outcome := "success"
		if !event.Success {
			outcome = "failure"
		}
		t.prom.runsTotal.WithLabelValues(outcome).Inc()
		t.prom.runDuration.Observe(event.Duration.Seconds())
		t.prom.budgetCharged.Add(event.BudgetUsed)
	}

	if event.Error != "" {
		t.logger.Printf("run %s failed after %v: %s", event.ID, event.Duration, event.Error)
	}
}

// RecordBranchEvent records one branch unit execution.
func (t *Telemetry) RecordBranchEvent(ctx context.Context, event BranchEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.BranchUnits[event.Tool]++
	if !event.Success {
		t.metrics.BranchFailures[event.Tool]++
	}
	total := t.metrics.BranchUnits[event.Tool]
	failures := t.metrics.BranchFailures[event.Tool]
	t.metrics.BranchSuccessAvg[event.Tool] = float64(total-failures) / float64(total)
	t.metrics.mu.Unlock()

	if t.config.CostTracking {
		t.trackCost(event.Tool, "", event.Cost, event.Tokens)
	}

	if t.prom != nil {
		outcome := "success"
		if !event.Success {
			outcome = "failure"
		}
		t.prom.branchUnits.WithLabelValues(event.Tool, outcome).Inc()
		t.prom.branchDuration.WithLabelValues(event.Tool).Observe(event.Duration.Seconds())
	}
}

// RecordRetrievalEvent records chunk stats for one retrieval round.
func (t *Telemetry) RecordRetrievalEvent(ctx context.Context, event RetrievalEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.RetrievalRounds++
	t.metrics.ChunksVerifiedTotal += int64(event.Verified)
	t.metrics.ChunksRejectedTotal += int64(event.Rejected)
	t.metrics.mu.Unlock()

	if t.prom != nil {
		t.prom.retrievalRounds.Inc()
		t.prom.chunksVerified.Add(float64(event.Verified))
		t.prom.chunksRejected.Add(float64(event.Rejected))
	}
}

// RecordForcedCloser counts a budget- or depth-forced transition to closer.
func (t *Telemetry) RecordForcedCloser(reason string) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.ForcedClosers++
	t.metrics.mu.Unlock()
	t.logger.Printf("forced closer: %s", reason)
}

// RecordLLMCost attributes model spend to an operation.
func (t *Telemetry) RecordLLMCost(operation, model string, cost float64, tokens int64) {
	if t == nil || !t.config.CostTracking {
		return
	}
	t.trackCost(operation, model, cost, tokens)
}

func (t *Telemetry) trackCost(operation, model string, cost float64, tokens int64) {
	t.costTracker.mu.Lock()
	defer t.costTracker.mu.Unlock()
	if operation != "" {
		t.costTracker.OperationCosts[operation] += cost
	}
	if model != "" {
		t.costTracker.ModelCosts[model] += cost
	}
	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += tokens
}

// GetMetrics returns a copy of the aggregate metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.metrics.mu.RLock()
	defer t.metrics.mu.RUnlock()

	out := Metrics{
		TotalRuns:           t.metrics.TotalRuns,
		SuccessfulRuns:      t.metrics.SuccessfulRuns,
		FailedRuns:          t.metrics.FailedRuns,
		AverageRunTime:      t.metrics.AverageRunTime,
		RetrievalRounds:     t.metrics.RetrievalRounds,
		ChunksVerifiedTotal: t.metrics.ChunksVerifiedTotal,
		ChunksRejectedTotal: t.metrics.ChunksRejectedTotal,
		BudgetChargedTotal:  t.metrics.BudgetChargedTotal,
		ForcedClosers:       t.metrics.ForcedClosers,
		BranchUnits:         make(map[string]int64, len(t.metrics.BranchUnits)),
		BranchFailures:      make(map[string]int64, len(t.metrics.BranchFailures)),
		BranchSuccessAvg:    make(map[string]float64, len(t.metrics.BranchSuccessAvg)),
	}
	for k, v := range t.metrics.BranchUnits {
		out.BranchUnits[k] = v
	}
	for k, v := range t.metrics.BranchFailures {
		out.BranchFailures[k] = v
	}
	for k, v := range t.metrics.BranchSuccessAvg {
		out.BranchSuccessAvg[k] = v
	}
	return out
}

// CostSummary summarizes model spend.
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	OperationCosts map[string]float64
	ModelCosts     map[string]float64
}

// GetCostSummary returns a copy of tracked costs.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()

	out := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		OperationCosts: make(map[string]float64, len(t.costTracker.OperationCosts)),
		ModelCosts:     make(map[string]float64, len(t.costTracker.ModelCosts)),
	}
	for k, v := range t.costTracker.OperationCosts {
		out.OperationCosts[k] = v
	}
	for k, v := range t.costTracker.ModelCosts {
		out.ModelCosts[k] = v
	}
	return out
}
