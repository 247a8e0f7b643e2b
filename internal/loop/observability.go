package loop

import (
	"sync"
	"time"

	"vigil/internal/model"
)

// Observability accumulates loop counters. Mutated only by the orchestrator
// goroutine through its own methods; readers get copies via Snapshot.
type Observability struct {
	mu sync.Mutex

	phaseCounts          map[Phase]uint64
	localUsage           model.Usage
	frontierUsage        model.Usage
	frontierLoopCount    uint64
	falsePositives       uint64
	failedToolExecutions uint64
	totalToolExecutions  uint64
	failedIterations     uint64
	totalIterations      uint64
	startedAt            time.Time
	now                  func() time.Time
}

// NewObservability creates zeroed counters anchored at now.
func NewObservability() *Observability {
	return &Observability{
		phaseCounts: make(map[Phase]uint64),
		startedAt:   time.Now(),
		now:         time.Now,
	}
}

func (o *Observability) recordPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phaseCounts[p]++
}

func (o *Observability) recordLocalUsage(u model.Usage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.localUsage.Add(u)
}

func (o *Observability) recordFrontierUsage(u model.Usage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frontierUsage.Add(u)
	o.frontierLoopCount++
}

func (o *Observability) recordFalsePositive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.falsePositives++
}

func (o *Observability) recordToolExecution(failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalToolExecutions++
	if failed {
		o.failedToolExecutions++
	}
}

func (o *Observability) recordIteration(failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalIterations++
	if failed {
		o.failedIterations++
	}
}

// Counters is the JSON-ready observability snapshot.
type Counters struct {
	PhaseCounts            map[Phase]uint64 `json:"phase_counts"`
	LocalModelTokens       int64            `json:"local_model_tokens"`
	FrontierModelTokens    int64            `json:"frontier_model_tokens"`
	FrontierLoopCount      uint64           `json:"frontier_loop_count"`
	FalsePositiveSurprises uint64           `json:"false_positive_surprises"`
	FailedToolExecutions   uint64           `json:"failed_tool_executions"`
	FailedToolExecutionPct float64          `json:"failed_tool_execution_percent"`
	FailedIterations       uint64           `json:"failed_iterations"`
	TotalIterations        uint64           `json:"total_iterations"`
	LoopsPerMinute         float64          `json:"loops_per_minute"`
	UptimeSeconds          int64            `json:"uptime_seconds"`
}

// Snapshot returns a copy of the counters.
func (o *Observability) Snapshot() Counters {
	o.mu.Lock()
	defer o.mu.Unlock()

	phases := make(map[Phase]uint64, len(o.phaseCounts))
	for p, n := range o.phaseCounts {
		phases[p] = n
	}

	uptime := o.now().Sub(o.startedAt)
	var perMinute float64
	if uptime > 0 {
		perMinute = float64(o.totalIterations) / uptime.Minutes()
	}
	var failedPct float64
	if o.totalToolExecutions > 0 {
		failedPct = 100 * float64(o.failedToolExecutions) / float64(o.totalToolExecutions)
	}

	return Counters{
		PhaseCounts:            phases,
		LocalModelTokens:       o.localUsage.TotalTokens,
		FrontierModelTokens:    o.frontierUsage.TotalTokens,
		FrontierLoopCount:      o.frontierLoopCount,
		FalsePositiveSurprises: o.falsePositives,
		FailedToolExecutions:   o.failedToolExecutions,
		FailedToolExecutionPct: failedPct,
		FailedIterations:       o.failedIterations,
		TotalIterations:        o.totalIterations,
		LoopsPerMinute:         perMinute,
		UptimeSeconds:          int64(uptime.Seconds()),
	}
}
