// Package loop implements the sense-reason-act orchestrator: the phase
// state machine that drives each iteration, ties sensors, models, policy,
// and actuators together, and persists one ledger record per cycle.
package loop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/actuator"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/percept"
	"vigil/internal/store"
)

// Phase is one state of the iteration state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseGatherPercepts      Phase = "gather_percepts"
	PhaseCheckSurprise       Phase = "check_surprise"
	PhaseDeeperInvestigation Phase = "deeper_investigation"
	PhasePlanActions         Phase = "plan_actions"
	PhaseExecuteActions      Phase = "execute_actions"
)

// AgentState is the lifecycle state of the loop driver.
type AgentState string

const (
	StateSetup   AgentState = "setup"
	StateRunning AgentState = "running"
	StateStopped AgentState = "stopped"
)

// ErrAlreadyRunning is returned by Start when the driver is active.
var ErrAlreadyRunning = fmt.Errorf("loop already running")

const (
	// Percepts from sensors at or above this sensitivity are surprising
	// regardless of the local model's verdict.
	forceSurpriseThreshold = 90
	// historyDepth is how many prior iterations feed the local model.
	historyDepth = 10
	// modelCallTimeout bounds each inference call.
	modelCallTimeout = 2 * time.Minute
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Sensors  *percept.Registry
	Executor *actuator.Executor
	Local    model.LocalModel
	Frontier model.FrontierModel
	Store    *store.Store
	// IntervalMS is the pause between iterations; 0 means 1000.
	IntervalMS int
}

// Orchestrator drives iterations. Exactly one iteration is in flight at a
// time; iterMu serializes RunIteration against the driver goroutine.
type Orchestrator struct {
	sensors  *percept.Registry
	executor *actuator.Executor
	local    model.LocalModel
	frontier model.FrontierModel
	ledger   *store.Store
	events   *Broadcaster
	obs      *Observability

	iterMu sync.Mutex

	mu       sync.Mutex
	state    AgentState
	phase    Phase
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an orchestrator in the Setup state.
func New(opts Options) *Orchestrator {
	interval := time.Duration(opts.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	return &Orchestrator{
		sensors:  opts.Sensors,
		executor: opts.Executor,
		local:    opts.Local,
		frontier: opts.Frontier,
		ledger:   opts.Store,
		events:   NewBroadcaster(),
		obs:      NewObservability(),
		state:    StateSetup,
		phase:    PhaseIdle,
		interval: interval,
	}
}

// Events returns the orchestrator's event broadcaster.
func (o *Orchestrator) Events() *Broadcaster { return o.events }

// Executor exposes the action executor for command-surface wiring.
func (o *Orchestrator) Executor() *actuator.Executor { return o.executor }

// Observability returns the orchestrator's counters.
func (o *Orchestrator) Observability() *Observability { return o.obs }

// State returns the current lifecycle state.
func (o *Orchestrator) State() AgentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Interval returns the configured pause between iterations.
func (o *Orchestrator) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// SetInterval reconfigures the pause between iterations. Takes effect on
// the next tick.
func (o *Orchestrator) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interval = interval
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()

	o.obs.recordPhase(p)
	o.events.PublishPhase(p)
	logging.LoopDebug("phase -> %s", p)
}

// Snapshot assembles the full externally visible state.
func (o *Orchestrator) Snapshot() StatusSnapshot {
	var summaries []ActuatorSummary
	for _, a := range o.executor.Registry().All() {
		summaries = append(summaries, ActuatorSummary{
			Name:        a.Name,
			Kind:        string(a.Kind),
			RequireHITL: a.Policy.RequireHITL,
			Sandboxed:   a.Policy.Sandboxed,
			RateLimited: a.Policy.RateLimit != nil,
		})
	}

	return StatusSnapshot{
		State:            o.State(),
		Phase:            o.Phase(),
		Counters:         o.obs.Snapshot(),
		Sensors:          o.sensors.Statuses(),
		Actuators:        summaries,
		PendingApprovals: o.executor.Evaluator().Gate().Pending(),
	}
}

// ============================================================================
// One iteration
// ============================================================================

// RunIteration runs one full pass of the loop and persists its ledger
// record. It never returns an error for model or actuator failures; those
// are folded into the recorded iteration. Only ledger write failures
// surface, since a lost record breaks auditability.
func (o *Orchestrator) RunIteration(ctx context.Context) (store.Iteration, error) {
	o.iterMu.Lock()
	defer o.iterMu.Unlock()

	it := store.Iteration{StartedAtMS: time.Now().UnixMilli()}

	// Gather.
	o.setPhase(PhaseGatherPercepts)
	it.SensedPercepts = o.sensors.DrainAll()

	// Check surprise. An empty sensed window still runs the check phase
	// for the force-surprise scan, which trivially finds nothing.
	o.setPhase(PhaseCheckSurprise)
	surprising, detectFailed := o.checkSurprise(ctx, &it)
	if len(surprising) == 0 {
		return o.finish(&it, detectFailed)
	}
	it.SurprisingPercepts = surprising

	// Investigate and plan.
	o.setPhase(PhaseDeeperInvestigation)
	o.setPhase(PhasePlanActions)
	planned, ok := o.planActions(ctx, &it)
	if !ok {
		return o.finish(&it, true)
	}
	if len(planned) == 0 {
		// The local model escalated but the frontier found nothing to do.
		o.obs.recordFalsePositive()
		logging.Loop("false-positive surprise: %d surprising percepts, empty plan", len(surprising))
		return o.finish(&it, detectFailed)
	}
	it.PlannedActions = planned

	// Execute sequentially, in model order.
	o.setPhase(PhaseExecuteActions)
	for _, action := range planned {
		res := o.executor.Dispatch(ctx, action)
		it.ActionResults = append(it.ActionResults, res)
		if res.Kind == actuator.ResultExecuted {
			o.obs.recordToolExecution(res.Failed)
		}
	}

	return o.finish(&it, detectFailed)
}

// checkSurprise merges the local model's verdict with the force-surprise
// rule. failed reports a model-call failure; forced surprises still come
// back so high-sensitivity sensors are never silenced by a flaky model,
// but the iteration is counted as failed either way.
func (o *Orchestrator) checkSurprise(ctx context.Context, it *store.Iteration) (surprising []percept.Percept, failed bool) {
	forced := make(map[int]struct{})
	for i, p := range it.SensedPercepts {
		if o.sensors.SensitivityOf(p.SensorName) >= forceSurpriseThreshold {
			forced[i] = struct{}{}
		}
	}

	modelIndexes := make(map[int]struct{})
	if len(it.SensedPercepts) > 0 {
		history, err := o.ledger.LatestPerceptWindows(historyDepth)
		if err != nil {
			logging.Get(logging.CategoryLoop).Error("failed to load percept history: %v", err)
			// History is context, not a prerequisite; proceed without it.
		}

		callCtx, cancel := context.WithTimeout(ctx, modelCallTimeout)
		res, err := o.local.DetectSurprises(callCtx, it.SensedPercepts, history)
		cancel()
		o.obs.recordLocalUsage(res.Usage)
		if err != nil {
			logging.Get(logging.CategoryLoop).Error("surprise detection failed: %v", err)
			// Forced surprises survive a failed model call.
			failed = true
		} else {
			for _, i := range res.SurprisingIndexes {
				modelIndexes[i] = struct{}{}
			}
		}
	}

	for i := range forced {
		modelIndexes[i] = struct{}{}
	}

	indexes := make([]int, 0, len(modelIndexes))
	for i := range modelIndexes {
		if i >= 0 && i < len(it.SensedPercepts) {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)

	surprising = make([]percept.Percept, 0, len(indexes))
	for _, i := range indexes {
		surprising = append(surprising, it.SensedPercepts[i])
	}
	return surprising, failed
}

// planActions invokes the frontier tier. ok=false means the call failed.
func (o *Orchestrator) planActions(ctx context.Context, it *store.Iteration) ([]actuator.Action, bool) {
	callCtx, cancel := context.WithTimeout(ctx, modelCallTimeout)
	defer cancel()

	res, err := o.frontier.PlanActions(callCtx, it.SurprisingPercepts, o.executor.Registry().All())
	o.obs.recordFrontierUsage(res.Usage)
	if err != nil {
		logging.Get(logging.CategoryLoop).Error("action planning failed: %v", err)
		return nil, false
	}
	return res.Actions, true
}

// finish persists the iteration and durable policy state, updates counters,
// and emits the snapshot event.
func (o *Orchestrator) finish(it *store.Iteration, failed bool) (store.Iteration, error) {
	defer o.setPhase(PhaseIdle)

	it.CompletedAtMS = time.Now().UnixMilli()
	if err := o.ledger.AppendIteration(it); err != nil {
		o.obs.recordIteration(true)
		return store.Iteration{}, fmt.Errorf("failed to persist iteration: %w", err)
	}
	o.persistPolicyState()
	o.obs.recordIteration(failed)

	logging.Loop("iteration %d: %d sensed, %d surprising, %d actions, failed=%v",
		it.ID, len(it.SensedPercepts), len(it.SurprisingPercepts), len(it.PlannedActions), failed)

	o.events.PublishSnapshot(o.Snapshot())
	return *it, nil
}

// persistPolicyState saves rate windows and approvals so policy guarantees
// survive restarts. Persistence failures are logged, not fatal: the
// in-memory state is still authoritative for this process.
func (o *Orchestrator) persistPolicyState() {
	eval := o.executor.Evaluator()
	if err := o.ledger.SaveRateWindows(eval.Limiter().Snapshot()); err != nil {
		logging.Get(logging.CategoryLoop).Error("failed to persist rate windows: %v", err)
	}
	if err := o.ledger.SaveApprovals(eval.Gate().Snapshot()); err != nil {
		logging.Get(logging.CategoryLoop).Error("failed to persist approvals: %v", err)
	}
}

// RestorePolicyState loads durable rate windows and approvals into the
// evaluator. Called once at startup before the driver starts.
func (o *Orchestrator) RestorePolicyState() error {
	windows, err := o.ledger.LoadRateWindows()
	if err != nil {
		return err
	}
	approvals, err := o.ledger.LoadApprovals()
	if err != nil {
		return err
	}

	eval := o.executor.Evaluator()
	eval.Limiter().Restore(windows)
	eval.Gate().Restore(approvals)

	logging.Boot("restored %d rate windows, %d approvals", len(windows), len(approvals))
	return nil
}

// ResolveApproval resolves a held action out-of-band. Approved holds
// dispatch immediately; the result lands in the next snapshot event and is
// persisted as policy state.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id int64, approved bool) (actuator.ActionResult, error) {
	var res actuator.ActionResult
	var err error
	if approved {
		res, err = o.executor.Approve(ctx, id)
		if err == nil && res.Kind == actuator.ResultExecuted {
			o.obs.recordToolExecution(res.Failed)
		}
	} else {
		res, err = o.executor.Deny(id)
	}
	if err != nil {
		return actuator.ActionResult{}, err
	}

	o.persistPolicyState()
	o.events.PublishSnapshot(o.Snapshot())
	return res, nil
}

// ============================================================================
// Driver
// ============================================================================

// Start launches the driver goroutine. Returns ErrAlreadyRunning if the
// loop is active.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = StateRunning
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	stopCh, doneCh := o.stopCh, o.doneCh
	o.mu.Unlock()

	logging.Loop("loop started (interval=%s)", o.Interval())

	go func() {
		defer close(doneCh)
		for {
			if _, err := o.RunIteration(ctx); err != nil {
				logging.Get(logging.CategoryLoop).Error("iteration failed: %v", err)
			}

			timer := time.NewTimer(o.Interval())
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				o.mu.Lock()
				o.state = StateStopped
				o.mu.Unlock()
				return
			case <-timer.C:
			}
		}
	}()
	return nil
}

// Stop halts the driver and waits for the in-flight iteration to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	stopCh, doneCh := o.stopCh, o.doneCh
	o.mu.Unlock()

	close(stopCh)
	<-doneCh
	logging.Loop("loop stopped")
}
