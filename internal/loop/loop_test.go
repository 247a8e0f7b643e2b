package loop

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vigil/internal/actuator"
	"vigil/internal/model"
	"vigil/internal/percept"
	"vigil/internal/policy"
	"vigil/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io starts this worker in a package init via a
		// transitive dependency; it is not a leak from the loop code.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// scriptedFrontier returns a fixed plan and counts invocations.
type scriptedFrontier struct {
	calls int
	plan  []actuator.Action
	err   error
}

func (s *scriptedFrontier) PlanActions(_ context.Context, _ []percept.Percept, _ []actuator.Actuator) (model.PlanResult, error) {
	s.calls++
	if s.err != nil {
		return model.PlanResult{}, s.err
	}
	return model.PlanResult{Actions: s.plan, Usage: model.Usage{TotalTokens: 7}}, nil
}

type failingLocal struct{}

func (failingLocal) DetectSurprises(_ context.Context, _ []percept.Percept, _ [][]percept.Percept) (model.SurpriseResult, error) {
	return model.SurpriseResult{}, errors.New("local backend unreachable")
}

type loopFixture struct {
	orch     *Orchestrator
	sensors  *percept.Registry
	executor *actuator.Executor
	ledger   *store.Store
	frontier *scriptedFrontier
}

func newFixture(t *testing.T, local model.LocalModel, frontier *scriptedFrontier) *loopFixture {
	t.Helper()

	ledger, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sensors := percept.NewRegistry()
	require.NoError(t, sensors.Add(percept.NewSensor("inbox", "incoming mail")))

	eval := policy.NewEvaluator(policy.NewRateLimiter(), policy.NewApprovalGate())
	executor := actuator.NewExecutor(actuator.NewRegistry(), eval, t.TempDir())
	require.NoError(t, executor.Registry().Add(actuator.Actuator{
		Name:   "desktop",
		Kind:   actuator.KindInternal,
		Policy: policy.SafetyPolicy{RequireHITL: true},
	}))

	orch := New(Options{
		Sensors:  sensors,
		Executor: executor,
		Local:    local,
		Frontier: frontier,
		Store:    ledger,
	})
	return &loopFixture{orch: orch, sensors: sensors, executor: executor, ledger: ledger, frontier: frontier}
}

func notifyAction(message string) actuator.Action {
	return actuator.Action{
		ActuatorName: "desktop",
		Name:         "chat",
		Args:         map[string]any{"message": message},
	}
}

func TestRunIteration_EndToEnd(t *testing.T) {
	// inbox enqueues 3 percepts, 1 is surprising, the frontier plans one
	// notify on a HITL actuator, the result is a hold, and approving it
	// dispatches.
	frontier := &scriptedFrontier{plan: []actuator.Action{notifyAction("production incident")}}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "weekly digest"))
	require.NoError(t, f.sensors.Enqueue("inbox", "urgent: production incident"))
	require.NoError(t, f.sensors.Enqueue("inbox", "lunch?"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)

	assert.Len(t, it.SensedPercepts, 3)
	require.Len(t, it.SurprisingPercepts, 1)
	assert.Equal(t, "urgent: production incident", it.SurprisingPercepts[0].Content)
	require.Len(t, it.PlannedActions, 1)
	require.Len(t, it.ActionResults, 1)
	require.Equal(t, actuator.ResultRequiresHITL, it.ActionResults[0].Kind)
	approvalID := it.ActionResults[0].ApprovalID
	require.NotZero(t, approvalID)

	// Approval resolves out-of-band and triggers dispatch.
	res, err := f.orch.ResolveApproval(context.Background(), approvalID, true)
	require.NoError(t, err)
	assert.Equal(t, actuator.ResultExecuted, res.Kind)
	assert.Equal(t, "production incident", res.Output)

	got, ok := f.executor.Evaluator().Gate().Get(approvalID)
	require.True(t, ok)
	assert.Equal(t, policy.StatusApproved, got.Status)
}

func TestRunIteration_EmptyGatherStillPersists(t *testing.T) {
	frontier := &scriptedFrontier{}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, it.ID)
	assert.Empty(t, it.SensedPercepts)

	count, err := f.ledger.IterationCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 0, frontier.calls)
}

func TestRunIteration_EarlyExitSkipsFrontier(t *testing.T) {
	frontier := &scriptedFrontier{plan: []actuator.Action{notifyAction("x")}}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "nothing special"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Empty(t, it.SurprisingPercepts)
	assert.Empty(t, it.PlannedActions)
	assert.Equal(t, 0, frontier.calls)
	assert.Zero(t, f.orch.Observability().Snapshot().FrontierLoopCount)
}

func TestRunIteration_ForceSurprise(t *testing.T) {
	// A sensor at sensitivity >= 90 escalates its percepts even when the
	// local model finds nothing surprising.
	frontier := &scriptedFrontier{plan: []actuator.Action{notifyAction("pager fired")}}
	f := newFixture(t, model.NewKeywordLocalModel("nomatch"), frontier)
	require.NoError(t, f.sensors.Add(percept.NewSensorWithSensitivity("pager", "on-call pages", 95)))

	require.NoError(t, f.sensors.Enqueue("pager", "host unreachable"))
	require.NoError(t, f.sensors.Enqueue("inbox", "routine mail"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Len(t, it.SurprisingPercepts, 1)
	assert.Equal(t, "pager", it.SurprisingPercepts[0].SensorName)
	assert.Equal(t, 1, frontier.calls)
}

func TestRunIteration_EmptyPlanIsFalsePositive(t *testing.T) {
	frontier := &scriptedFrontier{} // escalation leads nowhere
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "urgent but boring"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Len(t, it.SurprisingPercepts, 1)
	assert.Empty(t, it.PlannedActions)
	assert.Equal(t, uint64(1), f.orch.Observability().Snapshot().FalsePositiveSurprises)
}

func TestRunIteration_LocalModelFailureRecordsPartial(t *testing.T) {
	frontier := &scriptedFrontier{}
	f := newFixture(t, failingLocal{}, frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "anything"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err, "a failed model call must not surface as an iteration error")
	assert.Len(t, it.SensedPercepts, 1)
	assert.Empty(t, it.PlannedActions)
	assert.Equal(t, 0, frontier.calls)

	snap := f.orch.Observability().Snapshot()
	assert.Equal(t, uint64(1), snap.FailedIterations)
	assert.Equal(t, uint64(1), snap.TotalIterations)
}

func TestRunIteration_ForceSurpriseSurvivesLocalFailure(t *testing.T) {
	// Forced surprises proceed past a broken local model, but the model
	// failure still counts against the iteration.
	frontier := &scriptedFrontier{plan: []actuator.Action{notifyAction("pager fired")}}
	f := newFixture(t, failingLocal{}, frontier)
	require.NoError(t, f.sensors.Add(percept.NewSensorWithSensitivity("pager", "on-call pages", 95)))

	require.NoError(t, f.sensors.Enqueue("pager", "host unreachable"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Len(t, it.SurprisingPercepts, 1)
	assert.Equal(t, "pager", it.SurprisingPercepts[0].SensorName)
	assert.Equal(t, 1, frontier.calls)
	require.Len(t, it.ActionResults, 1)

	snap := f.orch.Observability().Snapshot()
	assert.Equal(t, uint64(1), snap.FailedIterations)
	assert.Equal(t, uint64(1), snap.TotalIterations)
}

func TestRunIteration_FrontierFailureRecordsPartial(t *testing.T) {
	frontier := &scriptedFrontier{err: errors.New("frontier timeout")}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "urgent thing"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Len(t, it.SurprisingPercepts, 1)
	assert.Empty(t, it.PlannedActions)
	assert.Equal(t, uint64(1), f.orch.Observability().Snapshot().FailedIterations)
}

func TestRunIteration_SequentialResultsSameIndex(t *testing.T) {
	frontier := &scriptedFrontier{plan: []actuator.Action{
		{ActuatorName: "tools", Name: "chat", Args: map[string]any{"message": "first"}},
		{ActuatorName: "tools", Name: "shell", Args: map[string]any{"command": "true"}},
		{ActuatorName: "tools", Name: "chat", Args: map[string]any{"message": "third"}},
	}}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)
	require.NoError(t, f.executor.Registry().Add(actuator.Actuator{
		Name:   "tools",
		Kind:   actuator.KindInternal,
		Policy: policy.SafetyPolicy{Denylist: []string{"shell"}},
	}))

	require.NoError(t, f.sensors.Enqueue("inbox", "urgent"))

	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Len(t, it.ActionResults, 3)
	assert.Equal(t, actuator.ResultExecuted, it.ActionResults[0].Kind)
	assert.Equal(t, "first", it.ActionResults[0].Output)
	assert.Equal(t, actuator.ResultDenied, it.ActionResults[1].Kind)
	assert.Equal(t, actuator.ResultExecuted, it.ActionResults[2].Kind)
	assert.Equal(t, "third", it.ActionResults[2].Output)
}

func TestRunIteration_WindowIsolation(t *testing.T) {
	frontier := &scriptedFrontier{}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "first window"))
	it1, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Len(t, it1.SensedPercepts, 1)

	// Percepts arriving after the drain belong to the next iteration.
	require.NoError(t, f.sensors.Enqueue("inbox", "second window"))
	it2, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Len(t, it2.SensedPercepts, 1)
	assert.Equal(t, "second window", it2.SensedPercepts[0].Content)
}

func TestEventStream(t *testing.T) {
	frontier := &scriptedFrontier{}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	events, cancel := f.orch.Events().Subscribe()
	defer cancel()

	_, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)

	var phases []Phase
	var lastSeq uint64
	var sawSnapshot bool
	for len(events) > 0 {
		ev := <-events
		assert.Greater(t, ev.Sequence, lastSeq, "sequence must be monotonic")
		lastSeq = ev.Sequence
		switch ev.Type {
		case EventPhase:
			phases = append(phases, ev.Phase)
		case EventSnapshot:
			sawSnapshot = true
			require.NotNil(t, ev.Snapshot)
			assert.Equal(t, uint64(1), ev.Snapshot.Counters.TotalIterations)
		}
	}

	assert.Equal(t, []Phase{PhaseGatherPercepts, PhaseCheckSurprise, PhaseIdle}, phases)
	assert.True(t, sawSnapshot)
}

func TestPolicyStateRestoredAcrossOrchestrators(t *testing.T) {
	frontier := &scriptedFrontier{plan: []actuator.Action{notifyAction("incident")}}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)

	require.NoError(t, f.sensors.Enqueue("inbox", "urgent incident"))
	it, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, actuator.ResultRequiresHITL, it.ActionResults[0].Kind)

	// A second orchestrator over the same ledger sees the pending hold.
	eval := policy.NewEvaluator(policy.NewRateLimiter(), policy.NewApprovalGate())
	executor := actuator.NewExecutor(actuator.NewRegistry(), eval, t.TempDir())
	require.NoError(t, executor.Registry().Add(actuator.Actuator{
		Name:   "desktop",
		Kind:   actuator.KindInternal,
		Policy: policy.SafetyPolicy{RequireHITL: true},
	}))
	orch2 := New(Options{
		Sensors:  percept.NewRegistry(),
		Executor: executor,
		Local:    model.NewKeywordLocalModel("urgent"),
		Frontier: frontier,
		Store:    f.ledger,
	})
	require.NoError(t, orch2.RestorePolicyState())

	pending := eval.Gate().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, it.ActionResults[0].ApprovalID, pending[0].ID)
}

func TestStartStop(t *testing.T) {
	frontier := &scriptedFrontier{}
	f := newFixture(t, model.NewKeywordLocalModel("urgent"), frontier)
	f.orch.SetInterval(10 * time.Millisecond)

	assert.Equal(t, StateSetup, f.orch.State())
	require.NoError(t, f.orch.Start(context.Background()))
	assert.Equal(t, StateRunning, f.orch.State())
	assert.ErrorIs(t, f.orch.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		return f.orch.Observability().Snapshot().TotalIterations >= 2
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.Stop()
	assert.Equal(t, StateStopped, f.orch.State())

	// Stop is idempotent.
	f.orch.Stop()
}
