package actuator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/policy"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	reg := NewRegistry()
	eval := policy.NewEvaluator(policy.NewRateLimiter(), policy.NewApprovalGate())
	return NewExecutor(reg, eval, t.TempDir())
}

func addInternal(t *testing.T, ex *Executor, name string, pol policy.SafetyPolicy) {
	t.Helper()
	require.NoError(t, ex.Registry().Add(Actuator{
		Name:   name,
		Kind:   KindInternal,
		Policy: pol,
	}))
}

func TestDispatch_UnknownActuator(t *testing.T) {
	ex := newTestExecutor(t)
	res := ex.Dispatch(context.Background(), Action{ActuatorName: "ghost", Name: "chat"})
	assert.Equal(t, ResultDenied, res.Kind)
	assert.Contains(t, res.Reason, "unknown actuator")
}

func TestDispatch_AdmittedChat(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "assistant", policy.SafetyPolicy{})

	res := ex.Dispatch(context.Background(), Action{
		ActuatorName: "assistant",
		Name:         "chat",
		Args:         map[string]any{"message": "three meetings on the calendar today"},
	})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.False(t, res.Failed)
	assert.Equal(t, "three meetings on the calendar today", res.Output)
}

func TestDispatch_DeniedNeverExecutes(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "shell", policy.SafetyPolicy{Denylist: []string{"shell"}})

	marker := filepath.Join(ex.workspace, "marker")
	res := ex.Dispatch(context.Background(), Action{
		ActuatorName: "shell",
		Name:         "shell",
		Args:         map[string]any{"command": "touch " + marker},
	})
	assert.Equal(t, ResultDenied, res.Kind)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "denied action must be side-effect free")
}

func TestDispatch_ExecutionFailureIsResultNotError(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "shell", policy.SafetyPolicy{Sandboxed: true})

	res := ex.Dispatch(context.Background(), Action{
		ActuatorName: "shell",
		Name:         "shell",
		Args:         map[string]any{"command": "exit 3"},
	})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.True(t, res.Failed)
	assert.Contains(t, res.Output, "command failed")
}

func TestDispatch_UnknownInternalAction(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "tools", policy.SafetyPolicy{})

	res := ex.Dispatch(context.Background(), Action{ActuatorName: "tools", Name: "teleport"})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.True(t, res.Failed)
	assert.Contains(t, res.Output, "no built-in executor")
}

func TestDispatch_HoldThenApprove(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "notify", policy.SafetyPolicy{RequireHITL: true})

	held := ex.Dispatch(context.Background(), Action{
		ActuatorName: "notify",
		Name:         "chat",
		Args:         map[string]any{"message": "heads up"},
	})
	require.Equal(t, ResultRequiresHITL, held.Kind)
	require.NotZero(t, held.ApprovalID)

	res, err := ex.Approve(context.Background(), held.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, ResultExecuted, res.Kind)
	assert.Equal(t, "heads up", res.Output)

	// Resolution is terminal.
	_, err = ex.Approve(context.Background(), held.ApprovalID)
	assert.ErrorIs(t, err, policy.ErrAlreadyResolved)
}

func TestDispatch_HoldThenDeny(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "notify", policy.SafetyPolicy{RequireHITL: true})

	held := ex.Dispatch(context.Background(), Action{
		ActuatorName: "notify",
		Name:         "chat",
		Args:         map[string]any{"message": "heads up"},
	})
	require.Equal(t, ResultRequiresHITL, held.Kind)

	res, err := ex.Deny(held.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Kind)

	_, err = ex.Deny(held.ApprovalID)
	assert.ErrorIs(t, err, policy.ErrAlreadyResolved)
}

func TestApprove_HoldConsumedRateSlot(t *testing.T) {
	// A held action claims its rate slot at hold time, so approving it
	// must not claim a second slot.
	ex := newTestExecutor(t)
	addInternal(t, ex, "notify", policy.SafetyPolicy{
		RequireHITL: true,
		RateLimit:   &policy.RateLimit{Max: 1, Per: policy.PerHour},
	})

	held := ex.Dispatch(context.Background(), Action{
		ActuatorName: "notify",
		Name:         "chat",
		Args:         map[string]any{"message": "one"},
	})
	require.Equal(t, ResultRequiresHITL, held.Kind)
	assert.Equal(t, uint32(1), ex.Evaluator().Limiter().CountFor("notify"))

	_, err := ex.Approve(context.Background(), held.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ex.Evaluator().Limiter().CountFor("notify"))
}

func TestDispatch_MCPAndWorkflowAcknowledge(t *testing.T) {
	ex := newTestExecutor(t)
	require.NoError(t, ex.Registry().Add(Actuator{
		Name:       "calendar",
		Kind:       KindMCP,
		Connection: ConnectionHTTP,
		URL:        "http://localhost:9000/mcp",
	}))
	require.NoError(t, ex.Registry().Add(Actuator{
		Name:  "triage",
		Kind:  KindWorkflow,
		Cells: []string{"classify", "summarize", "file"},
	}))

	res := ex.Dispatch(context.Background(), Action{ActuatorName: "calendar", Name: "list_events"})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.Contains(t, res.Output, "list_events")
	assert.Contains(t, res.Output, "http://localhost:9000/mcp")

	res = ex.Dispatch(context.Background(), Action{ActuatorName: "triage", Name: "run"})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.Contains(t, res.Output, "classify -> summarize -> file")
}

func TestExecutors_GrepAndGlob(t *testing.T) {
	ex := newTestExecutor(t)
	addInternal(t, ex, "search", policy.SafetyPolicy{})

	ws := ex.workspace
	require.NoError(t, os.WriteFile(filepath.Join(ws, "inbox.txt"), []byte("urgent: server down\nroutine: newsletter\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "notes.md"), []byte("nothing here\n"), 0o644))

	res := ex.Dispatch(context.Background(), Action{
		ActuatorName: "search",
		Name:         "grep",
		Args:         map[string]any{"pattern": "urgent"},
	})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.Contains(t, res.Output, "inbox.txt:1: urgent: server down")
	assert.NotContains(t, res.Output, "notes.md")

	res = ex.Dispatch(context.Background(), Action{
		ActuatorName: "search",
		Name:         "glob",
		Args:         map[string]any{"pattern": "*.txt"},
	})
	require.Equal(t, ResultExecuted, res.Kind)
	assert.Equal(t, "inbox.txt", res.Output)
}

func TestActionPendingRoundTrip(t *testing.T) {
	action := Action{
		ActuatorName: "shell",
		Name:         "shell",
		Args:         map[string]any{"command": "ls", "timeout_seconds": float64(5)},
	}

	p := action.ToPending()
	assert.Equal(t, "shell", p.ActuatorName)
	assert.Equal(t, "shell", p.Keyword)

	back, err := FromPending(p)
	require.NoError(t, err)
	assert.Equal(t, action, back)
}
