package store

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/actuator"
	"vigil/internal/percept"
	"vigil/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleIteration(sensed ...string) Iteration {
	it := Iteration{StartedAtMS: 1000, CompletedAtMS: 2000}
	for _, content := range sensed {
		it.SensedPercepts = append(it.SensedPercepts, percept.New("inbox", content))
	}
	return it
}

func TestAppendAndGetIteration(t *testing.T) {
	s := newTestStore(t)

	it := sampleIteration("a", "b")
	it.SurprisingPercepts = it.SensedPercepts[:1]
	it.PlannedActions = []actuator.Action{{
		ActuatorName: "desktop",
		Name:         "chat",
		Args:         map[string]any{"message": "hi"},
	}}
	it.ActionResults = []actuator.ActionResult{{
		Kind:       actuator.ResultRequiresHITL,
		ApprovalID: 1,
	}}

	require.NoError(t, s.AppendIteration(&it))
	require.Equal(t, int64(1), it.ID)

	got, err := s.GetIteration(it.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(it, got); diff != "" {
		t.Errorf("iteration round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetIteration_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIteration(99)
	assert.ErrorIs(t, err, ErrIterationNotFound)
}

func TestIterationIDsAreMonotonic(t *testing.T) {
	s := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		it := sampleIteration()
		require.NoError(t, s.AppendIteration(&it))
		assert.Greater(t, it.ID, last)
		last = it.ID
	}

	count, err := s.IterationCount()
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestEmptyIterationPersists(t *testing.T) {
	// An empty gather still produces a ledger record with empty JSON
	// arrays, not nulls.
	s := newTestStore(t)
	it := sampleIteration()
	require.NoError(t, s.AppendIteration(&it))

	got, err := s.GetIteration(it.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SensedPercepts)
	assert.Empty(t, got.ActionResults)
}

func TestListIterationsAfter(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		it := sampleIteration()
		require.NoError(t, s.AppendIteration(&it))
	}

	got, err := s.ListIterationsAfter(2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)

	got, err = s.ListIterationsAfter(5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestPerceptWindows(t *testing.T) {
	s := newTestStore(t)
	for _, content := range []string{"first", "second", "third"} {
		it := sampleIteration(content)
		require.NoError(t, s.AppendIteration(&it))
	}

	windows, err := s.LatestPerceptWindows(2)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	// Most recent first.
	assert.Equal(t, "third", windows[0][0].Content)
	assert.Equal(t, "second", windows[1][0].Content)
}

func TestApprovalsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	s, err := New(path)
	require.NoError(t, err)

	gate := policy.NewApprovalGate()
	gate.Create(policy.PendingAction{ActuatorName: "desktop", Keyword: "notify"})
	req := gate.Create(policy.PendingAction{ActuatorName: "shell", Keyword: "shell"})
	_, err = gate.Resolve(req.ID, false)
	require.NoError(t, err)

	require.NoError(t, s.SaveApprovals(gate.Snapshot()))
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.LoadApprovals()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	restored := policy.NewApprovalGate()
	restored.Restore(loaded)
	assert.Equal(t, 1, restored.PendingCount())

	// A restored resolved approval is still terminal.
	_, err = restored.Resolve(req.ID, true)
	assert.ErrorIs(t, err, policy.ErrAlreadyResolved)
}

func TestRateWindowsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	s, err := New(path)
	require.NoError(t, err)

	limiter := policy.NewRateLimiter()
	limit := policy.RateLimit{Max: 2, Per: policy.PerHour}
	require.True(t, limiter.CheckAndIncrement("notify", limit))
	require.True(t, limiter.CheckAndIncrement("notify", limit))

	require.NoError(t, s.SaveRateWindows(limiter.Snapshot()))
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	windows, err := s2.LoadRateWindows()
	require.NoError(t, err)

	restored := policy.NewRateLimiter()
	restored.Restore(windows)
	// The window was exhausted before the restart and stays exhausted.
	assert.False(t, restored.CheckAndIncrement("notify", limit))
	assert.Equal(t, uint32(2), restored.CountFor("notify"))
}
