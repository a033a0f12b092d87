package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	lc := NewLifecycle("s-1")
	assert.True(t, lc.CanQuery())

	require.NoError(t, lc.StartQuery())
	assert.False(t, lc.CanQuery())
	assert.Equal(t, StateProcessing, lc.Snapshot().State)

	require.NoError(t, lc.CompleteQuery())
	assert.True(t, lc.CanQuery())
}

func TestStartQueryWhileProcessing(t *testing.T) {
	lc := NewLifecycle("s-1")
	require.NoError(t, lc.StartQuery())

	err := lc.StartQuery()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestFailQueryThenReset(t *testing.T) {
	lc := NewLifecycle("s-1")
	require.NoError(t, lc.StartQuery())

	require.NoError(t, lc.FailQuery(errors.New("worker exited")))
	snap := lc.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "worker exited", snap.LastError)
	assert.False(t, lc.CanQuery())

	// Error is terminal for the query, not the session.
	require.NoError(t, lc.Reset())
	assert.True(t, lc.CanQuery())
	assert.Equal(t, "worker exited", lc.Snapshot().LastError)

	// The next query clears the recorded failure.
	require.NoError(t, lc.StartQuery())
	assert.Empty(t, lc.Snapshot().LastError)
}

func TestCompleteQueryOutsideProcessing(t *testing.T) {
	lc := NewLifecycle("s-1")
	require.Error(t, lc.CompleteQuery())
	require.Error(t, lc.FailQuery(errors.New("x")))
}

func TestIterationAndProgress(t *testing.T) {
	lc := NewLifecycle("s-1")
	require.NoError(t, lc.StartQuery())

	assert.Equal(t, 1, lc.BeginIteration())
	assert.Equal(t, 2, lc.BeginIteration())

	lc.SetProgress("analyzing", 3, 5)
	snap := lc.Snapshot()
	assert.Equal(t, 2, snap.Iteration)
	assert.Equal(t, Progress{Phase: "analyzing", Current: 3, Total: 5}, snap.Progress)

	// StartQuery resets per-query counters.
	require.NoError(t, lc.CompleteQuery())
	require.NoError(t, lc.StartQuery())
	snap = lc.Snapshot()
	assert.Equal(t, 0, snap.Iteration)
	assert.Equal(t, Progress{}, snap.Progress)
}

func TestRegistryReturnsSameLifecycle(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("s-1")
	b := reg.Get("s-1")
	assert.Same(t, a, b)

	require.NoError(t, a.StartQuery())
	assert.False(t, reg.Get("s-1").CanQuery())

	reg.Remove("s-1")
	assert.True(t, reg.Get("s-1").CanQuery())
}
