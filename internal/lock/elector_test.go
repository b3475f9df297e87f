package lock

import (
	"context"
	"testing"
	"time"

	"trading_engine/internal/mock"
	"trading_engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElectorAcquiresVacantLeadership(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewLeaderElector(st, "pod-a", time.Second, 30*time.Second, mock.NewNopLogger())

	e.tick(context.Background())
	assert.True(t, e.IsLeader())

	leader, err := st.GetLeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pod-a", leader.PodID)
}

func TestElectorRespectsFreshIncumbent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	a := NewLeaderElector(st, "pod-a", time.Second, 30*time.Second, mock.NewNopLogger())
	a.tick(ctx)
	require.True(t, a.IsLeader())

	b := NewLeaderElector(st, "pod-b", time.Second, 30*time.Second, mock.NewNopLogger())
	b.tick(ctx)
	assert.False(t, b.IsLeader())
}

func TestElectorTakesOverStaleIncumbent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	a := NewLeaderElector(st, "pod-a", time.Second, 20*time.Millisecond, mock.NewNopLogger())
	a.tick(ctx)
	require.True(t, a.IsLeader())

	time.Sleep(30 * time.Millisecond)

	b := NewLeaderElector(st, "pod-b", time.Second, 20*time.Millisecond, mock.NewNopLogger())
	b.tick(ctx)
	assert.True(t, b.IsLeader())

	// The deposed leader's next heartbeat fails and it steps down.
	a.tick(ctx)
	leader, err := st.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pod-b", leader.PodID)
}

func TestElectorResignsOnExit(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewLeaderElector(st, "pod-a", 10*time.Millisecond, 30*time.Second, mock.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.False(t, e.IsLeader())
	_, err := st.GetLeader(context.Background())
	assert.Error(t, err)
}

func TestSweeperOnlyRunsOnLeader(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// One expired lease on the books.
	_, err := st.TryAcquireLock(ctx, "signal_old", "pod-x", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	m := NewManager(st, "pod-a", time.Minute, mock.NewNopLogger())

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	m.RunSweeper(runCtx, 10*time.Millisecond, func() bool { return false })

	// Follower never swept; the expired lease is still reclaimable but present.
	swept, err := st.DeleteExpiredLocks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestSweeperDeletesExpiredLeases(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	_, err := st.TryAcquireLock(ctx, "signal_old", "pod-x", time.Millisecond)
	require.NoError(t, err)
	_, err = st.TryAcquireLock(ctx, "signal_live", "pod-y", time.Minute)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	m := NewManager(st, "pod-a", time.Minute, mock.NewNopLogger())

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	m.RunSweeper(runCtx, 10*time.Millisecond, func() bool { return true })

	// Only the live lease remains.
	swept, err := st.DeleteExpiredLocks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)

	acquired, err := st.TryAcquireLock(ctx, "signal_live", "pod-z", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
}
