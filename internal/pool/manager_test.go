package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []state.Notification
}

func (r *recorder) Publish(n state.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *recorder) count(t state.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func btc(coins float64) types.Amount {
	return types.MustAmount(coins)
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinMixParticipants: 3,
		MaxPoolAge:         24 * time.Hour,
		MonitorInterval:    time.Hour,
		RebalanceDelay:     time.Hour,
		RebalanceThreshold: 0.2,
		Limits: map[string]config.PoolLimits{
			types.CurrencyBTC: {MinPoolSize: btc(10), MaxPoolSize: btc(100), TargetPoolSize: btc(50)},
		},
	}
}

func assertBalanced(t *testing.T, pm *PoolManager, currency string) {
	t.Helper()
	snap, err := pm.Snapshot(currency)
	require.NoError(t, err)
	assert.Equal(t, snap.TotalAmount, snap.AvailableAmount+snap.LockedAmount)
}

func TestAddToPool(t *testing.T) {
	rec := &recorder{}
	pm := NewPoolManager(testPoolConfig(), nil, rec)
	ctx := context.Background()

	id, err := pm.AddToPool(ctx, "btc", btc(1.5), "bc1qdeposit")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, btc(1.5), snap.TotalAmount)
	assert.Equal(t, btc(1.5), snap.AvailableAmount)
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, TxStatusPending, snap.Transactions[0].Status)
	assert.Equal(t, 1, rec.count(state.PoolDeposit))
	assertBalanced(t, pm, types.CurrencyBTC)

	_, err = pm.AddToPool(ctx, "DOGE", btc(1), "addr")
	assert.ErrorIs(t, err, ErrPoolNotConfigured)
	_, err = pm.AddToPool(ctx, types.CurrencyBTC, 0, "addr")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestProcessMixingChunk(t *testing.T) {
	rec := &recorder{}
	pm := NewPoolManager(testPoolConfig(), nil, rec)
	ctx := context.Background()

	err := pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1), "s1")
	assert.ErrorIs(t, err, ErrPoolNotFound)

	_, err = pm.AddToPool(ctx, types.CurrencyBTC, btc(2), "addr")
	require.NoError(t, err)

	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1.5), "s1"))
	err = pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1), "s2")
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, btc(0.5), snap.AvailableAmount)
	assert.Equal(t, btc(1.5), snap.LockedAmount)
	assert.Equal(t, QueueMixing, snap.QueueStatus)
	assert.Equal(t, 1, rec.count(state.PoolChunkProcessed))
	assertBalanced(t, pm, types.CurrencyBTC)
}

func TestProcessMixingChunkConcurrent(t *testing.T) {
	pm := NewPoolManager(testPoolConfig(), nil, nil)
	ctx := context.Background()
	_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(10), "addr")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1), "session") == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(0), snap.AvailableAmount)
	assert.Equal(t, btc(10), snap.LockedAmount)
	assertBalanced(t, pm, types.CurrencyBTC)
}

func TestMixingReadinessNeedsBothThresholds(t *testing.T) {
	rec := &recorder{}
	pm := NewPoolManager(testPoolConfig(), nil, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, pm.JoinQueue(types.CurrencyBTC, QueueParticipant{ID: "p", Amount: btc(1)}))
	}
	assert.False(t, pm.IsMixingReady(types.CurrencyBTC))

	expectReady := []bool{false, false, false, true, true}
	for i, want := range expectReady {
		_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(3), "addr")
		require.NoError(t, err)
		assert.Equal(t, want, pm.IsMixingReady(types.CurrencyBTC), "deposit %d", i+1)
	}
	assert.Equal(t, 1, rec.count(state.PoolMixingReady))
}

func TestMixingReadinessNeedsParticipants(t *testing.T) {
	rec := &recorder{}
	pm := NewPoolManager(testPoolConfig(), nil, rec)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(3), "addr")
		require.NoError(t, err)
	}
	assert.False(t, pm.IsMixingReady(types.CurrencyBTC))

	require.NoError(t, pm.JoinQueue(types.CurrencyBTC, QueueParticipant{ID: "a", Amount: btc(1)}))
	require.NoError(t, pm.JoinQueue(types.CurrencyBTC, QueueParticipant{ID: "b", Amount: btc(1)}))
	assert.False(t, pm.IsMixingReady(types.CurrencyBTC))
	require.NoError(t, pm.JoinQueue(types.CurrencyBTC, QueueParticipant{ID: "c", Amount: btc(1)}))
	assert.True(t, pm.IsMixingReady(types.CurrencyBTC))
	assert.Equal(t, 1, rec.count(state.PoolMixingReady))
}

func TestRebalanceDebounced(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Limits[types.CurrencyBTC] = config.PoolLimits{MinPoolSize: btc(1), MaxPoolSize: btc(100), TargetPoolSize: btc(10)}
	cfg.RebalanceDelay = 50 * time.Millisecond
	rec := &recorder{}
	pm := NewPoolManager(cfg, nil, rec)
	ctx := context.Background()

	_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(12), "addr")
	require.NoError(t, err)
	assert.Equal(t, 1, pm.PendingRebalances())

	_, err = pm.AddToPool(ctx, types.CurrencyBTC, btc(0.5), "addr")
	require.NoError(t, err)
	pm.monitor(ctx)
	assert.Equal(t, 1, pm.PendingRebalances())

	assert.Eventually(t, func() bool {
		return rec.count(state.PoolRebalanced) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, pm.PendingRebalances())

	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.RebalanceCount)
	assert.False(t, snap.LastRebalance.IsZero())
}

func TestNoRebalanceWithinThreshold(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Limits[types.CurrencyBTC] = config.PoolLimits{MinPoolSize: btc(1), MaxPoolSize: btc(100), TargetPoolSize: btc(10)}
	pm := NewPoolManager(cfg, nil, nil)

	_, err := pm.AddToPool(context.Background(), types.CurrencyBTC, btc(11), "addr")
	require.NoError(t, err)
	assert.Equal(t, 0, pm.PendingRebalances())
}

func TestTransactionTransitions(t *testing.T) {
	pm := NewPoolManager(testPoolConfig(), nil, nil)
	id, err := pm.AddToPool(context.Background(), types.CurrencyBTC, btc(1), "addr")
	require.NoError(t, err)

	err = pm.MarkTransaction(types.CurrencyBTC, id, TxStatusDistributed, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, pm.MarkTransaction(types.CurrencyBTC, id, TxStatusConfirmed, ""))
	require.NoError(t, pm.MarkTransaction(types.CurrencyBTC, id, TxStatusMixed, "group"))
	err = pm.MarkTransaction(types.CurrencyBTC, id, TxStatusConfirmed, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = pm.MarkTransaction(types.CurrencyBTC, "missing", TxStatusMixed, "")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSettleAndRelease(t *testing.T) {
	pm := NewPoolManager(testPoolConfig(), nil, nil)
	ctx := context.Background()
	id, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(3), "addr")
	require.NoError(t, err)

	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1), "s1"))
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(2), "s1"))

	_, err = pm.Settle(types.CurrencyBTC, "s1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition, "deposit must be mixed first")

	released, err := pm.ReleaseSession(types.CurrencyBTC, "s1")
	require.NoError(t, err)
	assert.Equal(t, btc(3), released)
	assertBalanced(t, pm, types.CurrencyBTC)

	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(3), "s1"))
	require.NoError(t, pm.MarkTransaction(types.CurrencyBTC, id, TxStatusMixed, "s1"))
	settled, err := pm.Settle(types.CurrencyBTC, "s1", id)
	require.NoError(t, err)
	assert.Equal(t, btc(3), settled)

	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(0), snap.TotalAmount)
	assert.Equal(t, QueueCompleted, snap.QueueStatus)
	assert.Equal(t, TxStatusDistributed, snap.Transactions[0].Status)
	assertBalanced(t, pm, types.CurrencyBTC)
}

func TestJoinedSessionReservations(t *testing.T) {
	pm := NewPoolManager(testPoolConfig(), nil, nil)
	ctx := context.Background()
	_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(10), "seed")
	require.NoError(t, err)

	outputs := []types.OutputAddress{{Address: "out", Percentage: 100}}
	require.NoError(t, pm.JoinQueue(types.CurrencyBTC, QueueParticipant{ID: "s1", Amount: btc(4), InputAddress: "in", OutputAddresses: outputs}))
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(1), "s1"))
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(2), "s1"))

	snap, err := pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "in", snap.Queue[0].InputAddress)
	assert.Equal(t, outputs, snap.Queue[0].OutputAddresses)
	assert.Equal(t, btc(4), snap.Queue[0].Amount, "declared amount is kept")

	released, err := pm.ReleaseSession(types.CurrencyBTC, "s1")
	require.NoError(t, err)
	assert.Equal(t, btc(3), released, "only reservations are released")
	assertBalanced(t, pm, types.CurrencyBTC)

	snap, err = pm.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, btc(10), snap.AvailableAmount)
}

func TestPoolStatistics(t *testing.T) {
	pm := NewPoolManager(testPoolConfig(), nil, nil)
	ctx := context.Background()
	_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(10), "a")
	require.NoError(t, err)
	_, err = pm.AddToPool(ctx, types.CurrencyBTC, btc(20), "b")
	require.NoError(t, err)
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(6), "s"))

	stats, err := pm.GetPoolStatistics(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, btc(30), stats.Size)
	assert.InDelta(t, 20.0, stats.Utilization, 0.001)
	assert.Equal(t, btc(15), stats.AverageTransactionSize)
	assert.Equal(t, 1, stats.Participants)
	assert.Equal(t, 100, stats.HealthScore)

	_, err = pm.GetPoolStatistics(types.CurrencyETH)
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestStateRoundTrip(t *testing.T) {
	dm, err := db.NewDatabaseManager(t.TempDir())
	require.NoError(t, err)
	defer dm.Close()
	ctx := context.Background()

	pm := NewPoolManager(testPoolConfig(), dm, nil)
	id, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(5), "addr")
	require.NoError(t, err)
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(2), "s"))
	require.NoError(t, pm.MarkTransaction(types.CurrencyBTC, id, TxStatusConfirmed, ""))
	require.NoError(t, pm.SaveState(ctx))
	// saving twice updates in place
	require.NoError(t, pm.SaveState(ctx))

	restored := NewPoolManager(testPoolConfig(), dm, nil)
	require.NoError(t, restored.LoadState(ctx))

	snap, err := restored.Snapshot(types.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, btc(5), snap.TotalAmount)
	assert.Equal(t, btc(5), snap.AvailableAmount)
	assert.Equal(t, types.Amount(0), snap.LockedAmount)
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, id, snap.Transactions[0].ID)
	assert.Equal(t, TxStatusConfirmed, snap.Transactions[0].Status)
}
