package pool

import (
	"context"
	"testing"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthScore(t *testing.T) {
	now := time.Now()
	limits := config.PoolLimits{MinPoolSize: btc(10), MaxPoolSize: btc(100), TargetPoolSize: btc(50)}
	fresh := PoolTransaction{Status: TxStatusPending, Timestamp: now.Add(-time.Hour)}
	stale := PoolTransaction{Status: TxStatusPending, Timestamp: now.Add(-25 * time.Hour)}

	tests := []struct {
		name string
		snap PoolSnapshot
		want int
	}{
		{
			name: "healthy",
			snap: PoolSnapshot{TotalAmount: btc(50), UtilizationRate: 50, Transactions: []PoolTransaction{fresh}},
			want: 100,
		},
		{
			name: "bounds inclusive",
			snap: PoolSnapshot{TotalAmount: btc(10), UtilizationRate: 10},
			want: 100,
		},
		{
			name: "below min",
			snap: PoolSnapshot{TotalAmount: btc(5), UtilizationRate: 50},
			want: 70,
		},
		{
			name: "above max",
			snap: PoolSnapshot{TotalAmount: btc(101), UtilizationRate: 50},
			want: 80,
		},
		{
			name: "overutilized",
			snap: PoolSnapshot{TotalAmount: btc(50), UtilizationRate: 95},
			want: 75,
		},
		{
			name: "idle and small",
			snap: PoolSnapshot{TotalAmount: btc(1), UtilizationRate: 0},
			want: 55,
		},
		{
			name: "distributed transactions are not stale",
			snap: PoolSnapshot{TotalAmount: btc(50), UtilizationRate: 50, Transactions: []PoolTransaction{
				{Status: TxStatusDistributed, Timestamp: now.Add(-48 * time.Hour)},
			}},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthScore(tt.snap, limits, 24*time.Hour, now))
		})
	}

	t.Run("minus five per stale transaction, floored at zero", func(t *testing.T) {
		snap := PoolSnapshot{TotalAmount: btc(50), UtilizationRate: 50}
		prev := HealthScore(snap, limits, 24*time.Hour, now)
		for i := 1; i <= 20; i++ {
			snap.Transactions = append(snap.Transactions, stale)
			score := HealthScore(snap, limits, 24*time.Hour, now)
			assert.Equal(t, prev-5, score)
			prev = score
		}
		assert.Equal(t, 0, prev)

		snap.Transactions = append(snap.Transactions, stale)
		assert.Equal(t, 0, HealthScore(snap, limits, 24*time.Hour, now))
	})
}

func TestHealthCheck(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Limits[types.CurrencyETH] = config.PoolLimits{MinPoolSize: btc(100), MaxPoolSize: btc(2000), TargetPoolSize: btc(1000)}
	pm := NewPoolManager(cfg, nil, nil)
	ctx := context.Background()

	report := pm.HealthCheck()
	assert.True(t, report.Healthy)
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Empty(t, report.PerCurrency)

	_, err := pm.AddToPool(ctx, types.CurrencyBTC, btc(50), "a")
	require.NoError(t, err)
	require.NoError(t, pm.ProcessMixingChunk(ctx, types.CurrencyBTC, btc(25), "s"))
	_, err = pm.AddToPool(ctx, types.CurrencyETH, btc(1), "b")
	require.NoError(t, err)

	report = pm.HealthCheck()
	assert.Equal(t, 100, report.PerCurrency[types.CurrencyBTC].Score)
	assert.Equal(t, 55, report.PerCurrency[types.CurrencyETH].Score)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.True(t, report.Healthy)
	assert.Len(t, report.Issues, 1)
}
