package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveMixLifecycle(t *testing.T) {
	c := NewCollector(nil)

	c.Observe(state.MixStartedEvent{MixID: "m1", Currency: types.CurrencyBTC, Strategy: types.StrategyFastMix})
	c.Observe(state.MixStartedEvent{MixID: "m2", Currency: types.CurrencyBTC, Strategy: types.StrategyFastMix})
	c.Observe(state.MixStartedEvent{MixID: "m3", Currency: types.CurrencyBTC, Strategy: types.StrategyPoolMixing})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeMixes))

	c.Observe(state.MixCompletedEvent{MixID: "m1", Currency: types.CurrencyBTC, Strategy: types.StrategyFastMix, Duration: time.Minute})
	c.Observe(state.MixFailedEvent{MixID: "m2", Currency: types.CurrencyBTC, Strategy: types.StrategyFastMix})
	c.Observe(state.MixTimeoutEvent{MixID: "m3", Phase: types.PhaseMixing})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.mixesStarted.WithLabelValues(types.CurrencyBTC, string(types.StrategyFastMix))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mixesCompleted.WithLabelValues(types.CurrencyBTC, string(types.StrategyFastMix))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mixesFailed.WithLabelValues(types.CurrencyBTC, string(types.StrategyFastMix))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mixesTimedOut.WithLabelValues(string(types.PhaseMixing))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeMixes))
}

func TestObservePoolEvents(t *testing.T) {
	c := NewCollector(nil)

	c.Observe(state.PoolDepositEvent{Currency: types.CurrencyBTC, Amount: types.MustAmount(1.5), AvailableAmount: types.MustAmount(1.5)})
	c.Observe(state.PoolDepositEvent{Currency: types.CurrencyBTC, Amount: types.MustAmount(0.5), AvailableAmount: types.MustAmount(2)})
	c.Observe(state.PoolChunkProcessedEvent{Currency: types.CurrencyBTC, Amount: types.MustAmount(0.25), AvailableAmount: types.MustAmount(1.75), LockedAmount: types.MustAmount(0.25)})
	c.Observe(state.PoolRebalancedEvent{Currency: types.CurrencyBTC})
	c.Observe(state.PoolMixingReadyEvent{Currency: types.CurrencyBTC})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolDeposits.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolDepositAmount.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 1.75, testutil.ToFloat64(c.poolAvailable.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.poolLocked.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolChunks.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolRebalances.WithLabelValues(types.CurrencyBTC)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolMixingReady.WithLabelValues(types.CurrencyBTC)))
}

func TestRunFromBusAndServe(t *testing.T) {
	bus := state.NewEventBus()
	c := NewCollector(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(state.PoolRebalancedEvent{Currency: types.CurrencyETH})
		return testutil.ToFloat64(c.poolRebalances.WithLabelValues(types.CurrencyETH)) > 0
	}, time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "mixer_pool_rebalances_total")
	assert.Contains(t, string(body), "mixer_bus_dropped_notifications_total")

	cancel()
	<-done
}
