// Package metrics exports mixer and pool activity to Prometheus. It is fed only
// from the notification bus and never calls into the engine.
package metrics

import (
	"context"
	"net/http"

	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "mixer"

type Collector struct {
	registry *prometheus.Registry

	mixesStarted   *prometheus.CounterVec
	mixesCompleted *prometheus.CounterVec
	mixesFailed    *prometheus.CounterVec
	mixesTimedOut  *prometheus.CounterVec
	mixDuration    *prometheus.HistogramVec
	activeMixes    prometheus.Gauge

	poolDeposits      *prometheus.CounterVec
	poolDepositAmount *prometheus.CounterVec
	poolAvailable     *prometheus.GaugeVec
	poolLocked        *prometheus.GaugeVec
	poolChunks        *prometheus.CounterVec
	poolRebalances    *prometheus.CounterVec
	poolMixingReady   *prometheus.CounterVec
}

func NewCollector(bus *state.EventBus) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.mixesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "mixes_started_total",
		Help: "Mixes admitted by the engine",
	}, []string{"currency", "strategy"})
	c.mixesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "mixes_completed_total",
		Help: "Mixes that completed every phase",
	}, []string{"currency", "strategy"})
	c.mixesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "mixes_failed_total",
		Help: "Mixes that failed after exhausting retries",
	}, []string{"currency", "strategy"})
	c.mixesTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "mixes_timeout_total",
		Help: "Mixes reclaimed by the timeout sweep, by phase",
	}, []string{"phase"})
	c.mixDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "engine", Name: "mix_duration_seconds",
		Help:    "Duration of completed mixes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
	}, []string{"strategy"})
	c.activeMixes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "engine", Name: "active_mixes",
		Help: "Mixes started and not yet finished",
	})

	c.poolDeposits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "deposits_total",
		Help: "Deposits added to liquidity pools",
	}, []string{"currency"})
	c.poolDepositAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "deposit_coins_total",
		Help: "Coins deposited into liquidity pools",
	}, []string{"currency"})
	c.poolAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "available_coins",
		Help: "Unreserved pool liquidity at the last pool event",
	}, []string{"currency"})
	c.poolLocked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "locked_coins",
		Help: "Pool liquidity reserved by mixing sessions at the last chunk",
	}, []string{"currency"})
	c.poolChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "chunks_processed_total",
		Help: "Mixing chunks reserved in pools",
	}, []string{"currency"})
	c.poolRebalances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "rebalances_total",
		Help: "Pool rebalances performed",
	}, []string{"currency"})
	c.poolMixingReady = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "mixing_ready_total",
		Help: "Transitions of a pool queue to READY",
	}, []string{"currency"})

	c.registry.MustRegister(
		c.mixesStarted, c.mixesCompleted, c.mixesFailed, c.mixesTimedOut, c.mixDuration, c.activeMixes,
		c.poolDeposits, c.poolDepositAmount, c.poolAvailable, c.poolLocked, c.poolChunks, c.poolRebalances, c.poolMixingReady,
		collectors.NewGoCollector(),
	)
	if bus != nil {
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_notifications_total",
			Help: "Notifications skipped because a subscriber was full",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Run records every notification published on bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus *state.EventBus) {
	ch := make(chan state.Notification, state.NOTIFICATION_CHAN_LENGTH)
	bus.SubscribeAll(ch)
	defer bus.UnsubscribeAll(ch)

	for {
		select {
		case <-ctx.Done():
			log.Info("Metrics collector stopping...")
			return
		case n := <-ch:
			c.Observe(n)
		}
	}
}

func (c *Collector) Observe(n state.Notification) {
	switch e := n.(type) {
	case state.MixStartedEvent:
		c.mixesStarted.WithLabelValues(e.Currency, string(e.Strategy)).Inc()
		c.activeMixes.Inc()
	case state.MixCompletedEvent:
		c.mixesCompleted.WithLabelValues(e.Currency, string(e.Strategy)).Inc()
		c.mixDuration.WithLabelValues(string(e.Strategy)).Observe(e.Duration.Seconds())
		c.activeMixes.Dec()
	case state.MixFailedEvent:
		c.mixesFailed.WithLabelValues(e.Currency, string(e.Strategy)).Inc()
		c.activeMixes.Dec()
	case state.MixTimeoutEvent:
		c.mixesTimedOut.WithLabelValues(string(e.Phase)).Inc()
		c.activeMixes.Dec()
	case state.PoolDepositEvent:
		c.poolDeposits.WithLabelValues(e.Currency).Inc()
		c.poolDepositAmount.WithLabelValues(e.Currency).Add(e.Amount.ToCoins())
		c.poolAvailable.WithLabelValues(e.Currency).Set(e.AvailableAmount.ToCoins())
	case state.PoolChunkProcessedEvent:
		c.poolChunks.WithLabelValues(e.Currency).Inc()
		c.poolAvailable.WithLabelValues(e.Currency).Set(e.AvailableAmount.ToCoins())
		c.poolLocked.WithLabelValues(e.Currency).Set(e.LockedAmount.ToCoins())
	case state.PoolRebalancedEvent:
		c.poolRebalances.WithLabelValues(e.Currency).Inc()
	case state.PoolMixingReadyEvent:
		c.poolMixingReady.WithLabelValues(e.Currency).Inc()
	default:
		log.Debugf("Metrics collector ignores %s", n.Type())
	}
}
