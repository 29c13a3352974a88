package mixer

import (
	"context"
	"fmt"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

// statistics is guarded by Engine.mu.
type statistics struct {
	totalMixes      uint64
	successfulMixes uint64
	failedMixes     uint64
	timedOutMixes   uint64
	totalDuration   time.Duration
	volume          map[string]types.Amount
	strategies      map[types.StrategyType]uint64
}

func newStatistics() statistics {
	return statistics{
		volume:     make(map[string]types.Amount),
		strategies: make(map[types.StrategyType]uint64),
	}
}

func (s *statistics) recordStart(strategy types.StrategyType) {
	s.totalMixes++
	s.strategies[strategy]++
}

func (s *statistics) recordSuccess(currency string, amount types.Amount, duration time.Duration) {
	s.successfulMixes++
	s.totalDuration += duration
	s.volume[currency] += amount
}

func (s *statistics) recordFailure() {
	s.failedMixes++
}

func (s *statistics) recordTimeout() {
	s.timedOutMixes++
}

func (s *statistics) finished() uint64 {
	return s.successfulMixes + s.failedMixes + s.timedOutMixes
}

// successRate is the completed share of finished mixes in percent, 100 before any finished.
func (s *statistics) successRate() float64 {
	if s.finished() == 0 {
		return 100
	}
	return float64(s.successfulMixes) / float64(s.finished()) * 100
}

func (s *statistics) averageMixingTime() time.Duration {
	if s.successfulMixes == 0 {
		return 0
	}
	return s.totalDuration / time.Duration(s.successfulMixes)
}

type EngineStatus struct {
	Running             bool    `json:"running"`
	ActiveMixes         int     `json:"active_mixes"`
	QueuedRequests      int     `json:"queued_requests"`
	MaxConcurrentMixes  int     `json:"max_concurrent_mixes"`
	CapacityUtilization float64 `json:"capacity_utilization"`
}

func (e *Engine) GetStatus() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		Running:             e.running,
		ActiveMixes:         len(e.active),
		QueuedRequests:      len(e.queue),
		MaxConcurrentMixes:  e.cfg.MaxConcurrentMixes,
		CapacityUtilization: float64(len(e.active)) / float64(e.cfg.MaxConcurrentMixes) * 100,
	}
}

type Statistics struct {
	TotalMixes        uint64                        `json:"total_mixes"`
	SuccessfulMixes   uint64                        `json:"successful_mixes"`
	FailedMixes       uint64                        `json:"failed_mixes"`
	TimedOutMixes     uint64                        `json:"timed_out_mixes"`
	ActiveMixes       int                           `json:"active_mixes"`
	SuccessRate       float64                       `json:"success_rate"`
	AverageMixingTime string                        `json:"average_mixing_time"`
	VolumeByCurrency  map[string]types.Amount       `json:"volume_by_currency"`
	StrategyCounts    map[types.StrategyType]uint64 `json:"strategy_counts"`
	PoolUtilization   map[string]float64            `json:"pool_utilization"`
}

func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	out := Statistics{
		TotalMixes:        e.stats.totalMixes,
		SuccessfulMixes:   e.stats.successfulMixes,
		FailedMixes:       e.stats.failedMixes,
		TimedOutMixes:     e.stats.timedOutMixes,
		ActiveMixes:       len(e.active),
		SuccessRate:       e.stats.successRate(),
		AverageMixingTime: e.stats.averageMixingTime().String(),
		VolumeByCurrency:  make(map[string]types.Amount, len(e.stats.volume)),
		StrategyCounts:    make(map[types.StrategyType]uint64, len(e.stats.strategies)),
		PoolUtilization:   make(map[string]float64),
	}
	for k, v := range e.stats.volume {
		out.VolumeByCurrency[k] = v
	}
	for k, v := range e.stats.strategies {
		out.StrategyCounts[k] = v
	}
	e.mu.Unlock()

	if e.deps.Pools != nil {
		for _, currency := range e.deps.Pools.Currencies() {
			if ps, err := e.deps.Pools.GetPoolStatistics(currency); err == nil {
				out.PoolUtilization[currency] = ps.Utilization
			}
		}
	}
	return out
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	capacityWarnPct   = 90
	queueWarnLength   = 50
	successWarnPct    = 80
	successMinSamples = 10
	stuckFraction     = 0.8
)

type HealthReport struct {
	Healthy    bool               `json:"healthy"`
	Status     HealthStatus       `json:"status"`
	Running    bool               `json:"running"`
	Missing    []string           `json:"missing_dependencies,omitempty"`
	StuckMixes []string           `json:"stuck_mixes,omitempty"`
	Issues     []string           `json:"issues"`
	Pools      *pool.HealthReport `json:"pools,omitempty"`
}

// HealthCheck reports unhealthy when the engine cannot work at all and degraded
// when any capacity, backlog, success rate, stuck mix or pool warning is raised.
func (e *Engine) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Status: HealthHealthy, Issues: []string{}}
	fail := func(format string, args ...interface{}) {
		report.Status = HealthUnhealthy
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...interface{}) {
		if report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}

	now := e.now()
	e.mu.Lock()
	report.Running = e.running
	active, queued := len(e.active), len(e.queue)
	finished, successRate := e.stats.finished(), e.stats.successRate()
	for id, mc := range e.active {
		if float64(now.Sub(mc.StartTime)) > stuckFraction*float64(e.cfg.MaxMixingTime) {
			report.StuckMixes = append(report.StuckMixes, id)
		}
	}
	e.mu.Unlock()

	if !report.Running {
		fail("engine is not running")
	}
	if report.Missing = e.missingDependencies(); len(report.Missing) > 0 {
		fail("missing dependencies: %v", report.Missing)
	}
	if e.deps.Storage != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := e.deps.Storage.Ping(pingCtx)
		cancel()
		if err != nil {
			fail("storage unreachable: %v", err)
		}
	}

	if utilization := float64(active) / float64(e.cfg.MaxConcurrentMixes) * 100; utilization > capacityWarnPct {
		warn("capacity utilization %.1f%%", utilization)
	}
	if queued > queueWarnLength {
		warn("processing queue backlog %d", queued)
	}
	if finished >= successMinSamples && successRate < successWarnPct {
		warn("success rate %.1f%%", successRate)
	}
	if len(report.StuckMixes) > 0 {
		warn("%d mixes running longer than %.0f%% of max mixing time", len(report.StuckMixes), stuckFraction*100)
	}
	if e.deps.Pools != nil {
		pools := e.deps.Pools.HealthCheck()
		report.Pools = &pools
		if pools.Status != pool.HealthHealthy {
			warn("pool manager %s: %v", pools.Status, pools.Issues)
		}
	}

	report.Healthy = report.Status != HealthUnhealthy
	return report
}
