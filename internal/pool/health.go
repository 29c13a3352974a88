package pool

import (
	"fmt"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// queue backlog above which a currency is reported as an issue
const maxQueueBacklog = 50

// HealthScore rates a pool from 0 to 100.
func HealthScore(s PoolSnapshot, limits config.PoolLimits, maxPoolAge time.Duration, now time.Time) int {
	score := 100
	if s.TotalAmount < limits.MinPoolSize {
		score -= 30
	}
	if s.TotalAmount > limits.MaxPoolSize {
		score -= 20
	}
	if s.UtilizationRate > 90 {
		score -= 25
	}
	if s.UtilizationRate < 10 {
		score -= 15
	}
	score -= 5 * staleTransactions(s.Transactions, maxPoolAge, now)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func staleTransactions(txs []PoolTransaction, maxPoolAge time.Duration, now time.Time) int {
	stale := 0
	for _, tx := range txs {
		if tx.Status != TxStatusDistributed && now.Sub(tx.Timestamp) > maxPoolAge {
			stale++
		}
	}
	return stale
}

type PoolStatistics struct {
	Currency               string       `json:"currency"`
	Size                   types.Amount `json:"size"`
	Available              types.Amount `json:"available"`
	Locked                 types.Amount `json:"locked"`
	Utilization            float64      `json:"utilization"`
	Participants           int          `json:"participants"`
	AverageTransactionSize types.Amount `json:"average_transaction_size"`
	AverageAge             string       `json:"average_age"`
	LastActivity           time.Time    `json:"last_activity"`
	RebalanceCount         uint64       `json:"rebalance_count"`
	QueueStatus            QueueStatus  `json:"queue_status"`
	HealthScore            int          `json:"health_score"`
}

// GetPoolStatistics reports the current figures of one pool.
func (pm *PoolManager) GetPoolStatistics(currency string) (PoolStatistics, error) {
	snap, err := pm.Snapshot(currency)
	if err != nil {
		return PoolStatistics{}, err
	}
	limits, _ := pm.limits(snap.Currency)

	var avg types.Amount
	if n := len(snap.Transactions); n > 0 {
		var sum types.Amount
		for _, tx := range snap.Transactions {
			sum += tx.Amount
		}
		avg = sum / types.Amount(n)
	}

	return PoolStatistics{
		Currency:               snap.Currency,
		Size:                   snap.TotalAmount,
		Available:              snap.AvailableAmount,
		Locked:                 snap.LockedAmount,
		Utilization:            snap.UtilizationRate,
		Participants:           snap.Participants,
		AverageTransactionSize: avg,
		AverageAge:             snap.AverageAge.String(),
		LastActivity:           snap.LastActivity,
		RebalanceCount:         snap.RebalanceCount,
		QueueStatus:            snap.QueueStatus,
		HealthScore:            HealthScore(snap, limits, pm.cfg.MaxPoolAge, pm.now()),
	}, nil
}

type CurrencyHealth struct {
	Score        int          `json:"score"`
	Status       HealthStatus `json:"status"`
	Participants int          `json:"participants"`
}

type HealthReport struct {
	Healthy     bool                      `json:"healthy"`
	Status      HealthStatus              `json:"status"`
	PerCurrency map[string]CurrencyHealth `json:"per_currency"`
	Issues      []string                  `json:"issues"`
}

func scoreStatus(score int) HealthStatus {
	switch {
	case score >= 70:
		return HealthHealthy
	case score >= 40:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// HealthCheck aggregates the per pool scores and queue backlog into one verdict.
func (pm *PoolManager) HealthCheck() HealthReport {
	report := HealthReport{
		Status:      HealthHealthy,
		PerCurrency: make(map[string]CurrencyHealth),
		Issues:      []string{},
	}
	now := pm.now()

	for _, currency := range pm.Currencies() {
		snap, err := pm.Snapshot(currency)
		if err != nil {
			continue
		}
		limits, _ := pm.limits(currency)
		score := HealthScore(snap, limits, pm.cfg.MaxPoolAge, now)
		status := scoreStatus(score)
		report.PerCurrency[currency] = CurrencyHealth{Score: score, Status: status, Participants: snap.Participants}

		if status != HealthHealthy {
			report.Issues = append(report.Issues, fmt.Sprintf("%s pool health score %d", currency, score))
		}
		if snap.Participants > maxQueueBacklog {
			report.Issues = append(report.Issues, fmt.Sprintf("%s queue backlog %d", currency, snap.Participants))
			if status == HealthHealthy {
				status = HealthDegraded
			}
		}
		report.Status = worse(report.Status, status)
	}

	report.Healthy = report.Status != HealthUnhealthy
	return report
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
