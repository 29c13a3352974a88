package pool

import (
	"context"
	"fmt"

	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	upsertPoolStateSQL = `INSERT INTO pool_states (currency, total_amount, available_amount, locked_amount, rebalance_count, last_rebalance, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(currency) DO UPDATE SET total_amount = excluded.total_amount, available_amount = excluded.available_amount,
locked_amount = excluded.locked_amount, rebalance_count = excluded.rebalance_count, last_rebalance = excluded.last_rebalance,
updated_at = excluded.updated_at`

	upsertPoolTransactionSQL = `INSERT INTO pool_transactions (id, currency, amount, address, status, mix_group_id, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, mix_group_id = excluded.mix_group_id`

	selectPoolStatesSQL       = `SELECT * FROM pool_states`
	selectPoolTransactionsSQL = `SELECT * FROM pool_transactions WHERE currency = ? ORDER BY timestamp`
)

// SaveState writes every pool and its ledger through the storage collaborator.
func (pm *PoolManager) SaveState(ctx context.Context) error {
	if pm.storage == nil {
		return nil
	}
	now := pm.now()
	for _, currency := range pm.Currencies() {
		snap, err := pm.Snapshot(currency)
		if err != nil {
			continue
		}
		if _, err := pm.storage.Exec(ctx, upsertPoolStateSQL,
			snap.Currency, int64(snap.TotalAmount), int64(snap.AvailableAmount), int64(snap.LockedAmount),
			snap.RebalanceCount, snap.LastRebalance, now); err != nil {
			return fmt.Errorf("save %s pool state: %w", currency, err)
		}
		for _, tx := range snap.Transactions {
			if _, err := pm.storage.Exec(ctx, upsertPoolTransactionSQL,
				tx.ID, snap.Currency, int64(tx.Amount), tx.Address, string(tx.Status), tx.MixGroupID, tx.Timestamp); err != nil {
				return fmt.Errorf("save %s pool transaction %s: %w", currency, tx.ID, err)
			}
		}
	}
	return nil
}

// LoadState restores pools saved by SaveState. Reservations do not survive a
// restart, so locked balances return to available.
func (pm *PoolManager) LoadState(ctx context.Context) error {
	if pm.storage == nil {
		return nil
	}
	var states []db.PoolState
	if err := pm.storage.Query(ctx, &states, selectPoolStatesSQL); err != nil {
		return fmt.Errorf("load pool states: %w", err)
	}

	for _, st := range states {
		currency := types.NormalizeCurrency(st.Currency)
		limits, ok := pm.limits(currency)
		if !ok {
			log.Warnf("Skip persisted %s pool, currency no longer configured", currency)
			continue
		}

		var rows []db.PoolTransaction
		if err := pm.storage.Query(ctx, &rows, selectPoolTransactionsSQL, st.Currency); err != nil {
			return fmt.Errorf("load %s pool transactions: %w", currency, err)
		}

		p := newPool(currency, limits.TargetPoolSize, pm.now())
		p.TotalAmount = types.Amount(st.TotalAmount)
		p.AvailableAmount = types.Amount(st.AvailableAmount + st.LockedAmount)
		p.RebalanceCount = st.RebalanceCount
		p.LastRebalance = st.LastRebalance
		if !st.UpdatedAt.IsZero() {
			p.LastActivity = st.UpdatedAt
		}
		for _, row := range rows {
			p.Transactions = append(p.Transactions, &PoolTransaction{
				ID:         row.ID,
				Amount:     types.Amount(row.Amount),
				Address:    row.Address,
				Timestamp:  row.Timestamp,
				Status:     TransactionStatus(row.Status),
				MixGroupID: row.MixGroupID,
			})
		}
		if p.TotalAmount != p.AvailableAmount {
			log.Warnf("Persisted %s pool inconsistent, total %s available %s, using available", currency, p.TotalAmount, p.AvailableAmount)
			p.TotalAmount = p.AvailableAmount
		}

		pm.poolsMu.Lock()
		pm.pools[currency] = p
		pm.poolsMu.Unlock()
		log.Infof("Restored %s pool, total %s, %d transactions", currency, p.TotalAmount, len(p.Transactions))
	}
	return nil
}
