package mixer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	upsertRequestSQL = `INSERT INTO mix_requests (id, currency, amount, deposit_address, output_addresses, delay_seconds, status, strategy, error, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, strategy = excluded.strategy, updated_at = excluded.updated_at`

	updateRequestStatusSQL = `UPDATE mix_requests SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	claimRequestSQL = `UPDATE mix_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND expires_at > ?`

	completeParticipantsSQL = `UPDATE mix_requests SET status = ?, strategy = ?, updated_at = ? WHERE id IN ? AND status = ?`

	releaseParticipantsSQL = `UPDATE mix_requests SET status = ?, updated_at = ? WHERE id IN ? AND status = ?`

	coinJoinCandidatesSQL = `SELECT * FROM mix_requests
WHERE currency = ? AND status = ? AND amount BETWEEN ? AND ? AND id <> ? AND expires_at > ?
ORDER BY created_at ASC LIMIT ?`
)

func (e *Engine) saveRequest(ctx context.Context, req types.MixRequest, status types.RequestStatus, strategy types.StrategyType) error {
	outputs, err := json.Marshal(req.OutputAddresses)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	_, err = e.deps.Storage.Exec(ctx, upsertRequestSQL,
		req.ID, req.Currency, int64(req.Amount), req.DepositAddress, string(outputs), int64(req.Delay/time.Second),
		string(status), string(strategy), now.Add(e.cfg.RequestTTL), now, now)
	return err
}

// updateRequestStatus is best effort; the mix outcome never depends on it.
func (e *Engine) updateRequestStatus(id string, status types.RequestStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.deps.Storage.Exec(ctx, updateRequestStatusSQL, string(status), reason, e.now().UTC(), id); err != nil {
		log.Warnf("Failed to update mix request %s to %s: %v", id, status, err)
	}
}

// claimRequest moves a pending, unexpired request to PROCESSING. It reports false
// when another mix took the request first.
func (e *Engine) claimRequest(ctx context.Context, id string) (bool, error) {
	now := e.now().UTC()
	n, err := e.deps.Storage.Exec(ctx, claimRequestSQL,
		string(types.RequestStatusProcessing), now, id, string(types.RequestStatusPending), now)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// findCoinJoinCandidates returns other pending requests of the same currency whose
// amount is within the configured tolerance, oldest first. Candidates failing the
// security screen are left out.
func (e *Engine) findCoinJoinCandidates(ctx context.Context, req types.MixRequest) ([]types.Participant, error) {
	tolerance := types.Amount(float64(req.Amount) * e.cfg.CoinJoinAmountTolerancePct / 100)
	var rows []db.MixRequest
	err := e.deps.Storage.Query(ctx, &rows, coinJoinCandidatesSQL,
		req.Currency, string(types.RequestStatusPending), int64(req.Amount-tolerance), int64(req.Amount+tolerance),
		req.ID, e.now().UTC(), e.cfg.MaxCoinJoinCandidates)
	if err != nil {
		return nil, fmt.Errorf("query coinjoin candidates: %w", err)
	}

	participants := make([]types.Participant, 0, len(rows))
	for _, row := range rows {
		var outputs []types.OutputAddress
		if err := json.Unmarshal([]byte(row.OutputAddresses), &outputs); err != nil {
			log.Warnf("Skip coinjoin candidate %s, bad output addresses: %v", row.ID, err)
			continue
		}
		p := types.Participant{
			RequestID:       row.ID,
			Currency:        row.Currency,
			Amount:          types.Amount(row.Amount),
			DepositAddress:  row.DepositAddress,
			OutputAddresses: outputs,
			Delay:           time.Duration(row.DelaySeconds) * time.Second,
		}
		if err := e.deps.Security.Screen(ctx, p.Request()); err != nil {
			log.Warnf("Skip coinjoin candidate %s: %v", row.ID, err)
			continue
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// claimParticipants claims candidates the same way the queue drain claims a
// request and returns the ones won.
func (e *Engine) claimParticipants(ctx context.Context, candidates []types.Participant) []types.Participant {
	claimed := make([]types.Participant, 0, len(candidates))
	for _, p := range candidates {
		ok, err := e.claimRequest(ctx, p.RequestID)
		if err != nil {
			log.Warnf("Failed to claim coinjoin candidate %s: %v", p.RequestID, err)
			continue
		}
		if ok {
			claimed = append(claimed, p)
		}
	}
	return claimed
}

// releaseParticipants hands claimed candidates back to PENDING and to the queue
// drain so they are mixed on their own or matched again.
func (e *Engine) releaseParticipants(participants []types.Participant) {
	if len(participants) == 0 {
		return
	}
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.RequestID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.deps.Storage.Exec(ctx, releaseParticipantsSQL,
		string(types.RequestStatusPending), e.now().UTC(), ids, string(types.RequestStatusProcessing)); err != nil {
		log.Warnf("Failed to release coinjoin participants %v: %v", ids, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	queued := make(map[string]struct{}, len(e.queue))
	for _, req := range e.queue {
		queued[req.ID] = struct{}{}
	}
	for _, p := range participants {
		if _, ok := queued[p.RequestID]; ok || len(e.queue) >= e.cfg.QueueLimit {
			continue
		}
		e.queue = append(e.queue, p.Request())
	}
	log.Debugf("Released coinjoin participants %v", ids)
}

// completeParticipants marks the claimed requests mixed inside a CoinJoin as done.
func (e *Engine) completeParticipants(ctx context.Context, participants []types.Participant) {
	if len(participants) == 0 {
		return
	}
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.RequestID
	}
	if _, err := e.deps.Storage.Exec(ctx, completeParticipantsSQL,
		string(types.RequestStatusCompleted), string(types.StrategyCoinJoin), e.now().UTC(), ids, string(types.RequestStatusProcessing)); err != nil {
		log.Warnf("Failed to complete coinjoin participants %v: %v", ids, err)
	}
}

// selectStrategy runs once per request: CoinJoin when enough matching requests
// are pending and could be claimed, pool mixing when the currency has a pool of
// at least its minimum size, FastMix otherwise. The returned participants are
// claimed and must be completed or released by the mix.
func (e *Engine) selectStrategy(ctx context.Context, req types.MixRequest) (types.Strategy, []types.Participant) {
	candidates, err := e.findCoinJoinCandidates(ctx, req)
	if err != nil {
		log.Warnf("CoinJoin matching failed for %s: %v", req.ID, err)
	}
	if len(candidates) >= e.cfg.MinCoinJoinParticipants {
		claimed := e.claimParticipants(ctx, candidates)
		if len(claimed) >= e.cfg.MinCoinJoinParticipants {
			return types.CoinJoinStrategy(), claimed
		}
		e.releaseParticipants(claimed)
	}
	if minSize, ok := e.deps.Pools.MinPoolSize(req.Currency); ok && e.deps.Pools.PoolSize(req.Currency) >= minSize {
		return types.PoolMixingStrategy(), nil
	}
	return types.FastMixStrategy(), nil
}
