package mixer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"
)

const readinessPoll = 50 * time.Millisecond

func (e *Engine) executeStrategy(ctx context.Context, mc *MixContext) error {
	switch mc.Strategy.Type {
	case types.StrategyCoinJoin:
		return e.runCoinJoin(ctx, mc)
	case types.StrategyPoolMixing:
		return e.runPoolMixing(ctx, mc)
	case types.StrategyFastMix:
		return e.runFastMix(ctx, mc)
	default:
		return fmt.Errorf("unknown strategy %q", mc.Strategy.Type)
	}
}

// runCoinJoin: COORDINATION 33, SIGNING 66, BROADCAST 100.
func (e *Engine) runCoinJoin(ctx context.Context, mc *MixContext) error {
	req := mc.Request
	coordinationID := mc.MixingID

	mc.setPhase(types.PhaseCoordination)
	candidates := mc.participants()

	index := make(map[string]uint32, len(candidates))
	ids := make([]string, len(candidates))
	for i, p := range candidates {
		if err := e.deps.Coordinator.NotifyParticipant(ctx, coordinationID, p); err != nil {
			return fmt.Errorf("notify participant %s: %w", p.RequestID, err)
		}
		index[p.RequestID] = uint32(i)
		ids[i] = p.RequestID
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.CoinJoinResponseTimeout)
	confirmedIDs, err := e.deps.Coordinator.AwaitConfirmations(waitCtx, coordinationID, ids)
	cancel()
	if err != nil {
		return fmt.Errorf("await coinjoin confirmations: %w", err)
	}
	var confirmed bitmap.Bitmap
	for _, id := range confirmedIDs {
		if pos, ok := index[id]; ok {
			confirmed.Set(pos)
		}
	}
	joined := make([]types.Participant, 0, confirmed.Count())
	var declined []types.Participant
	for i, p := range candidates {
		if confirmed.Contains(uint32(i)) {
			joined = append(joined, p)
		} else {
			declined = append(declined, p)
		}
	}
	mc.mu.Lock()
	mc.Participants = joined
	mc.mu.Unlock()
	e.releaseParticipants(declined)
	if len(joined) < e.cfg.MinCoinJoinParticipants {
		return fmt.Errorf("%w: %d of %d confirmed", ErrInsufficientParticipants, len(joined), len(candidates))
	}
	log.Debugf("CoinJoin %s confirmed by %d participants", coordinationID, len(joined))
	mc.setProgress(33)

	mc.setPhase(types.PhaseSigning)
	inputs := []types.JointInput{{ParticipantID: req.ID, Address: req.DepositAddress, Amount: req.Amount}}
	outputs := jointOutputs(req.Amount, req.OutputAddresses)
	for _, p := range joined {
		inputs = append(inputs, types.JointInput{ParticipantID: p.RequestID, Address: p.DepositAddress, Amount: p.Amount})
		outputs = append(outputs, jointOutputs(p.Amount, p.OutputAddresses)...)
	}
	unsigned, err := e.deps.Blockchain.BuildJointTransaction(ctx, req.Currency, inputs, outputs)
	if err != nil {
		return fmt.Errorf("build joint transaction: %w", err)
	}
	own, err := e.deps.Blockchain.SignTransaction(ctx, req.Currency, unsigned, req.DepositAddress)
	if err != nil {
		return fmt.Errorf("sign own input: %w", err)
	}
	parts := [][]byte{own}
	for _, p := range joined {
		sigCtx, cancel := context.WithTimeout(ctx, e.cfg.CoinJoinResponseTimeout)
		sig, err := e.deps.Coordinator.RequestSignature(sigCtx, coordinationID, p.RequestID, unsigned)
		cancel()
		if err != nil {
			return fmt.Errorf("signature from %s: %w", p.RequestID, err)
		}
		parts = append(parts, sig)
	}
	combined, err := e.deps.Blockchain.CombineSignatures(ctx, req.Currency, parts)
	if err != nil {
		return fmt.Errorf("combine signatures: %w", err)
	}
	mc.setProgress(66)

	mc.setPhase(types.PhaseBroadcast)
	hash, err := e.deps.Blockchain.BroadcastTransaction(ctx, req.Currency, combined)
	if err != nil {
		return fmt.Errorf("broadcast coinjoin: %w", err)
	}
	mc.addTransaction(hash, types.MixTxCoinJoin, e.now())
	e.completeParticipants(ctx, joined)
	mc.setProgress(100)
	return nil
}

func jointOutputs(amount types.Amount, outputs []types.OutputAddress) []types.JointOutput {
	payouts := types.SplitByPercentage(amount, outputs)
	out := make([]types.JointOutput, len(outputs))
	for i, o := range outputs {
		out[i] = types.JointOutput{Address: o.Address, Amount: payouts[i]}
	}
	return out
}

// runPoolMixing: POOL_ENTRY 25, MIXING 75, DISTRIBUTION 100. The deposit and the
// payouts already scheduled are kept across retries. The queue entry and the
// chunk reservations are redone, a failed attempt released them.
func (e *Engine) runPoolMixing(ctx context.Context, mc *MixContext) error {
	req := mc.Request
	pools := e.deps.Pools

	mc.setPhase(types.PhasePoolEntry)
	if mc.poolTxID == "" {
		txID, err := pools.AddToPool(ctx, req.Currency, req.Amount, req.DepositAddress)
		if err != nil {
			return fmt.Errorf("pool entry: %w", err)
		}
		mc.poolTxID = txID
	}
	if err := pools.JoinQueue(req.Currency, pool.QueueParticipant{
		ID:              mc.SessionID,
		Amount:          req.Amount,
		InputAddress:    req.DepositAddress,
		OutputAddresses: req.OutputAddresses,
	}); err != nil {
		return fmt.Errorf("join mixing queue: %w", err)
	}
	mc.setProgress(25)

	mc.setPhase(types.PhaseMixing)
	chunks, err := splitIntoChunks(req.Amount)
	if err != nil {
		return err
	}
	if err := e.awaitReadiness(ctx, req.Currency); err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := sleepCtx(ctx, randomDelay(e.cfg.PhaseDelay)); err != nil {
			return err
		}
		if err := pools.ProcessMixingChunk(ctx, req.Currency, chunk, mc.SessionID); err != nil {
			return fmt.Errorf("mixing chunk %d: %w", i, err)
		}
		mc.addAllocation(types.PoolAllocation{
			Currency:  req.Currency,
			Amount:    chunk,
			SessionID: mc.SessionID,
			Timestamp: e.now(),
		})
	}
	if !mc.poolTxMixed {
		if err := pools.MarkTransaction(req.Currency, mc.poolTxID, pool.TxStatusMixed, mc.SessionID); err != nil {
			return fmt.Errorf("mark pool transaction mixed: %w", err)
		}
		mc.poolTxMixed = true
	}
	mc.setProgress(75)

	mc.setPhase(types.PhaseDistribution)
	payouts := types.SplitByPercentage(req.Amount, req.OutputAddresses)
	for i := mc.scheduled; i < len(payouts); i++ {
		d := types.Distribution{
			MixID:     mc.ID,
			ToAddress: req.OutputAddresses[i].Address,
			Amount:    payouts[i],
			Currency:  req.Currency,
			Delay:     jitteredDelay(req.Delay, e.cfg.DistributionJitter),
		}
		if err := e.deps.Scheduler.ScheduleDistribution(ctx, d); err != nil {
			return fmt.Errorf("schedule distribution to %s: %w", d.ToAddress, err)
		}
		mc.scheduled = i + 1
	}
	if _, err := pools.Settle(req.Currency, mc.SessionID, mc.poolTxID); err != nil {
		return fmt.Errorf("settle pool session: %w", err)
	}
	mc.setProgress(100)
	return nil
}

// awaitReadiness gives the pool up to PhaseDelay to reach its mixing thresholds.
// The mix goes on either way.
func (e *Engine) awaitReadiness(ctx context.Context, currency string) error {
	deadline := time.Now().Add(e.cfg.PhaseDelay)
	for !e.deps.Pools.IsMixingReady(currency) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Debugf("%s pool not ready for mixing, go on with the chunks", currency)
			return nil
		}
		if err := sleepCtx(ctx, min(remaining, readinessPoll)); err != nil {
			return err
		}
	}
	return nil
}

// runFastMix: OBFUSCATION 50, TRANSFER 100. Each hop forwards everything the
// previous address holds, so network fees shrink the amount along the chain.
// Hops and transfers already sent are not repeated by a retry.
func (e *Engine) runFastMix(ctx context.Context, mc *MixContext) error {
	req := mc.Request
	chain := e.deps.Blockchain

	mc.setPhase(types.PhaseObfuscation)
	for len(mc.hops) < e.cfg.IntermediateHops {
		addr, err := chain.GenerateAddress(ctx, req.Currency)
		if err != nil {
			return fmt.Errorf("generate hop address: %w", err)
		}
		mc.hops = append(mc.hops, addr)
		if err := e.deps.Pools.AddIntermediateAddresses(req.Currency, addr); err != nil && !errors.Is(err, pool.ErrPoolNotConfigured) {
			log.Warnf("Failed to record hop address of mix %s: %v", mc.ID, err)
		}
	}

	from := req.DepositAddress
	if mc.hopsSent > 0 {
		from = mc.hops[mc.hopsSent-1]
	}
	for i := mc.hopsSent; i < len(mc.hops); i++ {
		amount := req.Amount
		if i > 0 {
			if err := sleepCtx(ctx, e.cfg.HopDelay); err != nil {
				return err
			}
			held, err := e.heldBy(ctx, req.Currency, from)
			if err != nil {
				return fmt.Errorf("hop %d: %w", i, err)
			}
			amount = held
		}
		hash, err := chain.SendTransaction(ctx, req.Currency, from, mc.hops[i], amount, from)
		if err != nil {
			return fmt.Errorf("hop %d transfer: %w", i, err)
		}
		mc.addTransaction(hash, types.MixTxObfuscation, e.now())
		mc.hopsSent = i + 1
		from = mc.hops[i]
	}
	mc.setProgress(50)

	mc.setPhase(types.PhaseTransfer)
	if mc.payouts == nil {
		held := req.Amount
		if len(mc.hops) > 0 {
			var err error
			if held, err = e.heldBy(ctx, req.Currency, from); err != nil {
				return fmt.Errorf("transfer: %w", err)
			}
		}
		mc.payouts = types.SplitByPercentage(held, req.OutputAddresses)
	}
	last := len(req.OutputAddresses) - 1
	for i := mc.transferred; i <= last; i++ {
		out := req.OutputAddresses[i]
		amount := mc.payouts[i]
		if i == last && len(mc.hops) > 0 {
			// earlier payouts left their fees behind, the last one sweeps the rest
			held, err := e.heldBy(ctx, req.Currency, from)
			if err != nil {
				return fmt.Errorf("transfer to %s: %w", out.Address, err)
			}
			amount = held
		}
		hash, err := chain.SendTransaction(ctx, req.Currency, from, out.Address, amount, from)
		if err != nil {
			return fmt.Errorf("transfer to %s: %w", out.Address, err)
		}
		mc.addTransaction(hash, types.MixTxTransfer, e.now())
		mc.transferred = i + 1
	}
	mc.setProgress(100)
	return nil
}

func (e *Engine) heldBy(ctx context.Context, currency, address string) (types.Amount, error) {
	held, err := e.deps.Blockchain.GetBalance(ctx, currency, address)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", address, err)
	}
	if held <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNothingToForward, address)
	}
	return held, nil
}
