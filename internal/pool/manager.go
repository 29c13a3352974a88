package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrPoolNotConfigured     = errors.New("pool not configured for currency")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientLiquidity = errors.New("insufficient available liquidity")
	ErrSessionNotFound       = errors.New("no reservations for session")
	ErrTransactionNotFound   = errors.New("pool transaction not found")
	ErrInvalidTransition     = errors.New("invalid pool transaction transition")
)

// PoolManager owns every Pool and MixingQueue. Pool fields are only mutated here,
// under the pool's own mutex, so check-then-act sequences are atomic per currency.
type PoolManager struct {
	cfg      config.PoolConfig
	storage  db.Storage
	notifier state.Notifier
	now      func() time.Time

	poolsMu sync.RWMutex
	pools   map[string]*Pool

	timerMu         sync.Mutex
	rebalanceTimers map[string]*time.Timer

	once sync.Once
}

type nopNotifier struct{}

func (nopNotifier) Publish(state.Notification) {}

func NewPoolManager(cfg config.PoolConfig, storage db.Storage, notifier state.Notifier) *PoolManager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.MinMixParticipants <= 0 {
		cfg.MinMixParticipants = 3
	}
	if cfg.MaxPoolAge <= 0 {
		cfg.MaxPoolAge = 24 * time.Hour
	}
	if cfg.RebalanceDelay <= 0 {
		cfg.RebalanceDelay = time.Minute
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = 0.2
	}
	return &PoolManager{
		cfg:             cfg,
		storage:         storage,
		notifier:        notifier,
		now:             time.Now,
		pools:           make(map[string]*Pool),
		rebalanceTimers: make(map[string]*time.Timer),
	}
}

// Start restores persisted pools and runs the utilization monitor until ctx is done.
func (pm *PoolManager) Start(ctx context.Context) {
	if err := pm.LoadState(ctx); err != nil {
		log.Warnf("PoolManager failed to restore pool state: %v", err)
	}

	interval := pm.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("PoolManager started.")
	for {
		select {
		case <-ctx.Done():
			pm.Stop()
			log.Info("PoolManager stopped.")
			return
		case <-ticker.C:
			pm.monitor(ctx)
		}
	}
}

// Stop cancels pending rebalances and persists the pools one last time.
func (pm *PoolManager) Stop() {
	pm.once.Do(func() {
		pm.timerMu.Lock()
		for currency, timer := range pm.rebalanceTimers {
			timer.Stop()
			delete(pm.rebalanceTimers, currency)
		}
		pm.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pm.SaveState(ctx); err != nil {
			log.Errorf("PoolManager failed to persist pool state on stop: %v", err)
		}
	})
}

func (pm *PoolManager) limits(currency string) (config.PoolLimits, bool) {
	l, ok := pm.cfg.Limits[currency]
	return l, ok
}

// getOrCreatePool returns the pool of a configured currency, creating it on first use.
func (pm *PoolManager) getOrCreatePool(currency string) (*Pool, error) {
	limits, ok := pm.limits(currency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotConfigured, currency)
	}

	pm.poolsMu.RLock()
	p, ok := pm.pools[currency]
	pm.poolsMu.RUnlock()
	if ok {
		return p, nil
	}

	pm.poolsMu.Lock()
	defer pm.poolsMu.Unlock()
	if p, ok = pm.pools[currency]; !ok {
		p = newPool(currency, limits.TargetPoolSize, pm.now())
		pm.pools[currency] = p
		log.Infof("Created %s liquidity pool", currency)
	}
	return p, nil
}

func (pm *PoolManager) getPool(currency string) (*Pool, error) {
	pm.poolsMu.RLock()
	defer pm.poolsMu.RUnlock()
	p, ok := pm.pools[types.NormalizeCurrency(currency)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, currency)
	}
	return p, nil
}

// AddToPool records a deposit and returns the id of its ledger entry.
func (pm *PoolManager) AddToPool(ctx context.Context, currency string, amount types.Amount, depositAddress string) (string, error) {
	currency = types.NormalizeCurrency(currency)
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	p, err := pm.getOrCreatePool(currency)
	if err != nil {
		return "", err
	}

	now := pm.now()
	tx := &PoolTransaction{
		ID:        uuid.New().String(),
		Amount:    amount,
		Address:   depositAddress,
		Timestamp: now,
		Status:    TxStatusPending,
	}

	p.mu.Lock()
	p.Transactions = append(p.Transactions, tx)
	p.TotalAmount += amount
	p.AvailableAmount += amount
	p.LastActivity = now
	deposit := state.PoolDepositEvent{
		Currency:        currency,
		TransactionID:   tx.ID,
		Amount:          amount,
		TotalAmount:     p.TotalAmount,
		AvailableAmount: p.AvailableAmount,
	}
	ready := pm.evaluateReadiness(p)
	total := p.TotalAmount
	p.mu.Unlock()

	log.Infof("Added %s %s to pool from %s, pool total %s", amount, currency, depositAddress, total)
	pm.notifier.Publish(deposit)
	if ready != nil {
		pm.notifier.Publish(*ready)
	}
	pm.checkRebalance(currency, total)
	return tx.ID, nil
}

// JoinQueue adds a participant to the currency's waiting queue.
func (pm *PoolManager) JoinQueue(currency string, participant QueueParticipant) error {
	currency = types.NormalizeCurrency(currency)
	if participant.Amount <= 0 {
		return ErrInvalidAmount
	}
	p, err := pm.getOrCreatePool(currency)
	if err != nil {
		return err
	}
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = pm.now()
	}

	p.mu.Lock()
	if p.Queue.Status == QueueCompleted {
		p.Queue.Status = QueueWaiting
		p.Queue.Created = participant.JoinedAt
	}
	p.Queue.Participants = append(p.Queue.Participants, participant)
	ready := pm.evaluateReadiness(p)
	p.mu.Unlock()

	if ready != nil {
		pm.notifier.Publish(*ready)
	}
	return nil
}

// evaluateReadiness must be called with p.mu held. It returns the notification
// to publish when the queue just became ready.
func (pm *PoolManager) evaluateReadiness(p *Pool) *state.PoolMixingReadyEvent {
	limits, _ := pm.limits(p.Currency)
	ready := p.AvailableAmount >= limits.MinPoolSize && len(p.Queue.Participants) >= pm.cfg.MinMixParticipants

	switch {
	case ready && (p.Queue.Status == QueueWaiting || p.Queue.Status == QueueCompleted):
		p.Queue.Status = QueueReady
		log.Infof("%s pool ready for mixing, available %s, participants %d", p.Currency, p.AvailableAmount, len(p.Queue.Participants))
		return &state.PoolMixingReadyEvent{
			Currency:        p.Currency,
			AvailableAmount: p.AvailableAmount,
			Participants:    len(p.Queue.Participants),
		}
	case !ready && p.Queue.Status == QueueReady:
		p.Queue.Status = QueueWaiting
	}
	return nil
}

// IsMixingReady reports whether both readiness thresholds are currently met.
func (pm *PoolManager) IsMixingReady(currency string) bool {
	p, err := pm.getPool(currency)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Queue.Status == QueueReady
}

// ProcessMixingChunk reserves amount from the available balance for a session.
func (pm *PoolManager) ProcessMixingChunk(ctx context.Context, currency string, amount types.Amount, sessionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p, err := pm.getPool(currency)
	if err != nil {
		return err
	}

	now := pm.now()
	p.mu.Lock()
	if p.AvailableAmount < amount {
		available := p.AvailableAmount
		p.mu.Unlock()
		return fmt.Errorf("%w: %s %s requested, %s available", ErrInsufficientLiquidity, amount, p.Currency, available)
	}
	p.AvailableAmount -= amount
	p.LockedAmount += amount
	p.LastActivity = now
	p.reserve(sessionID, amount, now)
	p.Queue.Status = QueueMixing
	event := state.PoolChunkProcessedEvent{
		Currency:        p.Currency,
		SessionID:       sessionID,
		Amount:          amount,
		AvailableAmount: p.AvailableAmount,
		LockedAmount:    p.LockedAmount,
	}
	p.mu.Unlock()

	log.Debugf("Reserved %s %s chunk for session %s", amount, p.Currency, sessionID)
	pm.notifier.Publish(event)
	return nil
}

// MarkTransaction moves a ledger entry along its lifecycle.
func (pm *PoolManager) MarkTransaction(currency, txID string, status TransactionStatus, mixGroupID string) error {
	p, err := pm.getPool(currency)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pm.markLocked(p, txID, status, mixGroupID)
}

func (pm *PoolManager) markLocked(p *Pool, txID string, status TransactionStatus, mixGroupID string) error {
	tx := p.findTransaction(txID)
	if tx == nil {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if !canTransition(tx.Status, status) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, txID, tx.Status, status)
	}
	tx.Status = status
	if mixGroupID != "" {
		tx.MixGroupID = mixGroupID
	}
	return nil
}

// ReleaseSession returns a session's reservations to the available balance.
func (pm *PoolManager) ReleaseSession(currency, sessionID string) (types.Amount, error) {
	p, err := pm.getPool(currency)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	released := p.removeSession(sessionID)
	p.LockedAmount -= released
	p.AvailableAmount += released
	if len(p.Queue.Participants) == 0 && p.Queue.Status == QueueMixing {
		p.Queue.Status = QueueWaiting
	}
	p.mu.Unlock()

	if released > 0 {
		log.Infof("Released %s %s reserved by session %s", released, currency, sessionID)
	}
	return released, nil
}

// Settle removes a distributed session from custody and marks its deposit distributed.
func (pm *PoolManager) Settle(currency, sessionID, txID string) (types.Amount, error) {
	p, err := pm.getPool(currency)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx := p.findTransaction(txID); tx == nil {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	} else if tx.Status != TxStatusMixed {
		return 0, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, txID, tx.Status)
	}
	settled := p.removeSession(sessionID)
	if settled == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	p.LockedAmount -= settled
	p.TotalAmount -= settled
	p.LastActivity = pm.now()
	if len(p.Queue.Participants) == 0 {
		p.Queue.Status = QueueCompleted
	}
	if err := pm.markLocked(p, txID, TxStatusDistributed, sessionID); err != nil {
		return 0, err
	}
	log.Infof("Settled %s %s for session %s, pool total %s", settled, p.Currency, sessionID, p.TotalAmount)
	return settled, nil
}

// AddIntermediateAddresses remembers hop addresses generated for a currency.
func (pm *PoolManager) AddIntermediateAddresses(currency string, addresses ...string) error {
	p, err := pm.getOrCreatePool(types.NormalizeCurrency(currency))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.IntermediateAddresses = append(p.IntermediateAddresses, addresses...)
	p.mu.Unlock()
	return nil
}

// PoolSize returns the current custody of a currency, zero for an unknown pool.
func (pm *PoolManager) PoolSize(currency string) types.Amount {
	p, err := pm.getPool(currency)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TotalAmount
}

// MinPoolSize returns the configured minimum pool size of a currency and whether
// the currency has pool limits at all.
func (pm *PoolManager) MinPoolSize(currency string) (types.Amount, bool) {
	l, ok := pm.limits(types.NormalizeCurrency(currency))
	return l.MinPoolSize, ok
}

// Snapshot returns a copy of one pool.
func (pm *PoolManager) Snapshot(currency string) (PoolSnapshot, error) {
	p, err := pm.getPool(currency)
	if err != nil {
		return PoolSnapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(pm.now()), nil
}

// Currencies lists the currencies that have a pool, sorted.
func (pm *PoolManager) Currencies() []string {
	pm.poolsMu.RLock()
	defer pm.poolsMu.RUnlock()
	out := make([]string, 0, len(pm.pools))
	for c := range pm.pools {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// checkRebalance schedules one rebalance per currency when the pool deviates from
// its target by the configured threshold. A pending timer suppresses duplicates.
func (pm *PoolManager) checkRebalance(currency string, total types.Amount) {
	limits, ok := pm.limits(currency)
	if !ok || limits.TargetPoolSize <= 0 {
		return
	}
	deviation := math.Abs(float64(total-limits.TargetPoolSize)) / float64(limits.TargetPoolSize)
	if deviation < pm.cfg.RebalanceThreshold-1e-9 {
		return
	}

	pm.timerMu.Lock()
	defer pm.timerMu.Unlock()
	if _, pending := pm.rebalanceTimers[currency]; pending {
		return
	}
	pm.rebalanceTimers[currency] = time.AfterFunc(pm.cfg.RebalanceDelay, func() {
		pm.rebalance(currency)
	})
	log.Infof("Scheduled %s pool rebalance in %v, total %s, target %s", currency, pm.cfg.RebalanceDelay, total, limits.TargetPoolSize)
}

func (pm *PoolManager) rebalance(currency string) {
	pm.timerMu.Lock()
	delete(pm.rebalanceTimers, currency)
	pm.timerMu.Unlock()

	p, err := pm.getPool(currency)
	if err != nil {
		return
	}
	limits, _ := pm.limits(currency)

	p.mu.Lock()
	p.RebalanceCount++
	p.LastRebalance = pm.now()
	event := state.PoolRebalancedEvent{
		Currency:       currency,
		TotalAmount:    p.TotalAmount,
		TargetAmount:   limits.TargetPoolSize,
		RebalanceCount: p.RebalanceCount,
	}
	p.mu.Unlock()

	log.Infof("Rebalanced %s pool, total %s, target %s, count %d", currency, event.TotalAmount, event.TargetAmount, event.RebalanceCount)
	pm.notifier.Publish(event)
}

// PendingRebalances returns the number of scheduled, not yet fired rebalances.
func (pm *PoolManager) PendingRebalances() int {
	pm.timerMu.Lock()
	defer pm.timerMu.Unlock()
	return len(pm.rebalanceTimers)
}

func (pm *PoolManager) monitor(ctx context.Context) {
	for _, currency := range pm.Currencies() {
		snap, err := pm.Snapshot(currency)
		if err != nil {
			continue
		}
		if snap.UtilizationRate > 90 {
			log.Warnf("%s pool utilization high: %.2f%%", currency, snap.UtilizationRate)
		}
		log.Debugf("%s pool total %s, available %s, locked %s, utilization %.2f%%",
			currency, snap.TotalAmount, snap.AvailableAmount, snap.LockedAmount, snap.UtilizationRate)
		pm.checkRebalance(currency, snap.TotalAmount)
	}
	if err := pm.SaveState(ctx); err != nil {
		log.Warnf("PoolManager failed to persist pool state: %v", err)
	}
}
