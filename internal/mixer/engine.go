package mixer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrEngineNotRunning         = errors.New("mixing engine is not running")
	ErrCapacityExceeded         = errors.New("maximum concurrent mixes reached")
	ErrInvalidRequest           = errors.New("invalid mix request")
	ErrSecurityRejected         = errors.New("mix request rejected by security check")
	ErrMissingDependency        = errors.New("missing engine dependency")
	ErrQueueFull                = errors.New("mix request queue is full")
	ErrMixNotFound              = errors.New("mix not found")
	ErrInsufficientParticipants = errors.New("not enough coinjoin participants")
	ErrNothingToForward         = errors.New("hop address holds no funds")
	ErrAmountTooSmall           = errors.New("amount too small to split into chunks")
)

// Dependencies are the collaborators an Engine needs before it accepts work.
// Notifier is optional.
type Dependencies struct {
	Pools       PoolService
	Storage     db.Storage
	Blockchain  BlockchainManager
	Validator   Validator
	Security    Security
	Scheduler   Scheduler
	Coordinator Coordinator
	Notifier    state.Notifier
}

type nopNotifier struct{}

func (nopNotifier) Publish(state.Notification) {}

// MixResult is returned for an admitted request.
type MixResult struct {
	Success        bool                 `json:"success"`
	MixID          string               `json:"mix_id"`
	Strategy       types.StrategyType   `json:"strategy"`
	AnonymityLevel types.AnonymityLevel `json:"anonymity_level"`
	EstimatedTime  time.Duration        `json:"estimated_time"`
}

type Engine struct {
	cfg  config.MixerConfig
	deps Dependencies
	now  func() time.Time

	mu       sync.Mutex
	running  bool
	active   map[string]*MixContext
	reserved int
	queue    []types.MixRequest
	stats    statistics

	mixCtx     context.Context
	mixCancel  context.CancelFunc
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

func NewEngine(cfg config.MixerConfig, deps Dependencies) *Engine {
	if cfg.MaxConcurrentMixes <= 0 {
		cfg.MaxConcurrentMixes = 100
	}
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxMixingTime <= 0 {
		cfg.MaxMixingTime = time.Hour
	}
	if cfg.TimeoutSweepInterval <= 0 {
		cfg.TimeoutSweepInterval = 10 * time.Minute
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = 5 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MinCoinJoinParticipants <= 0 {
		cfg.MinCoinJoinParticipants = 3
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 24 * time.Hour
	}
	if cfg.CoinJoinResponseTimeout <= 0 {
		cfg.CoinJoinResponseTimeout = 2 * time.Minute
	}
	if cfg.IntermediateHops <= 0 {
		cfg.IntermediateHops = 3
	}
	if cfg.MaxCoinJoinCandidates <= 0 {
		cfg.MaxCoinJoinCandidates = 10
	}
	if cfg.CoinJoinAmountTolerancePct <= 0 {
		cfg.CoinJoinAmountTolerancePct = 10
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		active: make(map[string]*MixContext),
		stats:  newStatistics(),
	}
}

func (e *Engine) missingDependencies() []string {
	var missing []string
	if e.deps.Pools == nil {
		missing = append(missing, "pool manager")
	}
	if e.deps.Storage == nil {
		missing = append(missing, "storage")
	}
	if e.deps.Blockchain == nil {
		missing = append(missing, "blockchain manager")
	}
	if e.deps.Validator == nil {
		missing = append(missing, "validator")
	}
	if e.deps.Security == nil {
		missing = append(missing, "security")
	}
	if e.deps.Scheduler == nil {
		missing = append(missing, "scheduler")
	}
	if e.deps.Coordinator == nil {
		missing = append(missing, "coordinator")
	}
	return missing
}

// Start checks the collaborators and starts the queue drain and timeout sweep loops.
// Running mixes are not bound to ctx; Stop drains them.
func (e *Engine) Start(ctx context.Context) error {
	if missing := e.missingDependencies(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mixCtx, e.mixCancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.mu.Unlock()

	e.loops.Add(2)
	go e.queueLoop(loopCtx)
	go e.timeoutLoop(loopCtx)

	log.Infof("MixingEngine started, max concurrent mixes %d, max retries %d", e.cfg.MaxConcurrentMixes, e.cfg.MaxRetryAttempts)
	return nil
}

// Stop stops admitting requests and waits up to ShutdownTimeout for active mixes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.loopCancel()
	e.mu.Unlock()
	e.loops.Wait()

	deadline := time.Now().Add(e.cfg.ShutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	for e.ActiveCount() > 0 && time.Now().Before(deadline) {
		<-ticker.C
	}
	ticker.Stop()

	e.mu.Lock()
	remaining := make([]string, 0, len(e.active))
	for id, mc := range e.active {
		if mc.retryTimer != nil {
			mc.retryTimer.Stop()
		}
		remaining = append(remaining, id)
	}
	e.mixCancel()
	e.mu.Unlock()

	if len(remaining) > 0 {
		sort.Strings(remaining)
		log.Warnf("MixingEngine stopped with %d mixes in flight: %v", len(remaining), remaining)
		return
	}
	log.Info("MixingEngine stopped.")
}

func (e *Engine) queueLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainQueue(ctx)
		}
	}
}

func (e *Engine) timeoutLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepTimeouts()
		}
	}
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// reserveSlot takes a capacity slot for a request still being admitted.
func (e *Engine) reserveSlot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrEngineNotRunning
	}
	if len(e.active)+e.reserved >= e.cfg.MaxConcurrentMixes {
		return fmt.Errorf("%w: %d active", ErrCapacityExceeded, len(e.active))
	}
	e.reserved++
	return nil
}

// ProcessMixRequest admits a request and starts mixing it in the background.
func (e *Engine) ProcessMixRequest(ctx context.Context, req types.MixRequest) (MixResult, error) {
	return e.admit(ctx, req, false)
}

// admit runs the checks and starts the mix. A queued request already passed the
// rate limit when it was queued, so it is only screened again.
func (e *Engine) admit(ctx context.Context, req types.MixRequest, queued bool) (MixResult, error) {
	if err := e.reserveSlot(); err != nil {
		return MixResult{}, err
	}
	admitted := false
	defer func() {
		if !admitted {
			e.mu.Lock()
			e.reserved--
			e.mu.Unlock()
		}
	}()

	req.Currency = types.NormalizeCurrency(req.Currency)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if res := e.deps.Validator.ValidateMixRequest(req); !res.IsValid {
		return MixResult{}, fmt.Errorf("%w: %s", ErrInvalidRequest, res.Error)
	}
	check := e.deps.Security.ValidateMixRequest
	if queued {
		check = e.deps.Security.Screen
	}
	if err := check(ctx, req); err != nil {
		return MixResult{}, fmt.Errorf("%w: %v", ErrSecurityRejected, err)
	}

	strategy, participants := e.selectStrategy(ctx, req)
	now := e.now()
	mc := &MixContext{
		ID:                  uuid.New().String(),
		Request:             req,
		Status:              types.MixStatusInitializing,
		CurrentPhase:        strategy.FirstPhase(),
		StartTime:           now,
		Participants:        participants,
		SessionID:           uuid.New().String(),
		MixingID:            uuid.New().String(),
		Strategy:            strategy,
		EstimatedCompletion: now.Add(strategy.EstimatedTime),
	}
	if err := e.saveRequest(ctx, req, types.RequestStatusProcessing, strategy.Type); err != nil {
		log.Warnf("Failed to persist mix request %s: %v", req.ID, err)
	}

	e.mu.Lock()
	e.reserved--
	admitted = true
	if !e.running {
		e.mu.Unlock()
		e.releaseParticipants(participants)
		return MixResult{}, ErrEngineNotRunning
	}
	e.active[mc.ID] = mc
	e.stats.recordStart(strategy.Type)
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"mix_id":   mc.ID,
		"request":  req.ID,
		"currency": req.Currency,
		"strategy": strategy.Type,
	}).Infof("Mix started, amount %s, participants %d", req.Amount, len(participants))

	e.deps.Notifier.Publish(state.MixStartedEvent{
		MixID:     mc.ID,
		Currency:  req.Currency,
		Amount:    req.Amount,
		Strategy:  strategy.Type,
		StartedAt: now,
	})
	go e.runMix(mc)

	return MixResult{
		Success:        true,
		MixID:          mc.ID,
		Strategy:       strategy.Type,
		AnonymityLevel: strategy.AnonymityLevel,
		EstimatedTime:  strategy.EstimatedTime,
	}, nil
}

// QueueMixRequest validates, security checks and persists a request as a CoinJoin
// candidate and hands it to the queue drain.
func (e *Engine) QueueMixRequest(ctx context.Context, req types.MixRequest) (string, error) {
	e.mu.Lock()
	running, queued := e.running, len(e.queue)
	e.mu.Unlock()
	if !running {
		return "", ErrEngineNotRunning
	}
	if queued >= e.cfg.QueueLimit {
		return "", fmt.Errorf("%w: %d queued", ErrQueueFull, queued)
	}

	req.Currency = types.NormalizeCurrency(req.Currency)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if res := e.deps.Validator.ValidateMixRequest(req); !res.IsValid {
		return "", fmt.Errorf("%w: %s", ErrInvalidRequest, res.Error)
	}
	if err := e.deps.Security.ValidateMixRequest(ctx, req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecurityRejected, err)
	}
	if err := e.saveRequest(ctx, req, types.RequestStatusPending, ""); err != nil {
		return "", fmt.Errorf("persist mix request: %w", err)
	}

	e.mu.Lock()
	if len(e.queue) >= e.cfg.QueueLimit {
		e.mu.Unlock()
		e.updateRequestStatus(req.ID, types.RequestStatusFailed, ErrQueueFull.Error())
		return "", ErrQueueFull
	}
	e.queue = append(e.queue, req)
	e.mu.Unlock()

	log.Debugf("Queued mix request %s, %s %s", req.ID, req.Amount, req.Currency)
	return req.ID, nil
}

func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// drainQueue admits at most as many queued requests as there are free slots.
func (e *Engine) drainQueue(ctx context.Context) {
	e.mu.Lock()
	free := e.cfg.MaxConcurrentMixes - len(e.active) - e.reserved
	if !e.running || free <= 0 || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	n := min(free, len(e.queue))
	batch := append([]types.MixRequest(nil), e.queue[:n]...)
	e.queue = append([]types.MixRequest(nil), e.queue[n:]...)
	e.mu.Unlock()

	for i, req := range batch {
		claimed, err := e.claimRequest(ctx, req.ID)
		if err != nil {
			log.Errorf("Failed to claim queued mix request %s: %v", req.ID, err)
			continue
		}
		if !claimed {
			log.Debugf("Queued mix request %s is no longer pending, skip", req.ID)
			continue
		}
		_, err = e.admit(ctx, req, true)
		switch {
		case err == nil:
		case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrEngineNotRunning):
			e.requeue(batch[i:])
			return
		default:
			log.Warnf("Queued mix request %s rejected: %v", req.ID, err)
			e.updateRequestStatus(req.ID, types.RequestStatusFailed, err.Error())
		}
	}
}

// requeue puts requests back at the head of the queue, the first one was already claimed.
func (e *Engine) requeue(reqs []types.MixRequest) {
	if len(reqs) == 0 {
		return
	}
	e.updateRequestStatus(reqs[0].ID, types.RequestStatusPending, "")
	e.mu.Lock()
	e.queue = append(append([]types.MixRequest(nil), reqs...), e.queue...)
	e.mu.Unlock()
}

// GetMixStatus returns the state of an active mix.
func (e *Engine) GetMixStatus(mixID string) (MixStatus, error) {
	e.mu.Lock()
	mc, ok := e.active[mixID]
	e.mu.Unlock()
	if !ok {
		return MixStatus{}, fmt.Errorf("%w: %s", ErrMixNotFound, mixID)
	}
	return mc.status(), nil
}

func (e *Engine) runMix(mc *MixContext) {
	e.mu.Lock()
	if _, ok := e.active[mc.ID]; !ok || e.mixCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.mixCtx)
	mc.cancel = cancel
	mc.retryTimer = nil
	e.mu.Unlock()
	defer cancel()

	mc.setStatus(types.MixStatusProcessing)
	if err := e.executeStrategy(ctx, mc); err != nil {
		e.handleFailure(mc, goerrors.Wrap(err, 1))
		return
	}
	e.completeMix(mc)
}

func (e *Engine) completeMix(mc *MixContext) {
	duration := e.now().Sub(mc.StartTime)
	req := mc.Request

	e.mu.Lock()
	if _, ok := e.active[mc.ID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.active, mc.ID)
	e.stats.recordSuccess(req.Currency, req.Amount, duration)
	e.mu.Unlock()

	mc.mu.Lock()
	mc.Status = types.MixStatusCompleted
	mc.CurrentPhase = types.PhaseCompleted
	mc.Progress = 100
	mc.mu.Unlock()

	e.updateRequestStatus(req.ID, types.RequestStatusCompleted, "")
	log.WithFields(log.Fields{"mix_id": mc.ID, "strategy": mc.Strategy.Type}).Infof("Mix completed in %v", duration)
	e.deps.Notifier.Publish(state.MixCompletedEvent{
		MixID:    mc.ID,
		Currency: req.Currency,
		Amount:   req.Amount,
		Strategy: mc.Strategy.Type,
		Duration: duration,
	})
}

// handleFailure schedules a retry with linear backoff or, once retries are
// exhausted, removes the mix and reports it failed.
func (e *Engine) handleFailure(mc *MixContext, err error) {
	if !e.isActive(mc.ID) {
		// swept while the phase was still running
		e.releasePool(mc)
		return
	}
	if e.mixCtx.Err() != nil {
		log.Warnf("Mix %s interrupted by shutdown: %v", mc.ID, err)
		e.releaseParticipants(mc.participants())
		return
	}
	e.releasePool(mc)
	failedPhase := mc.phase()
	fields := log.Fields{"mix_id": mc.ID, "strategy": mc.Strategy.Type, "phase": failedPhase}

	e.mu.Lock()
	if _, ok := e.active[mc.ID]; !ok {
		e.mu.Unlock()
		return
	}
	if mc.RetryCount < e.cfg.MaxRetryAttempts {
		mc.resetForRetry(err)
		delay := e.cfg.RetryDelay * time.Duration(mc.RetryCount)
		mc.retryTimer = time.AfterFunc(delay, func() { e.runMix(mc) })
		retry := mc.RetryCount
		e.mu.Unlock()
		log.WithFields(fields).Warnf("Mix phase failed, retry %d/%d in %v: %v", retry, e.cfg.MaxRetryAttempts, delay, err)
		return
	}
	delete(e.active, mc.ID)
	e.stats.recordFailure()
	e.mu.Unlock()

	mc.mu.Lock()
	mc.Status = types.MixStatusFailed
	mc.LastError = err.Error()
	retries := mc.RetryCount
	mc.mu.Unlock()

	log.WithFields(fields).Errorf("Mix failed after %d retries: %v", retries, err)
	var stackErr *goerrors.Error
	if errors.As(err, &stackErr) {
		log.Debugf("Mix %s failure stack: %s", mc.ID, stackErr.ErrorStack())
	}

	req := mc.Request
	failure := types.MixFailure{
		MixID:          mc.ID,
		RequestID:      req.ID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		DepositAddress: req.DepositAddress,
		Strategy:       mc.Strategy.Type,
		Phase:          failedPhase,
		RetryCount:     retries,
		Error:          err.Error(),
	}
	e.deps.Security.AnalyzeMixFailure(context.Background(), failure)
	e.releaseParticipants(mc.participants())
	e.updateRequestStatus(req.ID, types.RequestStatusFailed, err.Error())
	e.deps.Notifier.Publish(state.MixFailedEvent{
		MixID:      mc.ID,
		Currency:   req.Currency,
		Strategy:   mc.Strategy.Type,
		Phase:      failedPhase,
		RetryCount: retries,
		Reason:     err.Error(),
	})
}

// releasePool returns chunk reservations of a pool mix that did not finish.
func (e *Engine) releasePool(mc *MixContext) {
	if mc.Strategy.Type != types.StrategyPoolMixing {
		return
	}
	released, err := e.deps.Pools.ReleaseSession(mc.Request.Currency, mc.SessionID)
	if err != nil && !errors.Is(err, pool.ErrPoolNotFound) {
		log.Warnf("Failed to release pool session of mix %s: %v", mc.ID, err)
		return
	}
	if released > 0 {
		log.Debugf("Mix %s released %s %s back to the pool", mc.ID, released, mc.Request.Currency)
	}
}

// sweepTimeouts abandons every mix running longer than MaxMixingTime.
func (e *Engine) sweepTimeouts() {
	now := e.now()
	var expired []*MixContext

	e.mu.Lock()
	for id, mc := range e.active {
		if now.Sub(mc.StartTime) <= e.cfg.MaxMixingTime {
			continue
		}
		delete(e.active, id)
		if mc.cancel != nil {
			mc.cancel()
		}
		if mc.retryTimer != nil {
			mc.retryTimer.Stop()
		}
		e.stats.recordTimeout()
		expired = append(expired, mc)
	}
	e.mu.Unlock()

	for _, mc := range expired {
		elapsed := now.Sub(mc.StartTime)
		phase := mc.phase()
		e.releasePool(mc)
		e.releaseParticipants(mc.participants())
		e.updateRequestStatus(mc.Request.ID, types.RequestStatusTimeout, "mixing time exceeded")
		log.WithFields(log.Fields{"mix_id": mc.ID, "phase": phase}).Warnf("Mix timed out after %v", elapsed)
		e.deps.Notifier.Publish(state.MixTimeoutEvent{
			MixID:   mc.ID,
			Phase:   phase,
			Elapsed: elapsed,
		})
	}
}
