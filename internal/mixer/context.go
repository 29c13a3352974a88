package mixer

import (
	"context"
	"sync"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/types"
)

// MixContext tracks one admitted request for as long as it is active.
type MixContext struct {
	mu sync.Mutex

	ID                  string
	Request             types.MixRequest
	Status              types.MixStatus
	CurrentPhase        types.Phase
	Progress            int
	StartTime           time.Time
	RetryCount          int
	Participants        []types.Participant
	PoolAllocations     []types.PoolAllocation
	Transactions        []types.MixTransaction
	SessionID           string
	MixingID            string
	Strategy            types.Strategy
	EstimatedCompletion time.Time
	LastError           string

	cancel     context.CancelFunc
	retryTimer *time.Timer

	// survive retries so completed side effects are not repeated
	poolTxID    string
	poolTxMixed bool
	scheduled   int
	hops        []string
	hopsSent    int
	payouts     []types.Amount
	transferred int
}

// MixStatus is the externally visible state of a mix.
type MixStatus struct {
	ID                  string             `json:"id"`
	RequestID           string             `json:"request_id"`
	Status              types.MixStatus    `json:"status"`
	Strategy            types.StrategyType `json:"strategy"`
	Phase               types.Phase        `json:"phase"`
	Progress            int                `json:"progress"`
	RetryCount          int                `json:"retry_count"`
	StartTime           time.Time          `json:"start_time"`
	EstimatedCompletion time.Time          `json:"estimated_completion"`
	ParticipantsCount   int                `json:"participants_count"`
	Transactions        int                `json:"transactions"`
	LastError           string             `json:"last_error,omitempty"`
}

func (mc *MixContext) setPhase(phase types.Phase) {
	mc.mu.Lock()
	mc.CurrentPhase = phase
	mc.mu.Unlock()
}

func (mc *MixContext) setProgress(progress int) {
	mc.mu.Lock()
	mc.Progress = progress
	mc.mu.Unlock()
}

func (mc *MixContext) setStatus(status types.MixStatus) {
	mc.mu.Lock()
	mc.Status = status
	mc.mu.Unlock()
}

func (mc *MixContext) addTransaction(hash string, txType types.MixTxType, at time.Time) {
	mc.mu.Lock()
	mc.Transactions = append(mc.Transactions, types.MixTransaction{Hash: hash, Type: txType, Timestamp: at})
	mc.mu.Unlock()
}

func (mc *MixContext) addAllocation(a types.PoolAllocation) {
	mc.mu.Lock()
	mc.PoolAllocations = append(mc.PoolAllocations, a)
	mc.mu.Unlock()
}

func (mc *MixContext) participants() []types.Participant {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]types.Participant(nil), mc.Participants...)
}

func (mc *MixContext) phase() types.Phase {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.CurrentPhase
}

func (mc *MixContext) transactions() []types.MixTransaction {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]types.MixTransaction(nil), mc.Transactions...)
}

// resetForRetry restarts the strategy from its first phase.
func (mc *MixContext) resetForRetry(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.RetryCount++
	mc.LastError = err.Error()
	mc.Status = types.MixStatusRetrying
	mc.CurrentPhase = mc.Strategy.FirstPhase()
	mc.Progress = 0
	mc.Transactions = nil
	mc.PoolAllocations = nil
}

func (mc *MixContext) status() MixStatus {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return MixStatus{
		ID:                  mc.ID,
		RequestID:           mc.Request.ID,
		Status:              mc.Status,
		Strategy:            mc.Strategy.Type,
		Phase:               mc.CurrentPhase,
		Progress:            mc.Progress,
		RetryCount:          mc.RetryCount,
		StartTime:           mc.StartTime,
		EstimatedCompletion: mc.EstimatedCompletion,
		ParticipantsCount:   len(mc.Participants),
		Transactions:        len(mc.Transactions),
		LastError:           mc.LastError,
	}
}
