package state

import (
	"time"

	"github.com/goatnetwork/goat-mixer/internal/types"
)

// Notification is implemented by one payload type per topic.
type Notification interface {
	Type() EventType
}

type MixStartedEvent struct {
	MixID     string
	Currency  string
	Amount    types.Amount
	Strategy  types.StrategyType
	StartedAt time.Time
}

type MixCompletedEvent struct {
	MixID    string
	Currency string
	Amount   types.Amount
	Strategy types.StrategyType
	Duration time.Duration
}

type MixFailedEvent struct {
	MixID      string
	Currency   string
	Strategy   types.StrategyType
	Phase      types.Phase
	RetryCount int
	Reason     string
}

type MixTimeoutEvent struct {
	MixID   string
	Phase   types.Phase
	Elapsed time.Duration
}

type PoolDepositEvent struct {
	Currency        string
	TransactionID   string
	Amount          types.Amount
	TotalAmount     types.Amount
	AvailableAmount types.Amount
}

type PoolRebalancedEvent struct {
	Currency       string
	TotalAmount    types.Amount
	TargetAmount   types.Amount
	RebalanceCount uint64
}

type PoolChunkProcessedEvent struct {
	Currency        string
	SessionID       string
	Amount          types.Amount
	AvailableAmount types.Amount
	LockedAmount    types.Amount
}

type PoolMixingReadyEvent struct {
	Currency        string
	AvailableAmount types.Amount
	Participants    int
}

func (MixStartedEvent) Type() EventType         { return MixStarted }
func (MixCompletedEvent) Type() EventType       { return MixCompleted }
func (MixFailedEvent) Type() EventType          { return MixFailed }
func (MixTimeoutEvent) Type() EventType         { return MixTimeout }
func (PoolDepositEvent) Type() EventType        { return PoolDeposit }
func (PoolRebalancedEvent) Type() EventType     { return PoolRebalanced }
func (PoolChunkProcessedEvent) Type() EventType { return PoolChunkProcessed }
func (PoolMixingReadyEvent) Type() EventType    { return PoolMixingReady }
