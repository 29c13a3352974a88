package pool

import (
	"sync"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/types"
)

type TransactionStatus string

const (
	TxStatusPending     TransactionStatus = "PENDING"
	TxStatusConfirmed   TransactionStatus = "CONFIRMED"
	TxStatusMixed       TransactionStatus = "MIXED"
	TxStatusDistributed TransactionStatus = "DISTRIBUTED"
)

// allowed ledger transitions, anything else is rejected
var txTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:   {TxStatusConfirmed, TxStatusMixed},
	TxStatusConfirmed: {TxStatusMixed},
	TxStatusMixed:     {TxStatusDistributed},
}

func canTransition(from, to TransactionStatus) bool {
	for _, next := range txTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type QueueStatus string

const (
	QueueWaiting   QueueStatus = "WAITING"
	QueueReady     QueueStatus = "READY"
	QueueMixing    QueueStatus = "MIXING"
	QueueCompleted QueueStatus = "COMPLETED"
)

type PoolTransaction struct {
	ID         string            `json:"id"`
	Amount     types.Amount      `json:"amount"`
	Address    string            `json:"address"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     TransactionStatus `json:"status"`
	MixGroupID string            `json:"mix_group_id,omitempty"`
}

type QueueParticipant struct {
	ID              string                `json:"id"`
	Amount          types.Amount          `json:"amount"`
	InputAddress    string                `json:"input_address"`
	OutputAddresses []types.OutputAddress `json:"output_addresses"`
	JoinedAt        time.Time             `json:"joined_at"`
}

type MixingQueue struct {
	Participants []QueueParticipant `json:"participants"`
	TargetAmount types.Amount       `json:"target_amount"`
	Created      time.Time          `json:"created"`
	Status       QueueStatus        `json:"status"`
}

// Pool is the custodial balance of one currency. Every field is guarded by mu and
// total == available + locked holds whenever mu is released.
type Pool struct {
	mu sync.Mutex

	Currency              string
	TotalAmount           types.Amount
	AvailableAmount       types.Amount
	LockedAmount          types.Amount
	Transactions          []*PoolTransaction
	IntermediateAddresses []string
	LastRebalance         time.Time
	RebalanceCount        uint64
	LastActivity          time.Time

	Queue MixingQueue

	// locked amount per session, released or settled as a whole
	reservations map[string]types.Amount
}

func newPool(currency string, target types.Amount, now time.Time) *Pool {
	return &Pool{
		Currency:     currency,
		LastActivity: now,
		reservations: make(map[string]types.Amount),
		Queue: MixingQueue{
			TargetAmount: target,
			Created:      now,
			Status:       QueueWaiting,
		},
	}
}

// utilizationRate is the locked share of the pool in percent.
func (p *Pool) utilizationRate() float64 {
	if p.TotalAmount <= 0 {
		return 0
	}
	return float64(p.LockedAmount) / float64(p.TotalAmount) * 100
}

func (p *Pool) averageAge(now time.Time) time.Duration {
	var (
		sum   time.Duration
		count int
	)
	for _, tx := range p.Transactions {
		if tx.Status == TxStatusDistributed {
			continue
		}
		sum += now.Sub(tx.Timestamp)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / time.Duration(count)
}

func (p *Pool) findTransaction(id string) *PoolTransaction {
	for _, tx := range p.Transactions {
		if tx.ID == id {
			return tx
		}
	}
	return nil
}

// reserve books amount for a session. A session that did not join the queue
// shows up in it as an anonymous participant holding its reservations.
func (p *Pool) reserve(sessionID string, amount types.Amount, now time.Time) {
	p.reservations[sessionID] += amount
	for i := range p.Queue.Participants {
		qp := &p.Queue.Participants[i]
		if qp.ID != sessionID {
			continue
		}
		if qp.InputAddress == "" {
			qp.Amount += amount
		}
		return
	}
	p.Queue.Participants = append(p.Queue.Participants, QueueParticipant{
		ID:       sessionID,
		Amount:   amount,
		JoinedAt: now,
	})
}

// removeSession drops a session from the queue and returns what it had reserved.
func (p *Pool) removeSession(sessionID string) types.Amount {
	reserved := p.reservations[sessionID]
	delete(p.reservations, sessionID)

	kept := p.Queue.Participants[:0]
	for _, qp := range p.Queue.Participants {
		if qp.ID != sessionID {
			kept = append(kept, qp)
		}
	}
	p.Queue.Participants = kept
	return reserved
}

// PoolSnapshot is a consistent copy of a pool taken under its lock.
type PoolSnapshot struct {
	Currency        string
	TotalAmount     types.Amount
	AvailableAmount types.Amount
	LockedAmount    types.Amount
	UtilizationRate float64
	AverageAge      time.Duration
	Transactions    []PoolTransaction
	Participants    int
	Queue           []QueueParticipant
	QueueStatus     QueueStatus
	LastRebalance   time.Time
	RebalanceCount  uint64
	LastActivity    time.Time
}

func (p *Pool) snapshot(now time.Time) PoolSnapshot {
	txs := make([]PoolTransaction, len(p.Transactions))
	for i, tx := range p.Transactions {
		txs[i] = *tx
	}
	return PoolSnapshot{
		Currency:        p.Currency,
		TotalAmount:     p.TotalAmount,
		AvailableAmount: p.AvailableAmount,
		LockedAmount:    p.LockedAmount,
		UtilizationRate: p.utilizationRate(),
		AverageAge:      p.averageAge(now),
		Transactions:    txs,
		Participants:    len(p.Queue.Participants),
		Queue:           append([]QueueParticipant(nil), p.Queue.Participants...),
		QueueStatus:     p.Queue.Status,
		LastRebalance:   p.LastRebalance,
		RebalanceCount:  p.RebalanceCount,
		LastActivity:    p.LastActivity,
	}
}
