package mixer

import (
	"context"

	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

// BlockchainManager moves funds on chain. keyRef names the custody key of the
// sending address, which for addresses the service generated is the address itself.
type BlockchainManager interface {
	GenerateAddress(ctx context.Context, currency string) (string, error)
	SendTransaction(ctx context.Context, currency, from, to string, amount types.Amount, keyRef string) (string, error)
	// GetBalance includes unconfirmed coins of addresses the service generated.
	GetBalance(ctx context.Context, currency, address string) (types.Amount, error)
	BuildJointTransaction(ctx context.Context, currency string, inputs []types.JointInput, outputs []types.JointOutput) ([]byte, error)
	SignTransaction(ctx context.Context, currency string, raw []byte, keyRef string) ([]byte, error)
	CombineSignatures(ctx context.Context, currency string, parts [][]byte) ([]byte, error)
	BroadcastTransaction(ctx context.Context, currency string, raw []byte) (string, error)
}

type Validator interface {
	ValidateMixRequest(req types.MixRequest) types.ValidationResult
}

// Security rejects a request by returning an error.
type Security interface {
	ValidateMixRequest(ctx context.Context, req types.MixRequest) error
	// Screen checks blocked addresses without counting the request against rate limits.
	Screen(ctx context.Context, req types.MixRequest) error
	AnalyzeMixFailure(ctx context.Context, failure types.MixFailure)
}

type Scheduler interface {
	ScheduleDistribution(ctx context.Context, d types.Distribution) error
}

// Coordinator runs the CoinJoin rendezvous with the other participants.
type Coordinator interface {
	NotifyParticipant(ctx context.Context, coordinationID string, p types.Participant) error
	AwaitConfirmations(ctx context.Context, coordinationID string, participantIDs []string) ([]string, error)
	RequestSignature(ctx context.Context, coordinationID, participantID string, unsigned []byte) ([]byte, error)
}

// PoolService is the part of pool.PoolManager the engine drives.
type PoolService interface {
	AddToPool(ctx context.Context, currency string, amount types.Amount, depositAddress string) (string, error)
	JoinQueue(currency string, participant pool.QueueParticipant) error
	IsMixingReady(currency string) bool
	ProcessMixingChunk(ctx context.Context, currency string, amount types.Amount, sessionID string) error
	MarkTransaction(currency, txID string, status pool.TransactionStatus, mixGroupID string) error
	ReleaseSession(currency, sessionID string) (types.Amount, error)
	Settle(currency, sessionID, txID string) (types.Amount, error)
	AddIntermediateAddresses(currency string, addresses ...string) error
	PoolSize(currency string) types.Amount
	MinPoolSize(currency string) (types.Amount, bool)
	Currencies() []string
	GetPoolStatistics(currency string) (pool.PoolStatistics, error)
	HealthCheck() pool.HealthReport
}

var _ PoolService = (*pool.PoolManager)(nil)
