package types

import "time"

// OutputAddress is one weighted payout destination of a mix request.
type OutputAddress struct {
	Address    string  `json:"address"`
	Percentage float64 `json:"percentage"`
}

// MixRequest is a user instruction to anonymize funds.
type MixRequest struct {
	ID              string          `json:"id"`
	Currency        string          `json:"currency"`
	Amount          Amount          `json:"amount"`
	DepositAddress  string          `json:"deposit_address"`
	OutputAddresses []OutputAddress `json:"output_addresses"`
	Delay           time.Duration   `json:"delay"`
}

// ValidationResult is the verdict of a request validator.
type ValidationResult struct {
	IsValid bool
	Error   string
}

// Participant is another pending request taking part in a CoinJoin.
type Participant struct {
	RequestID       string          `json:"request_id"`
	Currency        string          `json:"currency"`
	Amount          Amount          `json:"amount"`
	DepositAddress  string          `json:"deposit_address"`
	OutputAddresses []OutputAddress `json:"output_addresses"`
	Delay           time.Duration   `json:"delay"`
}

// Request rebuilds the mix request the participant was matched from.
func (p Participant) Request() MixRequest {
	return MixRequest{
		ID:              p.RequestID,
		Currency:        p.Currency,
		Amount:          p.Amount,
		DepositAddress:  p.DepositAddress,
		OutputAddresses: p.OutputAddresses,
		Delay:           p.Delay,
	}
}

// MixStatus is the lifecycle state of an engine mix context.
type MixStatus string

const (
	MixStatusInitializing MixStatus = "INITIALIZING"
	MixStatusProcessing   MixStatus = "PROCESSING"
	MixStatusRetrying     MixStatus = "RETRYING"
	MixStatusCompleted    MixStatus = "COMPLETED"
	MixStatusFailed       MixStatus = "FAILED"
)

// RequestStatus is the persisted status of a mix request row.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
	RequestStatusTimeout    RequestStatus = "TIMEOUT"
)

// MixTxType labels transactions recorded on a mix context.
type MixTxType string

const (
	MixTxCoinJoin    MixTxType = "coinjoin"
	MixTxObfuscation MixTxType = "obfuscation"
	MixTxTransfer    MixTxType = "transfer"
)

// MixTransaction is a broadcast recorded by a phase.
type MixTransaction struct {
	Hash      string    `json:"hash"`
	Type      MixTxType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// PoolAllocation is a chunk reserved in a liquidity pool for a mix session.
type PoolAllocation struct {
	Currency  string    `json:"currency"`
	Amount    Amount    `json:"amount"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Distribution is a delayed payout handed to the distribution scheduler.
type Distribution struct {
	MixID     string
	ToAddress string
	Amount    Amount
	Currency  string
	Delay     time.Duration
}

// JointInput and JointOutput describe the unsigned CoinJoin transaction.
type JointInput struct {
	ParticipantID string `json:"participant_id"`
	Address       string `json:"address"`
	Amount        Amount `json:"amount"`
}

type JointOutput struct {
	Address string `json:"address"`
	Amount  Amount `json:"amount"`
}

// MixFailure describes a mix that exhausted its retries.
type MixFailure struct {
	MixID          string       `json:"mix_id"`
	RequestID      string       `json:"request_id"`
	Currency       string       `json:"currency"`
	Amount         Amount       `json:"amount"`
	DepositAddress string       `json:"deposit_address"`
	Strategy       StrategyType `json:"strategy"`
	Phase          Phase        `json:"phase"`
	RetryCount     int          `json:"retry_count"`
	Error          string       `json:"error"`
}
