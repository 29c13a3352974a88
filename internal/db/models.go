package db

import (
	"time"
)

// MixRequest model, one row per request known to the service
type MixRequest struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Currency        string    `gorm:"not null;index" json:"currency"`
	Amount          int64     `gorm:"not null" json:"amount"`
	DepositAddress  string    `gorm:"not null" json:"deposit_address"`
	OutputAddresses string    `gorm:"not null" json:"output_addresses"` // json encoded []types.OutputAddress
	DelaySeconds    int64     `gorm:"not null" json:"delay_seconds"`
	Status          string    `gorm:"not null;index" json:"status"` // "PENDING", "PROCESSING", "COMPLETED", "FAILED", "TIMEOUT"
	Strategy        string    `json:"strategy"`
	Error           string    `json:"error"`
	ExpiresAt       time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// PoolState model (one record per currency)
type PoolState struct {
	Currency        string    `gorm:"primaryKey" json:"currency"`
	TotalAmount     int64     `gorm:"not null" json:"total_amount"`
	AvailableAmount int64     `gorm:"not null" json:"available_amount"`
	LockedAmount    int64     `gorm:"not null" json:"locked_amount"`
	RebalanceCount  uint64    `gorm:"not null" json:"rebalance_count"`
	LastRebalance   time.Time `json:"last_rebalance"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// PoolTransaction model, the deposit ledger of a pool
type PoolTransaction struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Currency   string    `gorm:"not null;index" json:"currency"`
	Amount     int64     `gorm:"not null" json:"amount"`
	Address    string    `gorm:"not null" json:"address"`
	Status     string    `gorm:"not null" json:"status"` // "PENDING", "CONFIRMED", "MIXED", "DISTRIBUTED"
	MixGroupID string    `json:"mix_group_id"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
}

// ScheduledDistribution model, a delayed payout waiting for the payer
type ScheduledDistribution struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MixID     string    `gorm:"not null;index" json:"mix_id"`
	ToAddress string    `gorm:"not null" json:"to_address"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"not null" json:"currency"`
	ExecuteAt time.Time `gorm:"not null;index" json:"execute_at"`
	Status    string    `gorm:"not null" json:"status"` // "scheduled", "paid"
	TxHash    string    `json:"tx_hash"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
