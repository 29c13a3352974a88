package migrations

import (
	"gorm.io/gorm"
)

// AddMixRequestMatchIndex indexes the columns used to find CoinJoin candidates
func AddMixRequestMatchIndex(tx *gorm.DB) error {
	return tx.Exec("CREATE INDEX IF NOT EXISTS mix_request_match_index ON mix_requests (currency, status, amount, created_at)").Error
}
