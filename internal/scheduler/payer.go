package scheduler

import (
	"context"
	"fmt"

	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

// ChainPayer pays distributions from a per-currency pool wallet address.
type ChainPayer struct {
	chain   mixer.BlockchainManager
	sources map[string]string
}

var _ Payer = (*ChainPayer)(nil)

func NewChainPayer(chain mixer.BlockchainManager, sources map[string]string) *ChainPayer {
	return &ChainPayer{chain: chain, sources: sources}
}

func (p *ChainPayer) Pay(ctx context.Context, d db.ScheduledDistribution) (string, error) {
	from, ok := p.sources[d.Currency]
	if !ok || from == "" {
		return "", fmt.Errorf("no pool wallet for %s", d.Currency)
	}
	return p.chain.SendTransaction(ctx, d.Currency, from, d.ToAddress, types.Amount(d.Amount), from)
}
