package validator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

// percentages must sum to 100 within this tolerance
const percentageEpsilon = 1e-6

// RequestValidator checks the shape of mix requests before the engine admits them.
type RequestValidator struct {
	cfg        config.ValidatorConfig
	net        *chaincfg.Params
	currencies map[string]bool
}

var _ mixer.Validator = (*RequestValidator)(nil)

func NewRequestValidator(cfg config.ValidatorConfig, net *chaincfg.Params) *RequestValidator {
	currencies := make(map[string]bool, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		currencies[types.NormalizeCurrency(c)] = true
	}
	return &RequestValidator{cfg: cfg, net: net, currencies: currencies}
}

// ServeOnly narrows the supported currencies to those a blockchain manager can
// move and returns the configured ones it dropped, sorted.
func (v *RequestValidator) ServeOnly(served ...string) []string {
	keep := make(map[string]bool, len(served))
	for _, c := range served {
		keep[types.NormalizeCurrency(c)] = true
	}
	var dropped []string
	for c := range v.currencies {
		if !keep[c] {
			delete(v.currencies, c)
			dropped = append(dropped, c)
		}
	}
	sort.Strings(dropped)
	return dropped
}

func (v *RequestValidator) ValidateMixRequest(req types.MixRequest) types.ValidationResult {
	if err := v.validate(req); err != nil {
		return types.ValidationResult{IsValid: false, Error: err.Error()}
	}
	return types.ValidationResult{IsValid: true}
}

func (v *RequestValidator) validate(req types.MixRequest) error {
	currency := types.NormalizeCurrency(req.Currency)
	if currency != req.Currency {
		return fmt.Errorf("currency %q must be an upper-case symbol", req.Currency)
	}
	if !v.currencies[currency] {
		return fmt.Errorf("unsupported currency %s", req.Currency)
	}

	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if limits, ok := v.cfg.AmountLimits[currency]; ok {
		if limits.Min > 0 && req.Amount < limits.Min {
			return fmt.Errorf("amount %s below minimum %s %s", req.Amount, limits.Min, currency)
		}
		if limits.Max > 0 && req.Amount > limits.Max {
			return fmt.Errorf("amount %s above maximum %s %s", req.Amount, limits.Max, currency)
		}
	}

	if err := types.ValidateAddress(currency, req.DepositAddress, v.net); err != nil {
		return fmt.Errorf("deposit address: %w", err)
	}

	if len(req.OutputAddresses) == 0 {
		return fmt.Errorf("at least one output address is required")
	}
	if v.cfg.MaxOutputs > 0 && len(req.OutputAddresses) > v.cfg.MaxOutputs {
		return fmt.Errorf("%d output addresses, at most %d allowed", len(req.OutputAddresses), v.cfg.MaxOutputs)
	}
	seen := make(map[string]bool, len(req.OutputAddresses))
	var total float64
	for i, out := range req.OutputAddresses {
		if err := types.ValidateAddress(currency, out.Address, v.net); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		key := strings.ToLower(out.Address)
		if seen[key] {
			return fmt.Errorf("output %d: duplicate address %s", i, out.Address)
		}
		seen[key] = true
		if strings.EqualFold(out.Address, req.DepositAddress) {
			return fmt.Errorf("output %d: deposit address cannot receive the payout", i)
		}
		if out.Percentage <= 0 || out.Percentage > 100 {
			return fmt.Errorf("output %d: percentage %v out of range (0, 100]", i, out.Percentage)
		}
		total += out.Percentage
	}
	if math.Abs(total-100) > percentageEpsilon {
		return fmt.Errorf("output percentages sum to %v, expected 100", total)
	}
	for i, p := range types.SplitByPercentage(req.Amount, req.OutputAddresses) {
		if p <= 0 {
			return fmt.Errorf("output %d: payout rounds to zero", i)
		}
	}

	if req.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if v.cfg.MaxDelay > 0 && req.Delay > v.cfg.MaxDelay {
		return fmt.Errorf("delay %v above maximum %v", req.Delay, v.cfg.MaxDelay)
	}
	return nil
}
