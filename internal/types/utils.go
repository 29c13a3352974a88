package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

const (
	CurrencyBTC = "BTC"
	CurrencyETH = "ETH"
	CurrencyLTC = "LTC"
)

var ErrInvalidAddress = errors.New("invalid address")

// NormalizeCurrency upper-cases and trims a currency symbol.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// GetBTCNetwork maps a BTC_NETWORK_TYPE value to chain params, mainnet by default.
func GetBTCNetwork(networkType string) *chaincfg.Params {
	switch networkType {
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// ValidateAddress checks the address format for a currency.
func ValidateAddress(currency, address string, net *chaincfg.Params) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	switch NormalizeCurrency(currency) {
	case CurrencyBTC:
		addr, err := btcutil.DecodeAddress(address, net)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
		}
		if !addr.IsForNet(net) {
			return fmt.Errorf("%w: %s is not for %s", ErrInvalidAddress, address, net.Name)
		}
	case CurrencyETH:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
		}
	default:
		// no codec for this chain, only a sanity bound
		if len(address) < 26 || len(address) > 90 {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
		}
	}
	return nil
}
