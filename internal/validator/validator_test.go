package validator

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcAddress(t *testing.T, seed byte, net *chaincfg.Params) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{seed}, 20), net)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newValidator() *RequestValidator {
	return NewRequestValidator(config.ValidatorConfig{
		SupportedCurrencies: []string{"btc", "ETH"},
		AmountLimits: map[string]config.AmountLimits{
			types.CurrencyBTC: {Min: types.MustAmount(0.001), Max: types.MustAmount(20)},
		},
		MaxOutputs: 3,
		MaxDelay:   72 * time.Hour,
	}, &chaincfg.MainNetParams)
}

func validRequest(t *testing.T) types.MixRequest {
	return types.MixRequest{
		ID:             "r1",
		Currency:       types.CurrencyBTC,
		Amount:         types.MustAmount(1),
		DepositAddress: btcAddress(t, 1, &chaincfg.MainNetParams),
		OutputAddresses: []types.OutputAddress{
			{Address: btcAddress(t, 2, &chaincfg.MainNetParams), Percentage: 33.3},
			{Address: btcAddress(t, 3, &chaincfg.MainNetParams), Percentage: 66.7},
		},
		Delay: time.Hour,
	}
}

func TestValidRequests(t *testing.T) {
	v := newValidator()
	res := v.ValidateMixRequest(validRequest(t))
	assert.True(t, res.IsValid, res.Error)

	eth := types.MixRequest{
		Currency:       types.CurrencyETH,
		Amount:         types.MustAmount(5),
		DepositAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		OutputAddresses: []types.OutputAddress{
			{Address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D", Percentage: 100},
		},
	}
	res = v.ValidateMixRequest(eth)
	assert.True(t, res.IsValid, res.Error)
}

func TestServeOnlyDropsUnservedCurrencies(t *testing.T) {
	v := newValidator()
	assert.Equal(t, []string{types.CurrencyETH}, v.ServeOnly("btc"))

	assert.True(t, v.ValidateMixRequest(validRequest(t)).IsValid)
	res := v.ValidateMixRequest(types.MixRequest{
		Currency:       types.CurrencyETH,
		Amount:         types.MustAmount(5),
		DepositAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		OutputAddresses: []types.OutputAddress{
			{Address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D", Percentage: 100},
		},
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Error, "unsupported currency")

	assert.Empty(t, v.ServeOnly(types.CurrencyBTC, types.CurrencyLTC))
}

func TestInvalidRequests(t *testing.T) {
	v := newValidator()
	cases := []struct {
		name   string
		mutate func(r *types.MixRequest)
		reason string
	}{
		{"unsupported currency", func(r *types.MixRequest) { r.Currency = types.CurrencyLTC }, "unsupported currency"},
		{"lower case currency", func(r *types.MixRequest) { r.Currency = "btc" }, "upper-case"},
		{"zero amount", func(r *types.MixRequest) { r.Amount = 0 }, "positive"},
		{"below minimum", func(r *types.MixRequest) { r.Amount = types.MustAmount(0.0001) }, "below minimum"},
		{"above maximum", func(r *types.MixRequest) { r.Amount = types.MustAmount(21) }, "above maximum"},
		{"testnet deposit", func(r *types.MixRequest) { r.DepositAddress = btcAddress(t, 1, &chaincfg.TestNet3Params) }, "deposit address"},
		{"no outputs", func(r *types.MixRequest) { r.OutputAddresses = nil }, "at least one"},
		{"too many outputs", func(r *types.MixRequest) {
			r.OutputAddresses = []types.OutputAddress{
				{Address: btcAddress(t, 4, &chaincfg.MainNetParams), Percentage: 25},
				{Address: btcAddress(t, 5, &chaincfg.MainNetParams), Percentage: 25},
				{Address: btcAddress(t, 6, &chaincfg.MainNetParams), Percentage: 25},
				{Address: btcAddress(t, 7, &chaincfg.MainNetParams), Percentage: 25},
			}
		}, "at most 3"},
		{"bad output", func(r *types.MixRequest) { r.OutputAddresses[0].Address = "bc1qnope" }, "output 0"},
		{"duplicate output", func(r *types.MixRequest) { r.OutputAddresses[1].Address = r.OutputAddresses[0].Address }, "duplicate"},
		{"deposit as output", func(r *types.MixRequest) { r.OutputAddresses[0].Address = r.DepositAddress }, "deposit address cannot"},
		{"negative percentage", func(r *types.MixRequest) { r.OutputAddresses[0].Percentage = -10 }, "out of range"},
		{"percentages short", func(r *types.MixRequest) { r.OutputAddresses[1].Percentage = 60 }, "sum to"},
		{"payout rounds to zero", func(r *types.MixRequest) {
			r.Amount = types.MustAmount(0.001)
			r.OutputAddresses[0].Percentage = 0.00001
			r.OutputAddresses[1].Percentage = 99.99999
		}, "rounds to zero"},
		{"negative delay", func(r *types.MixRequest) { r.Delay = -time.Second }, "negative"},
		{"delay too long", func(r *types.MixRequest) { r.Delay = 73 * time.Hour }, "delay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(t)
			tc.mutate(&req)
			res := v.ValidateMixRequest(req)
			assert.False(t, res.IsValid)
			assert.Contains(t, res.Error, tc.reason)
		})
	}
}
