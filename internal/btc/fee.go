package btc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
)

// default fee rate in sat/vB when neither mempool.space nor the node can estimate (regtest)
const defaultFeeRate = 3

// NetworkFee holds fee rates in sat/vB.
type NetworkFee struct {
	FastestFee  uint64
	HalfHourFee uint64
	HourFee     uint64
}

type FeeEstimator interface {
	GetNetworkFee(ctx context.Context) (*NetworkFee, error)
}

type MempoolFeesResp struct {
	FastestFee  uint64 `json:"fastestFee"`
	HalfHourFee uint64 `json:"halfHourFee"`
	HourFee     uint64 `json:"hourFee"`
	EconomyFee  uint64 `json:"economyFee"`
	MinimumFee  uint64 `json:"minimumFee"`
}

// MemPoolFeeFetcher asks mempool.space on mainnet and testnet3 and falls back to the node.
type MemPoolFeeFetcher struct {
	btcClient  RPCClient
	net        *chaincfg.Params
	httpClient *http.Client
}

var _ FeeEstimator = (*MemPoolFeeFetcher)(nil)

func NewMemPoolFeeFetcher(btcClient RPCClient, net *chaincfg.Params) *MemPoolFeeFetcher {
	return &MemPoolFeeFetcher{btcClient: btcClient, net: net, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (f *MemPoolFeeFetcher) GetNetworkFee(ctx context.Context) (*NetworkFee, error) {
	if f.btcClient == nil {
		return nil, errors.New("btc client is not set")
	}
	var url string
	switch f.net {
	case &chaincfg.MainNetParams:
		url = "https://mempool.space/api/v1/fees/recommended"
	case &chaincfg.TestNet3Params:
		url = "https://mempool.space/testnet/api/v1/fees/recommended"
	}
	if len(url) == 0 {
		fee, err := getFeeRateFromBtcNode(f.btcClient)
		if err != nil {
			log.Warnf("Failed to get fee rate from btc node: %v, using default %d sat/vB", err, defaultFeeRate)
			return &NetworkFee{FastestFee: defaultFeeRate, HalfHourFee: defaultFeeRate, HourFee: defaultFeeRate}, nil
		}
		return fee, nil
	}
	fee, err := f.getFeeRate(ctx, url)
	if err != nil {
		log.Errorf("Failed to get fee rate from mempool, using btc node: %v", err)
		return getFeeRateFromBtcNode(f.btcClient)
	}
	return fee, nil
}

func (f *MemPoolFeeFetcher) getFeeRate(ctx context.Context, url string) (*NetworkFee, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mempool fees: unexpected status %d", resp.StatusCode)
	}

	var feeResp MempoolFeesResp
	if err := json.NewDecoder(resp.Body).Decode(&feeResp); err != nil {
		return nil, err
	}

	return &NetworkFee{
		FastestFee:  feeResp.FastestFee,
		HalfHourFee: feeResp.HalfHourFee,
		HourFee:     feeResp.HourFee,
	}, nil
}

func getFeeRateFromBtcNode(btcClient RPCClient) (*NetworkFee, error) {
	var rates [3]uint64
	for i, target := range []int64{1, 3, 6} {
		feeEstimate, err := btcClient.EstimateSmartFee(target, &btcjson.EstimateModeConservative)
		if err != nil || feeEstimate == nil || feeEstimate.FeeRate == nil {
			return nil, fmt.Errorf("failed to estimate smart fee %d: %v", target, err)
		}
		// BTC/kvB to sat/vB
		rates[i] = uint64((*feeEstimate.FeeRate * 1e8) / 1000)
	}
	return &NetworkFee{
		FastestFee:  rates[0],
		HalfHourFee: rates[1],
		HourFee:     rates[2],
	}, nil
}
