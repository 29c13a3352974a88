package btc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMempoolFeeRate(t *testing.T) {
	mockResponse := MempoolFeesResp{
		FastestFee:  50,
		HalfHourFee: 30,
		HourFee:     10,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mockResponse)
	}))
	defer server.Close()

	fetcher := &MemPoolFeeFetcher{httpClient: server.Client()}
	feeRate, err := fetcher.getFeeRate(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, mockResponse.FastestFee, feeRate.FastestFee)
	assert.Equal(t, mockResponse.HalfHourFee, feeRate.HalfHourFee)
	assert.Equal(t, mockResponse.HourFee, feeRate.HourFee)
}

func TestGetMempoolFeeRateBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fetcher := &MemPoolFeeFetcher{httpClient: server.Client()}
	_, err := fetcher.getFeeRate(context.Background(), server.URL)
	assert.Error(t, err)
}

func TestNodeFeeRate(t *testing.T) {
	node := newFakeNode()
	node.feeRate = 0.0009765625 // BTC/kvB

	fetcher := NewMemPoolFeeFetcher(node, &chaincfg.RegressionNetParams)
	fee, err := fetcher.GetNetworkFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(97), fee.FastestFee)
	assert.Equal(t, uint64(97), fee.HalfHourFee)
	assert.Equal(t, uint64(97), fee.HourFee)
}

func TestRegtestDefaultFeeRate(t *testing.T) {
	node := newFakeNode()
	node.feeErr = errors.New("insufficient data")

	fetcher := NewMemPoolFeeFetcher(node, &chaincfg.RegressionNetParams)
	fee, err := fetcher.GetNetworkFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultFeeRate), fee.HalfHourFee)
}
