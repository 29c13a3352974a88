package mixer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/types"
)

const (
	minChunks = 2
	maxChunks = 7
)

// splitIntoChunks cuts amount into 2 to 7 randomly sized positive chunks that sum
// to amount exactly. Amounts under two base units are rejected.
func splitIntoChunks(amount types.Amount) ([]types.Amount, error) {
	if amount < minChunks {
		return nil, fmt.Errorf("%w: %s", ErrAmountTooSmall, amount)
	}
	n := minChunks + rand.IntN(maxChunks-minChunks+1)
	if types.Amount(n) > amount {
		n = int(amount)
	}

	weights := make([]float64, n)
	var sum float64
	for i := range weights {
		weights[i] = 0.5 + rand.Float64()
		sum += weights[i]
	}

	// every chunk gets one unit, the rest is shared by weight
	rest := amount - types.Amount(n)
	chunks := make([]types.Amount, n)
	var assigned types.Amount
	for i := 0; i < n-1; i++ {
		share := types.Amount(float64(rest) * weights[i] / sum)
		chunks[i] = 1 + share
		assigned += share
	}
	chunks[n-1] = 1 + rest - assigned
	return chunks, nil
}

// randomDelay returns a uniform duration in [0, max].
func randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// jitteredDelay offsets delay by up to jitter in either direction, never below zero.
func jitteredDelay(delay, jitter time.Duration) time.Duration {
	if jitter > 0 {
		delay += randomDelay(2*jitter) - jitter
	}
	if delay < 0 {
		return 0
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
