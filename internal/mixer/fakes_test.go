package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("rpc unavailable")

type sentTx struct {
	from, to string
	amount   types.Amount
	keyRef   string
}

// fakeChain tracks the balance of every address it credited. A send from such an
// address spends from it and the receiver gets the amount minus fee.
type fakeChain struct {
	block chan struct{}
	fee   types.Amount

	mu            sync.Mutex
	failAddresses int
	failOnceTo    map[string]bool
	addresses     int
	balances      map[string]types.Amount
	sends         []sentTx
	jointInputs   []types.JointInput
	jointOutputs  []types.JointOutput
	combinedParts int
	broadcasts    int
}

func (c *fakeChain) wait(ctx context.Context) error {
	if c.block == nil {
		return nil
	}
	select {
	case <-c.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChain) GenerateAddress(ctx context.Context, currency string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddresses != 0 {
		if c.failAddresses > 0 {
			c.failAddresses--
		}
		return "", errRPC
	}
	c.addresses++
	return fmt.Sprintf("hop%d", c.addresses), nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, currency, from, to string, amount types.Amount, keyRef string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnceTo[to] {
		delete(c.failOnceTo, to)
		return "", errRPC
	}
	if c.balances == nil {
		c.balances = make(map[string]types.Amount)
	}
	if held, ok := c.balances[from]; ok {
		if held < amount {
			return "", fmt.Errorf("%s holds %s, %s requested", from, held, amount)
		}
		c.balances[from] = held - amount
	}
	c.balances[to] += amount - c.fee
	c.sends = append(c.sends, sentTx{from: from, to: to, amount: amount, keyRef: keyRef})
	return fmt.Sprintf("tx%d", len(c.sends)), nil
}

func (c *fakeChain) GetBalance(ctx context.Context, currency, address string) (types.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address], nil
}

func (c *fakeChain) BuildJointTransaction(ctx context.Context, currency string, inputs []types.JointInput, outputs []types.JointOutput) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jointInputs = inputs
	c.jointOutputs = outputs
	return []byte("unsigned"), nil
}

func (c *fakeChain) SignTransaction(ctx context.Context, currency string, raw []byte, keyRef string) ([]byte, error) {
	return append([]byte("signed:"), raw...), nil
}

func (c *fakeChain) CombineSignatures(ctx context.Context, currency string, parts [][]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.combinedParts = len(parts)
	return []byte("combined"), nil
}

func (c *fakeChain) BroadcastTransaction(ctx context.Context, currency string, raw []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts++
	return "coinjoin-tx", nil
}

func (c *fakeChain) sent() []sentTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentTx(nil), c.sends...)
}

type fakeValidator struct {
	reason string
}

func (v fakeValidator) ValidateMixRequest(req types.MixRequest) types.ValidationResult {
	if v.reason != "" {
		return types.ValidationResult{IsValid: false, Error: v.reason}
	}
	return types.ValidationResult{IsValid: true}
}

type fakeSecurity struct {
	reject  error
	blocked map[string]bool

	mu       sync.Mutex
	failures []types.MixFailure
}

func (s *fakeSecurity) ValidateMixRequest(ctx context.Context, req types.MixRequest) error {
	if s.reject != nil {
		return s.reject
	}
	return s.Screen(ctx, req)
}

func (s *fakeSecurity) Screen(ctx context.Context, req types.MixRequest) error {
	if s.blocked[req.DepositAddress] {
		return fmt.Errorf("address %s blocked", req.DepositAddress)
	}
	return nil
}

func (s *fakeSecurity) AnalyzeMixFailure(ctx context.Context, failure types.MixFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

func (s *fakeSecurity) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

type fakeScheduler struct {
	mu            sync.Mutex
	distributions []types.Distribution
}

func (s *fakeScheduler) ScheduleDistribution(ctx context.Context, d types.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributions = append(s.distributions, d)
	return nil
}

func (s *fakeScheduler) scheduled() []types.Distribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Distribution(nil), s.distributions...)
}

type fakeCoordinator struct {
	decline map[string]bool
	block   chan struct{}

	mu       sync.Mutex
	notified []string
}

func (c *fakeCoordinator) NotifyParticipant(ctx context.Context, coordinationID string, p types.Participant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, p.RequestID)
	return nil
}

func (c *fakeCoordinator) AwaitConfirmations(ctx context.Context, coordinationID string, participantIDs []string) ([]string, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var confirmed []string
	for _, id := range participantIDs {
		if !c.decline[id] {
			confirmed = append(confirmed, id)
		}
	}
	return confirmed, nil
}

func (c *fakeCoordinator) RequestSignature(ctx context.Context, coordinationID, participantID string, unsigned []byte) ([]byte, error) {
	return []byte("sig-" + participantID), nil
}

type recorder struct {
	mu     sync.Mutex
	events []state.Notification
}

func (r *recorder) Publish(n state.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *recorder) count(t state.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t state.EventType) state.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type() == t {
			return r.events[i]
		}
	}
	return nil
}

type harness struct {
	engine      *Engine
	pools       *pool.PoolManager
	dm          *db.DatabaseManager
	chain       *fakeChain
	security    *fakeSecurity
	scheduler   *fakeScheduler
	coordinator *fakeCoordinator
	events      *recorder
}

func testMixerConfig() config.MixerConfig {
	return config.MixerConfig{
		MaxConcurrentMixes:      10,
		MaxRetryAttempts:        3,
		RetryDelay:              10 * time.Millisecond,
		MaxMixingTime:           time.Hour,
		TimeoutSweepInterval:    time.Hour,
		QueueInterval:           time.Hour,
		QueueLimit:              100,
		ShutdownTimeout:         100 * time.Millisecond,
		MinCoinJoinParticipants: 3,
		RequestTTL:              time.Hour,
		CoinJoinResponseTimeout: time.Second,
		IntermediateHops:        3,
	}
}

func newHarness(t *testing.T, mutate func(cfg *config.MixerConfig)) *harness {
	t.Helper()
	dm, err := db.NewDatabaseManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	h := &harness{
		dm:          dm,
		chain:       &fakeChain{},
		security:    &fakeSecurity{},
		scheduler:   &fakeScheduler{},
		coordinator: &fakeCoordinator{},
		events:      &recorder{},
	}
	h.pools = pool.NewPoolManager(config.PoolConfig{
		MinMixParticipants: 3,
		MaxPoolAge:         24 * time.Hour,
		RebalanceDelay:     time.Hour,
		RebalanceThreshold: 0.2,
		Limits: map[string]config.PoolLimits{
			types.CurrencyBTC: {MinPoolSize: btc(10), MaxPoolSize: btc(100), TargetPoolSize: btc(50)},
		},
	}, dm, h.events)

	cfg := testMixerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine = NewEngine(cfg, Dependencies{
		Pools:       h.pools,
		Storage:     dm,
		Blockchain:  h.chain,
		Validator:   fakeValidator{},
		Security:    h.security,
		Scheduler:   h.scheduler,
		Coordinator: h.coordinator,
		Notifier:    h.events,
	})
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
	return h
}

func btc(coins float64) types.Amount {
	return types.MustAmount(coins)
}

func newRequest(id string, coins float64) types.MixRequest {
	return types.MixRequest{
		ID:             id,
		Currency:       types.CurrencyBTC,
		Amount:         btc(coins),
		DepositAddress: "bc1qdeposit" + id,
		OutputAddresses: []types.OutputAddress{
			{Address: "bc1qout1", Percentage: 60},
			{Address: "bc1qout2", Percentage: 40},
		},
		Delay: time.Hour,
	}
}

func (h *harness) requestStatus(t *testing.T, id string) string {
	t.Helper()
	var rows []db.MixRequest
	require.NoError(t, h.dm.Query(context.Background(), &rows, "SELECT * FROM mix_requests WHERE id = ?", id))
	if len(rows) == 0 {
		return ""
	}
	return rows[0].Status
}
