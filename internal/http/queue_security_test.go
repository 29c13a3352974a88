package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/coordinator"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/security"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoChain = errors.New("no chain in this test")

type offlineChain struct{}

func (offlineChain) GenerateAddress(context.Context, string) (string, error) { return "", errNoChain }

func (offlineChain) SendTransaction(context.Context, string, string, string, types.Amount, string) (string, error) {
	return "", errNoChain
}

func (offlineChain) GetBalance(context.Context, string, string) (types.Amount, error) {
	return 0, errNoChain
}

func (offlineChain) BuildJointTransaction(context.Context, string, []types.JointInput, []types.JointOutput) ([]byte, error) {
	return nil, errNoChain
}

func (offlineChain) SignTransaction(context.Context, string, []byte, string) ([]byte, error) {
	return nil, errNoChain
}

func (offlineChain) CombineSignatures(context.Context, string, [][]byte) ([]byte, error) {
	return nil, errNoChain
}

func (offlineChain) BroadcastTransaction(context.Context, string, []byte) (string, error) {
	return "", errNoChain
}

type acceptAll struct{}

func (acceptAll) ValidateMixRequest(types.MixRequest) types.ValidationResult {
	return types.ValidationResult{IsValid: true}
}

type noScheduler struct{}

func (noScheduler) ScheduleDistribution(context.Context, types.Distribution) error { return errNoChain }

func TestQueueMixSecurityRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dm, err := db.NewDatabaseManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	pools := pool.NewPoolManager(config.PoolConfig{}, dm, nil)
	coord := coordinator.NewCoordinator(time.Hour)
	engine := mixer.NewEngine(config.MixerConfig{QueueInterval: time.Hour, TimeoutSweepInterval: time.Hour}, mixer.Dependencies{
		Pools:       pools,
		Storage:     dm,
		Blockchain:  offlineChain{},
		Validator:   acceptAll{},
		Security:    security.NewRiskChecker(config.SecurityConfig{BlockedAddresses: []string{"bcrt1qblocked"}, RatePerHour: 1}),
		Scheduler:   noScheduler{},
		Coordinator: coord,
	})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	hs := NewHTTPServer("0", "", engine, pools, coord, http.NotFoundHandler())
	r := hs.Router()
	body := func(deposit string) map[string]interface{} {
		return map[string]interface{}{
			"currency":         "BTC",
			"amount":           1,
			"deposit_address":  deposit,
			"output_addresses": []map[string]interface{}{{"address": "bcrt1qout", "percentage": 100}},
		}
	}

	w := do(t, r, http.MethodPost, "/api/v1/mix", body("bcrt1qblocked"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/mix", body("bcrt1qdeposit"), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = do(t, r, http.MethodPost, "/api/v1/mix", body("bcrt1qdeposit"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "second request from the deposit within the hour")
	assert.Equal(t, 1, engine.QueueLength())
}
