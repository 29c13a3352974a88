package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrBlockedAddress  = errors.New("address is blocked")
	ErrRateLimited     = errors.New("too many requests for deposit address")
	ErrTooManyFailures = errors.New("deposit address has too many failed mixes")
)

// RiskChecker screens mix requests and keeps a tally of terminal failures per
// deposit address.
type RiskChecker struct {
	cfg config.SecurityConfig
	now func() time.Time

	mu       sync.Mutex
	blocked  map[string]bool
	limiters map[string]*rate.Limiter
	failures map[string]int
}

var _ mixer.Security = (*RiskChecker)(nil)

func NewRiskChecker(cfg config.SecurityConfig) *RiskChecker {
	rc := &RiskChecker{
		cfg:      cfg,
		now:      time.Now,
		blocked:  make(map[string]bool, len(cfg.BlockedAddresses)),
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]int),
	}
	for _, addr := range cfg.BlockedAddresses {
		rc.blocked[addressKey(addr)] = true
	}
	return rc
}

func addressKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Start drops idle rate limiters every hour until ctx is done.
func (rc *RiskChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.cleanup()
		}
	}
}

func (rc *RiskChecker) cleanup() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := rc.now()
	n := 0
	for key, l := range rc.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(rc.limiters, key)
			n++
		}
	}
	return n
}

// Block adds an address to the blocklist.
func (rc *RiskChecker) Block(addr string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.blocked[addressKey(addr)] = true
	log.Warnf("Security blocked address %s", addr)
}

func (rc *RiskChecker) ValidateMixRequest(ctx context.Context, req types.MixRequest) error {
	deposit := addressKey(req.DepositAddress)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.screenLocked(req); err != nil {
		return err
	}
	if rc.cfg.RatePerHour > 0 {
		l, ok := rc.limiters[deposit]
		if !ok {
			l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(rc.cfg.RatePerHour)), rc.cfg.RatePerHour)
			rc.limiters[deposit] = l
		}
		if !l.AllowN(rc.now(), 1) {
			log.WithFields(log.Fields{
				"deposit":  req.DepositAddress,
				"currency": req.Currency,
			}).Warn("Security rate limit exceeded")
			return fmt.Errorf("%w: limit %d per hour", ErrRateLimited, rc.cfg.RatePerHour)
		}
	}
	return nil
}

// Screen applies the blocklist and the failure tally without spending rate limit.
func (rc *RiskChecker) Screen(ctx context.Context, req types.MixRequest) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.screenLocked(req)
}

func (rc *RiskChecker) screenLocked(req types.MixRequest) error {
	deposit := addressKey(req.DepositAddress)
	if rc.blocked[deposit] {
		return fmt.Errorf("%w: deposit %s", ErrBlockedAddress, req.DepositAddress)
	}
	for _, out := range req.OutputAddresses {
		if rc.blocked[addressKey(out.Address)] {
			return fmt.Errorf("%w: output %s", ErrBlockedAddress, out.Address)
		}
	}
	if rc.cfg.MaxFailures > 0 && rc.failures[deposit] >= rc.cfg.MaxFailures {
		return fmt.Errorf("%w: %d failures", ErrTooManyFailures, rc.failures[deposit])
	}
	return nil
}

func (rc *RiskChecker) AnalyzeMixFailure(ctx context.Context, failure types.MixFailure) {
	deposit := addressKey(failure.DepositAddress)

	rc.mu.Lock()
	rc.failures[deposit]++
	count := rc.failures[deposit]
	rc.mu.Unlock()

	fields := log.Fields{
		"mix":      failure.MixID,
		"request":  failure.RequestID,
		"strategy": failure.Strategy,
		"phase":    failure.Phase,
		"retries":  failure.RetryCount,
		"failures": count,
	}
	if rc.cfg.MaxFailures > 0 && count == rc.cfg.MaxFailures {
		log.WithFields(fields).Warnf("Deposit address %s flagged after repeated failures: %s", failure.DepositAddress, failure.Error)
		return
	}
	log.WithFields(fields).Infof("Analyzed failed mix: %s", failure.Error)
}

// Failures returns the terminal failure tally of a deposit address.
func (rc *RiskChecker) Failures(addr string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.failures[addressKey(addr)]
}
