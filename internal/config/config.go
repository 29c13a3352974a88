package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

// PoolLimits are expressed in base units.
type PoolLimits struct {
	MinPoolSize    types.Amount
	MaxPoolSize    types.Amount
	TargetPoolSize types.Amount
}

type AmountLimits struct {
	Min types.Amount
	Max types.Amount
}

type MixerConfig struct {
	MaxConcurrentMixes         int
	MaxRetryAttempts           int
	RetryDelay                 time.Duration
	MaxMixingTime              time.Duration
	TimeoutSweepInterval       time.Duration
	QueueInterval              time.Duration
	QueueLimit                 int
	PhaseDelay                 time.Duration
	HopDelay                   time.Duration
	DistributionJitter         time.Duration
	ShutdownTimeout            time.Duration
	MinCoinJoinParticipants    int
	RequestTTL                 time.Duration
	CoinJoinResponseTimeout    time.Duration
	IntermediateHops           int
	MaxCoinJoinCandidates      int
	CoinJoinAmountTolerancePct float64
}

type PoolConfig struct {
	MinMixParticipants int
	MaxPoolAge         time.Duration
	MonitorInterval    time.Duration
	RebalanceDelay     time.Duration
	RebalanceThreshold float64
	Limits             map[string]PoolLimits
}

type ValidatorConfig struct {
	SupportedCurrencies []string
	AmountLimits        map[string]AmountLimits
	MaxOutputs          int
	MaxDelay            time.Duration
}

type SecurityConfig struct {
	BlockedAddresses []string
	RatePerHour      int
	MaxFailures      int
}

type Config struct {
	HTTPPort         string
	DbDir            string
	LogLevel         logrus.Level
	BTCRPC           string
	BTCRPC_USER      string
	BTCRPC_PASS      string
	BTCNetworkType   string
	BTCPoolAddress   string
	MonitorJWTSecret string

	Mixer     MixerConfig
	Pool      PoolConfig
	Validator ValidatorConfig
	Security  SecurityConfig
}

// default per-currency sizes in coins: min, max, target pool size, min and max request
var currencyDefaults = map[string][5]float64{
	types.CurrencyBTC: {10, 100, 50, 0.001, 20},
	types.CurrencyETH: {100, 2000, 1000, 0.01, 500},
	types.CurrencyLTC: {500, 10000, 5000, 0.1, 5000},
}

func setDefaults() {
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("DB_DIR", "/app/db")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("BTC_RPC", "localhost:8332")
	viper.SetDefault("BTC_RPC_USER", "")
	viper.SetDefault("BTC_RPC_PASS", "")
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("BTC_POOL_ADDRESS", "")
	viper.SetDefault("MONITOR_JWT_SECRET", "")

	viper.SetDefault("MIX_MAX_CONCURRENT", 100)
	viper.SetDefault("MIX_MAX_RETRY", 3)
	viper.SetDefault("MIX_RETRY_DELAY", "60s")
	viper.SetDefault("MIX_MAX_TIME", "1h")
	viper.SetDefault("MIX_TIMEOUT_SWEEP", "10m")
	viper.SetDefault("MIX_QUEUE_INTERVAL", "5s")
	viper.SetDefault("MIX_QUEUE_LIMIT", 1000)
	viper.SetDefault("MIX_PHASE_DELAY", "30s")
	viper.SetDefault("MIX_HOP_DELAY", "5s")
	viper.SetDefault("MIX_DISTRIBUTION_JITTER", "1h")
	viper.SetDefault("MIX_SHUTDOWN_TIMEOUT", "30s")
	viper.SetDefault("MIX_MIN_COINJOIN_PARTICIPANTS", 3)
	viper.SetDefault("MIX_REQUEST_TTL", "24h")
	viper.SetDefault("MIX_INTERMEDIATE_HOPS", 3)
	viper.SetDefault("MIX_MAX_OUTPUTS", 10)
	viper.SetDefault("MIX_MAX_DELAY", "72h")
	viper.SetDefault("COINJOIN_RESPONSE_TIMEOUT", "2m")

	viper.SetDefault("POOL_MIN_MIX_PARTICIPANTS", 3)
	viper.SetDefault("POOL_MAX_AGE", "24h")
	viper.SetDefault("POOL_MONITOR_INTERVAL", "30s")
	viper.SetDefault("POOL_REBALANCE_DELAY", "60s")
	viper.SetDefault("POOL_REBALANCE_THRESHOLD", 0.2)

	viper.SetDefault("SUPPORTED_CURRENCIES", "BTC")
	for cur, d := range currencyDefaults {
		viper.SetDefault("POOL_"+cur+"_MIN", d[0])
		viper.SetDefault("POOL_"+cur+"_MAX", d[1])
		viper.SetDefault("POOL_"+cur+"_TARGET", d[2])
		viper.SetDefault("MIX_"+cur+"_MIN_AMOUNT", d[3])
		viper.SetDefault("MIX_"+cur+"_MAX_AMOUNT", d[4])
	}

	viper.SetDefault("SECURITY_BLOCKED_ADDRESSES", "")
	viper.SetDefault("SECURITY_RATE_PER_HOUR", 6)
	viper.SetDefault("SECURITY_MAX_FAILURES", 3)
}

func InitConfig() {
	// .env is optional, the environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to load .env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}
	AppConfig = cfg

	logrus.Infof("Init config, currencies %v, MaxConcurrentMixes %d, MaxMixingTime %v",
		AppConfig.Validator.SupportedCurrencies, AppConfig.Mixer.MaxConcurrentMixes, AppConfig.Mixer.MaxMixingTime)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	viper.AutomaticEnv()
	setDefaults()

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	var currencies []string
	for _, cur := range splitList(viper.GetString("SUPPORTED_CURRENCIES")) {
		currencies = append(currencies, types.NormalizeCurrency(cur))
	}
	if len(currencies) == 0 {
		return Config{}, fmt.Errorf("SUPPORTED_CURRENCIES is empty")
	}
	limits := make(map[string]PoolLimits, len(currencies))
	amountLimits := make(map[string]AmountLimits, len(currencies))
	for _, cur := range currencies {
		pl, err := loadPoolLimits(cur)
		if err != nil {
			return Config{}, err
		}
		limits[cur] = pl
		al, err := loadAmountLimits(cur)
		if err != nil {
			return Config{}, err
		}
		amountLimits[cur] = al
	}

	cfg := Config{
		HTTPPort:         viper.GetString("HTTP_PORT"),
		DbDir:            viper.GetString("DB_DIR"),
		LogLevel:         logLevel,
		BTCRPC:           viper.GetString("BTC_RPC"),
		BTCRPC_USER:      viper.GetString("BTC_RPC_USER"),
		BTCRPC_PASS:      viper.GetString("BTC_RPC_PASS"),
		BTCNetworkType:   viper.GetString("BTC_NETWORK_TYPE"),
		BTCPoolAddress:   viper.GetString("BTC_POOL_ADDRESS"),
		MonitorJWTSecret: viper.GetString("MONITOR_JWT_SECRET"),
		Mixer: MixerConfig{
			MaxConcurrentMixes:         viper.GetInt("MIX_MAX_CONCURRENT"),
			MaxRetryAttempts:           viper.GetInt("MIX_MAX_RETRY"),
			RetryDelay:                 viper.GetDuration("MIX_RETRY_DELAY"),
			MaxMixingTime:              viper.GetDuration("MIX_MAX_TIME"),
			TimeoutSweepInterval:       viper.GetDuration("MIX_TIMEOUT_SWEEP"),
			QueueInterval:              viper.GetDuration("MIX_QUEUE_INTERVAL"),
			QueueLimit:                 viper.GetInt("MIX_QUEUE_LIMIT"),
			PhaseDelay:                 viper.GetDuration("MIX_PHASE_DELAY"),
			HopDelay:                   viper.GetDuration("MIX_HOP_DELAY"),
			DistributionJitter:         viper.GetDuration("MIX_DISTRIBUTION_JITTER"),
			ShutdownTimeout:            viper.GetDuration("MIX_SHUTDOWN_TIMEOUT"),
			MinCoinJoinParticipants:    viper.GetInt("MIX_MIN_COINJOIN_PARTICIPANTS"),
			RequestTTL:                 viper.GetDuration("MIX_REQUEST_TTL"),
			CoinJoinResponseTimeout:    viper.GetDuration("COINJOIN_RESPONSE_TIMEOUT"),
			IntermediateHops:           viper.GetInt("MIX_INTERMEDIATE_HOPS"),
			MaxCoinJoinCandidates:      10,
			CoinJoinAmountTolerancePct: 10,
		},
		Pool: PoolConfig{
			MinMixParticipants: viper.GetInt("POOL_MIN_MIX_PARTICIPANTS"),
			MaxPoolAge:         viper.GetDuration("POOL_MAX_AGE"),
			MonitorInterval:    viper.GetDuration("POOL_MONITOR_INTERVAL"),
			RebalanceDelay:     viper.GetDuration("POOL_REBALANCE_DELAY"),
			RebalanceThreshold: viper.GetFloat64("POOL_REBALANCE_THRESHOLD"),
			Limits:             limits,
		},
		Validator: ValidatorConfig{
			SupportedCurrencies: currencies,
			AmountLimits:        amountLimits,
			MaxOutputs:          viper.GetInt("MIX_MAX_OUTPUTS"),
			MaxDelay:            viper.GetDuration("MIX_MAX_DELAY"),
		},
		Security: SecurityConfig{
			BlockedAddresses: splitList(viper.GetString("SECURITY_BLOCKED_ADDRESSES")),
			RatePerHour:      viper.GetInt("SECURITY_RATE_PER_HOUR"),
			MaxFailures:      viper.GetInt("SECURITY_MAX_FAILURES"),
		},
	}

	if cfg.Mixer.MaxConcurrentMixes <= 0 {
		return Config{}, fmt.Errorf("MIX_MAX_CONCURRENT must be positive, got %d", cfg.Mixer.MaxConcurrentMixes)
	}
	if cfg.Mixer.QueueLimit <= 0 {
		logrus.Warnf("MIX_QUEUE_LIMIT %d is not positive, set to 1000", cfg.Mixer.QueueLimit)
		cfg.Mixer.QueueLimit = 1000
	}
	return cfg, nil
}

func loadPoolLimits(cur string) (PoolLimits, error) {
	var (
		pl  PoolLimits
		err error
	)
	if pl.MinPoolSize, err = types.NewAmount(viper.GetFloat64("POOL_" + cur + "_MIN")); err != nil {
		return pl, fmt.Errorf("POOL_%s_MIN: %w", cur, err)
	}
	if pl.MaxPoolSize, err = types.NewAmount(viper.GetFloat64("POOL_" + cur + "_MAX")); err != nil {
		return pl, fmt.Errorf("POOL_%s_MAX: %w", cur, err)
	}
	if pl.TargetPoolSize, err = types.NewAmount(viper.GetFloat64("POOL_" + cur + "_TARGET")); err != nil {
		return pl, fmt.Errorf("POOL_%s_TARGET: %w", cur, err)
	}
	if pl.MinPoolSize > pl.MaxPoolSize {
		return pl, fmt.Errorf("pool limits for %s: min %s greater than max %s", cur, pl.MinPoolSize, pl.MaxPoolSize)
	}
	return pl, nil
}

func loadAmountLimits(cur string) (AmountLimits, error) {
	var (
		al  AmountLimits
		err error
	)
	if al.Min, err = types.NewAmount(viper.GetFloat64("MIX_" + cur + "_MIN_AMOUNT")); err != nil {
		return al, fmt.Errorf("MIX_%s_MIN_AMOUNT: %w", cur, err)
	}
	if al.Max, err = types.NewAmount(viper.GetFloat64("MIX_" + cur + "_MAX_AMOUNT")); err != nil {
		return al, fmt.Errorf("MIX_%s_MAX_AMOUNT: %w", cur, err)
	}
	return al, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
