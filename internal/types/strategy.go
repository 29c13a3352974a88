package types

import "time"

type StrategyType string

const (
	StrategyCoinJoin   StrategyType = "COINJOIN"
	StrategyPoolMixing StrategyType = "POOL_MIXING"
	StrategyFastMix    StrategyType = "FAST_MIX"
)

type AnonymityLevel string

const (
	AnonymityHigh   AnonymityLevel = "HIGH"
	AnonymityMedium AnonymityLevel = "MEDIUM"
	AnonymityLow    AnonymityLevel = "LOW"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseCoordination Phase = "COORDINATION"
	PhaseSigning      Phase = "SIGNING"
	PhaseBroadcast    Phase = "BROADCAST"
	PhasePoolEntry    Phase = "POOL_ENTRY"
	PhaseMixing       Phase = "MIXING"
	PhaseDistribution Phase = "DISTRIBUTION"
	PhaseObfuscation  Phase = "OBFUSCATION"
	PhaseTransfer     Phase = "TRANSFER"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseTimeout      Phase = "TIMEOUT"
)

// Strategy is chosen once per request and never re-evaluated mid-flight.
type Strategy struct {
	Type           StrategyType   `json:"type"`
	EstimatedTime  time.Duration  `json:"estimated_time"`
	AnonymityLevel AnonymityLevel `json:"anonymity_level"`
	Phases         []Phase        `json:"phases"`
	RiskLevel      RiskLevel      `json:"risk_level"`
}

func CoinJoinStrategy() Strategy {
	return Strategy{
		Type:           StrategyCoinJoin,
		EstimatedTime:  30 * time.Minute,
		AnonymityLevel: AnonymityHigh,
		Phases:         []Phase{PhaseCoordination, PhaseSigning, PhaseBroadcast},
		RiskLevel:      RiskLow,
	}
}

func PoolMixingStrategy() Strategy {
	return Strategy{
		Type:           StrategyPoolMixing,
		EstimatedTime:  45 * time.Minute,
		AnonymityLevel: AnonymityMedium,
		Phases:         []Phase{PhasePoolEntry, PhaseMixing, PhaseDistribution},
		RiskLevel:      RiskMedium,
	}
}

func FastMixStrategy() Strategy {
	return Strategy{
		Type:           StrategyFastMix,
		EstimatedTime:  15 * time.Minute,
		AnonymityLevel: AnonymityLow,
		Phases:         []Phase{PhaseObfuscation, PhaseTransfer},
		RiskLevel:      RiskHigh,
	}
}

// FirstPhase returns the phase a retry restarts from.
func (s Strategy) FirstPhase() Phase {
	if len(s.Phases) == 0 {
		return PhaseInitializing
	}
	return s.Phases[0]
}
