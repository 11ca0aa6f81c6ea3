package recovery

import (
	"context"
	"math"
	"time"
)

type Action string

const (
	ActionRetry        Action = "RETRY"
	ActionFallback     Action = "FALLBACK"
	ActionEscalate     Action = "ESCALATE"
	ActionCircuitBreak Action = "CIRCUIT_BREAK"
	ActionIgnore       Action = "IGNORE"
)

// Operation re-executes the work that failed.
type Operation func(ctx context.Context) (any, error)

// RecoverFunc produces a replacement result for FALLBACK and CIRCUIT_BREAK.
type RecoverFunc func(ctx context.Context, err error, ec ErrorContext) (any, error)

const (
	defaultStrategyAttempts = 3
	defaultBaseDelay        = 100 * time.Millisecond
	defaultMultiplier       = 2.0
	defaultMaxDelay         = 10 * time.Second
)

// Strategy applies Action to errors matching all of its Conditions.
type Strategy struct {
	Name        string
	Conditions  []Condition
	Action      Action
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Recover     RecoverFunc
}

func (s Strategy) Matches(ec ErrorContext) bool {
	return All(s.Conditions).Matches(ec)
}

func (s Strategy) attempts() int {
	if s.MaxAttempts <= 0 {
		return defaultStrategyAttempts
	}
	return s.MaxAttempts
}

// Delay is the wait before retry attempt n, starting at 1.
func (s Strategy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	base := s.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = defaultMultiplier
	}
	maxDelay := s.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	d := float64(base) * math.Pow(multiplier, float64(n-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// DefaultStrategies is the built-in strategy table, in match order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:       "validation_ignore",
			Conditions: []Condition{CategoryIn{CategoryValidation}},
			Action:     ActionIgnore,
		},
		{
			Name:       "authentication_escalate",
			Conditions: []Condition{CategoryIn{CategoryAuthentication}},
			Action:     ActionEscalate,
		},
		{
			Name:        "network_retry",
			Conditions:  []Condition{CategoryIn{CategoryNetwork}},
			Action:      ActionRetry,
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			Multiplier:  2,
		},
		{
			Name:        "database_retry",
			Conditions:  []Condition{CategoryIn{CategoryDatabase}, SeverityIn{SeverityHigh, SeverityMedium, SeverityLow}},
			Action:      ActionRetry,
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
		},
		{
			Name:       "external_service_circuit_break",
			Conditions: []Condition{CategoryIn{CategoryExternalService}},
			Action:     ActionCircuitBreak,
		},
		{
			// unclassified errors get one low-confidence retry
			Name:        "unknown_retry",
			Conditions:  []Condition{CategoryIn{CategoryUnknown}},
			Action:      ActionRetry,
			MaxAttempts: 1,
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  1,
		},
	}
}
