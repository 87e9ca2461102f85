// Package retry decides whether a failed delivery attempt runs again and
// when, and re-enqueues due work from persisted task state. Nothing here
// holds retry state in memory: a restart loses no scheduled retry.
package retry

import (
	"time"

	"govcast/internal/errs"
)

// Policy is bounded exponential backoff.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	// CircuitMultiplier stretches the delay when the attempt was
	// short-circuited by an open breaker.
	CircuitMultiplier int `yaml:"circuit_multiplier" json:"circuit_multiplier"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, CircuitMultiplier: 5}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.CircuitMultiplier <= 0 {
		p.CircuitMultiplier = def.CircuitMultiplier
	}
	return p
}

// Backoff returns BaseDelay·2^attempts.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	return p.BaseDelay << attempts
}

// Decision is the verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	At    time.Time
}

// Decide judges a failure of kind after attempts attempts. hint is the
// provider's Retry-After or the breaker's remaining cool-down; the delay
// never undercuts it.
func (p Policy) Decide(attempts int, kind errs.Kind, hint time.Duration, now time.Time) Decision {
	p = p.withDefaults()
	if !kind.Retryable() || attempts >= p.MaxAttempts {
		return Decision{}
	}
	delay := p.Backoff(attempts)
	if kind == errs.KindCircuitOpen {
		delay *= time.Duration(p.CircuitMultiplier)
	}
	delay = max(delay, hint)
	return Decision{Retry: true, Delay: delay, At: now.Add(delay)}
}
