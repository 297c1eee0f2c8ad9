// Package retry implements the domain-partitioned retry executor and circuit
// breaker at the bottom of the engine's recovery stack. Every fallible
// operation in the engine runs under an [Envelope] describing its retry
// policy, timing bounds, jitter strategy, and failure budget; the [Executor]
// enforces the envelope and trips a per-domain breaker on repeated failure.
//
// Jitter is deterministic: the same correlation id and attempt number always
// produce the same delay, so replayed traces reproduce identical schedules.
package retry

import (
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/MrWong99/voicewire/internal/config"
)

// Policy selects the delay progression between attempts.
type Policy int

const (
	// PolicyNone disables retries: one attempt, no delay.
	PolicyNone Policy = iota

	// PolicyImmediate retries with zero delay.
	PolicyImmediate

	// PolicyExponential multiplies the delay each attempt.
	PolicyExponential

	// PolicyLinear adds a fixed increment each attempt.
	PolicyLinear

	// PolicyHybrid retries once immediately, then grows exponentially.
	PolicyHybrid
)

// String returns the lowercase policy name.
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyImmediate:
		return "immediate"
	case PolicyExponential:
		return "exponential"
	case PolicyLinear:
		return "linear"
	case PolicyHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a [Policy]. Unknown values fall back
// to PolicyExponential, the registry default.
func ParsePolicy(s string) Policy {
	switch s {
	case "none":
		return PolicyNone
	case "immediate":
		return PolicyImmediate
	case "linear":
		return PolicyLinear
	case "hybrid":
		return PolicyHybrid
	case "exponential", "":
		return PolicyExponential
	default:
		return PolicyExponential
	}
}

// JitterStrategy selects how deterministic jitter perturbs each delay.
type JitterStrategy int

const (
	// JitterNone applies no jitter.
	JitterNone JitterStrategy = iota

	// JitterDeterministicFull adds base·scalar, scalar ∈ [0, 1).
	JitterDeterministicFull

	// JitterDeterministicEqual adds base·0.5·(2·scalar − 1), centred on zero.
	JitterDeterministicEqual
)

func (j JitterStrategy) String() string {
	switch j {
	case JitterDeterministicFull:
		return "deterministic-full"
	case JitterDeterministicEqual:
		return "deterministic-equal"
	default:
		return "none"
	}
}

// Envelope is the per-domain retry configuration.
type Envelope struct {
	Policy        Policy
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	MaxAttempts   int
	Jitter        JitterStrategy
	Cooldown      time.Duration
	FailureBudget time.Duration
}

// DefaultEnvelope returns the registry default: exponential, 1 s initial,
// doubling to 30 s, 3 attempts, full jitter, 30 s cooldown, 60 s budget.
func DefaultEnvelope() Envelope {
	return Envelope{
		Policy:        PolicyExponential,
		InitialDelay:  time.Second,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   3,
		Jitter:        JitterDeterministicFull,
		Cooldown:      30 * time.Second,
		FailureBudget: 60 * time.Second,
	}
}

// Normalized clamps every field into its guardrail range and applies the
// policy invariants: PolicyNone forces a single attempt with zero delay and
// no jitter.
func (e Envelope) Normalized() Envelope {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultEnvelope().MaxAttempts
	}
	if e.MaxAttempts > config.MaxRetryAttemptsBound {
		e.MaxAttempts = config.MaxRetryAttemptsBound
	}
	if e.InitialDelay < 0 {
		e.InitialDelay = 0
	}
	if e.InitialDelay > config.MaxInitialDelay {
		e.InitialDelay = config.MaxInitialDelay
	}
	if e.Multiplier < config.MinMultiplier {
		e.Multiplier = config.MinMultiplier
	}
	if e.Multiplier > config.MaxMultiplier {
		e.Multiplier = config.MaxMultiplier
	}
	if e.MaxDelay <= 0 || e.MaxDelay > config.MaxMaxDelay {
		e.MaxDelay = config.MaxMaxDelay
	}
	if e.Cooldown < config.MinCooldown {
		e.Cooldown = config.MinCooldown
	}
	if e.Cooldown > config.MaxCooldown {
		e.Cooldown = config.MaxCooldown
	}
	if e.FailureBudget < config.MinFailureBudget {
		e.FailureBudget = config.MinFailureBudget
	}
	if e.FailureBudget > config.MaxFailureBudget {
		e.FailureBudget = config.MaxFailureBudget
	}
	if e.Policy == PolicyNone {
		e.MaxAttempts = 1
		e.InitialDelay = 0
		e.Jitter = JitterNone
	}
	return e
}

// FromConfig converts a YAML envelope override into an [Envelope]. A zero
// jitter_ms selects JitterNone; any positive value selects
// JitterDeterministicFull. Unset fields inherit the registry default.
func FromConfig(c config.EnvelopeConfig) Envelope {
	e := DefaultEnvelope()
	e.Policy = ParsePolicy(c.Policy)
	if c.InitialDelayMs > 0 {
		e.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		e.Multiplier = c.Multiplier
	}
	if c.MaxDelayMs > 0 {
		e.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.MaxAttempts > 0 {
		e.MaxAttempts = c.MaxAttempts
	}
	if c.JitterMs > 0 {
		e.Jitter = JitterDeterministicFull
	} else {
		e.Jitter = JitterNone
	}
	if c.CooldownMs > 0 {
		e.Cooldown = time.Duration(c.CooldownMs) * time.Millisecond
	}
	if c.FailureBudgetMs > 0 {
		e.FailureBudget = time.Duration(c.FailureBudgetMs) * time.Millisecond
	}
	return e.Normalized()
}

// baseDelay computes the un-jittered delay scheduled after a failure of the
// given attempt (1-based), capped at MaxDelay.
func (e Envelope) baseDelay(attempt int) time.Duration {
	var d time.Duration
	switch e.Policy {
	case PolicyNone, PolicyImmediate:
		return 0
	case PolicyLinear:
		d = e.InitialDelay + time.Duration(float64(attempt-1)*e.Multiplier)*time.Millisecond
	case PolicyHybrid:
		switch {
		case attempt == 1:
			return 0
		case attempt == 2:
			d = e.InitialDelay
		default:
			d = time.Duration(float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt-2)))
		}
	default: // PolicyExponential
		d = time.Duration(float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt-1)))
	}
	if d > e.MaxDelay {
		d = e.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// jitterScalar derives a deterministic value in [0, 1) from the correlation
// id and attempt number.
func jitterScalar(correlationID string, attempt int) float64 {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(attempt)))
	return float64(h.Sum32()) / float64(1<<32)
}

// applyJitter perturbs base according to the strategy. The result is never
// negative.
func (e Envelope) applyJitter(base time.Duration, correlationID string, attempt int) (delay, jitter time.Duration) {
	if base <= 0 || e.Jitter == JitterNone {
		return base, 0
	}
	scalar := jitterScalar(correlationID, attempt)
	switch e.Jitter {
	case JitterDeterministicFull:
		jitter = time.Duration(float64(base) * scalar)
	case JitterDeterministicEqual:
		jitter = time.Duration(float64(base) * 0.5 * (2*scalar - 1))
	}
	delay = base + jitter
	if delay < 0 {
		delay = 0
	}
	return delay, jitter
}
