// Package turn implements the turn-taking and interruption engine: the
// authoritative conversational state machine fusing server voice-activity
// signals with client hints, the single-speaker turn token, barge-in under a
// strict latency budget, hands-free queueing, interruption cooldown, and the
// client-hint fallback path for degraded server VAD.
package turn

import (
	"fmt"
	"time"
)

// Profile names a bundled set of interruption thresholds.
type Profile int

const (
	ProfileDefault Profile = iota
	ProfileAssertive
	ProfileHandsFree
	ProfileCustom
)

// String returns the profile name as configured.
func (p Profile) String() string {
	switch p {
	case ProfileAssertive:
		return "assertive"
	case ProfileHandsFree:
		return "hands-free"
	case ProfileCustom:
		return "custom"
	default:
		return "default"
	}
}

// ParseProfile maps a config string to a [Profile].
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "", "default":
		return ProfileDefault, nil
	case "assertive":
		return ProfileAssertive, nil
	case "hands-free":
		return ProfileHandsFree, nil
	case "custom":
		return ProfileCustom, nil
	default:
		return ProfileDefault, fmt.Errorf("turn: unknown profile %q", s)
	}
}

// FallbackMode selects degraded-VAD handling.
type FallbackMode int

const (
	// FallbackHybrid enables the registered client-hint adapter when server
	// VAD goes quiet.
	FallbackHybrid FallbackMode = iota

	// FallbackManual exposes manual commit/yield commands instead.
	FallbackManual
)

func (m FallbackMode) String() string {
	if m == FallbackManual {
		return "manual"
	}
	return "hybrid"
}

// Policy bounds and limits for the interruption engine.
const (
	DefaultInterruptionBudget = 250 * time.Millisecond
	MaxInterruptionBudget     = 750 * time.Millisecond
	DefaultCompletionGrace    = 150 * time.Millisecond
	DefaultSpeechStopDebounce = 200 * time.Millisecond
	MinSpeechStopDebounce     = 150 * time.Millisecond
)

// Policy is the active interruption policy.
type Policy struct {
	Profile            Profile
	AllowBargeIn       bool
	InterruptionBudget time.Duration
	CompletionGrace    time.Duration
	SpeechStopDebounce time.Duration
	FallbackMode       FallbackMode

	// ExpectResponse controls the graceful handoff: after a committed user
	// speech stop the engine moves to Thinking and emits response.create
	// unless a response is already underway.
	ExpectResponse bool
}

// DefaultPolicy returns the default profile's policy.
func DefaultPolicy() Policy {
	return Policy{
		Profile:            ProfileDefault,
		AllowBargeIn:       true,
		InterruptionBudget: DefaultInterruptionBudget,
		CompletionGrace:    DefaultCompletionGrace,
		SpeechStopDebounce: DefaultSpeechStopDebounce,
		FallbackMode:       FallbackHybrid,
		ExpectResponse:     true,
	}
}

// PolicyForProfile returns the named profile's policy bundle.
func PolicyForProfile(p Profile) Policy {
	pol := DefaultPolicy()
	pol.Profile = p
	switch p {
	case ProfileAssertive:
		pol.InterruptionBudget = 150 * time.Millisecond
		pol.SpeechStopDebounce = MinSpeechStopDebounce
	case ProfileHandsFree:
		pol.AllowBargeIn = false
	}
	return pol
}

// Validate rejects values outside the configured bounds.
func (p Policy) Validate() error {
	if p.InterruptionBudget < 0 || p.InterruptionBudget > MaxInterruptionBudget {
		return fmt.Errorf("turn: interruption budget %v out of range [0, %v]", p.InterruptionBudget, MaxInterruptionBudget)
	}
	if p.SpeechStopDebounce != 0 && p.SpeechStopDebounce < MinSpeechStopDebounce {
		return fmt.Errorf("turn: speech stop debounce %v below minimum %v", p.SpeechStopDebounce, MinSpeechStopDebounce)
	}
	if p.CompletionGrace < 0 {
		return fmt.Errorf("turn: completion grace %v must not be negative", p.CompletionGrace)
	}
	return nil
}

// normalized fills unset fields with defaults.
func (p Policy) normalized() Policy {
	if p.InterruptionBudget == 0 {
		p.InterruptionBudget = DefaultInterruptionBudget
	}
	if p.SpeechStopDebounce == 0 {
		p.SpeechStopDebounce = DefaultSpeechStopDebounce
	}
	if p.CompletionGrace == 0 {
		p.CompletionGrace = DefaultCompletionGrace
	}
	return p
}
