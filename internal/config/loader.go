package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, applies the
// retry guardrail clamps in place, and rejects out-of-range policy values.
// Returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Endpoint.Region != "" && !slices.Contains(AllowedRegions, cfg.Endpoint.Region) {
		errs = append(errs, fmt.Errorf("endpoint.region %q is not supported; allowed: %v", cfg.Endpoint.Region, AllowedRegions))
	}

	// Policy bounds are rejected, not clamped: a mis-tuned interruption
	// budget changes conversational behaviour and must be explicit.
	if b := cfg.Policy.InterruptionBudgetMs; b < 0 || b > MaxBargeInBudgetMs {
		errs = append(errs, fmt.Errorf("policy.interruption_budget_ms %d out of range [0, %d]", b, MaxBargeInBudgetMs))
	}
	if d := cfg.Policy.SpeechStopDebounceMs; d != 0 && d < MinSpeechDebounceMs {
		errs = append(errs, fmt.Errorf("policy.speech_stop_debounce_ms %d below minimum %d", d, MinSpeechDebounceMs))
	}
	switch cfg.Policy.Profile {
	case "", "default", "assertive", "hands-free", "custom":
	default:
		errs = append(errs, fmt.Errorf("policy.profile %q is invalid; valid values: default, assertive, hands-free, custom", cfg.Policy.Profile))
	}
	switch cfg.Policy.FallbackMode {
	case "", "hybrid", "manual":
	default:
		errs = append(errs, fmt.Errorf("policy.fallback_mode %q is invalid; valid values: hybrid, manual", cfg.Policy.FallbackMode))
	}

	switch cfg.Audio.Format {
	case "", "pcm16", "pcm24", "pcm32":
	default:
		errs = append(errs, fmt.Errorf("audio.format %q is invalid; valid values: pcm16, pcm24, pcm32", cfg.Audio.Format))
	}
	if cfg.Audio.Channels > 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; mono capture is required", cfg.Audio.Channels))
	}
	switch cfg.Audio.TurnDetection {
	case "", "server_vad", "semantic_vad", "none":
	default:
		errs = append(errs, fmt.Errorf("audio.turn_detection %q is invalid; valid values: server_vad, semantic_vad, none", cfg.Audio.TurnDetection))
	}
	cfg.Audio.WorkletModules = dedupePreserveOrder(cfg.Audio.WorkletModules)

	// Retry envelope overrides are clamped, not rejected: a bad override
	// falls back to the nearest safe value.
	for name, env := range cfg.Retry.Domains {
		cfg.Retry.Domains[name] = clampEnvelope(env)
	}

	return errors.Join(errs...)
}

// clampEnvelope pulls every envelope field into its guardrail range.
func clampEnvelope(e EnvelopeConfig) EnvelopeConfig {
	if e.MaxAttempts > MaxRetryAttemptsBound {
		e.MaxAttempts = MaxRetryAttemptsBound
	}
	if e.MaxAttempts < 0 {
		e.MaxAttempts = 0
	}
	if max := int(MaxInitialDelay.Milliseconds()); e.InitialDelayMs > max {
		e.InitialDelayMs = max
	}
	if e.InitialDelayMs < 0 {
		e.InitialDelayMs = 0
	}
	if e.Multiplier != 0 {
		if e.Multiplier < MinMultiplier {
			e.Multiplier = MinMultiplier
		}
		if e.Multiplier > MaxMultiplier {
			e.Multiplier = MaxMultiplier
		}
	}
	if max := int(MaxMaxDelay.Milliseconds()); e.MaxDelayMs > max {
		e.MaxDelayMs = max
	}
	if e.CooldownMs != 0 {
		if min := int(MinCooldown.Milliseconds()); e.CooldownMs < min {
			e.CooldownMs = min
		}
		if max := int(MaxCooldown.Milliseconds()); e.CooldownMs > max {
			e.CooldownMs = max
		}
	}
	if e.FailureBudgetMs != 0 {
		if min := int(MinFailureBudget.Milliseconds()); e.FailureBudgetMs < min {
			e.FailureBudgetMs = min
		}
		if max := int(MaxFailureBudget.Milliseconds()); e.FailureBudgetMs > max {
			e.FailureBudgetMs = max
		}
	}
	return e
}

// dedupePreserveOrder removes duplicate entries keeping first occurrences.
func dedupePreserveOrder(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
