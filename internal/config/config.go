// Package config provides the configuration schema, loader, and guardrail
// clamps for the voicewire session engine.
package config

import "time"

// Config is the root configuration structure for voicewire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Session   SessionConfig   `yaml:"session"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audio     AudioConfig     `yaml:"audio"`
	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
}

// ServerConfig holds network and logging settings for the voicewire process.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server listens on
	// (e.g., ":8080"). Serves /metrics and /healthz only.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// EndpointConfig identifies the remote realtime service.
type EndpointConfig struct {
	// Region selects the service region. Must be one of [AllowedRegions].
	Region string `yaml:"region"`

	// URL is the SDP negotiation endpoint.
	URL string `yaml:"url"`

	// Deployment is the model deployment name appended as ?model=<deployment>.
	Deployment string `yaml:"deployment"`

	// APIVersion pins the wire protocol version.
	APIVersion string `yaml:"api_version"`

	// KeyURL is the ephemeral credential issuance endpoint.
	KeyURL string `yaml:"key_url"`
}

// SessionConfig tunes session lifecycle timers and renewal behaviour.
type SessionConfig struct {
	// RenewalMarginSeconds is how long before credential expiry renewal
	// starts. Default: 10.
	RenewalMarginSeconds int `yaml:"renewal_margin_seconds"`

	// InactivityTimeoutMinutes pauses the session after this much silence.
	// Default: 5.
	InactivityTimeoutMinutes int `yaml:"inactivity_timeout_minutes"`

	// HeartbeatIntervalSeconds is the keep-alive ping period. Default: 30.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// MaxRetryAttempts bounds renewal retries. Default: 3.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// RetryBackoffMs is the initial renewal retry delay. Default: 1000.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`

	// EnableHeartbeat toggles the heartbeat timer. Default: true.
	EnableHeartbeat *bool `yaml:"enable_heartbeat"`

	// EnableInactivityTimeout toggles the inactivity timer. Default: true.
	EnableInactivityTimeout *bool `yaml:"enable_inactivity_timeout"`
}

// PolicyConfig is the conversation / interruption policy block.
type PolicyConfig struct {
	// Profile selects the named policy bundle.
	// Valid values: "default", "assertive", "hands-free", "custom".
	Profile string `yaml:"profile"`

	// AllowBargeIn permits user speech to cancel assistant playback.
	AllowBargeIn *bool `yaml:"allow_barge_in"`

	// InterruptionBudgetMs bounds barge-in cancellation latency.
	// Default 250, hard cap 750. Values outside [0, 750] are rejected.
	InterruptionBudgetMs int `yaml:"interruption_budget_ms"`

	// CompletionGraceMs sets the turn policy's completion grace. Default: 150.
	// The turn engine validates and carries it but does not wait on it: a
	// queued user turn opens as soon as assistant playback ends.
	CompletionGraceMs int `yaml:"completion_grace_ms"`

	// SpeechStopDebounceMs debounces user speech-stop events.
	// Default 200, minimum 150. Lower values are rejected.
	SpeechStopDebounceMs int `yaml:"speech_stop_debounce_ms"`

	// FallbackMode selects VAD degradation handling: "hybrid" or "manual".
	FallbackMode string `yaml:"fallback_mode"`
}

// AudioConfig is the negotiated audio profile.
type AudioConfig struct {
	// SampleRate in Hz. Default: 24000 (pcm16 mono primary profile).
	SampleRate int `yaml:"sample_rate"`

	// Format is the sample format: "pcm16", "pcm24", or "pcm32".
	Format string `yaml:"format"`

	// Channels is the capture channel count. Mono (1) required.
	Channels int `yaml:"channels"`

	// CodecProfile is the negotiated codec profile id.
	CodecProfile string `yaml:"codec_profile"`

	// WorkletModules lists audio worklet module URLs handed to the audio
	// graph collaborator. Order-preserving; duplicates removed at load.
	WorkletModules []string `yaml:"worklet_modules"`

	// Voice is the assistant voice id sent in session.update.
	Voice string `yaml:"voice"`

	// Locale is the conversation locale (e.g. "en-US").
	Locale string `yaml:"locale"`

	// TranscriptionModel selects the input transcription model.
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection selects the server turn-detection mode:
	// "server_vad", "semantic_vad", or "none".
	TurnDetection string `yaml:"turn_detection"`
}

// TransportConfig tunes the peer connection and data channel.
type TransportConfig struct {
	// StunServers lists STUN URLs for ICE. Default: stun:stun.l.google.com:19302.
	StunServers []string `yaml:"stun_servers"`

	// ConnectionTimeoutMs bounds ICE establishment. Default: 5000.
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`

	// ReconnectAttempts bounds transport-level recovery retries. Default: 5.
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	// ReconnectDelayMs is the base reconnect backoff. Default: 1000.
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`

	// DataChannelName labels the event channel. Default: "realtime-channel".
	DataChannelName string `yaml:"data_channel_name"`

	// DataChannelOrdered keeps the event channel ordered. Default: true.
	DataChannelOrdered *bool `yaml:"data_channel_ordered"`

	// DataChannelMaxRetransmits, when set, bounds retransmissions.
	DataChannelMaxRetransmits *int `yaml:"data_channel_max_retransmits"`
}

// RetryConfig holds per-domain retry envelope overrides. Fields outside the
// guardrail ranges are clamped by [Validate].
type RetryConfig struct {
	Domains map[string]EnvelopeConfig `yaml:"domains"`
}

// EnvelopeConfig is the YAML shape of one retry envelope override.
type EnvelopeConfig struct {
	// Policy: "none", "immediate", "exponential", "linear", or "hybrid".
	Policy string `yaml:"policy"`

	InitialDelayMs  int     `yaml:"initial_delay_ms"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxDelayMs      int     `yaml:"max_delay_ms"`
	MaxAttempts     int     `yaml:"max_attempts"`
	JitterMs        int     `yaml:"jitter_ms"`
	CooldownMs      int     `yaml:"cooldown_ms"`
	FailureBudgetMs int     `yaml:"failure_budget_ms"`
}

// AllowedRegions is the service region allow-list.
var AllowedRegions = []string{"eastus2", "swedencentral", "westus2", "southindia"}

// Guardrail bounds for retry envelopes and policy values.
const (
	MaxRetryAttemptsBound = 8
	MaxInitialDelay       = 5 * time.Second
	MinMultiplier         = 1.0
	MaxMultiplier         = 5.0
	MaxMaxDelay           = 60 * time.Second
	MinCooldown           = 5 * time.Second
	MaxCooldown           = 120 * time.Second
	MinFailureBudget      = 1 * time.Second
	MaxFailureBudget      = 120 * time.Second
	MinSpeechDebounceMs   = 150
	MaxBargeInBudgetMs    = 750
)

// RenewalMargin returns the credential renewal margin with the default applied.
func (s SessionConfig) RenewalMargin() time.Duration {
	if s.RenewalMarginSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.RenewalMarginSeconds) * time.Second
}

// InactivityTimeout returns the inactivity window with the default applied.
func (s SessionConfig) InactivityTimeout() time.Duration {
	if s.InactivityTimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.InactivityTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns the keep-alive period with the default applied.
func (s SessionConfig) HeartbeatInterval() time.Duration {
	if s.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatEnabled reports whether the heartbeat timer runs. Default: true.
func (s SessionConfig) HeartbeatEnabled() bool {
	return s.EnableHeartbeat == nil || *s.EnableHeartbeat
}

// InactivityEnabled reports whether the inactivity timer runs. Default: true.
func (s SessionConfig) InactivityEnabled() bool {
	return s.EnableInactivityTimeout == nil || *s.EnableInactivityTimeout
}

// ConnectionTimeout returns the ICE establishment bound with the default applied.
func (t TransportConfig) ConnectionTimeout() time.Duration {
	if t.ConnectionTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.ConnectionTimeoutMs) * time.Millisecond
}
