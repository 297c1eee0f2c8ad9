package transport

import (
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/voicewire/internal/config"
	"github.com/MrWong99/voicewire/internal/rtc"
)

// DataChannelConfig shapes the auxiliary event channel.
type DataChannelConfig struct {
	Name           string
	Ordered        bool
	MaxRetransmits *uint16
}

// ConnectionConfig bounds establishment and recovery timing.
type ConnectionConfig struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectionTimeout time.Duration
}

// Config is the full transport configuration for one session. Build it with
// [NewConfig]; the worklet module list is deduplicated there and frozen for
// the transport's lifetime.
type Config struct {
	Endpoint config.EndpointConfig

	// Bearer is the short-lived credential presented during negotiation.
	Bearer string

	Audio          config.AudioConfig
	SessionUpdate  rtc.SessionUpdateConfig
	DataChannel    DataChannelConfig
	Connection     ConnectionConfig
	StunServers    []string
	workletModules []string
}

// NewConfig validates and freezes a transport configuration. The region must
// be on the allow-list; worklet URLs are deduplicated preserving order.
func NewConfig(endpoint config.EndpointConfig, bearer string, audio config.AudioConfig, tc config.TransportConfig) (Config, error) {
	if !slices.Contains(config.AllowedRegions, endpoint.Region) {
		return Config{}, fmt.Errorf("transport: region %q is not supported", endpoint.Region)
	}
	if bearer == "" {
		return Config{}, fmt.Errorf("transport: missing credential")
	}

	worklets := dedupe(audio.WorkletModules)

	ordered := tc.DataChannelOrdered == nil || *tc.DataChannelOrdered
	var maxRetransmits *uint16
	if tc.DataChannelMaxRetransmits != nil && *tc.DataChannelMaxRetransmits >= 0 {
		v := uint16(*tc.DataChannelMaxRetransmits)
		maxRetransmits = &v
	}
	name := tc.DataChannelName
	if name == "" {
		name = "realtime-channel"
	}
	stun := tc.StunServers
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	attempts := tc.ReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := time.Duration(tc.ReconnectDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}

	return Config{
		Endpoint: endpoint,
		Bearer:   bearer,
		Audio:    audio,
		SessionUpdate: rtc.SessionUpdateConfig{
			InputAudioFormat:   audio.Format,
			OutputAudioFormat:  audio.Format,
			Voice:              audio.Voice,
			Locale:             audio.Locale,
			TranscriptionModel: audio.TranscriptionModel,
			TurnDetectionType:  audio.TurnDetection,
		},
		DataChannel: DataChannelConfig{
			Name:           name,
			Ordered:        ordered,
			MaxRetransmits: maxRetransmits,
		},
		Connection: ConnectionConfig{
			ReconnectAttempts: attempts,
			ReconnectDelay:    delay,
			ConnectionTimeout: tc.ConnectionTimeout(),
		},
		StunServers:    stun,
		workletModules: worklets,
	}, nil
}

// WorkletModules returns the frozen, deduplicated worklet URL list.
func (c Config) WorkletModules() []string {
	return slices.Clone(c.workletModules)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
