// Package transport owns the peer connection for one realtime session: SDP
// negotiation under a hard timeout, the auxiliary data channel with its
// bounded fallback queue, ICE restart and data-channel recreation, audio
// track registration, periodic connection statistics, and publication of the
// typed events the rest of the engine consumes.
package transport

import (
	"time"

	"github.com/MrWong99/voicewire/internal/rtc"
)

// ConnectionState is the peer connection lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataChannelState mirrors the underlying channel state. Unavailable is the
// distinct value used when no channel exists at all.
type DataChannelState int

const (
	DataChannelUnavailable DataChannelState = iota
	DataChannelConnecting
	DataChannelOpen
	DataChannelClosing
	DataChannelClosed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelConnecting:
		return "connecting"
	case DataChannelOpen:
		return "open"
	case DataChannelClosing:
		return "closing"
	case DataChannelClosed:
		return "closed"
	default:
		return "unavailable"
	}
}

// ConnectionQuality grades the connection from sampled statistics.
type ConnectionQuality int

const (
	QualityFair ConnectionQuality = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityFailed
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityFailed:
		return "failed"
	default:
		return "fair"
	}
}

// EventKind tags a transport [Event].
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventDataChannelState
	EventFallbackState
	EventDiagnostics
	EventQualityChanged
	EventServerEvent
	EventRemoteTrack
	EventTrackAdded
	EventTrackRemoved
	EventRecovery
)

// Event is one typed transport notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	ConnectionState  ConnectionState
	DataChannelState DataChannelState
	FallbackActive   bool

	Diagnostics *Diagnostics
	Quality     *QualityChange
	Server      *rtc.ServerEvent
	TrackID     string
	Recovery    *RecoveryEvent
}

// Diagnostics snapshots one negotiation or sampling cycle.
type Diagnostics struct {
	NegotiationTimedOut bool
	NegotiationDuration time.Duration
	ConnectionState     ConnectionState
	Stats               *Stats
}

// QualityChange reports a connection quality transition.
type QualityChange struct {
	Previous ConnectionQuality
	Current  ConnectionQuality
	Stats    *Stats
}

// RecoveryEvent reports recovery dispatch progress.
type RecoveryEvent struct {
	// Kind: "reconnectAttempt", "reconnectSucceeded", or "reconnectFailed".
	Kind     string
	Strategy string
	Attempt  int
	Err      error
}

// Stats aggregates one statistics sampling cycle over the audio streams.
type Stats struct {
	BytesSent       int64
	PacketsSent     int64
	BytesReceived   int64
	PacketsReceived int64
	PacketsLost     int64
	Jitter          time.Duration
	RoundTripTime   time.Duration
	Quality         ConnectionQuality
	SampledAt       time.Time
}
