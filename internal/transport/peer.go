package transport

import (
	"context"

	"github.com/MrWong99/voicewire/pkg/audio"
)

// ICEState is the subset of ICE connection states the engine reacts to.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	default:
		return "new"
	}
}

// Peer abstracts the WebRTC peer connection. The production implementation
// wraps pion/webrtc; tests drive the transport through a fake. This mirrors
// the seam the engine uses everywhere a platform SDK sits underneath.
type Peer interface {
	// CreateOffer produces a local SDP offer. With iceRestart the offer
	// carries new ICE credentials.
	CreateOffer(iceRestart bool) (string, error)

	// SetLocalDescription installs the local offer.
	SetLocalDescription(sdp string) error

	// SetRemoteDescription installs the remote answer.
	SetRemoteDescription(sdp string) error

	// RestartICE flags the connection for an ICE restart before the next
	// offer where the implementation requires it.
	RestartICE() error

	// CreateDataChannel opens a local data channel.
	CreateDataChannel(cfg DataChannelConfig) (DataChannel, error)

	// OnICEStateChange registers the ICE state observer.
	OnICEStateChange(fn func(ICEState))

	// OnRemoteTrack registers the inbound media track observer.
	OnRemoteTrack(fn func(trackID string))

	// OnDataChannel registers the inbound data channel observer.
	OnDataChannel(fn func(DataChannel))

	// AddTrack attaches a local track and returns its sender.
	AddTrack(t audio.Track) (Sender, error)

	// RemoveSender detaches a sender from the connection.
	RemoveSender(s Sender) error

	// GetStats collects one raw statistics snapshot.
	GetStats(ctx context.Context) (*RawStats, error)

	// Close tears the connection down.
	Close() error
}

// Sender is the handle bound to one outgoing track.
type Sender interface {
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(t audio.Track) error
}

// DataChannel abstracts one reliable ordered channel.
type DataChannel interface {
	// Label returns the channel name.
	Label() string

	// State reports the current channel state.
	State() DataChannelState

	// Send transmits one message.
	Send(data []byte) error

	// Handler registration. Passing nil detaches the handler.
	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(err error))
	OnMessage(fn func(data []byte))

	// Close closes the channel.
	Close() error
}

// RawStats is the unprocessed per-sample statistics from the peer, already
// restricted to audio-kind RTP streams and the best succeeded candidate pair.
type RawStats struct {
	BytesSent       int64
	PacketsSent     int64
	OutboundRTT     float64 // seconds
	BytesReceived   int64
	PacketsReceived int64
	PacketsLost     int64
	Jitter          float64 // seconds
	BestPairRTT     float64 // seconds
	ICEState        ICEState
}

// PeerFactory builds a Peer for one establishment attempt. The default is
// [NewPionPeer]; tests inject fakes.
type PeerFactory func(stunServers []string) (Peer, error)
