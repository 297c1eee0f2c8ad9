package transport

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicewire/pkg/audio"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Compile-time interface assertions.
var (
	_ Peer        = (*pionPeer)(nil)
	_ DataChannel = (*pionDataChannel)(nil)
	_ Sender      = (*pionSender)(nil)
	_ audio.Track = (*LocalTrack)(nil)
)

// pionPeer implements [Peer] over a pion/webrtc peer connection.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer creates the production [Peer] backed by pion/webrtc. The
// connection is created with a receive-only audio transceiver so the offer
// always negotiates inbound assistant audio.
func NewPionPeer(stunServers []string) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("transport: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		pc.Close()
		return nil, fmt.Errorf("transport: add audio transceiver: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) SetLocalDescription(sdp string) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (p *pionPeer) SetRemoteDescription(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeer) RestartICE() error {
	// pion triggers the restart through CreateOffer(ICERestart); nothing to
	// flag ahead of time.
	return nil
}

func (p *pionPeer) CreateDataChannel(cfg DataChannelConfig) (DataChannel, error) {
	init := &webrtc.DataChannelInit{Ordered: &cfg.Ordered}
	if cfg.MaxRetransmits != nil {
		init.MaxRetransmits = cfg.MaxRetransmits
	}
	dc, err := p.pc.CreateDataChannel(cfg.Name, init)
	if err != nil {
		return nil, fmt.Errorf("transport: create data channel: %w", err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeer) OnICEStateChange(fn func(ICEState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(fromPionICEState(s))
	})
}

func (p *pionPeer) OnRemoteTrack(fn func(trackID string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.ID())
	})
}

func (p *pionPeer) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeer) AddTrack(t audio.Track) (Sender, error) {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("transport: track %q is not a local pion track", t.ID())
	}
	sender, err := p.pc.AddTrack(lt.track)
	if err != nil {
		return nil, fmt.Errorf("transport: add track: %w", err)
	}
	return &pionSender{sender: sender}, nil
}

func (p *pionPeer) RemoveSender(s Sender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return fmt.Errorf("transport: foreign sender")
	}
	return p.pc.RemoveTrack(ps.sender)
}

func (p *pionPeer) GetStats(_ context.Context) (*RawStats, error) {
	report := p.pc.GetStats()
	raw := &RawStats{ICEState: fromPionICEState(p.pc.ICEConnectionState())}
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			if s.Kind != "audio" {
				continue
			}
			raw.BytesSent += int64(s.BytesSent)
			raw.PacketsSent += int64(s.PacketsSent)
		case webrtc.InboundRTPStreamStats:
			if s.Kind != "audio" {
				continue
			}
			raw.BytesReceived += int64(s.BytesReceived)
			raw.PacketsReceived += int64(s.PacketsReceived)
			raw.PacketsLost += int64(s.PacketsLost)
			if s.Jitter > raw.Jitter {
				raw.Jitter = s.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if s.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if raw.BestPairRTT == 0 || (s.CurrentRoundTripTime > 0 && s.CurrentRoundTripTime < raw.BestPairRTT) {
				raw.BestPairRTT = s.CurrentRoundTripTime
			}
		}
	}
	return raw, nil
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func fromPionICEState(s webrtc.ICEConnectionState) ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return ICEClosed
	default:
		return ICENew
	}
}

// pionDataChannel implements [DataChannel] over a pion data channel.
type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }

func (d *pionDataChannel) State() DataChannelState {
	switch d.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return DataChannelConnecting
	case webrtc.DataChannelStateOpen:
		return DataChannelOpen
	case webrtc.DataChannelStateClosing:
		return DataChannelClosing
	case webrtc.DataChannelStateClosed:
		return DataChannelClosed
	default:
		return DataChannelUnavailable
	}
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) OnOpen(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	d.dc.OnOpen(fn)
}

func (d *pionDataChannel) OnClose(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	d.dc.OnClose(fn)
}

func (d *pionDataChannel) OnError(fn func(error)) {
	if fn == nil {
		fn = func(error) {}
	}
	d.dc.OnError(fn)
}

func (d *pionDataChannel) OnMessage(fn func([]byte)) {
	if fn == nil {
		fn = func([]byte) {}
	}
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) Close() error { return d.dc.Close() }

// pionSender implements [Sender] over a pion RTP sender.
type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(t audio.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("transport: track %q is not a local pion track", t.ID())
	}
	return s.sender.ReplaceTrack(lt.track)
}

// LocalTrack adapts a pion sample track to [audio.Track]. The audio graph
// writes encoded samples through WriteSample; the engine never touches the
// payload.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	onStop  func()
	stopped bool
}

// NewLocalAudioTrack creates a mono Opus sample track with the given ids.
func NewLocalAudioTrack(id, streamID string, sampleRate int) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: uint32(sampleRate),
			Channels:  1,
		},
		id, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create local track: %w", err)
	}
	return &LocalTrack{track: track}, nil
}

// WriteSample forwards one encoded sample to the RTP stream.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	return t.track.WriteSample(s)
}

// OnStop registers a hook invoked when the engine stops the track.
func (t *LocalTrack) OnStop(fn func()) { t.onStop = fn }

// ID implements [audio.Track].
func (t *LocalTrack) ID() string { return t.track.ID() }

// Kind implements [audio.Track].
func (t *LocalTrack) Kind() string { return "audio" }

// StreamID implements [audio.Track].
func (t *LocalTrack) StreamID() string { return t.track.StreamID() }

// Stop implements [audio.Track]. The capture side owns the real resources;
// the hook lets it release them when the engine retires the track.
func (t *LocalTrack) Stop() error {
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.onStop != nil {
		t.onStop()
	}
	return nil
}
