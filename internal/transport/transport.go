package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/rtc"
	"github.com/MrWong99/voicewire/pkg/audio"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Recreation wait bound for a replacement data channel.
const dataChannelRecreateTimeout = 3 * time.Second

// statsInterval is the statistics sampling period.
const statsInterval = 5 * time.Second

// EventSubscription is the disposable handle for a transport event listener.
type EventSubscription struct {
	t  *Transport
	id uint64
}

// Close removes the listener. Safe to call more than once.
func (s *EventSubscription) Close() {
	if s.t == nil {
		return
	}
	s.t.removeListener(s.id)
	s.t = nil
}

type listener struct {
	id uint64
	fn func(Event)
}

type trackEntry struct {
	track  audio.Track
	sender Sender
	opts   audio.TrackOptions
}

// Transport owns the peer connection for one session.
type Transport struct {
	cfg         Config
	clk         clock.Clock
	logger      *slog.Logger
	metrics     *observe.Metrics
	peerFactory PeerFactory
	negotiator  Negotiator

	mu             sync.Mutex
	initialized    bool
	disposed       bool
	state          ConnectionState
	peer           Peer
	dc             DataChannel
	dcState        DataChannelState
	fallbackActive bool
	quality        ConnectionQuality
	tracks         map[string]*trackEntry
	listeners      []*listener
	nextListenerID uint64
	iceCh          chan ICEState
	samplerCancel  context.CancelFunc

	queue      fallbackQueue
	flushGroup singleflight.Group
	statsGroup singleflight.Group
}

// Option configures a [Transport].
type Option func(*Transport)

// WithPeerFactory injects the peer constructor. Defaults to [NewPionPeer].
func WithPeerFactory(f PeerFactory) Option {
	return func(t *Transport) { t.peerFactory = f }
}

// WithNegotiator injects the SDP negotiator. Defaults to an [HTTPNegotiator]
// built from the endpoint config.
func WithNegotiator(n Negotiator) Option {
	return func(t *Transport) { t.negotiator = n }
}

// WithLogger sets the transport logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New creates a Transport for the given frozen configuration.
func New(cfg Config, clk clock.Clock, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg,
		clk:     clk,
		state:   StateDisconnected,
		dcState: DataChannelUnavailable,
		quality: QualityFair,
		tracks:  make(map[string]*trackEntry),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.peerFactory == nil {
		t.peerFactory = NewPionPeer
	}
	if t.negotiator == nil {
		t.negotiator = &HTTPNegotiator{
			URL:        cfg.Endpoint.URL,
			Deployment: cfg.Endpoint.Deployment,
			Bearer:     cfg.Bearer,
		}
	}
	return t
}

// Initialize prepares the transport. Idempotent.
func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return fmt.Errorf("transport: disposed")
	}
	if t.initialized {
		return nil
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.initialized = true
	return nil
}

// Dispose closes the connection, clears listeners and the fallback queue,
// and stops sampling. Idempotent.
func (t *Transport) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.initialized = false
	t.listeners = nil
	t.mu.Unlock()

	_ = t.CloseConnection()
	t.queue.Clear()
}

// Subscribe registers an event listener. Events are dispatched synchronously
// in transition order; listener panics are logged and never propagate.
func (t *Transport) Subscribe(fn func(Event)) *EventSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextListenerID++
	t.listeners = append(t.listeners, &listener{id: t.nextListenerID, fn: fn})
	return &EventSubscription{t: t, id: t.nextListenerID}
}

func (t *Transport) removeListener(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// emit dispatches one event to every listener in order.
func (t *Transport) emit(e Event) {
	e.Timestamp = t.clk.Now()
	t.mu.Lock()
	targets := make([]*listener, len(t.listeners))
	copy(targets, t.listeners)
	t.mu.Unlock()
	for _, l := range targets {
		t.dispatch(l, e)
	}
}

func (t *Transport) dispatch(l *listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transport listener panicked",
				"listener_id", l.id, "kind", int(e.Kind), "panic", fmt.Sprint(r))
		}
	}()
	l.fn(e)
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// DataChannelState returns the current data channel state.
func (t *Transport) DataChannelState() DataChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dcState
}

// FallbackActive reports whether outbound messages are being queued.
func (t *Transport) FallbackActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fallbackActive
}

// FallbackQueueLen reports the current fallback queue depth.
func (t *Transport) FallbackQueueLen() int { return t.queue.Len() }

func (t *Transport) setState(s ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.emit(Event{Kind: EventConnectionState, ConnectionState: s})
}

func (t *Transport) setDCState(s DataChannelState) {
	t.mu.Lock()
	changed := t.dcState != s
	t.dcState = s
	wasFallback := t.fallbackActive
	t.fallbackActive = s != DataChannelOpen
	fallbackChanged := wasFallback != t.fallbackActive
	fallbackActive := t.fallbackActive
	t.mu.Unlock()

	if changed {
		t.emit(Event{Kind: EventDataChannelState, DataChannelState: s})
	}
	if fallbackChanged {
		t.emit(Event{Kind: EventFallbackState, FallbackActive: fallbackActive})
	}
}

// EstablishConnection runs the full establishment protocol: peer creation,
// observer installation, data channel creation, SDP negotiation under the
// 5 s hard timeout, ICE establishment under the configured connection
// timeout, and statistics sampler start.
func (t *Transport) EstablishConnection(ctx context.Context) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return fmt.Errorf("transport: not initialized")
	}
	t.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "transport.establish")
	defer span.End()

	t.setState(StateConnecting)

	peer, err := t.peerFactory(t.cfg.StunServers)
	if err != nil {
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeConfigurationInvalid, Err: err})
	}

	iceCh := make(chan ICEState, 16)
	peer.OnICEStateChange(func(s ICEState) {
		select {
		case iceCh <- s:
		default:
		}
	})
	peer.OnRemoteTrack(func(trackID string) {
		t.emit(Event{Kind: EventRemoteTrack, TrackID: trackID})
	})
	peer.OnDataChannel(func(dc DataChannel) {
		// The remote opened its own channel; adopt it only when we have none.
		t.mu.Lock()
		adopt := t.dc == nil
		t.mu.Unlock()
		if adopt {
			t.attachDataChannel(dc)
		}
	})

	dc, err := peer.CreateDataChannel(t.cfg.DataChannel)
	if err != nil {
		_ = peer.Close()
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeDataChannelFailed, Err: err})
	}

	t.mu.Lock()
	t.peer = peer
	t.iceCh = iceCh
	t.mu.Unlock()
	t.attachDataChannel(dc)

	offer, err := peer.CreateOffer(false)
	if err != nil {
		t.failEstablish(peer, err, CodeSdpNegotiationFailed)
		return Classify(&ClassifiedError{Code: CodeSdpNegotiationFailed, Err: err})
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		t.failEstablish(peer, err, CodeSdpNegotiationFailed)
		return Classify(&ClassifiedError{Code: CodeSdpNegotiationFailed, Err: err})
	}

	answer, duration, timedOut, err := t.negotiate(ctx, offer)
	t.metrics.NegotiationDuration.Record(ctx, duration.Seconds())
	if timedOut {
		t.emit(Event{Kind: EventDiagnostics, Diagnostics: &Diagnostics{
			NegotiationTimedOut: true,
			NegotiationDuration: duration,
			ConnectionState:     StateFailed,
		}})
		t.failEstablish(peer, err, CodeSdpNegotiationFailed)
		return Classify(&ClassifiedError{Code: CodeSdpNegotiationFailed,
			Err: fmt.Errorf("transport: SDP negotiation timed out after %v", duration)})
	}
	if err != nil {
		t.failEstablish(peer, err, "")
		return Classify(err)
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		t.failEstablish(peer, err, CodeSdpNegotiationFailed)
		return Classify(&ClassifiedError{Code: CodeSdpNegotiationFailed, Err: err})
	}

	if err := t.waitICEConnected(ctx, iceCh, t.cfg.Connection.ConnectionTimeout); err != nil {
		t.failEstablish(peer, err, "")
		return Classify(err)
	}

	t.setState(StateConnected)
	t.startSampler()
	t.emit(Event{Kind: EventDiagnostics, Diagnostics: &Diagnostics{
		NegotiationTimedOut: false,
		NegotiationDuration: duration,
		ConnectionState:     StateConnected,
	}})
	t.logger.Info("connection established",
		"region", t.cfg.Endpoint.Region,
		"negotiation_duration", duration)
	return nil
}

// failEstablish tears down a half-built connection and moves to Failed.
func (t *Transport) failEstablish(peer Peer, cause error, code string) {
	t.detachDataChannel()
	_ = peer.Close()
	t.mu.Lock()
	t.peer = nil
	t.mu.Unlock()
	t.setDCState(DataChannelUnavailable)
	t.setState(StateFailed)
	if cause != nil {
		t.logger.Warn("connection establishment failed",
			"code", code, "error", fault.Redact(cause.Error()))
	}
}

// negotiate runs the SDP exchange under the hard 5 s timeout.
func (t *Transport) negotiate(ctx context.Context, offer string) (answer string, duration time.Duration, timedOut bool, err error) {
	start := t.clk.Now()

	type result struct {
		answer string
		err    error
	}
	resCh := make(chan result, 1)
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		a, e := t.negotiator.Exchange(innerCtx, offer)
		resCh <- result{a, e}
	}()

	timeoutCh, stopTimeout := t.afterTimeout(ctx, NegotiationTimeout)
	defer stopTimeout()

	select {
	case r := <-resCh:
		return r.answer, t.clk.Now().Sub(start), false, r.err
	case <-timeoutCh:
		cancel()
		return "", t.clk.Now().Sub(start), true, fmt.Errorf("transport: negotiation timeout")
	case <-ctx.Done():
		return "", t.clk.Now().Sub(start), false, ctx.Err()
	}
}

// waitICEConnected blocks until ICE reaches connected/completed, fails, or
// the timeout elapses.
func (t *Transport) waitICEConnected(ctx context.Context, iceCh <-chan ICEState, timeout time.Duration) error {
	timeoutCh, stop := t.afterTimeout(ctx, timeout)
	defer stop()
	for {
		select {
		case s := <-iceCh:
			switch s {
			case ICEConnected, ICECompleted:
				return nil
			case ICEFailed:
				return &ClassifiedError{Code: CodeIceConnectionFailed,
					Err: fmt.Errorf("transport: ICE reported failed")}
			}
		case <-timeoutCh:
			return &ClassifiedError{Code: CodeNetworkTimeout,
				Err: fmt.Errorf("transport: ICE did not connect within %v", timeout)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// afterTimeout returns a channel closed after d on the engine clock.
func (t *Transport) afterTimeout(ctx context.Context, d time.Duration) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		if t.clk.Wait(tctx, d) == nil {
			close(ch)
		}
	}()
	return ch, cancel
}

// attachDataChannel installs handlers on dc and adopts it as the active
// channel.
func (t *Transport) attachDataChannel(dc DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() { t.handleDCOpen() })
	dc.OnClose(func() { t.setDCState(DataChannelClosed) })
	dc.OnError(func(err error) {
		t.logger.Warn("data channel error", "error", fault.Redact(err.Error()))
		t.setDCState(DataChannelClosed)
	})
	dc.OnMessage(func(data []byte) { t.handleDCMessage(data) })
	t.setDCState(dc.State())
}

// detachDataChannel removes handlers and closes the active channel.
func (t *Transport) detachDataChannel() {
	t.mu.Lock()
	dc := t.dc
	t.dc = nil
	t.mu.Unlock()
	if dc == nil {
		return
	}
	dc.OnOpen(nil)
	dc.OnClose(nil)
	dc.OnError(nil)
	dc.OnMessage(nil)
	_ = dc.Close()
}

// handleDCOpen sends the initial session.update and flushes the fallback
// queue in order.
func (t *Transport) handleDCOpen() {
	t.setDCState(DataChannelOpen)

	update := rtc.NewSessionUpdate(t.cfg.SessionUpdate)
	data, err := rtc.Marshal(update)
	if err == nil {
		t.mu.Lock()
		dc := t.dc
		t.mu.Unlock()
		if dc != nil {
			if err := dc.Send(data); err != nil {
				t.logger.Warn("initial session.update send failed", "error", err)
				t.setDCState(DataChannelClosed)
				return
			}
		}
	}
	t.flushFallbackQueue()
}

// handleDCMessage parses one inbound event and forwards it in arrival order.
func (t *Transport) handleDCMessage(data []byte) {
	evt, err := rtc.ParseServerEvent(data)
	if err != nil {
		t.logger.Debug("unparseable data channel message", "error", err)
		return
	}
	t.emit(Event{Kind: EventServerEvent, Server: evt})
}

// SendEvent marshals v and transmits it, entering fallback queueing when the
// channel is not open or the send fails.
func (t *Transport) SendEvent(v any) error {
	data, err := rtc.Marshal(v)
	if err != nil {
		return err
	}

	t.mu.Lock()
	dc := t.dc
	open := dc != nil && t.dcState == DataChannelOpen && !t.fallbackActive
	t.mu.Unlock()

	if open {
		if err := dc.Send(data); err != nil {
			t.logger.Warn("data channel send failed, entering fallback", "error", err)
			t.setDCState(DataChannelClosed)
			t.enqueueFallback(data)
			return nil
		}
		return nil
	}
	t.enqueueFallback(data)
	return nil
}

func (t *Transport) enqueueFallback(data []byte) {
	drops := t.queue.Push(data)
	ctx := context.Background()
	t.metrics.FallbackQueueDepth.Add(ctx, 1)
	if drops > 0 {
		t.metrics.FallbackDrops.Add(ctx, int64(drops))
		t.metrics.FallbackQueueDepth.Add(ctx, -int64(drops))
		t.logger.Warn("fallback queue full, dropped oldest message",
			"capacity", fallbackCapacity, "total_dropped", t.queue.Dropped())
	}
}

// flushFallbackQueue drains the queue FIFO over the open channel. The flush
// is single-flight; a failed send re-enters fallback with the remainder
// back at the head of the queue.
func (t *Transport) flushFallbackQueue() {
	t.flushGroup.Do("flush", func() (any, error) {
		msgs := t.queue.Drain()
		if len(msgs) == 0 {
			return nil, nil
		}
		ctx := context.Background()
		for i, m := range msgs {
			t.mu.Lock()
			dc := t.dc
			open := dc != nil && t.dcState == DataChannelOpen
			t.mu.Unlock()
			if !open {
				t.queue.Requeue(msgs[i:])
				return nil, nil
			}
			if err := dc.Send(m); err != nil {
				t.logger.Warn("fallback flush send failed", "error", err, "remaining", len(msgs)-i)
				t.queue.Requeue(msgs[i:])
				t.setDCState(DataChannelClosed)
				return nil, nil
			}
			t.metrics.FallbackQueueDepth.Add(ctx, -1)
		}
		t.logger.Debug("fallback queue flushed", "count", len(msgs))
		return nil, nil
	})
}

// RestartICE renegotiates with fresh ICE credentials, reusing the hard
// negotiation timeout, and waits for the connection to re-establish.
func (t *Transport) RestartICE(ctx context.Context) error {
	t.mu.Lock()
	peer := t.peer
	iceCh := t.iceCh
	t.mu.Unlock()
	if peer == nil {
		return Classify(&ClassifiedError{Code: CodeIceConnectionFailed,
			Err: fmt.Errorf("transport: no peer connection to restart")})
	}

	t.setState(StateReconnecting)
	if err := peer.RestartICE(); err != nil {
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeIceConnectionFailed, Err: err})
	}
	offer, err := peer.CreateOffer(true)
	if err != nil {
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeIceConnectionFailed, Err: err})
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeIceConnectionFailed, Err: err})
	}

	answer, duration, timedOut, err := t.negotiate(ctx, offer)
	if timedOut {
		t.setState(StateFailed)
		t.emit(Event{Kind: EventDiagnostics, Diagnostics: &Diagnostics{
			NegotiationTimedOut: true,
			NegotiationDuration: duration,
			ConnectionState:     StateFailed,
		}})
		return Classify(&ClassifiedError{Code: CodeSdpNegotiationFailed,
			Err: fmt.Errorf("transport: ICE restart negotiation timed out")})
	}
	if err != nil {
		t.setState(StateFailed)
		return Classify(err)
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		t.setState(StateFailed)
		return Classify(&ClassifiedError{Code: CodeIceConnectionFailed, Err: err})
	}
	if err := t.waitICEConnected(ctx, iceCh, t.cfg.Connection.ConnectionTimeout); err != nil {
		t.setState(StateFailed)
		return Classify(err)
	}

	t.setState(StateConnected)
	t.emit(Event{Kind: EventDiagnostics, Diagnostics: &Diagnostics{
		NegotiationTimedOut: false,
		NegotiationDuration: duration,
		ConnectionState:     StateConnected,
	}})
	return nil
}

// RecreateDataChannel replaces the data channel on the live peer connection.
// Returns false without error when the new channel does not open within 3 s;
// the caller decides whether to escalate.
func (t *Transport) RecreateDataChannel(ctx context.Context) (bool, error) {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return false, Classify(&ClassifiedError{Code: CodeDataChannelFailed,
			Err: fmt.Errorf("transport: no peer connection")})
	}

	t.detachDataChannel()
	t.setDCState(DataChannelUnavailable)

	dc, err := peer.CreateDataChannel(t.cfg.DataChannel)
	if err != nil {
		return false, Classify(&ClassifiedError{Code: CodeDataChannelFailed, Err: err})
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})

	t.attachDataChannelKeepOpenHook(dc, &openOnce, opened)

	timeoutCh, stop := t.afterTimeout(ctx, dataChannelRecreateTimeout)
	defer stop()
	select {
	case <-opened:
		t.handleDCOpen()
		return true, nil
	case <-timeoutCh:
		t.logger.Warn("recreated data channel did not open in time")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// attachDataChannelKeepOpenHook adopts dc while preserving the caller's
// open-notification hook (used by RecreateDataChannel's bounded wait).
func (t *Transport) attachDataChannelKeepOpenHook(dc DataChannel, once *sync.Once, opened chan struct{}) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		once.Do(func() { close(opened) })
		t.setDCState(DataChannelOpen)
	})
	dc.OnClose(func() { t.setDCState(DataChannelClosed) })
	dc.OnError(func(err error) {
		t.logger.Warn("data channel error", "error", fault.Redact(err.Error()))
		t.setDCState(DataChannelClosed)
	})
	dc.OnMessage(func(data []byte) { t.handleDCMessage(data) })
	t.setDCState(dc.State())
}

// AddAudioTrack registers a local track with the connection.
func (t *Transport) AddAudioTrack(track audio.Track, opts audio.TrackOptions) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return Classify(&ClassifiedError{Code: CodeAudioTrackFailed,
			Err: fmt.Errorf("transport: no peer connection")})
	}
	sender, err := peer.AddTrack(track)
	if err != nil {
		return Classify(&ClassifiedError{Code: CodeAudioTrackFailed, Err: err})
	}
	t.mu.Lock()
	t.tracks[track.ID()] = &trackEntry{track: track, sender: sender, opts: opts}
	t.mu.Unlock()
	t.emit(Event{Kind: EventTrackAdded, TrackID: track.ID()})
	return nil
}

// ReplaceAudioTrack swaps the outgoing track registered under oldID for
// newTrack. The old track is stopped only after the new one is assigned to
// the sender. When no sender is registered the replacement falls back to
// remove-then-add.
func (t *Transport) ReplaceAudioTrack(oldID string, newTrack audio.Track, opts audio.TrackOptions) error {
	t.mu.Lock()
	entry, ok := t.tracks[oldID]
	t.mu.Unlock()

	if !ok || entry.sender == nil {
		if ok {
			_ = t.RemoveAudioTrack(oldID)
		}
		return t.AddAudioTrack(newTrack, opts)
	}

	if err := entry.sender.ReplaceTrack(newTrack); err != nil {
		return Classify(&ClassifiedError{Code: CodeAudioTrackFailed, Err: err})
	}
	oldTrack := entry.track
	t.mu.Lock()
	delete(t.tracks, oldID)
	t.tracks[newTrack.ID()] = &trackEntry{track: newTrack, sender: entry.sender, opts: opts}
	t.mu.Unlock()

	t.emit(Event{Kind: EventTrackRemoved, TrackID: oldID})
	t.emit(Event{Kind: EventTrackAdded, TrackID: newTrack.ID()})
	_ = oldTrack.Stop()
	return nil
}

// RemoveAudioTrack detaches and stops the track registered under id.
func (t *Transport) RemoveAudioTrack(id string) error {
	t.mu.Lock()
	entry, ok := t.tracks[id]
	peer := t.peer
	if ok {
		delete(t.tracks, id)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: track %q not registered", id)
	}
	if peer != nil && entry.sender != nil {
		_ = peer.RemoveSender(entry.sender)
	}
	t.emit(Event{Kind: EventTrackRemoved, TrackID: id})
	return entry.track.Stop()
}

// PublishRecoveryEvent forwards recovery dispatch progress to listeners.
func (t *Transport) PublishRecoveryEvent(ev RecoveryEvent) {
	t.metrics.ReconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(
		observe.Attr("strategy", ev.Strategy),
		observe.Attr("kind", ev.Kind),
	))
	t.emit(Event{Kind: EventRecovery, Recovery: &ev})
}

// RotateBearer installs a renewed credential for subsequent negotiations.
// The live connection is untouched, which is what makes renewal inaudible.
func (t *Transport) RotateBearer(bearer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Bearer = bearer
	if n, ok := t.negotiator.(*HTTPNegotiator); ok {
		n.Bearer = bearer
	}
}

// CloseConnection stops sampling and tears down the channel and peer. The
// fallback queue survives so a reconnect can flush pending events.
func (t *Transport) CloseConnection() error {
	t.mu.Lock()
	cancel := t.samplerCancel
	t.samplerCancel = nil
	peer := t.peer
	t.peer = nil
	for id, entry := range t.tracks {
		_ = entry.track.Stop()
		delete(t.tracks, id)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.detachDataChannel()
	t.setDCState(DataChannelUnavailable)

	var err error
	if peer != nil {
		err = peer.Close()
	}
	t.setState(StateClosed)
	return err
}
