package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/rtc"
	"github.com/MrWong99/voicewire/pkg/audio"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// vadSilenceWindow is how long the engine tolerates missing server VAD
// events before entering the degradation path.
const vadSilenceWindow = 5 * time.Second

// cooldownThreshold and cooldownWindow bound repeated interruptions:
// reaching the threshold inside the window imposes completionWindow of
// assistant grace before further barge-ins.
const (
	cooldownThreshold = 3
	cooldownWindow    = 60 * time.Second
	completionWindow  = 2 * time.Second
)

// ConversationState is the engine's authoritative state.
type ConversationState int

const (
	StateIdle ConversationState = iota
	StateListening
	StateThinking
	StateSpeaking
	StateRecovering
)

func (s ConversationState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateRecovering:
		return "recovering"
	default:
		return "idle"
	}
}

// Role identifies the turn holder.
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

func (r Role) String() string {
	if r == RoleAssistant {
		return "assistant"
	}
	return "user"
}

// Interruption records how and when a turn was cut short.
type Interruption struct {
	Type       string
	DetectedAt time.Time
	Latency    time.Duration
	Source     string
}

// Descriptor describes one conversational turn. EndedAt is zero while the
// turn is open; at most one descriptor is open at a time outside the
// barge-in recovery window.
type Descriptor struct {
	ID           string
	Role         Role
	StartedAt    time.Time
	EndedAt      time.Time
	Interruption *Interruption
	Profile      Profile
}

// SpeechEventKind tags inbound speech signals.
type SpeechEventKind int

const (
	UserSpeechStart SpeechEventKind = iota
	UserSpeechStop
	AssistantSpeechStart
	AssistantSpeechStop
	VADDegraded
)

// SpeechEvent is one fused voice-activity signal.
type SpeechEvent struct {
	Kind SpeechEventKind

	// Source: "azure-vad", "client-hint", or "manual".
	Source string

	// At is the receipt instant; zero means now.
	At time.Time
}

// PlaybackEventKind tags signals from the TTS collaborator.
type PlaybackEventKind int

const (
	PlaybackStarted PlaybackEventKind = iota
	PlaybackEnded
	PlaybackCancelled
)

// EventKind tags engine notifications.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventTurnStarted
	EventTurnEnded
	EventInterruption
	EventDegraded
	EventRecovered
	EventConfigUpdated
	EventPendingTurnQueued
)

// Event is one engine notification. Listeners are invoked synchronously in
// registration order; panics are logged and never propagate.
type Event struct {
	Kind    EventKind
	From    ConversationState
	To      ConversationState
	Turn    *Descriptor
	Latency time.Duration
	Policy  *Policy
	At      time.Time
}

// EventSender delivers barge-in control events to the remote service.
type EventSender interface {
	SendEvent(v any) error
}

// FallbackAdapter is the registered client-hint VAD source enabled while
// server VAD is degraded.
type FallbackAdapter interface {
	Enable()
	Disable()
}

// Diagnostics is the engine's health snapshot.
type Diagnostics struct {
	AvgStartLatency time.Duration
	AvgStopLatency  time.Duration
	MissedEvents    int
	FallbackActive  bool
}

// Snapshot is the immutable view returned by [Engine.State].
type Snapshot struct {
	State       ConversationState
	CurrentTurn *Descriptor
	PendingUser bool
	Policy      Policy
	Diagnostics Diagnostics
}

// Engine is the turn-taking and interruption engine for one session.
type Engine struct {
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics

	sender   EventSender
	playback audio.Playback
	adapter  FallbackAdapter

	mu             sync.Mutex
	initialized    bool
	disposed       bool
	policy         Policy
	state          ConversationState
	current        *Descriptor
	pendingUser    bool
	responseActive bool

	interruptions []time.Time
	cooldownUntil time.Time

	lastServerVAD   time.Time
	degraded        bool
	preDegradeState ConversationState
	watchdogCancel  context.CancelFunc
	lifeCtx         context.Context
	lifeCancel      context.CancelFunc

	stopGen int // invalidates in-flight speech-stop debounces

	listeners []func(Event)

	startLatencySum time.Duration
	startCount      int
	stopLatencySum  time.Duration
	stopCount       int
	missedEvents    int
}

// EngineConfig holds the dependencies for an [Engine].
type EngineConfig struct {
	Policy   Policy
	Sender   EventSender
	Playback audio.Playback
	Adapter  FallbackAdapter
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

// NewEngine creates an Engine. The policy is validated at configure time;
// an invalid policy here falls back to the default bundle.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy.normalized()
	if err := policy.Validate(); err != nil {
		logger.Warn("invalid turn policy, using defaults", "error", err)
		policy = DefaultPolicy()
	}
	return &Engine{
		clk:      cfg.Clock,
		logger:   logger,
		metrics:  cfg.Metrics,
		sender:   cfg.Sender,
		playback: cfg.Playback,
		adapter:  cfg.Adapter,
		policy:   policy,
		state:    StateIdle,
	}
}

// Initialize starts the degradation watchdog. Idempotent.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return fmt.Errorf("turn: engine disposed")
	}
	if e.initialized {
		return nil
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.lastServerVAD = e.clk.Now()
	e.lifeCtx, e.lifeCancel = context.WithCancel(context.Background())
	if e.policy.FallbackMode == FallbackHybrid && e.adapter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		e.watchdogCancel = cancel
		go e.vadWatchdog(ctx)
	}
	e.initialized = true
	return nil
}

// Dispose stops the watchdog and clears listeners. Idempotent.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.initialized = false
	cancel := e.watchdogCancel
	e.watchdogCancel = nil
	lifeCancel := e.lifeCancel
	e.lifeCancel = nil
	e.listeners = nil
	e.stopGen++
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if lifeCancel != nil {
		lifeCancel()
	}
}

// OnEvent registers an engine listener.
func (e *Engine) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) emit(ev Event) {
	ev.At = e.clk.Now()
	e.mu.Lock()
	targets := make([]func(Event), len(e.listeners))
	copy(targets, e.listeners)
	e.mu.Unlock()
	for _, fn := range targets {
		e.safeInvoke(fn, ev)
	}
}

func (e *Engine) safeInvoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("turn listener panicked", "kind", int(ev.Kind), "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

// setState transitions the conversational state, broadcasting the change.
// Callers must not hold e.mu.
func (e *Engine) setState(s ConversationState) {
	e.mu.Lock()
	old := e.state
	if old == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordTurnTransition(context.Background(), old.String(), s.String())
	}
	e.emit(Event{Kind: EventStateChanged, From: old, To: s})
}

// StartConversation moves the engine from Idle to Listening at session start.
func (e *Engine) StartConversation() error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return fmt.Errorf("turn: engine not initialized")
	}
	e.mu.Unlock()
	e.setState(StateListening)
	return nil
}

// Configure replaces the active policy. Invalid values are rejected.
// Reconfiguring with an identical policy emits config-updated exactly once
// per distinct policy.
func (e *Engine) Configure(p Policy) error {
	p = p.normalized()
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return fmt.Errorf("turn: engine not initialized")
	}
	if e.policy == p {
		e.mu.Unlock()
		return nil
	}
	e.policy = p
	e.mu.Unlock()
	e.emit(Event{Kind: EventConfigUpdated, Policy: &p})
	return nil
}

// HandleSpeechEvent processes one fused voice-activity signal.
func (e *Engine) HandleSpeechEvent(ev SpeechEvent) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	now := e.clk.Now()
	if ev.At.IsZero() {
		ev.At = now
	}
	if ev.Source == "azure-vad" {
		e.lastServerVAD = now
	}
	wasDegraded := e.degraded && ev.Source == "azure-vad"
	e.mu.Unlock()

	if wasDegraded {
		e.recoverFromDegradation()
	}

	switch ev.Kind {
	case UserSpeechStart:
		e.handleUserSpeechStart(ev, now)
	case UserSpeechStop:
		e.handleUserSpeechStop(ev, now)
	case AssistantSpeechStart:
		e.handleAssistantSpeechStart(ev, now)
	case AssistantSpeechStop:
		e.handleAssistantSpeechStop(ev, now)
	case VADDegraded:
		e.enterDegradation()
	default:
		e.mu.Lock()
		e.missedEvents++
		e.mu.Unlock()
	}
}

func (e *Engine) handleUserSpeechStart(ev SpeechEvent, now time.Time) {
	e.mu.Lock()
	e.startLatencySum += now.Sub(ev.At)
	e.startCount++
	e.stopGen++ // user resumed speaking; cancel pending stop commits
	state := e.state
	allowBarge := e.policy.AllowBargeIn && !now.Before(e.cooldownUntil)
	e.mu.Unlock()

	if state == StateSpeaking {
		if allowBarge {
			e.bargeIn(ev, now)
			return
		}
		// Hands-free or cooldown: queue the pending user turn and keep the
		// assistant speaking until playback ends.
		e.mu.Lock()
		already := e.pendingUser
		e.pendingUser = true
		e.mu.Unlock()
		if !already {
			e.emit(Event{Kind: EventPendingTurnQueued})
		}
		return
	}

	e.openUserTurn(now)
	e.setState(StateListening)
}

// bargeIn executes the interruption protocol: cancel assistant output at the
// playback pipeline and on the wire, end the assistant turn, open the user
// turn, and move to Listening. The cancellation sends must land within the
// policy's interruption budget of the speech-start receipt.
func (e *Engine) bargeIn(ev SpeechEvent, receivedAt time.Time) {
	if e.playback != nil {
		if err := e.playback.FadeOut(20 * time.Millisecond); err != nil {
			e.logger.Warn("playback fade-out failed", "error", err)
		}
		if err := e.playback.Flush(); err != nil {
			e.logger.Warn("playback flush failed", "error", err)
		}
	}
	if e.sender != nil {
		if err := e.sender.SendEvent(rtc.NewResponseCancel()); err != nil {
			e.logger.Warn("response.cancel send failed", "error", err)
		}
		if err := e.sender.SendEvent(rtc.NewOutputAudioBufferClear()); err != nil {
			e.logger.Warn("output_audio_buffer.clear send failed", "error", err)
		}
	}
	latency := e.clk.Now().Sub(receivedAt)

	e.mu.Lock()
	budget := e.policy.InterruptionBudget
	e.responseActive = false
	ended := e.closeCurrentLocked(&Interruption{
		Type:       "barge-in",
		DetectedAt: receivedAt,
		Latency:    latency,
		Source:     ev.Source,
	})
	e.interruptions = append(e.interruptions, receivedAt)
	e.trimInterruptionsLocked(receivedAt)
	if len(e.interruptions) >= cooldownThreshold {
		e.cooldownUntil = receivedAt.Add(completionWindow)
	}
	e.mu.Unlock()

	if e.metrics != nil {
		ctx := context.Background()
		e.metrics.Interruptions.Add(ctx, 1, metric.WithAttributes(observe.Attr("type", "barge-in")))
		e.metrics.BargeInLatency.Record(ctx, latency.Seconds())
	}
	if latency > budget {
		e.logger.Warn("barge-in exceeded interruption budget",
			"latency", latency, "budget", budget)
	}
	if ended != nil {
		e.emit(Event{Kind: EventTurnEnded, Turn: ended})
		e.emit(Event{Kind: EventInterruption, Turn: ended, Latency: latency})
	}

	e.openUserTurn(receivedAt)
	e.setState(StateListening)
}

func (e *Engine) handleUserSpeechStop(ev SpeechEvent, now time.Time) {
	e.mu.Lock()
	e.stopLatencySum += now.Sub(ev.At)
	e.stopCount++
	e.stopGen++
	gen := e.stopGen
	debounce := e.policy.SpeechStopDebounce
	lifeCtx := e.lifeCtx
	e.mu.Unlock()

	// The stop commits only after the debounce window passes without the
	// user resuming.
	go func() {
		if err := e.clk.Wait(lifeCtx, debounce); err != nil {
			return
		}
		e.mu.Lock()
		stale := e.stopGen != gen || e.disposed
		expect := e.policy.ExpectResponse
		responseActive := e.responseActive
		e.mu.Unlock()
		if stale {
			return
		}
		e.commitUserStop(expect, responseActive)
	}()
}

// commitUserStop ends the user turn and performs the graceful handoff.
func (e *Engine) commitUserStop(expectResponse, responseActive bool) {
	e.mu.Lock()
	var ended *Descriptor
	if e.current != nil && e.current.Role == RoleUser {
		ended = e.closeCurrentLocked(nil)
	}
	e.mu.Unlock()
	if ended != nil {
		e.emit(Event{Kind: EventTurnEnded, Turn: ended})
	}

	if !expectResponse {
		return
	}
	e.setState(StateThinking)
	// The client policy is the arbiter: response.create is emitted only
	// when no response is already underway.
	if !responseActive && e.sender != nil {
		if err := e.sender.SendEvent(rtc.NewResponseCreate()); err != nil {
			e.logger.Warn("response.create send failed", "error", err)
		}
		e.mu.Lock()
		e.responseActive = true
		e.mu.Unlock()
	}
}

// CommitUserTurn is the manual commit command exposed in Manual fallback
// mode. It behaves like a committed speech stop with no debounce.
func (e *Engine) CommitUserTurn() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	expect := e.policy.ExpectResponse
	responseActive := e.responseActive
	e.stopGen++
	e.mu.Unlock()
	e.commitUserStop(expect, responseActive)
}

func (e *Engine) handleAssistantSpeechStart(_ SpeechEvent, now time.Time) {
	e.mu.Lock()
	// The turn token is exclusive: assistant speech over an open user turn
	// is a protocol violation and counts as missed.
	if e.current != nil && e.current.Role == RoleUser {
		e.missedEvents++
		e.mu.Unlock()
		return
	}
	e.responseActive = true
	if e.current == nil {
		e.current = &Descriptor{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			StartedAt: now,
			Profile:   e.policy.Profile,
		}
		opened := *e.current
		e.mu.Unlock()
		e.emit(Event{Kind: EventTurnStarted, Turn: &opened})
	} else {
		e.mu.Unlock()
	}
	e.setState(StateSpeaking)
}

func (e *Engine) handleAssistantSpeechStop(_ SpeechEvent, _ time.Time) {
	e.mu.Lock()
	e.responseActive = false
	var ended *Descriptor
	if e.current != nil && e.current.Role == RoleAssistant {
		ended = e.closeCurrentLocked(nil)
	}
	pending := e.pendingUser
	e.pendingUser = false
	e.mu.Unlock()

	if ended != nil {
		e.emit(Event{Kind: EventTurnEnded, Turn: ended})
	}
	if pending {
		e.openUserTurn(e.clk.Now())
	}
	e.setState(StateListening)
}

// HandlePlaybackEvent processes TTS collaborator signals.
func (e *Engine) HandlePlaybackEvent(kind PlaybackEventKind) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	switch kind {
	case PlaybackStarted:
		e.setState(StateSpeaking)
	case PlaybackEnded, PlaybackCancelled:
		e.mu.Lock()
		e.responseActive = false
		var ended *Descriptor
		if e.current != nil && e.current.Role == RoleAssistant {
			ended = e.closeCurrentLocked(nil)
		}
		pending := e.pendingUser
		e.pendingUser = false
		e.mu.Unlock()

		if ended != nil {
			e.emit(Event{Kind: EventTurnEnded, Turn: ended})
		}
		if pending {
			e.openUserTurn(e.clk.Now())
		}
		e.setState(StateListening)
	}
}

// RequestAssistantYield cancels the in-flight assistant output on demand.
func (e *Engine) RequestAssistantYield(reason string) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if e.playback != nil {
		_ = e.playback.FadeOut(20 * time.Millisecond)
		_ = e.playback.Flush()
	}
	if e.sender != nil {
		_ = e.sender.SendEvent(rtc.NewResponseCancel())
		_ = e.sender.SendEvent(rtc.NewOutputAudioBufferClear())
	}

	now := e.clk.Now()
	e.mu.Lock()
	e.responseActive = false
	var ended *Descriptor
	if e.current != nil && e.current.Role == RoleAssistant {
		ended = e.closeCurrentLocked(&Interruption{
			Type:       reason,
			DetectedAt: now,
			Source:     "manual",
		})
	}
	e.mu.Unlock()
	if ended != nil {
		e.emit(Event{Kind: EventTurnEnded, Turn: ended})
	}
	e.setState(StateListening)
}

// GrantAssistantTurn hands the turn token to the assistant. Rejected while a
// user turn is open and not yet ended.
func (e *Engine) GrantAssistantTurn() error {
	now := e.clk.Now()
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return fmt.Errorf("turn: engine not initialized")
	}
	if e.current != nil && e.current.Role == RoleUser {
		e.mu.Unlock()
		return fmt.Errorf("turn: user turn %s is still active", e.current.ID)
	}
	e.current = &Descriptor{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		StartedAt: now,
		Profile:   e.policy.Profile,
	}
	opened := *e.current
	e.mu.Unlock()
	e.emit(Event{Kind: EventTurnStarted, Turn: &opened})
	e.setState(StateThinking)
	return nil
}

// openUserTurn opens the user descriptor and broadcasts it.
func (e *Engine) openUserTurn(now time.Time) {
	e.mu.Lock()
	if e.current != nil && e.current.Role == RoleUser {
		e.mu.Unlock()
		return
	}
	e.current = &Descriptor{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		StartedAt: now,
		Profile:   e.policy.Profile,
	}
	opened := *e.current
	e.mu.Unlock()
	e.emit(Event{Kind: EventTurnStarted, Turn: &opened})
}

// closeCurrentLocked ends the open turn. Caller holds e.mu.
func (e *Engine) closeCurrentLocked(interruption *Interruption) *Descriptor {
	if e.current == nil {
		return nil
	}
	e.current.EndedAt = e.clk.Now()
	e.current.Interruption = interruption
	ended := *e.current
	e.current = nil
	return &ended
}

// trimInterruptionsLocked drops interruption timestamps older than the
// cooldown window. Caller holds e.mu.
func (e *Engine) trimInterruptionsLocked(now time.Time) {
	cutoff := now.Add(-cooldownWindow)
	kept := e.interruptions[:0]
	for _, ts := range e.interruptions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.interruptions = kept
}

// ── Degradation ────────────────────────────────────────────────────────────────

// vadWatchdog enters the degradation path when no server VAD events arrive
// inside the silence window.
func (e *Engine) vadWatchdog(ctx context.Context) {
	wait := vadSilenceWindow
	for {
		if err := e.clk.Wait(ctx, wait); err != nil {
			return
		}
		e.mu.Lock()
		silence := e.clk.Now().Sub(e.lastServerVAD)
		already := e.degraded
		e.mu.Unlock()
		if silence > vadSilenceWindow && !already {
			e.enterDegradation()
		}
		// Next check lands just past the window measured from the latest
		// server VAD event.
		wait = vadSilenceWindow - silence + time.Millisecond
		if wait <= 0 {
			wait = vadSilenceWindow
		}
	}
}

// enterDegradation enables the client-hint adapter and moves to Recovering.
func (e *Engine) enterDegradation() {
	e.mu.Lock()
	if e.degraded || e.policy.FallbackMode != FallbackHybrid || e.adapter == nil {
		// Manual mode: the manual commit/yield commands are the fallback;
		// no adapter is enabled.
		e.mu.Unlock()
		return
	}
	e.degraded = true
	e.preDegradeState = e.state
	adapter := e.adapter
	e.mu.Unlock()

	adapter.Enable()
	e.setState(StateRecovering)
	e.emit(Event{Kind: EventDegraded})
	e.logger.Warn("server VAD degraded, client-hint fallback enabled")
}

// recoverFromDegradation disables the adapter once server VAD resumes and
// restores the pre-degradation state.
func (e *Engine) recoverFromDegradation() {
	e.mu.Lock()
	if !e.degraded {
		e.mu.Unlock()
		return
	}
	e.degraded = false
	restore := e.preDegradeState
	adapter := e.adapter
	e.mu.Unlock()

	if adapter != nil {
		adapter.Disable()
	}
	if restore == StateRecovering || restore == StateIdle {
		restore = StateListening
	}
	e.setState(restore)
	e.emit(Event{Kind: EventRecovered})
	e.logger.Info("server VAD recovered, client-hint fallback disabled")
}

// ── Introspection ──────────────────────────────────────────────────────────────

// State returns an immutable snapshot of the engine.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		State:       e.state,
		PendingUser: e.pendingUser,
		Policy:      e.policy,
		Diagnostics: Diagnostics{
			MissedEvents:   e.missedEvents,
			FallbackActive: e.degraded,
		},
	}
	if e.current != nil {
		turn := *e.current
		snap.CurrentTurn = &turn
	}
	if e.startCount > 0 {
		snap.Diagnostics.AvgStartLatency = e.startLatencySum / time.Duration(e.startCount)
	}
	if e.stopCount > 0 {
		snap.Diagnostics.AvgStopLatency = e.stopLatencySum / time.Duration(e.stopCount)
	}
	return snap
}
