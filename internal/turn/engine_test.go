package turn

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/rtc"
	"github.com/MrWong99/voicewire/pkg/audio"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ── Fakes ──────────────────────────────────────────────────────────────────────

type fakeSender struct {
	mu    sync.Mutex
	types []string
}

func (s *fakeSender) SendEvent(v any) error {
	data, err := rtc.Marshal(v)
	if err != nil {
		return err
	}
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	s.mu.Lock()
	s.types = append(s.types, probe.Type)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.types))
	copy(out, s.types)
	return out
}

func (s *fakeSender) count(t string) int {
	n := 0
	for _, v := range s.sent() {
		if v == t {
			n++
		}
	}
	return n
}

type fakePlayback struct {
	mu       sync.Mutex
	fadeOuts int
	flushes  int
}

func (p *fakePlayback) Prime() error            { return nil }
func (p *fakePlayback) Enqueue(audio.Chunk) error { return nil }
func (p *fakePlayback) FadeOut(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fadeOuts++
	return nil
}
func (p *fakePlayback) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}
func (p *fakePlayback) BufferedDuration() time.Duration { return 0 }

type fakeAdapter struct {
	mu       sync.Mutex
	enables  int
	disables int
}

func (a *fakeAdapter) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enables++
}

func (a *fakeAdapter) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disables++
}

// ── Harness ────────────────────────────────────────────────────────────────────

type harness struct {
	e       *Engine
	vc      *clock.Virtual
	sender  *fakeSender
	play    *fakePlayback
	adapter *fakeAdapter

	mu     sync.Mutex
	events []Event
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	vc := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		vc:      vc,
		sender:  &fakeSender{},
		play:    &fakePlayback{},
		adapter: &fakeAdapter{},
	}
	h.e = NewEngine(EngineConfig{
		Policy:   policy,
		Sender:   h.sender,
		Playback: h.play,
		Adapter:  h.adapter,
		Clock:    vc,
		Metrics:  m,
	})
	if err := h.e.Initialize(); err != nil {
		t.Fatal(err)
	}
	h.e.OnEvent(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	if err := h.e.StartConversation(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.e.Dispose)
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(time.Millisecond)
	}
}

// speaking drives the engine into Speaking with an open assistant turn.
func speaking(t *testing.T, h *harness) {
	t.Helper()
	h.e.HandleSpeechEvent(SpeechEvent{Kind: AssistantSpeechStart, Source: "azure-vad"})
	if got := h.e.State().State; got != StateSpeaking {
		t.Fatalf("state = %v, want speaking", got)
	}
}

// ── Tests ──────────────────────────────────────────────────────────────────────

func TestLifecycle_Idempotence(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	m, _ := observe.NewMetrics(sdkmetric.NewMeterProvider())
	e := NewEngine(EngineConfig{Policy: DefaultPolicy(), Clock: vc, Metrics: m})

	if err := e.StartConversation(); err == nil {
		t.Fatal("operation accepted before Initialize")
	}
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("second Initialize = %v, want nil", err)
	}
	e.Dispose()
	e.Dispose() // no-op
	if err := e.Initialize(); err == nil {
		t.Fatal("Initialize after Dispose accepted")
	}
}

// S3: barge-in cancels assistant output within the budget.
func TestBargeIn(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	speaking(t, h)

	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})

	// Cancellation events on the wire, in order.
	sent := h.sender.sent()
	if len(sent) != 2 || sent[0] != "response.cancel" || sent[1] != "output_audio_buffer.clear" {
		t.Fatalf("sent = %v, want [response.cancel output_audio_buffer.clear]", sent)
	}
	// TTS cancellation hook invoked.
	if h.play.fadeOuts != 1 || h.play.flushes != 1 {
		t.Errorf("playback fadeOuts=%d flushes=%d, want 1/1", h.play.fadeOuts, h.play.flushes)
	}

	// Assistant turn ended with barge-in interruption info.
	ended := h.eventsOf(EventTurnEnded)
	if len(ended) != 1 {
		t.Fatalf("turn-ended events = %d, want 1", len(ended))
	}
	turn := ended[0].Turn
	if turn.Role != RoleAssistant || turn.Interruption == nil || turn.Interruption.Type != "barge-in" {
		t.Fatalf("ended turn = %+v, want assistant with barge-in interruption", turn)
	}
	if turn.Interruption.Source != "azure-vad" {
		t.Errorf("interruption source = %q", turn.Interruption.Source)
	}
	if turn.Interruption.Latency > DefaultInterruptionBudget {
		t.Errorf("latency %v exceeds budget", turn.Interruption.Latency)
	}

	// Interruption event with bounded latency.
	interruptions := h.eventsOf(EventInterruption)
	if len(interruptions) != 1 || interruptions[0].Latency > DefaultInterruptionBudget {
		t.Fatalf("interruption events = %+v", interruptions)
	}

	// New user turn open; state Listening.
	snap := h.e.State()
	if snap.State != StateListening {
		t.Errorf("state = %v, want listening", snap.State)
	}
	if snap.CurrentTurn == nil || snap.CurrentTurn.Role != RoleUser || !snap.CurrentTurn.EndedAt.IsZero() {
		t.Errorf("current turn = %+v, want open user turn", snap.CurrentTurn)
	}
}

// S4: hands-free queues the user turn until playback ends.
func TestHandsFreeQueueing(t *testing.T) {
	h := newHarness(t, PolicyForProfile(ProfileHandsFree))
	speaking(t, h)

	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})

	if got := h.sender.sent(); len(got) != 0 {
		t.Fatalf("cancellation sent in hands-free mode: %v", got)
	}
	snap := h.e.State()
	if snap.State != StateSpeaking {
		t.Fatalf("state = %v, want speaking until playback ends", snap.State)
	}
	if !snap.PendingUser {
		t.Fatal("pending user turn not recorded")
	}
	if len(h.eventsOf(EventPendingTurnQueued)) != 1 {
		t.Fatal("pending-turn event not emitted")
	}

	h.e.HandlePlaybackEvent(PlaybackEnded)

	snap = h.e.State()
	if snap.State != StateListening {
		t.Errorf("state = %v, want listening after playback end", snap.State)
	}
	if snap.CurrentTurn == nil || snap.CurrentTurn.Role != RoleUser {
		t.Errorf("queued user turn not opened: %+v", snap.CurrentTurn)
	}
}

func TestGracefulHandoff_DebouncedStop(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStop, Source: "azure-vad"})

	// Before the debounce commits nothing changes.
	if got := h.e.State().State; got != StateListening {
		t.Fatalf("state = %v before debounce, want listening", got)
	}

	// The VAD watchdog and the debounce both park on the virtual clock.
	waitFor(t, func() bool { return h.vc.Waiting() >= 2 })
	h.vc.Advance(DefaultSpeechStopDebounce)

	waitFor(t, func() bool { return h.e.State().State == StateThinking })
	if got := h.sender.count("response.create"); got != 1 {
		t.Fatalf("response.create sent %d times, want 1", got)
	}
	if snap := h.e.State(); snap.CurrentTurn != nil {
		t.Errorf("turn still open after commit: %+v", snap.CurrentTurn)
	}
}

func TestGracefulHandoff_ResumeCancelsDebounce(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStop, Source: "azure-vad"})
	waitFor(t, func() bool { return h.vc.Waiting() >= 1 })

	// The user resumes inside the debounce window.
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.vc.Advance(DefaultSpeechStopDebounce * 2)

	// Give any stale commit goroutine a chance to run, then verify nothing
	// committed.
	time.Sleep(10 * time.Millisecond)
	if got := h.e.State().State; got != StateListening {
		t.Fatalf("state = %v, want listening (stop cancelled)", got)
	}
	if got := h.sender.count("response.create"); got != 0 {
		t.Fatalf("response.create sent %d times, want 0", got)
	}
}

func TestGracefulHandoff_NoCreateWhileResponseActive(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	// An earlier assistant response has finished playing; none is underway.
	speaking(t, h)
	h.e.HandlePlaybackEvent(PlaybackEnded)

	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.e.CommitUserTurn()
	first := h.sender.count("response.create")
	if first != 1 {
		t.Fatalf("response.create = %d, want 1", first)
	}

	// A second commit with the response still underway must not re-emit.
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.e.CommitUserTurn()
	if got := h.sender.count("response.create"); got != 1 {
		t.Fatalf("response.create = %d after second commit, want still 1", got)
	}
}

func TestCooldown_AfterRepeatedInterruptions(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	for i := 0; i < 3; i++ {
		speaking(t, h)
		h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
		h.e.CommitUserTurn()
	}
	if got := h.sender.count("response.cancel"); got != 3 {
		t.Fatalf("cancels = %d, want 3", got)
	}

	// Within the 2 s completion window the next user speech queues instead
	// of barging in.
	speaking(t, h)
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	if got := h.sender.count("response.cancel"); got != 3 {
		t.Fatalf("cancels = %d during cooldown, want still 3", got)
	}
	if !h.e.State().PendingUser {
		t.Fatal("speech during cooldown not queued")
	}

	// After the completion window barge-in works again.
	h.e.HandlePlaybackEvent(PlaybackEnded)
	h.e.CommitUserTurn()
	h.vc.Advance(completionWindow + time.Second)
	speaking(t, h)
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	if got := h.sender.count("response.cancel"); got != 4 {
		t.Fatalf("cancels = %d after cooldown, want 4", got)
	}
}

// S6: VAD degradation enables the fallback adapter; recovery disables it.
func TestVADDegradationAndRecovery(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	waitFor(t, func() bool { return h.vc.Waiting() >= 1 })
	h.vc.Advance(vadSilenceWindow + 100*time.Millisecond)

	waitFor(t, func() bool { return h.e.State().State == StateRecovering })
	h.adapter.mu.Lock()
	enables := h.adapter.enables
	h.adapter.mu.Unlock()
	if enables != 1 {
		t.Fatalf("adapter enables = %d, want 1", enables)
	}
	if len(h.eventsOf(EventDegraded)) != 1 {
		t.Fatal("degraded event not emitted")
	}
	if !h.e.State().Diagnostics.FallbackActive {
		t.Fatal("fallback not reported active")
	}

	// A server VAD event recovers the engine.
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	waitFor(t, func() bool { return h.e.State().State == StateListening })
	h.adapter.mu.Lock()
	disables := h.adapter.disables
	h.adapter.mu.Unlock()
	if disables != 1 {
		t.Fatalf("adapter disables = %d, want 1", disables)
	}
	if len(h.eventsOf(EventRecovered)) != 1 {
		t.Fatal("recovered event not emitted")
	}
	if h.e.State().Diagnostics.FallbackActive {
		t.Fatal("fallback still reported active after recovery")
	}
}

func TestClientHintEventsDoNotRecover(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	waitFor(t, func() bool { return h.vc.Waiting() >= 1 })
	h.vc.Advance(vadSilenceWindow + 100*time.Millisecond)
	waitFor(t, func() bool { return h.e.State().Diagnostics.FallbackActive })

	// Client-hint events keep the fallback active; only server VAD recovers.
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "client-hint"})
	if !h.e.State().Diagnostics.FallbackActive {
		t.Fatal("client-hint event cleared the degradation state")
	}
}

func TestGrantAssistantTurn_RejectedDuringUserTurn(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})

	if err := h.e.GrantAssistantTurn(); err == nil {
		t.Fatal("grant accepted while a user turn is open")
	}

	h.e.CommitUserTurn()
	if err := h.e.GrantAssistantTurn(); err != nil {
		t.Fatalf("grant after user turn ended: %v", err)
	}
	if got := h.e.State().State; got != StateThinking {
		t.Errorf("state = %v, want thinking after grant", got)
	}
}

func TestSingleOpenTurnInvariant(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})

	snap := h.e.State()
	if snap.CurrentTurn == nil || snap.CurrentTurn.Role != RoleUser {
		t.Fatalf("current turn = %+v", snap.CurrentTurn)
	}
	started := h.eventsOf(EventTurnStarted)
	if len(started) != 1 {
		t.Fatalf("turn-started events = %d, want 1 (no duplicate open turns)", len(started))
	}

	// Assistant speech over the open user turn is rejected and counted.
	h.e.HandleSpeechEvent(SpeechEvent{Kind: AssistantSpeechStart, Source: "azure-vad"})
	if h.e.State().CurrentTurn.Role != RoleUser {
		t.Fatal("assistant stole the turn token")
	}
	if h.e.State().Diagnostics.MissedEvents == 0 {
		t.Error("protocol violation not counted as missed")
	}
}

func TestConfigure_EmitsOncePerDistinctPolicy(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	p := DefaultPolicy()
	p.InterruptionBudget = 300 * time.Millisecond
	if err := h.e.Configure(p); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Configure(p); err != nil {
		t.Fatal(err)
	}
	if got := len(h.eventsOf(EventConfigUpdated)); got != 1 {
		t.Fatalf("config-updated events = %d, want 1 per distinct policy", got)
	}

	p.AllowBargeIn = false
	if err := h.e.Configure(p); err != nil {
		t.Fatal(err)
	}
	if got := len(h.eventsOf(EventConfigUpdated)); got != 2 {
		t.Fatalf("config-updated events = %d, want 2", got)
	}
}

func TestConfigure_RejectsOutOfBounds(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	p := DefaultPolicy()
	p.InterruptionBudget = 800 * time.Millisecond
	if err := h.e.Configure(p); err == nil {
		t.Error("budget above the hard cap accepted")
	}

	p = DefaultPolicy()
	p.SpeechStopDebounce = 100 * time.Millisecond
	if err := h.e.Configure(p); err == nil {
		t.Error("debounce below the minimum accepted")
	}
}

func TestRequestAssistantYield(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	speaking(t, h)

	h.e.RequestAssistantYield("user-command")

	sent := h.sender.sent()
	if len(sent) != 2 || sent[0] != "response.cancel" {
		t.Fatalf("sent = %v, want cancellation pair", sent)
	}
	ended := h.eventsOf(EventTurnEnded)
	if len(ended) != 1 || ended[0].Turn.Interruption == nil || ended[0].Turn.Interruption.Type != "user-command" {
		t.Fatalf("ended = %+v, want yield interruption", ended)
	}
	if got := h.e.State().State; got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	var delivered bool
	h.e.OnEvent(func(Event) { panic("listener bug") })
	h.e.OnEvent(func(Event) { delivered = true })

	h.e.HandleSpeechEvent(SpeechEvent{Kind: UserSpeechStart, Source: "azure-vad"})
	if !delivered {
		t.Fatal("panicking listener halted delivery")
	}
}

func TestPolicyForProfile(t *testing.T) {
	if p := PolicyForProfile(ProfileHandsFree); p.AllowBargeIn {
		t.Error("hands-free must disable barge-in")
	}
	if p := PolicyForProfile(ProfileAssertive); p.InterruptionBudget >= DefaultInterruptionBudget {
		t.Error("assertive should tighten the budget")
	}
	if _, err := ParseProfile("hands-free"); err != nil {
		t.Error(err)
	}
	if _, err := ParseProfile("aggressive"); err == nil {
		t.Error("unknown profile accepted")
	}
}
