package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/config"
	"github.com/MrWong99/voicewire/internal/eventbus"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/retry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ── Fakes ──────────────────────────────────────────────────────────────────────

type fakeIssuer struct {
	mu       sync.Mutex
	clk      clock.Clock
	lifetime time.Duration
	issued   int
	failFrom int // fail all issues at or after this count (0 = never)
}

func (f *fakeIssuer) Issue(ctx context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	if f.failFrom > 0 && f.issued >= f.failFrom {
		return Credential{}, errors.New("issuance endpoint unavailable")
	}
	now := f.clk.Now()
	return Credential{
		Key:       fmt.Sprintf("ek-%d", f.issued),
		IssuedAt:  now,
		ExpiresAt: now.Add(f.lifetime),
	}, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	established int
	closed      int
	disposed    int
	bearers     []string
	failConnect bool
}

func (f *fakeTransport) Initialize() error { return nil }

func (f *fakeTransport) EstablishConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return errors.New("ice connection failed")
	}
	f.established++
	return nil
}

func (f *fakeTransport) CloseConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) RotateBearer(b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bearers = append(f.bearers, b)
}

func (f *fakeTransport) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
}

func (f *fakeTransport) ConnectionStateName() string { return "connected" }

type fakeTurn struct {
	mu       sync.Mutex
	inits    int
	disposes int
}

func (f *fakeTurn) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeTurn) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposes++
}

// ── Harness ────────────────────────────────────────────────────────────────────

type harness struct {
	m     *Manager
	creds *CredentialService
	vc    *clock.Virtual
	iss   *fakeIssuer
	tr    *fakeTransport
	turn  *fakeTurn
	bus   *eventbus.Bus
}

type harnessOpts struct {
	lifetime  time.Duration
	session   config.SessionConfig
	failFrom  int
	noConnect bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	vc := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	exec := retry.NewExecutor(vc, retry.WithMetrics(m))
	if err := exec.Initialize(); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus(vc, eventbus.WithBusMetrics(m))
	if err := bus.Initialize(); err != nil {
		t.Fatal(err)
	}

	lifetime := opts.lifetime
	if lifetime == 0 {
		lifetime = 60 * time.Second
	}
	iss := &fakeIssuer{clk: vc, lifetime: lifetime, failFrom: opts.failFrom}

	creds := NewCredentialService(CredentialServiceConfig{
		Issuer:   iss,
		Executor: exec,
		Envelope: retry.Envelope{Policy: retry.PolicyNone},
		Clock:    vc,
	})
	if err := creds.Initialize(); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{failConnect: opts.noConnect}
	turn := &fakeTurn{}

	mgr := NewManager(ManagerConfig{
		Session:     opts.session,
		Credentials: creds,
		Bus:         bus,
		Clock:       vc,
		Metrics:     m,
		Factories: Factories{
			Transport: func(cred Credential, sessionID string) (Transport, error) { return tr, nil },
			Turn:      func(sessionID string) (TurnEngine, error) { return turn, nil },
		},
	})
	if err := mgr.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		mgr.Dispose()
		creds.Dispose()
		exec.Dispose()
		bus.Dispose()
	})
	return &harness{m: mgr, creds: creds, vc: vc, iss: iss, tr: tr, turn: turn, bus: bus}
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

func noTimers() config.SessionConfig {
	f := false
	return config.SessionConfig{EnableHeartbeat: &f, EnableInactivityTimeout: &f}
}

// ── Credential tests ───────────────────────────────────────────────────────────

func TestCredential_SafeToUse(t *testing.T) {
	now := time.Unix(1000, 0)
	c := Credential{Key: "k", ExpiresAt: now.Add(10 * time.Second)}
	if !c.SafeToUse(now, 10*time.Second) {
		t.Error("exactly the margin remaining should be safe")
	}
	if c.SafeToUse(now.Add(time.Second), 10*time.Second) {
		t.Error("below the margin should be unsafe")
	}
	if (Credential{}).SafeToUse(now, 0) {
		t.Error("empty credential should never be safe")
	}
}

func TestRequestEphemeralKey_RefreshInvariant(t *testing.T) {
	h := newHarness(t, harnessOpts{lifetime: 60 * time.Second})
	cred, err := h.creds.RequestEphemeralKey(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !cred.IssuedAt.Before(cred.RefreshAt) || !cred.RefreshAt.Before(cred.ExpiresAt) {
		t.Fatalf("invariant issued < refresh < expires violated: %+v", cred)
	}
	if cred.SessionID != "sess-1" {
		t.Errorf("session id = %q", cred.SessionID)
	}
}

func TestRequestEphemeralKey_RejectsShortLifetime(t *testing.T) {
	h := newHarness(t, harnessOpts{lifetime: 5 * time.Second})
	_, err := h.creds.RequestEphemeralKey(context.Background(), "sess-1")
	var verr *fault.VoiceError
	if !errors.As(err, &verr) || verr.Code != "AuthenticationFailed" {
		t.Fatalf("err = %v, want AuthenticationFailed for lifetime below margin", err)
	}
}

// ── Manager tests ──────────────────────────────────────────────────────────────

func TestStartSession_HappyPath(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})

	var transitions []State
	h.m.OnStateChanged(func(_, s State) { transitions = append(transitions, s) })
	var startedInfo Info
	h.m.OnSessionStarted(func(i Info) { startedInfo = i })

	info, err := h.m.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if info.State != StateActive {
		t.Errorf("state = %v, want active", info.State)
	}
	if h.tr.established != 1 {
		t.Errorf("established = %d, want 1", h.tr.established)
	}
	if h.turn.inits != 1 {
		t.Errorf("turn inits = %d, want 1", h.turn.inits)
	}
	if startedInfo.ID != info.ID {
		t.Error("OnSessionStarted not fired with the session info")
	}
	want := []State{StateStarting, StateActive}
	if len(transitions) != 2 || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestStartSession_RejectsUnsafeCredential(t *testing.T) {
	// Lifetime above the issuance-margin floor but below the safety margin
	// cannot happen through RequestEphemeralKey (the margin check runs
	// first), so drive the rejection through the issuance error instead.
	h := newHarness(t, harnessOpts{lifetime: 5 * time.Second, session: noTimers()})

	_, err := h.m.StartSession(context.Background())
	var verr *fault.VoiceError
	if !errors.As(err, &verr) || verr.Code != "AuthenticationFailed" {
		t.Fatalf("err = %v, want AuthenticationFailed", err)
	}
	if got := h.m.Info().State; got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if len(h.bus.History()) == 0 {
		t.Error("failure not published on the bus")
	}
}

func TestStartSession_SecondSessionRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})
	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.StartSession(context.Background()); err == nil {
		t.Fatal("second concurrent session accepted")
	}
}

func TestRenewal_RotatesBearerWithoutInterruption(t *testing.T) {
	h := newHarness(t, harnessOpts{lifetime: 60 * time.Second, session: noTimers()})

	var renewals []Info
	h.m.OnSessionRenewed(func(i Info) { renewals = append(renewals, i) })

	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Renewal window opens at expires − 10 s = +50 s.
	waitFor(t, func() bool { return h.vc.Waiting() >= 1 })
	h.vc.Advance(50 * time.Second)

	waitFor(t, func() bool { return h.m.Info().Stats.Renewals == 1 })
	h.tr.mu.Lock()
	rotations := len(h.tr.bearers)
	closed := h.tr.closed
	h.tr.mu.Unlock()
	if rotations != 1 {
		t.Fatalf("bearer rotations = %d, want 1", rotations)
	}
	if closed != 0 {
		t.Error("transport closed during renewal; rotation must be inaudible")
	}
	waitFor(t, func() bool { return h.m.Info().State == StateActive })
	if len(renewals) != 1 {
		t.Errorf("OnSessionRenewed fired %d times, want 1", len(renewals))
	}
	if h.m.Info().Stats.AvgRenewalLatency < 0 {
		t.Error("negative renewal latency")
	}
}

func TestRenewal_ExhaustionFailsSession(t *testing.T) {
	h := newHarness(t, harnessOpts{lifetime: 60 * time.Second, session: noTimers(), failFrom: 2})

	var sawError bool
	h.m.OnSessionError(func(*fault.VoiceError) { sawError = true })

	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.vc.Waiting() >= 1 })
	h.vc.Advance(50 * time.Second)

	waitFor(t, func() bool { return h.m.Info().State == StateFailed })
	if !sawError {
		t.Error("OnSessionError not fired")
	}
	if h.m.Info().Stats.FailedRenewals != 1 {
		t.Errorf("failed renewals = %d, want 1", h.m.Info().Stats.FailedRenewals)
	}
}

func TestEndSession_TearsDownInOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})

	var ended bool
	h.m.OnSessionEnded(func(Info) { ended = true })

	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.EndSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.tr.closed != 1 || h.tr.disposed != 1 {
		t.Errorf("transport closed=%d disposed=%d, want 1/1", h.tr.closed, h.tr.disposed)
	}
	if h.turn.disposes != 1 {
		t.Errorf("turn disposes = %d, want 1", h.turn.disposes)
	}
	if !ended {
		t.Error("OnSessionEnded not fired")
	}
	if got := h.m.Info().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}

	// Idempotent.
	if err := h.m.EndSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.tr.closed != 1 {
		t.Error("second EndSession closed the transport again")
	}
}

func TestHeartbeat_Increments(t *testing.T) {
	f := false
	cfg := config.SessionConfig{
		HeartbeatIntervalSeconds: 30,
		EnableInactivityTimeout:  &f,
	}
	h := newHarness(t, harnessOpts{session: cfg})
	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Two waiters park: renewal (+50 s) and heartbeat (30 s).
	waitFor(t, func() bool { return h.vc.Waiting() >= 2 })
	h.vc.Advance(30 * time.Second)
	waitFor(t, func() bool { return h.m.Info().Stats.Heartbeats == 1 })
}

func TestInactivity_PausesSession(t *testing.T) {
	f := false
	cfg := config.SessionConfig{
		InactivityTimeoutMinutes: 1,
		EnableHeartbeat:          &f,
	}
	h := newHarness(t, harnessOpts{lifetime: 10 * time.Minute, session: cfg})
	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Two waiters park: renewal and the inactivity window (1 min).
	waitFor(t, func() bool { return h.vc.Waiting() >= 2 })
	h.vc.Advance(time.Minute)
	waitFor(t, func() bool { return h.m.Info().State == StatePaused })
}

func TestRecordAudioActivity_ResetsWindow(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})
	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := h.m.Info().Stats.InactivityResets
	h.m.RecordAudioActivity()
	if got := h.m.Info().Stats.InactivityResets; got != before+1 {
		t.Errorf("inactivity resets = %d, want %d", got, before+1)
	}
}

func TestGetSessionDiagnostics(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})
	if _, err := h.m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := h.m.GetSessionDiagnostics()
	if d.State != StateActive {
		t.Errorf("state = %v", d.State)
	}
	if !d.CredentialValid || d.CredentialSecsLeft <= 0 {
		t.Errorf("credential diagnostics = %+v, want valid with time left", d)
	}
	if d.ConnectionState != "connected" {
		t.Errorf("connection = %q", d.ConnectionState)
	}
	if d.NextRenewalAt.IsZero() {
		t.Error("missing next renewal time")
	}
}

func TestManager_RequiresInitialize(t *testing.T) {
	h := newHarness(t, harnessOpts{session: noTimers()})
	m2 := NewManager(ManagerConfig{
		Session:     noTimers(),
		Credentials: h.creds,
		Clock:       h.vc,
	})
	if _, err := m2.StartSession(context.Background()); err == nil {
		t.Fatal("uninitialized manager accepted StartSession")
	}
}
