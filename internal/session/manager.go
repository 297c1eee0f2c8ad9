package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/config"
	"github.com/MrWong99/voicewire/internal/eventbus"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/google/uuid"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateRenewing
	StatePaused
	StateEnding
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StatePaused:
		return "paused"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// terminal reports whether the state allows a new session to start.
func (s State) terminal() bool {
	return s == StateIdle || s == StateFailed
}

// Stats accumulates session lifetime counters.
type Stats struct {
	Renewals          int
	FailedRenewals    int
	Heartbeats        int
	InactivityResets  int
	TotalDuration     time.Duration
	AvgRenewalLatency time.Duration

	renewalLatencySum time.Duration
}

// Info is a snapshot of the session's identity, state, and statistics.
type Info struct {
	ID           string
	State        State
	StartedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	Config       config.SessionConfig
	Stats        Stats
	Connection   string
}

// Transport is the subset of the realtime transport the manager drives.
type Transport interface {
	Initialize() error
	EstablishConnection(ctx context.Context) error
	CloseConnection() error
	RotateBearer(bearer string)
	Dispose()
	ConnectionStateName() string
}

// TurnEngine is the subset of the interruption engine the manager owns.
type TurnEngine interface {
	Initialize() error
	Dispose()
}

// Factories build the per-session transport and turn engine once a
// credential is in hand.
type Factories struct {
	Transport func(cred Credential, sessionID string) (Transport, error)
	Turn      func(sessionID string) (TurnEngine, error)
}

// Diagnostics is the read-only session health snapshot.
type Diagnostics struct {
	SessionID          string
	State              State
	HeartbeatRunning   bool
	InactivityRunning  bool
	CredentialValid    bool
	CredentialSecsLeft float64
	ConnectionState    string
	LastError          *fault.VoiceError
	NextRenewalAt      time.Time
}

// Manager owns the single active session: start, heartbeat, inactivity,
// renewal, and teardown. Exactly one session is non-terminal at a time.
type Manager struct {
	cfg     config.SessionConfig
	creds   *CredentialService
	bus     *eventbus.Bus
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics
	make    Factories

	mu          sync.Mutex
	initialized bool
	disposed    bool
	info        Info
	transport   Transport
	turn        TurnEngine
	cancel      context.CancelFunc
	lastError   *fault.VoiceError
	cred        Credential

	onStarted      []func(Info)
	onEnded        []func(Info)
	onRenewed      []func(Info)
	onError        []func(*fault.VoiceError)
	onStateChanged []func(old, new State)
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Session     config.SessionConfig
	Credentials *CredentialService
	Bus         *eventbus.Bus
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *observe.Metrics
	Factories   Factories
}

// NewManager creates a session Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.Session,
		creds:   cfg.Credentials,
		bus:     cfg.Bus,
		clk:     cfg.Clock,
		logger:  logger,
		metrics: cfg.Metrics,
		make:    cfg.Factories,
	}
}

// Initialize prepares the manager. Idempotent.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return fmt.Errorf("session: manager disposed")
	}
	if m.initialized {
		return nil
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.initialized = true
	return nil
}

// Dispose ends any active session and clears listener registries. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	active := !m.info.State.terminal()
	m.mu.Unlock()

	if active {
		_ = m.EndSession(context.Background())
	}

	m.mu.Lock()
	m.disposed = true
	m.initialized = false
	m.onStarted = nil
	m.onEnded = nil
	m.onRenewed = nil
	m.onError = nil
	m.onStateChanged = nil
	m.mu.Unlock()
}

// ── Event surface ──────────────────────────────────────────────────────────────

// OnSessionStarted registers a session-started listener.
func (m *Manager) OnSessionStarted(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStarted = append(m.onStarted, fn)
}

// OnSessionEnded registers a session-ended listener.
func (m *Manager) OnSessionEnded(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = append(m.onEnded, fn)
}

// OnSessionRenewed registers a renewal listener.
func (m *Manager) OnSessionRenewed(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRenewed = append(m.onRenewed, fn)
}

// OnSessionError registers an error listener.
func (m *Manager) OnSessionError(fn func(*fault.VoiceError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, fn)
}

// OnStateChanged registers a state transition listener.
func (m *Manager) OnStateChanged(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChanged = append(m.onStateChanged, fn)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.info.State
	if old == s {
		m.mu.Unlock()
		return
	}
	m.info.State = s
	listeners := make([]func(old, new State), len(m.onStateChanged))
	copy(listeners, m.onStateChanged)
	m.mu.Unlock()
	for _, fn := range listeners {
		m.invoke(func() { fn(old, s) })
	}
}

func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// StartSession acquires a credential, wires the transport and turn engine,
// and starts the heartbeat, inactivity, and renewal timers. Exactly one
// session may be active.
func (m *Manager) StartSession(ctx context.Context) (Info, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("session: manager not initialized")
	}
	if !m.info.State.terminal() {
		id := m.info.ID
		m.mu.Unlock()
		return Info{}, fmt.Errorf("session: a session is already active (id=%s)", id)
	}
	m.mu.Unlock()

	sessionID := uuid.NewString()
	m.mu.Lock()
	m.info = Info{ID: sessionID, Config: m.cfg}
	m.mu.Unlock()
	m.setState(StateStarting)

	cred, err := m.creds.RequestEphemeralKey(ctx, sessionID)
	if err != nil {
		return Info{}, m.failStart(ctx, err)
	}
	now := m.clk.Now()
	if !cred.SafeToUse(now, SafetyMargin) {
		verr := fault.New(fault.DomainAuth, "AuthenticationFailed",
			"credential would expire before the session could start").
			WithTelemetry(fault.TelemetryContext{SessionID: sessionID})
		return Info{}, m.failStart(ctx, verr)
	}

	tr, err := m.make.Transport(cred, sessionID)
	if err != nil {
		return Info{}, m.failStart(ctx, err)
	}
	if err := tr.Initialize(); err != nil {
		return Info{}, m.failStart(ctx, err)
	}
	if err := tr.EstablishConnection(ctx); err != nil {
		tr.Dispose()
		return Info{}, m.failStart(ctx, err)
	}

	ite, err := m.make.Turn(sessionID)
	if err != nil {
		_ = tr.CloseConnection()
		tr.Dispose()
		return Info{}, m.failStart(ctx, err)
	}
	if err := ite.Initialize(); err != nil {
		_ = tr.CloseConnection()
		tr.Dispose()
		return Info{}, m.failStart(ctx, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.transport = tr
	m.turn = ite
	m.cancel = cancel
	m.cred = cred
	m.info.StartedAt = now
	m.info.LastActivity = now
	m.info.ExpiresAt = cred.ExpiresAt
	m.info.Connection = tr.ConnectionStateName()
	info := m.info
	started := make([]func(Info), len(m.onStarted))
	copy(started, m.onStarted)
	m.mu.Unlock()

	m.wireCredentialHooks()
	m.creds.Schedule(cred)
	if m.cfg.HeartbeatEnabled() {
		go m.heartbeatLoop(sessionCtx)
	}
	if m.cfg.InactivityEnabled() {
		go m.inactivityLoop(sessionCtx)
	}

	m.setState(StateActive)
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.logger.Info("session started",
		"session_id", sessionID,
		"expires_at", cred.ExpiresAt)

	info.State = StateActive
	for _, fn := range started {
		m.invoke(func() { fn(info) })
	}
	return info, nil
}

// failStart records the startup failure and leaves the manager Failed.
func (m *Manager) failStart(ctx context.Context, err error) error {
	verr, ok := err.(*fault.VoiceError)
	if !ok {
		verr = fault.Wrap(fault.DomainSession, "SESSION_START_FAILED", "session start failed", err)
	}
	m.mu.Lock()
	m.lastError = verr
	errListeners := make([]func(*fault.VoiceError), len(m.onError))
	copy(errListeners, m.onError)
	m.mu.Unlock()

	m.setState(StateFailed)
	if m.bus != nil {
		m.bus.Publish(ctx, verr)
	}
	for _, fn := range errListeners {
		m.invoke(func() { fn(verr) })
	}
	return verr
}

// wireCredentialHooks connects the credential service's renewal cycle to the
// session state machine and the transport's auth rotation.
func (m *Manager) wireCredentialHooks() {
	m.creds.OnRenewalStarted(func() {
		m.setState(StateRenewing)
	})
	m.creds.OnKeyRenewed(func(cred Credential, latency time.Duration) {
		m.mu.Lock()
		tr := m.transport
		m.cred = cred
		m.info.ExpiresAt = cred.ExpiresAt
		m.info.Stats.Renewals++
		m.info.Stats.renewalLatencySum += latency
		m.info.Stats.AvgRenewalLatency = m.info.Stats.renewalLatencySum / time.Duration(m.info.Stats.Renewals)
		info := m.info
		renewed := make([]func(Info), len(m.onRenewed))
		copy(renewed, m.onRenewed)
		m.mu.Unlock()

		if tr != nil {
			tr.RotateBearer(cred.Key)
		}
		if m.metrics != nil {
			m.metrics.RenewalDuration.Record(context.Background(), latency.Seconds())
		}
		m.setState(StateActive)
		for _, fn := range renewed {
			m.invoke(func() { fn(info) })
		}
	})
	m.creds.OnAuthenticationError(func(verr *fault.VoiceError) {
		m.mu.Lock()
		m.info.Stats.FailedRenewals++
		m.lastError = verr
		errListeners := make([]func(*fault.VoiceError), len(m.onError))
		copy(errListeners, m.onError)
		m.mu.Unlock()

		m.setState(StateFailed)
		if m.bus != nil {
			m.bus.Publish(context.Background(), verr)
		}
		for _, fn := range errListeners {
			m.invoke(func() { fn(verr) })
		}
	})
	m.creds.OnKeyExpired(func() {
		m.logger.Warn("credential expired without renewal", "session_id", m.Info().ID)
		_ = m.EndSession(context.Background())
	})
}

// RecordAudioActivity resets the inactivity window.
func (m *Manager) RecordAudioActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.State.terminal() {
		return
	}
	m.info.LastActivity = m.clk.Now()
	m.info.Stats.InactivityResets++
}

// heartbeatLoop pings on the configured interval to keep the session active.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval()
	for {
		if err := m.clk.Wait(ctx, interval); err != nil {
			return
		}
		m.mu.Lock()
		m.info.Stats.Heartbeats++
		m.info.LastActivity = m.clk.Now()
		m.mu.Unlock()
		m.logger.Debug("session heartbeat", "session_id", m.Info().ID)
	}
}

// inactivityLoop pauses the session when no activity arrives inside the
// configured window.
func (m *Manager) inactivityLoop(ctx context.Context) {
	timeout := m.cfg.InactivityTimeout()
	for {
		m.mu.Lock()
		last := m.info.LastActivity
		m.mu.Unlock()

		remaining := last.Add(timeout).Sub(m.clk.Now())
		if remaining <= 0 {
			m.logger.Info("session paused after inactivity",
				"session_id", m.Info().ID, "timeout", timeout)
			m.setState(StatePaused)
			// Wait for new activity before re-checking.
			if err := m.clk.Wait(ctx, timeout); err != nil {
				return
			}
			m.mu.Lock()
			if m.info.LastActivity.After(last) {
				m.mu.Unlock()
				m.setState(StateActive)
				continue
			}
			m.mu.Unlock()
			continue
		}
		if err := m.clk.Wait(ctx, remaining); err != nil {
			return
		}
	}
}

// EndSession stops timers, closes the transport, disposes the turn engine,
// and emits the ended event. Callable from any state.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	if m.info.State.terminal() && m.transport == nil {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.cancel = nil
	tr := m.transport
	m.transport = nil
	ite := m.turn
	m.turn = nil
	sessionID := m.info.ID
	startedAt := m.info.StartedAt
	m.mu.Unlock()

	m.setState(StateEnding)
	m.creds.Stop()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.CloseConnection(); err != nil {
			m.logger.Warn("transport close error", "session_id", sessionID, "err", err)
		}
		tr.Dispose()
	}
	if ite != nil {
		ite.Dispose()
	}

	m.mu.Lock()
	if !startedAt.IsZero() {
		m.info.Stats.TotalDuration = m.clk.Now().Sub(startedAt)
	}
	info := m.info
	ended := make([]func(Info), len(m.onEnded))
	copy(ended, m.onEnded)
	m.mu.Unlock()

	m.setState(StateIdle)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	m.logger.Info("session ended", "session_id", sessionID, "duration", info.Stats.TotalDuration)
	for _, fn := range ended {
		m.invoke(func() { fn(info) })
	}
	return nil
}

// Info returns a snapshot of the session.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	if m.transport != nil {
		info.Connection = m.transport.ConnectionStateName()
	}
	return info
}

// GetSessionDiagnostics returns the session health snapshot.
func (m *Manager) GetSessionDiagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	d := Diagnostics{
		SessionID:          m.info.ID,
		State:              m.info.State,
		HeartbeatRunning:   m.cancel != nil && m.cfg.HeartbeatEnabled(),
		InactivityRunning:  m.cancel != nil && m.cfg.InactivityEnabled(),
		CredentialValid:    m.cred.Valid(now),
		CredentialSecsLeft: m.cred.SecondsRemaining(now),
		LastError:          m.lastError,
		NextRenewalAt:      m.cred.RefreshAt,
	}
	if m.transport != nil {
		d.ConnectionState = m.transport.ConnectionStateName()
	}
	return d
}
