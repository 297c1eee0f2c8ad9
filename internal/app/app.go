// Package app assembles the session engine: the retry executor, the error
// bus and recovery orchestrator, the credential service, the session
// manager, and the per-session transport and turn-engine factories.
// Components initialize bottom-up (C1 → C5) and dispose in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/config"
	"github.com/MrWong99/voicewire/internal/eventbus"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/retry"
	"github.com/MrWong99/voicewire/internal/rtc"
	"github.com/MrWong99/voicewire/internal/session"
	"github.com/MrWong99/voicewire/internal/transport"
	"github.com/MrWong99/voicewire/internal/turn"
	"github.com/MrWong99/voicewire/pkg/audio"
)

// Engine wires the five core components behind one lifecycle.
type Engine struct {
	cfg     *config.Config
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics

	exec    *retry.Executor
	bus     *eventbus.Bus
	orch    *eventbus.Orchestrator
	creds   *session.CredentialService
	manager *session.Manager

	mu          sync.Mutex
	initialized bool
	disposed    bool
	transport   *transport.Transport
	turnEngine  *turn.Engine
	recoverer   *transport.Recoverer
	playback    audio.Playback
	adapter     turn.FallbackAdapter
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithClock overrides the engine clock. Defaults to the system clock.
func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = clk }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPlayback registers the playback pipeline collaborator used for
// barge-in cancellation.
func WithPlayback(p audio.Playback) EngineOption {
	return func(e *Engine) { e.playback = p }
}

// WithFallbackAdapter registers the client-hint VAD adapter enabled during
// server-VAD degradation.
func WithFallbackAdapter(a turn.FallbackAdapter) EngineOption {
	return func(e *Engine) { e.adapter = a }
}

// NewEngine builds the engine from configuration. Call [Engine.Initialize]
// before starting a session.
func NewEngine(cfg *config.Config, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	if e.clk == nil {
		e.clk = clock.System{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Initialize builds and initializes all components in dependency order.
// Idempotent.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return fmt.Errorf("app: engine disposed")
	}
	if e.initialized {
		return nil
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	// C1: retry executor.
	e.exec = retry.NewExecutor(e.clk,
		retry.WithLogger(e.logger),
		retry.WithMetrics(e.metrics))
	if err := e.exec.Initialize(); err != nil {
		return err
	}

	// C2: bus + orchestrator, with the per-domain envelope registry.
	e.bus = eventbus.NewBus(e.clk,
		eventbus.WithBusLogger(e.logger),
		eventbus.WithBusMetrics(e.metrics))
	if err := e.bus.Initialize(); err != nil {
		return err
	}
	e.orch = eventbus.NewOrchestrator(e.bus, e.exec, e.clk,
		eventbus.WithOrchestratorLogger(e.logger),
		eventbus.WithOrchestratorMetrics(e.metrics))
	if err := e.orch.Initialize(); err != nil {
		return err
	}
	for name, envCfg := range e.cfg.Retry.Domains {
		domain, ok := fault.ParseDomain(name)
		if !ok {
			e.logger.Warn("unknown retry domain in config, skipping", "domain", name)
			continue
		}
		e.orch.RegisterEnvelope(domain, retry.FromConfig(envCfg))
	}

	// C4 dependencies: credential service and session manager. The session
	// manager constructs C3 and C5 per session through the factories.
	retryBackoff := time.Duration(e.cfg.Session.RetryBackoffMs) * time.Millisecond
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	authEnvelope := retry.Envelope{
		Policy:       retry.PolicyExponential,
		InitialDelay: retryBackoff,
		Multiplier:   2,
		MaxAttempts:  e.cfg.Session.MaxRetryAttempts,
		Jitter:       retry.JitterDeterministicFull,
	}.Normalized()
	e.creds = session.NewCredentialService(session.CredentialServiceConfig{
		Issuer: &session.HTTPKeyIssuer{
			URL:   e.cfg.Endpoint.KeyURL,
			Clock: e.clk,
		},
		Executor:      e.exec,
		Envelope:      authEnvelope,
		RenewalMargin: e.cfg.Session.RenewalMargin(),
		Clock:         e.clk,
		Logger:        e.logger,
	})
	if err := e.creds.Initialize(); err != nil {
		return err
	}

	e.manager = session.NewManager(session.ManagerConfig{
		Session:     e.cfg.Session,
		Credentials: e.creds,
		Bus:         e.bus,
		Clock:       e.clk,
		Logger:      e.logger,
		Metrics:     e.metrics,
		Factories: session.Factories{
			Transport: e.buildTransport,
			Turn:      e.buildTurn,
		},
	})
	if err := e.manager.Initialize(); err != nil {
		return err
	}

	e.initialized = true
	return nil
}

// Dispose tears components down in reverse initialization order. Idempotent.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.initialized = false
	manager := e.manager
	creds := e.creds
	orch := e.orch
	bus := e.bus
	exec := e.exec
	e.mu.Unlock()

	if manager != nil {
		manager.Dispose()
	}
	if creds != nil {
		creds.Dispose()
	}
	if orch != nil {
		orch.Dispose()
	}
	if bus != nil {
		bus.Dispose()
	}
	if exec != nil {
		exec.Dispose()
	}
}

// transportAdapter narrows *transport.Transport to the manager's interface.
type transportAdapter struct {
	*transport.Transport
}

func (a transportAdapter) ConnectionStateName() string {
	return a.Transport.State().String()
}

// buildTransport is the per-session C3 factory.
func (e *Engine) buildTransport(cred session.Credential, sessionID string) (session.Transport, error) {
	tcfg, err := transport.NewConfig(e.cfg.Endpoint, cred.Key, e.cfg.Audio, e.cfg.Transport)
	if err != nil {
		return nil, err
	}
	tr := transport.New(tcfg, e.clk,
		transport.WithLogger(e.logger),
		transport.WithMetrics(e.metrics))

	e.mu.Lock()
	e.transport = tr
	e.recoverer = transport.NewRecoverer(tr, e.clk, e.logger)
	e.mu.Unlock()

	tr.Subscribe(func(ev transport.Event) { e.handleTransportEvent(sessionID, ev) })
	e.orch.RegisterPlan(fault.DomainTransport, e.transportRecoveryPlan(sessionID))
	return transportAdapter{tr}, nil
}

// buildTurn is the per-session C5 factory. The transport factory always runs
// first, so the engine can hand the live transport to the ITE as its event
// sender.
func (e *Engine) buildTurn(sessionID string) (session.TurnEngine, error) {
	e.mu.Lock()
	tr := e.transport
	e.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("app: transport must be created before the turn engine")
	}

	policy, err := e.policyFromConfig()
	if err != nil {
		return nil, err
	}
	ite := turn.NewEngine(turn.EngineConfig{
		Policy:   policy,
		Sender:   tr,
		Playback: e.playback,
		Adapter:  e.adapter,
		Clock:    e.clk,
		Logger:   e.logger,
		Metrics:  e.metrics,
	})

	e.mu.Lock()
	e.turnEngine = ite
	e.mu.Unlock()
	return ite, nil
}

// policyFromConfig resolves the conversation policy block.
func (e *Engine) policyFromConfig() (turn.Policy, error) {
	profile, err := turn.ParseProfile(e.cfg.Policy.Profile)
	if err != nil {
		return turn.Policy{}, err
	}
	p := turn.PolicyForProfile(profile)
	if e.cfg.Policy.AllowBargeIn != nil {
		p.AllowBargeIn = *e.cfg.Policy.AllowBargeIn
	}
	if e.cfg.Policy.InterruptionBudgetMs > 0 {
		p.InterruptionBudget = time.Duration(e.cfg.Policy.InterruptionBudgetMs) * time.Millisecond
	}
	if e.cfg.Policy.CompletionGraceMs > 0 {
		p.CompletionGrace = time.Duration(e.cfg.Policy.CompletionGraceMs) * time.Millisecond
	}
	if e.cfg.Policy.SpeechStopDebounceMs > 0 {
		p.SpeechStopDebounce = time.Duration(e.cfg.Policy.SpeechStopDebounceMs) * time.Millisecond
	}
	if e.cfg.Policy.FallbackMode == "manual" {
		p.FallbackMode = turn.FallbackManual
	}
	if err := p.Validate(); err != nil {
		return turn.Policy{}, err
	}
	return p, nil
}

// handleTransportEvent routes transport notifications into the turn engine
// and the session manager.
func (e *Engine) handleTransportEvent(sessionID string, ev transport.Event) {
	e.mu.Lock()
	ite := e.turnEngine
	manager := e.manager
	e.mu.Unlock()

	switch ev.Kind {
	case transport.EventServerEvent:
		if manager != nil {
			manager.RecordAudioActivity()
		}
		if ite == nil {
			return
		}
		switch ev.Server.Type {
		case rtc.TypeSpeechStarted:
			ite.HandleSpeechEvent(turn.SpeechEvent{Kind: turn.UserSpeechStart, Source: "azure-vad"})
		case rtc.TypeSpeechStopped:
			ite.HandleSpeechEvent(turn.SpeechEvent{Kind: turn.UserSpeechStop, Source: "azure-vad"})
		case rtc.TypeResponseDone:
			ite.HandleSpeechEvent(turn.SpeechEvent{Kind: turn.AssistantSpeechStop, Source: "azure-vad"})
		}
	case transport.EventRecovery:
		e.logger.Info("transport recovery event",
			"kind", ev.Recovery.Kind,
			"strategy", ev.Recovery.Strategy,
			"attempt", ev.Recovery.Attempt)
	case transport.EventQualityChanged:
		e.logger.Info("connection quality changed",
			"previous", ev.Quality.Previous.String(),
			"current", ev.Quality.Current.String())
	}
}

// transportRecoveryPlan wraps the tiered recovery ladder as the registry
// recovery plan for the transport domain.
func (e *Engine) transportRecoveryPlan(sessionID string) *fault.RecoveryPlan {
	return &fault.RecoveryPlan{
		Steps: []fault.RecoveryStep{
			{
				Name: "tiered-reconnect",
				Run: func(ctx context.Context) error {
					e.mu.Lock()
					rec := e.recoverer
					e.mu.Unlock()
					if rec == nil {
						return fmt.Errorf("app: no transport to recover")
					}
					verr := fault.New(fault.DomainTransport, transport.CodeNetworkTimeout, "transport failure").
						WithRecoverable(true).
						WithTelemetry(fault.TelemetryContext{SessionID: sessionID, CorrelationID: sessionID})
					return rec.Recover(ctx, verr)
				},
			},
		},
		NotifyUser:        true,
		SuppressionWindow: 30 * time.Second,
		Fallback:          fault.FallbackDegradedFeatures,
	}
}

// Manager exposes the session manager to the host.
func (e *Engine) Manager() *session.Manager { return e.manager }

// Bus exposes the error event bus to presentation adapters.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Orchestrator exposes the recovery orchestrator.
func (e *Engine) Orchestrator() *eventbus.Orchestrator { return e.orch }

// Turn returns the turn engine built for the most recent session, nil before
// the first session starts. It is not cleared when that session ends.
func (e *Engine) Turn() *turn.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnEngine
}

// Transport returns the transport built for the most recent session, nil
// before the first session starts. It is not cleared when that session ends.
func (e *Engine) Transport() *transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// HealthHandler serves the liveness and session-state snapshot.
func (e *Engine) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := e.manager.Info()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","session_state":%q,"session_id":%q}`,
			info.State.String(), info.ID)
	})
}
