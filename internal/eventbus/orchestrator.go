package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"github.com/MrWong99/voicewire/internal/retry"
	"go.opentelemetry.io/otel/metric"
)

// FallbackHandler runs once after a recovery plan's steps finish, for the
// mode the plan selected, whether or not the steps succeeded.
type FallbackHandler func(ctx context.Context, e *fault.VoiceError) error

// Options parameterise one orchestrated operation.
type Options struct {
	Domain        fault.Domain
	Operation     string
	Code          string
	CorrelationID string
	SessionID     string

	// Retry overrides fields of the registry envelope for this call. Its
	// Policy and Jitter always replace the registry values; timing and
	// attempt fields replace them only when positive. The merged envelope is
	// clamped back to the guardrail ranges. An override is never discarded
	// as a whole in favour of the registry default.
	Retry *retry.Envelope

	// Plan replaces the registry-default recovery plan for this call.
	Plan *fault.RecoveryPlan

	// Classify maps the raw operation error to a structured envelope.
	// When nil the orchestrator builds a generic one from Code.
	Classify func(cause error) *fault.VoiceError
}

// Orchestrator resolves retry envelopes, bridges failures onto the bus, and
// runs recovery plans after terminal failures. It layers on the retry
// executor and owns the per-domain envelope and plan registries.
type Orchestrator struct {
	bus     *Bus
	exec    *retry.Executor
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	envelopes   map[fault.Domain]retry.Envelope
	plans       map[fault.Domain]*fault.RecoveryPlan
	fallbacks   map[fault.FallbackMode]FallbackHandler
	initialized bool
	disposed    bool
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger. Defaults to slog.Default().
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorMetrics sets the metrics sink.
func WithOrchestratorMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator over the given bus and executor.
func NewOrchestrator(bus *Bus, exec *retry.Executor, clk clock.Clock, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		bus:       bus,
		exec:      exec,
		clk:       clk,
		envelopes: make(map[fault.Domain]retry.Envelope),
		plans:     make(map[fault.Domain]*fault.RecoveryPlan),
		fallbacks: make(map[fault.FallbackMode]FallbackHandler),
	}
	for _, op := range opts {
		op(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Initialize prepares the orchestrator. Idempotent. The bus and executor
// must already be initialized (C1 before C2).
func (o *Orchestrator) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return fmt.Errorf("eventbus: orchestrator disposed")
	}
	if o.initialized {
		return nil
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.initialized = true
	return nil
}

// Dispose clears the registries. Idempotent.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	o.disposed = true
	o.initialized = false
	o.envelopes = make(map[fault.Domain]retry.Envelope)
	o.plans = make(map[fault.Domain]*fault.RecoveryPlan)
	o.fallbacks = make(map[fault.FallbackMode]FallbackHandler)
}

// RegisterEnvelope sets the registry envelope for a domain.
func (o *Orchestrator) RegisterEnvelope(d fault.Domain, env retry.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.envelopes[d] = env.Normalized()
}

// RegisterPlan sets the registry-default recovery plan for a domain.
func (o *Orchestrator) RegisterPlan(d fault.Domain, plan *fault.RecoveryPlan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans[d] = plan
}

// RegisterFallback installs the handler for a fallback mode. At most one
// handler per mode; a second registration is rejected.
func (o *Orchestrator) RegisterFallback(mode fault.FallbackMode, h FallbackHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.fallbacks[mode]; exists {
		return fmt.Errorf("eventbus: fallback handler already registered for mode %s", mode)
	}
	o.fallbacks[mode] = h
	return nil
}

// Do runs op under the resolved envelope, publishing failures and executing
// the recovery plan on terminal failure.
func (o *Orchestrator) Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	_, err := Run(ctx, o, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is the value-returning form of [Orchestrator.Do]. A package-level
// function because Go does not support method-level type parameters.
func Run[T any](ctx context.Context, o *Orchestrator, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T

	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return zero, fmt.Errorf("eventbus: orchestrator not initialized")
	}
	env, ok := o.envelopes[opts.Domain]
	if !ok {
		env = retry.DefaultEnvelope()
	}
	plan := opts.Plan
	if plan == nil {
		plan = o.plans[opts.Domain]
	}
	o.mu.Unlock()

	env = mergeOverride(env, opts.Retry)
	code := opts.Code
	if code == "" {
		code = "OPERATION_FAILED"
	}

	noRetry := false
	req := retry.Request{
		Domain:        opts.Domain,
		Operation:     opts.Operation,
		CorrelationID: opts.CorrelationID,
		SessionID:     opts.SessionID,
		Envelope:      env,
		Callbacks: retry.Callbacks{
			OnFailure: func(rp fault.RetryPlan, cause error) (*fault.VoiceError, *bool) {
				verr := o.classify(opts, code, cause)
				verr.RetryPlan = &rp
				verr.RecoveryPlan = plan
				o.bus.Publish(ctx, verr)
				if env.Policy == retry.PolicyNone {
					return verr, &noRetry
				}
				return verr, nil
			},
			OnCircuitOpen: func() *fault.VoiceError {
				verr := fault.New(opts.Domain, code+"_CIRCUIT_OPEN",
					fmt.Sprintf("%s rejected: circuit open", opts.Operation))
				verr.WithTelemetry(fault.TelemetryContext{
					CorrelationID: opts.CorrelationID,
					SessionID:     opts.SessionID,
				})
				o.bus.Publish(ctx, verr)
				return verr
			},
		},
	}

	val, err := retry.Execute(ctx, o.exec, req, op)
	if err == nil {
		return val, nil
	}

	verr, _ := err.(*fault.VoiceError)
	if verr != nil && plan != nil {
		o.runPlan(ctx, plan, verr)
	}
	return zero, err
}

// classify builds the structured envelope for a raw failure.
func (o *Orchestrator) classify(opts Options, code string, cause error) *fault.VoiceError {
	if opts.Classify != nil {
		if verr := opts.Classify(cause); verr != nil {
			return verr
		}
	}
	verr := fault.Wrap(opts.Domain, code,
		fmt.Sprintf("%s failed", opts.Operation), cause)
	verr.WithTelemetry(fault.TelemetryContext{
		CorrelationID: opts.CorrelationID,
		SessionID:     opts.SessionID,
	})
	return verr
}

// runPlan executes the recovery plan's ordered steps. A step failure runs its
// compensating action and is logged; it never halts the plan. The fallback
// handler, when registered for the plan's mode, is invoked exactly once.
func (o *Orchestrator) runPlan(ctx context.Context, plan *fault.RecoveryPlan, cause *fault.VoiceError) {
	for _, step := range plan.Steps {
		start := o.clk.Now()
		err := o.runStep(ctx, step)
		duration := o.clk.Now().Sub(start)
		o.metrics.RecoveryStepDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(observe.Attr("step", step.Name)))
		if err != nil {
			o.logger.Warn("recovery step failed",
				"step", step.Name,
				"error", fault.Redact(err.Error()),
				"duration", duration)
			if step.Compensate != nil {
				if cerr := step.Compensate(ctx); cerr != nil {
					o.logger.Warn("compensating action failed",
						"step", step.Name,
						"error", fault.Redact(cerr.Error()))
				}
			}
			continue
		}
		o.logger.Debug("recovery step completed", "step", step.Name, "duration", duration)
	}

	if plan.Fallback == fault.FallbackNone {
		return
	}
	o.mu.Lock()
	handler := o.fallbacks[plan.Fallback]
	o.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(ctx, cause); err != nil {
		o.logger.Error("fallback handler failed",
			"mode", plan.Fallback.String(),
			"error", fault.Redact(err.Error()))
	}
}

// runStep runs one step with panic isolation.
func (o *Orchestrator) runStep(ctx context.Context, step fault.RecoveryStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery step %s panicked: %v", step.Name, r)
		}
	}()
	if step.Run == nil {
		return nil
	}
	return step.Run(ctx)
}

// mergeOverride applies an override envelope onto the registry base, then
// re-normalizes so invalid values fall back to the guardrail ranges. The
// override's Policy and Jitter are taken as-is; timing fields merge only when
// positive.
func mergeOverride(base retry.Envelope, override *retry.Envelope) retry.Envelope {
	if override == nil {
		return base
	}
	merged := base
	merged.Policy = override.Policy
	merged.Jitter = override.Jitter
	if override.InitialDelay > 0 {
		merged.InitialDelay = override.InitialDelay
	}
	if override.Multiplier > 0 {
		merged.Multiplier = override.Multiplier
	}
	if override.MaxDelay > 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if override.MaxAttempts > 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.Cooldown > 0 {
		merged.Cooldown = override.Cooldown
	}
	if override.FailureBudget > 0 {
		merged.FailureBudget = override.FailureBudget
	}
	return merged.Normalized()
}
