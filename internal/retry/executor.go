package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
)

// Sentinel errors.
var (
	// ErrNotInitialized is returned when Execute is called before Initialize.
	ErrNotInitialized = errors.New("retry: executor not initialized")

	// ErrDisposed is returned when Execute is called after Dispose.
	ErrDisposed = errors.New("retry: executor disposed")
)

// Codes synthesized by the executor.
const (
	CodeCircuitOpen     = "RETRY_CIRCUIT_OPEN"
	CodeOperationFailed = "RETRY_OPERATION_FAILED"
)

// Outcome summarises one terminal Execute result.
type Outcome struct {
	Operation     string
	Domain        fault.Domain
	Attempts      int
	Duration      time.Duration
	Success       bool
	CircuitOpened bool
}

// Callbacks are the per-request observer hooks. Any field may be nil.
type Callbacks struct {
	// OnAttempt fires before each attempt with the delay that preceded it.
	OnAttempt func(attempt int, prevDelay time.Duration)

	// OnFailure maps an operation error to a structured error and may
	// override the retry decision. A nil handler synthesizes a generic
	// domain-tagged error. If the handler panics, the executor synthesizes
	// CodeOperationFailed with retry disabled.
	OnFailure func(plan fault.RetryPlan, cause error) (*fault.VoiceError, *bool)

	// OnRetryScheduled fires after a failure when another attempt will run.
	OnRetryScheduled func(plan fault.RetryPlan, err *fault.VoiceError)

	// OnComplete fires exactly once per Execute with the terminal outcome.
	OnComplete func(o Outcome)

	// OnCircuitOpen fires when the breaker rejects the call. A non-nil
	// return is used as the error; otherwise CodeCircuitOpen is synthesized.
	OnCircuitOpen func() *fault.VoiceError
}

// Request carries the identity, envelope, and hooks for one Execute call.
type Request struct {
	Domain        fault.Domain
	Operation     string
	CorrelationID string
	SessionID     string
	Envelope      Envelope
	Metadata      map[string]any
	Callbacks     Callbacks
}

// Executor runs operations under retry envelopes and owns the per-domain
// circuit breakers. Breaker state is only readable from outside through
// immutable snapshots.
type Executor struct {
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	breakers    map[fault.Domain]*breaker
	initialized bool
	disposed    bool
	cancelWait  context.CancelFunc
	waitCtx     context.Context
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(x *Executor) { x.metrics = m }
}

// NewExecutor creates an Executor driven by the given clock.
func NewExecutor(clk clock.Clock, opts ...ExecutorOption) *Executor {
	x := &Executor{
		clk:      clk,
		breakers: make(map[fault.Domain]*breaker),
	}
	for _, o := range opts {
		o(x)
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	return x
}

// Initialize prepares the executor. Idempotent.
func (x *Executor) Initialize() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.disposed {
		return ErrDisposed
	}
	if x.initialized {
		return nil
	}
	x.waitCtx, x.cancelWait = context.WithCancel(context.Background())
	if x.metrics == nil {
		x.metrics = observe.DefaultMetrics()
	}
	x.initialized = true
	return nil
}

// Dispose cancels outstanding retry sleeps and clears breaker state.
// Idempotent; the executor cannot be reused afterwards.
func (x *Executor) Dispose() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.disposed {
		return
	}
	x.disposed = true
	x.initialized = false
	if x.cancelWait != nil {
		x.cancelWait()
	}
	x.breakers = make(map[fault.Domain]*breaker)
}

// Reset forces the breaker for domain back to closed.
func (x *Executor) Reset(domain fault.Domain) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if b, ok := x.breakers[domain]; ok {
		b.reset()
		x.logger.Info("circuit breaker manually reset", "domain", domain.String())
	}
}

// Snapshot returns an immutable view of the breaker for domain.
func (x *Executor) Snapshot(domain fault.Domain) (fault.BreakerSnapshot, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.breakers[domain]
	if !ok {
		return fault.BreakerSnapshot{}, false
	}
	return b.snapshot(), true
}

// Do runs op under the request's envelope and returns the terminal error.
func (x *Executor) Do(ctx context.Context, req Request, op func(context.Context) error) error {
	_, err := Execute(ctx, x, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op under the request's envelope and returns its value.
// A package-level function because Go does not support method-level type
// parameters.
func Execute[T any](ctx context.Context, x *Executor, req Request, op func(context.Context) (T, error)) (T, error) {
	var zero T

	x.mu.Lock()
	if x.disposed {
		x.mu.Unlock()
		return zero, ErrDisposed
	}
	if !x.initialized {
		x.mu.Unlock()
		return zero, ErrNotInitialized
	}
	waitCtx := x.waitCtx
	env := req.Envelope.Normalized()
	br := x.ensureBreakerLocked(req.Domain, env)
	now := x.clk.Now()

	// Open breaker: reject inside the cooldown, probe after it.
	if br.state == StateOpen {
		if now.Sub(br.openedAt) <= br.cooldown {
			snap := br.snapshot()
			x.mu.Unlock()
			return zero, x.rejectCircuitOpen(ctx, req, snap)
		}
		br.state = StateHalfOpen
		br.failureCount = 0
		x.logger.Info("circuit breaker transitioning to half-open", "domain", req.Domain.String())
		x.metrics.RecordCircuitTransition(ctx, req.Domain.String(), StateHalfOpen.String())
	}
	halfOpenEntry := br.state == StateHalfOpen
	x.mu.Unlock()

	start := x.clk.Now()
	var prevDelay time.Duration
	var selfOpenedAt time.Time

	for attempt := 1; attempt <= env.MaxAttempts; attempt++ {
		// A breaker opened by a concurrent Execute (rare) aborts the loop
		// the same way a fresh call would be rejected. Openings caused by
		// this loop's own failures do not cut the attempt budget short.
		if attempt > 1 {
			x.mu.Lock()
			if br.state == StateOpen && !br.openedAt.Equal(selfOpenedAt) {
				snap := br.snapshot()
				x.mu.Unlock()
				return zero, x.rejectCircuitOpen(ctx, req, snap)
			}
			x.mu.Unlock()
		}

		if cb := req.Callbacks.OnAttempt; cb != nil {
			cb(attempt, prevDelay)
		}
		x.metrics.RecordRetryAttempt(ctx, req.Domain.String(), req.Operation)

		val, opErr := op(ctx)
		if opErr == nil {
			x.mu.Lock()
			br.reset()
			x.mu.Unlock()
			x.complete(ctx, req, Outcome{
				Operation: req.Operation,
				Domain:    req.Domain,
				Attempts:  attempt,
				Duration:  x.clk.Now().Sub(start),
				Success:   true,
			})
			return val, nil
		}

		// Failure: compute the next delay and cap it by the failure budget.
		failedAt := x.clk.Now()
		elapsed := failedAt.Sub(start)
		base := env.baseDelay(attempt)
		delay, jitter := env.applyJitter(base, req.CorrelationID, attempt)
		budgetLeft := env.FailureBudget - elapsed
		budgetExhausted := false
		if delay > budgetLeft {
			delay = budgetLeft
			if delay < 0 {
				delay = 0
			}
			budgetExhausted = budgetLeft <= 0
		}

		x.mu.Lock()
		br.failureCount++
		br.lastAttemptAt = failedAt
		if halfOpenEntry && attempt == 1 {
			// Any failure during the half-open probe re-opens immediately.
			br.open(failedAt)
			selfOpenedAt = failedAt
			x.metrics.RecordCircuitTransition(ctx, req.Domain.String(), StateOpen.String())
			x.logger.Warn("circuit breaker re-opened from half-open", "domain", req.Domain.String())
		} else if br.state != StateOpen && br.failureCount >= br.threshold {
			br.open(failedAt)
			selfOpenedAt = failedAt
			x.metrics.RecordCircuitTransition(ctx, req.Domain.String(), StateOpen.String())
			x.logger.Warn("circuit breaker opened",
				"domain", req.Domain.String(),
				"failure_count", br.failureCount)
		}
		snap := br.snapshot()
		x.mu.Unlock()

		plan := fault.RetryPlan{
			Policy:        env.Policy.String(),
			Attempt:       attempt,
			MaxAttempts:   env.MaxAttempts,
			Delay:         delay,
			Multiplier:    env.Multiplier,
			JitterApplied: jitter,
			NextAttemptAt: failedAt.Add(delay),
			Breaker:       &snap,
		}

		verr, shouldRetry := x.mapFailure(req, plan, opErr)

		terminal := !shouldRetry ||
			attempt == env.MaxAttempts ||
			env.Policy == PolicyNone ||
			budgetExhausted
		if terminal {
			opened := snap.State == StateOpen.String()
			if opened && verr.Metadata == nil {
				verr.WithMeta("circuit_breaker", snap)
			}
			x.complete(ctx, req, Outcome{
				Operation:     req.Operation,
				Domain:        req.Domain,
				Attempts:      attempt,
				Duration:      x.clk.Now().Sub(start),
				CircuitOpened: opened,
			})
			return zero, verr
		}

		if cb := req.Callbacks.OnRetryScheduled; cb != nil {
			cb(plan, verr)
		}
		x.logger.Debug("retry scheduled",
			"domain", req.Domain.String(),
			"operation", req.Operation,
			"attempt", attempt,
			"delay", delay)

		if err := x.sleep(ctx, waitCtx, delay); err != nil {
			x.complete(ctx, req, Outcome{
				Operation: req.Operation,
				Domain:    req.Domain,
				Attempts:  attempt,
				Duration:  x.clk.Now().Sub(start),
			})
			return zero, verr
		}
		prevDelay = delay
	}

	// Unreachable: the loop always returns from a terminal branch.
	return zero, fault.New(req.Domain, CodeOperationFailed, "retry loop exited without outcome")
}

// sleep waits for d, aborting when either the caller's ctx or the executor's
// dispose context is cancelled.
func (x *Executor) sleep(ctx, waitCtx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	merged, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(waitCtx, cancel)
	defer stop()
	return x.clk.Wait(merged, d)
}

// rejectCircuitOpen produces the circuit-open error and records the outcome.
func (x *Executor) rejectCircuitOpen(ctx context.Context, req Request, snap fault.BreakerSnapshot) *fault.VoiceError {
	var verr *fault.VoiceError
	if cb := req.Callbacks.OnCircuitOpen; cb != nil {
		verr = cb()
	}
	if verr == nil {
		verr = fault.New(req.Domain, CodeCircuitOpen,
			fmt.Sprintf("circuit breaker open for %s operations", req.Domain))
		verr.WithMeta("circuit_breaker", snap)
		verr.WithTelemetry(fault.TelemetryContext{
			CorrelationID: req.CorrelationID,
			SessionID:     req.SessionID,
		})
	}
	x.complete(ctx, req, Outcome{
		Operation:     req.Operation,
		Domain:        req.Domain,
		Attempts:      0,
		CircuitOpened: true,
	})
	return verr
}

// mapFailure invokes OnFailure with panic isolation and fills in defaults.
func (x *Executor) mapFailure(req Request, plan fault.RetryPlan, cause error) (verr *fault.VoiceError, shouldRetry bool) {
	shouldRetry = true
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("on_failure handler panicked",
				"domain", req.Domain.String(),
				"operation", req.Operation,
				"panic", fmt.Sprint(r))
			verr = fault.Wrap(req.Domain, CodeOperationFailed, "failure handler panicked", cause)
			verr.RetryPlan = &plan
			shouldRetry = false
		}
	}()

	if cb := req.Callbacks.OnFailure; cb != nil {
		mapped, override := cb(plan, cause)
		if mapped != nil {
			verr = mapped
		}
		if override != nil {
			shouldRetry = *override
		}
	}
	if verr == nil {
		verr = fault.Wrap(req.Domain, CodeOperationFailed,
			fmt.Sprintf("%s failed", req.Operation), cause)
	}
	if verr.RetryPlan == nil {
		verr.RetryPlan = &plan
	}
	if verr.Telemetry.CorrelationID == "" {
		verr.Telemetry.CorrelationID = req.CorrelationID
	}
	if verr.Telemetry.SessionID == "" {
		verr.Telemetry.SessionID = req.SessionID
	}
	return verr, shouldRetry
}

// complete records the outcome and invokes OnComplete.
func (x *Executor) complete(ctx context.Context, req Request, o Outcome) {
	status := "failure"
	if o.Success {
		status = "success"
	}
	if o.CircuitOpened {
		status = "circuit-open"
	}
	x.metrics.RecordRetryOutcome(ctx, o.Domain.String(), status)
	if cb := req.Callbacks.OnComplete; cb != nil {
		cb(o)
	}
}

// ensureBreakerLocked finds or creates the domain breaker and refreshes its
// threshold and cooldown from the envelope. Caller holds x.mu.
func (x *Executor) ensureBreakerLocked(domain fault.Domain, env Envelope) *breaker {
	b, ok := x.breakers[domain]
	if !ok {
		b = &breaker{state: StateClosed}
		x.breakers[domain] = b
	}
	b.threshold = thresholdFor(env.MaxAttempts)
	b.cooldown = env.Cooldown
	return b
}
