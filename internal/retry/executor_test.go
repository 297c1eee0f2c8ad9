package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicewire/internal/config"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var errBoom = errors.New("boom")

// fakeClock advances instantly on Wait and records every sleep, so retry
// schedules are observable without wall time.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestExecutor(t *testing.T, clk *fakeClock) *Executor {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	x := NewExecutor(clk, WithMetrics(m))
	if err := x.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(x.Dispose)
	return x
}

func TestExecute_RequiresInitialize(t *testing.T) {
	x := NewExecutor(newFakeClock())
	err := x.Do(context.Background(), Request{Domain: fault.DomainTransport}, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	x := NewExecutor(newFakeClock())
	if err := x.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := x.Initialize(); err != nil {
		t.Fatalf("second Initialize = %v, want nil", err)
	}
	x.Dispose()
	x.Dispose() // no-op after the first
	if err := x.Initialize(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Initialize after Dispose = %v, want ErrDisposed", err)
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	var outcome Outcome
	got, err := Execute(context.Background(), x, Request{
		Domain:    fault.DomainSession,
		Operation: "renew",
		Envelope:  DefaultEnvelope(),
		Callbacks: Callbacks{OnComplete: func(o Outcome) { outcome = o }},
	}, func(context.Context) (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Errorf("value = %d, want 42", got)
	}
	if !outcome.Success || outcome.Attempts != 1 {
		t.Errorf("outcome = %+v, want success on attempt 1", outcome)
	}
	snap, ok := x.Snapshot(fault.DomainSession)
	if !ok || snap.State != "closed" || snap.FailureCount != 0 {
		t.Errorf("breaker after success = %+v, want closed/0", snap)
	}
}

// Exercises the S5 scenario: exponential 500ms ×2, three attempts, full
// jitter, breaker opening, and subsequent circuit-open rejection.
func TestExecute_ExponentialExhaustionOpensBreaker(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	env := Envelope{
		Policy:        PolicyExponential,
		InitialDelay:  500 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      10 * time.Second,
		MaxAttempts:   3,
		Jitter:        JitterDeterministicFull,
		Cooldown:      30 * time.Second,
		FailureBudget: 60 * time.Second,
	}

	var attempts, failures, scheduled int
	var outcome Outcome
	calls := 0
	err := x.Do(context.Background(), Request{
		Domain:        fault.DomainTransport,
		Operation:     "establish",
		CorrelationID: "corr-1",
		Envelope:      env,
		Callbacks: Callbacks{
			OnAttempt:        func(int, time.Duration) { attempts++ },
			OnRetryScheduled: func(fault.RetryPlan, *fault.VoiceError) { scheduled++ },
			OnFailure: func(plan fault.RetryPlan, cause error) (*fault.VoiceError, *bool) {
				failures++
				return fault.Wrap(fault.DomainTransport, "NETWORK_TIMEOUT", "establish failed", cause), nil
			},
			OnComplete: func(o Outcome) { outcome = o },
		},
	}, func(context.Context) error { calls++; return errBoom })

	var verr *fault.VoiceError
	if !errors.As(err, &verr) || verr.Code != "NETWORK_TIMEOUT" {
		t.Fatalf("err = %v, want NETWORK_TIMEOUT VoiceError", err)
	}
	if calls != 3 || attempts != 3 || failures != 3 || scheduled != 2 {
		t.Errorf("calls=%d attempts=%d failures=%d scheduled=%d, want 3/3/3/2", calls, attempts, failures, scheduled)
	}
	if !outcome.CircuitOpened || outcome.Success {
		t.Errorf("outcome = %+v, want circuit opened, not success", outcome)
	}

	// Sleeps follow the exponential ladder with non-negative full jitter.
	if len(clk.waits) != 2 {
		t.Fatalf("waits = %v, want 2 sleeps", clk.waits)
	}
	if clk.waits[0] < 500*time.Millisecond || clk.waits[0] >= time.Second {
		t.Errorf("first delay %v outside [500ms, 1s)", clk.waits[0])
	}
	if clk.waits[1] < time.Second || clk.waits[1] >= 2*time.Second {
		t.Errorf("second delay %v outside [1s, 2s)", clk.waits[1])
	}

	// Within the cooldown the circuit rejects without invoking the op.
	calls = 0
	err = x.Do(context.Background(), Request{
		Domain:    fault.DomainTransport,
		Operation: "establish",
		Envelope:  env,
	}, func(context.Context) error { calls++; return nil })
	if !errors.As(err, &verr) || verr.Code != CodeCircuitOpen {
		t.Fatalf("err = %v, want %s", err, CodeCircuitOpen)
	}
	if calls != 0 {
		t.Error("operation invoked while circuit open")
	}
}

func TestExecute_DeterministicSchedule(t *testing.T) {
	env := Envelope{
		Policy:       PolicyExponential,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
		MaxAttempts:  3,
		Jitter:       JitterDeterministicFull,
	}

	run := func() []time.Duration {
		clk := newFakeClock()
		x := newTestExecutor(t, clk)
		_ = x.Do(context.Background(), Request{
			Domain:        fault.DomainTransport,
			Operation:     "op",
			CorrelationID: "same-correlation",
			Envelope:      env,
		}, func(context.Context) error { return errBoom })
		return clk.waits
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("schedules differ in length: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("schedules diverge at %d: %v vs %v", i, a, b)
		}
	}
}

func TestExecute_FailureBudgetCapsSleep(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	env := Envelope{
		Policy:        PolicyExponential,
		InitialDelay:  2 * time.Second,
		Multiplier:    2,
		MaxDelay:      time.Minute,
		MaxAttempts:   8,
		Jitter:        JitterNone,
		FailureBudget: 3 * time.Second,
	}
	var attempts int
	_ = x.Do(context.Background(), Request{
		Domain:    fault.DomainInfrastructure,
		Operation: "op",
		Envelope:  env,
		Callbacks: Callbacks{OnAttempt: func(int, time.Duration) { attempts++ }},
	}, func(context.Context) error { return errBoom })

	var total time.Duration
	for _, w := range clk.waits {
		total += w
		if w > env.FailureBudget {
			t.Errorf("sleep %v exceeds budget %v", w, env.FailureBudget)
		}
	}
	if total > env.FailureBudget {
		t.Errorf("total sleep %v exceeds budget %v", total, env.FailureBudget)
	}
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2 before budget exhaustion", attempts)
	}
}

func TestExecute_PolicyNoneSingleAttempt(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	calls := 0
	_ = x.Do(context.Background(), Request{
		Domain:    fault.DomainAuth,
		Operation: "issue",
		Envelope:  Envelope{Policy: PolicyNone, MaxAttempts: 5, InitialDelay: time.Second},
	}, func(context.Context) error { calls++; return errBoom })
	if calls != 1 {
		t.Errorf("calls = %d, want 1 under PolicyNone", calls)
	}
	if len(clk.waits) != 0 {
		t.Errorf("waits = %v, want none", clk.waits)
	}
}

func TestExecute_ShouldRetryOverrideStops(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	no := false
	calls := 0
	_ = x.Do(context.Background(), Request{
		Domain:    fault.DomainSession,
		Operation: "op",
		Envelope:  DefaultEnvelope(),
		Callbacks: Callbacks{
			OnFailure: func(plan fault.RetryPlan, cause error) (*fault.VoiceError, *bool) {
				return fault.Wrap(fault.DomainSession, "FATAL", "no retry", cause), &no
			},
		},
	}, func(context.Context) error { calls++; return errBoom })
	if calls != 1 {
		t.Errorf("calls = %d, want 1 when handler vetoes retry", calls)
	}
}

func TestExecute_OnFailurePanicSynthesizesError(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	calls := 0
	err := x.Do(context.Background(), Request{
		Domain:    fault.DomainSession,
		Operation: "op",
		Envelope:  DefaultEnvelope(),
		Callbacks: Callbacks{
			OnFailure: func(fault.RetryPlan, error) (*fault.VoiceError, *bool) {
				panic("handler bug")
			},
		},
	}, func(context.Context) error { calls++; return errBoom })

	var verr *fault.VoiceError
	if !errors.As(err, &verr) || verr.Code != CodeOperationFailed {
		t.Fatalf("err = %v, want %s", err, CodeOperationFailed)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (panic disables retry)", calls)
	}
}

func TestExecute_HalfOpenFailureReopensImmediately(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	env := Envelope{
		Policy:      PolicyImmediate,
		MaxAttempts: 2,
		Cooldown:    10 * time.Second,
	}

	// Two failures trip the breaker (threshold = 2).
	_ = x.Do(context.Background(), Request{Domain: fault.DomainTransport, Operation: "op", Envelope: env},
		func(context.Context) error { return errBoom })
	snap, _ := x.Snapshot(fault.DomainTransport)
	if snap.State != "open" {
		t.Fatalf("state = %s, want open", snap.State)
	}

	// After the cooldown the next call probes half-open; its first failure
	// re-opens without consuming the full attempt budget's grace.
	clk.advance(11 * time.Second)
	calls := 0
	_ = x.Do(context.Background(), Request{Domain: fault.DomainTransport, Operation: "op", Envelope: env},
		func(context.Context) error { calls++; return errBoom })
	snap, _ = x.Snapshot(fault.DomainTransport)
	if snap.State != "open" {
		t.Fatalf("state after half-open failure = %s, want open", snap.State)
	}
	if calls == 0 {
		t.Fatal("probe call did not run")
	}

	// Success after another cooldown closes the breaker.
	clk.advance(11 * time.Second)
	err := x.Do(context.Background(), Request{Domain: fault.DomainTransport, Operation: "op", Envelope: env},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe success: %v", err)
	}
	snap, _ = x.Snapshot(fault.DomainTransport)
	if snap.State != "closed" || snap.FailureCount != 0 {
		t.Errorf("breaker = %+v, want closed/0", snap)
	}
}

func TestReset_ClosesBreaker(t *testing.T) {
	clk := newFakeClock()
	x := newTestExecutor(t, clk)

	env := Envelope{Policy: PolicyImmediate, MaxAttempts: 2, Cooldown: time.Minute}
	_ = x.Do(context.Background(), Request{Domain: fault.DomainAuth, Operation: "op", Envelope: env},
		func(context.Context) error { return errBoom })
	x.Reset(fault.DomainAuth)
	snap, _ := x.Snapshot(fault.DomainAuth)
	if snap.State != "closed" {
		t.Fatalf("state after Reset = %s, want closed", snap.State)
	}
}

func TestEnvelope_NormalizedGuardrails(t *testing.T) {
	e := Envelope{
		Policy:        PolicyExponential,
		InitialDelay:  time.Minute,
		Multiplier:    50,
		MaxDelay:      time.Hour,
		MaxAttempts:   99,
		Cooldown:      time.Millisecond,
		FailureBudget: time.Hour,
	}.Normalized()
	if e.InitialDelay != 5*time.Second {
		t.Errorf("InitialDelay = %v, want 5s", e.InitialDelay)
	}
	if e.Multiplier != 5 {
		t.Errorf("Multiplier = %v, want 5", e.Multiplier)
	}
	if e.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", e.MaxDelay)
	}
	if e.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, want 8", e.MaxAttempts)
	}
	if e.Cooldown != 5*time.Second {
		t.Errorf("Cooldown = %v, want 5s", e.Cooldown)
	}
	if e.FailureBudget != 120*time.Second {
		t.Errorf("FailureBudget = %v, want 120s", e.FailureBudget)
	}
}

func TestEnvelope_BaseDelayTable(t *testing.T) {
	env := Envelope{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	tests := []struct {
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{PolicyImmediate, 1, 0},
		{PolicyExponential, 1, 100 * time.Millisecond},
		{PolicyExponential, 2, 200 * time.Millisecond},
		{PolicyExponential, 5, time.Second}, // capped at MaxDelay
		{PolicyLinear, 1, 100 * time.Millisecond},
		{PolicyLinear, 3, 104 * time.Millisecond}, // initial + 2·multiplier ms
		{PolicyHybrid, 1, 0},
		{PolicyHybrid, 2, 100 * time.Millisecond},
		{PolicyHybrid, 3, 200 * time.Millisecond},
		{PolicyHybrid, 4, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		env.Policy = tt.policy
		if got := env.baseDelay(tt.attempt); got != tt.want {
			t.Errorf("%v attempt %d: delay = %v, want %v", tt.policy, tt.attempt, got, tt.want)
		}
	}
}

func TestFromConfig_JitterBoundary(t *testing.T) {
	if e := FromConfig(config.EnvelopeConfig{}); e.Jitter != JitterNone {
		t.Errorf("jitter_ms=0 → %v, want JitterNone", e.Jitter)
	}
	if e := FromConfig(config.EnvelopeConfig{JitterMs: 50}); e.Jitter != JitterDeterministicFull {
		t.Errorf("jitter_ms=50 → %v, want JitterDeterministicFull", e.Jitter)
	}
}

func TestJitterScalar_Deterministic(t *testing.T) {
	a := jitterScalar("corr", 3)
	b := jitterScalar("corr", 3)
	if a != b {
		t.Fatal("jitterScalar not deterministic")
	}
	if a < 0 || a >= 1 {
		t.Fatalf("scalar %v outside [0,1)", a)
	}
	if jitterScalar("corr", 4) == a && jitterScalar("other", 3) == a {
		t.Error("scalar does not vary with inputs")
	}
}

func TestDispose_CancelsOutstandingSleep(t *testing.T) {
	// A virtual-style blocking clock: Wait blocks until ctx cancellation.
	blockClk := &blockingClock{fakeClock: newFakeClock(), parked: make(chan struct{})}
	m, _ := observe.NewMetrics(sdkmetric.NewMeterProvider())
	x := NewExecutor(blockClk, WithMetrics(m))
	if err := x.Initialize(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- x.Do(context.Background(), Request{
			Domain:    fault.DomainTransport,
			Operation: "op",
			Envelope: Envelope{
				Policy:       PolicyExponential,
				InitialDelay: time.Second,
				Multiplier:   2,
				MaxAttempts:  3,
			},
		}, func(context.Context) error { return errBoom })
	}()

	// Wait for the first retry sleep to park, then dispose.
	select {
	case <-blockClk.parked:
	case <-time.After(time.Second):
		t.Fatal("sleep never parked")
	}
	x.Dispose()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Execute returned nil after dispose")
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after dispose")
	}
}

type blockingClock struct {
	*fakeClock
	parkedOnce sync.Once
	parked     chan struct{}
}

func (c *blockingClock) Wait(ctx context.Context, d time.Duration) error {
	c.parkedOnce.Do(func() { close(c.parked) })
	<-ctx.Done()
	return ctx.Err()
}
