package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestBus(t *testing.T) (*Bus, *clock.Virtual) {
	t.Helper()
	vc := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	b := NewBus(vc, WithBusMetrics(m))
	if err := b.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Dispose)
	return b, vc
}

func transportErr(code string) *fault.VoiceError {
	return fault.New(fault.DomainTransport, code, "test failure")
}

func TestPublish_OrderedDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	var order []string
	b.Subscribe(Filter{}, func(_ context.Context, e *fault.VoiceError) {
		order = append(order, "first:"+e.Code)
	})
	b.Subscribe(Filter{}, func(_ context.Context, e *fault.VoiceError) {
		order = append(order, "second:"+e.Code)
	})

	b.Publish(context.Background(), transportErr("A"))
	b.Publish(context.Background(), transportErr("B"))

	want := []string{"first:A", "second:A", "first:B", "second:B"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPublish_FilterByDomainAndSeverity(t *testing.T) {
	b, _ := newTestBus(t)
	var got []string
	b.Subscribe(Filter{
		Domains:    []fault.Domain{fault.DomainAuth},
		Severities: []fault.Severity{fault.SeverityError},
	}, func(_ context.Context, e *fault.VoiceError) {
		got = append(got, e.Code)
	})

	b.Publish(context.Background(), fault.New(fault.DomainAuth, "AUTH_FAIL", "x"))
	b.Publish(context.Background(), transportErr("TRANSPORT_FAIL"))
	b.Publish(context.Background(), fault.New(fault.DomainAuth, "AUTH_INFO", "x").WithSeverity(fault.SeverityInfo))

	if len(got) != 1 || got[0] != "AUTH_FAIL" {
		t.Fatalf("got = %v, want [AUTH_FAIL]", got)
	}
}

func TestPublish_OnceSubscription(t *testing.T) {
	b, _ := newTestBus(t)
	count := 0
	b.Subscribe(Filter{Once: true}, func(context.Context, *fault.VoiceError) { count++ })

	b.Publish(context.Background(), transportErr("A"))
	b.Publish(context.Background(), transportErr("B"))
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestPublish_PanicIsolation(t *testing.T) {
	b, _ := newTestBus(t)
	delivered := false
	b.Subscribe(Filter{}, func(context.Context, *fault.VoiceError) { panic("handler bug") })
	b.Subscribe(Filter{}, func(context.Context, *fault.VoiceError) { delivered = true })

	b.Publish(context.Background(), transportErr("A"))
	if !delivered {
		t.Fatal("second handler not reached after first panicked")
	}
}

func TestPublish_SuppressionWindow(t *testing.T) {
	b, vc := newTestBus(t)
	plan := &fault.RecoveryPlan{NotifyUser: true, SuppressionWindow: 30 * time.Second}

	mk := func() *fault.VoiceError {
		e := transportErr("NETWORK_TIMEOUT")
		e.RecoveryPlan = plan
		return e
	}

	first := mk()
	b.Publish(context.Background(), first)
	if first.NotificationSuppressed {
		t.Fatal("first publication should not be suppressed")
	}

	vc.Advance(10 * time.Second)
	second := mk()
	b.Publish(context.Background(), second)
	if !second.NotificationSuppressed {
		t.Fatal("publication inside the window should be suppressed")
	}

	vc.Advance(31 * time.Second)
	third := mk()
	b.Publish(context.Background(), third)
	if third.NotificationSuppressed {
		t.Fatal("publication after the window should not be suppressed")
	}

	// Different code shares nothing with the suppressed key.
	other := transportErr("ICE_FAILED")
	other.RecoveryPlan = plan
	b.Publish(context.Background(), other)
	if other.NotificationSuppressed {
		t.Fatal("distinct code must not be suppressed")
	}
}

func TestSubscription_Close(t *testing.T) {
	b, _ := newTestBus(t)
	count := 0
	sub := b.Subscribe(Filter{}, func(context.Context, *fault.VoiceError) { count++ })
	sub.Close()
	sub.Close() // idempotent
	b.Publish(context.Background(), transportErr("A"))
	if count != 0 {
		t.Fatalf("count = %d, want 0 after Close", count)
	}
}

func TestHistory_Bounded(t *testing.T) {
	b, _ := newTestBus(t)
	for i := 0; i < historyCap+10; i++ {
		b.Publish(context.Background(), transportErr("E"))
	}
	if got := len(b.History()); got != historyCap {
		t.Fatalf("history length = %d, want %d", got, historyCap)
	}
}

func TestPublish_BeforeInitializeIsNoop(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	m, _ := observe.NewMetrics(sdkmetric.NewMeterProvider())
	b := NewBus(vc, WithBusMetrics(m))
	count := 0
	b.Subscribe(Filter{}, func(context.Context, *fault.VoiceError) { count++ })
	b.Publish(context.Background(), transportErr("A"))
	if count != 0 {
		t.Fatal("uninitialized bus delivered an event")
	}
}
