// Package eventbus provides the typed error event bus and the recovery
// orchestrator that layers recovery plans and per-domain retry envelopes on
// top of the retry executor.
//
// Publication is ordered: handlers run sequentially in subscription order,
// and a panicking handler is logged without aborting delivery to the rest.
// A per-{domain, code} suppression index annotates repeat publications inside
// a recovery plan's suppression window so presentation adapters can hide
// duplicate banners while diagnostics still see every event.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/observe"
	"go.opentelemetry.io/otel/metric"
)

// historyCap bounds the bus's recent-error ring.
const historyCap = 64

// Filter narrows which errors a subscriber receives. Empty slices match all.
type Filter struct {
	Domains    []fault.Domain
	Severities []fault.Severity

	// Once removes the subscription after its first delivery.
	Once bool
}

// matches reports whether e passes the filter.
func (f Filter) matches(e *fault.VoiceError) bool {
	if len(f.Domains) > 0 && !slices.Contains(f.Domains, e.Domain) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
		return false
	}
	return true
}

// Handler receives published errors.
type Handler func(ctx context.Context, e *fault.VoiceError)

// Subscription is the disposable handle returned by [Bus.Subscribe].
// Generational ids prevent a closed handle from accidentally removing a
// later subscription that reused its slot.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.bus == nil {
		return
	}
	s.bus.remove(s.id)
	s.bus = nil
}

type subscriber struct {
	id      uint64
	filter  Filter
	handler Handler
}

type suppressKey struct {
	domain fault.Domain
	code   string
}

// Bus is the error event bus. All mutation happens on the engine goroutine;
// the mutex guards the registries for the few cross-goroutine readers.
type Bus struct {
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	nextID      uint64
	subs        []*subscriber
	suppression map[suppressKey]time.Time
	history     []*fault.VoiceError
	initialized bool
	disposed    bool
}

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithBusLogger sets the bus logger. Defaults to slog.Default().
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithBusMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithBusMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a Bus driven by the given clock.
func NewBus(clk clock.Clock, opts ...BusOption) *Bus {
	b := &Bus{
		clk:         clk,
		suppression: make(map[suppressKey]time.Time),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Initialize prepares the bus. Idempotent.
func (b *Bus) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return fmt.Errorf("eventbus: bus disposed")
	}
	if b.initialized {
		return nil
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.initialized = true
	return nil
}

// Dispose clears listener registries and the suppression index. Idempotent.
func (b *Bus) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	b.initialized = false
	b.subs = nil
	b.suppression = make(map[suppressKey]time.Time)
	b.history = nil
}

// Subscribe registers a handler with the given filter and returns its handle.
func (b *Bus) Subscribe(f Filter, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, filter: f, handler: h}
	b.subs = append(b.subs, sub)
	return &Subscription{bus: b, id: sub.id}
}

// Publish delivers e to every matching subscriber in order, annotating the
// envelope with suppression state first. Returns without delivering when the
// bus is not initialized.
func (b *Bus) Publish(ctx context.Context, e *fault.VoiceError) {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return
	}
	now := b.clk.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	// Suppression: repeat user-visible publications of the same
	// {domain, code} inside the plan's window are annotated, not dropped.
	if plan := e.RecoveryPlan; plan != nil && plan.NotifyUser && plan.SuppressionWindow > 0 {
		key := suppressKey{domain: e.Domain, code: e.Code}
		if last, ok := b.suppression[key]; ok && now.Sub(last) < plan.SuppressionWindow {
			e.NotificationSuppressed = true
		} else {
			b.suppression[key] = now
		}
	}

	b.history = append(b.history, e)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}

	targets := make([]*subscriber, 0, len(b.subs))
	var keep []*subscriber
	for _, s := range b.subs {
		if s.filter.matches(e) {
			targets = append(targets, s)
			if s.filter.Once {
				continue
			}
		}
		keep = append(keep, s)
	}
	b.subs = keep
	metrics := b.metrics
	b.mu.Unlock()

	metrics.ErrorsPublished.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("domain", e.Domain.String()),
		observe.Attr("severity", e.Severity.String()),
	))
	b.logger.Warn("error published", e.LogAttrs()...)

	for _, s := range targets {
		b.deliver(ctx, s, e)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(ctx context.Context, s *subscriber, e *fault.VoiceError) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscription_id", s.id,
				"code", e.Code,
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(ctx, e)
}

// History returns a copy of the bounded recent-error window, oldest first.
func (b *Bus) History() []*fault.VoiceError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
