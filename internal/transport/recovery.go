package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
)

// Recovery strategies, ordered from cheapest to most disruptive.
const (
	StrategyRetryConnection = "retry_connection"
	StrategyRestartICE      = "restart_ice"
	StrategyRecreateChannel = "recreate_data_channel"
	StrategyFullReconnect   = "full_reconnect"
)

// Recoverer maps recoverable transport failures to tiered recovery
// strategies and drives the attempts with exponential backoff. It is the
// thin error handler the spec places between the transport and the recovery
// orchestrator: the transport itself never drives recovery.
type Recoverer struct {
	t      *Transport
	clk    clock.Clock
	logger *slog.Logger
}

// NewRecoverer creates a Recoverer for the given transport.
func NewRecoverer(t *Transport, clk clock.Clock, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{t: t, clk: clk, logger: logger}
}

// StrategyFor maps a classified failure to its primary recovery strategy.
// Non-recoverable failures return the empty string.
func StrategyFor(verr *fault.VoiceError) string {
	if verr == nil || !verr.Recoverable {
		return ""
	}
	switch verr.Code {
	case CodeNetworkTimeout:
		return StrategyRetryConnection
	case CodeIceConnectionFailed:
		return StrategyRestartICE
	case CodeDataChannelFailed:
		return StrategyRecreateChannel
	default:
		return StrategyFullReconnect
	}
}

// Recover runs the tiered recovery ladder for verr. Each attempt publishes
// reconnectAttempt through the transport; the terminal outcome publishes
// reconnectSucceeded or reconnectFailed. Targeted strategies escalate to a
// full reconnect when they fail.
func (r *Recoverer) Recover(ctx context.Context, verr *fault.VoiceError) error {
	strategy := StrategyFor(verr)
	if strategy == "" {
		return fmt.Errorf("transport: %s is not recoverable", verr.Code)
	}

	cfg := r.t.cfg.Connection
	correlation := verr.Telemetry.CorrelationID
	var lastErr error

	for attempt := 1; attempt <= cfg.ReconnectAttempts; attempt++ {
		r.t.PublishRecoveryEvent(RecoveryEvent{
			Kind:     "reconnectAttempt",
			Strategy: strategy,
			Attempt:  attempt,
		})

		err := r.execute(ctx, strategy)
		if err == nil {
			r.t.PublishRecoveryEvent(RecoveryEvent{
				Kind:     "reconnectSucceeded",
				Strategy: strategy,
				Attempt:  attempt,
			})
			r.logger.Info("transport recovery succeeded",
				"strategy", strategy, "attempt", attempt)
			return nil
		}
		lastErr = err
		r.logger.Warn("transport recovery attempt failed",
			"strategy", strategy, "attempt", attempt,
			"error", fault.Redact(err.Error()))

		// A failed targeted repair escalates to a full reconnect.
		if strategy != StrategyFullReconnect && strategy != StrategyRetryConnection {
			strategy = StrategyFullReconnect
		}

		if attempt == cfg.ReconnectAttempts {
			break
		}
		delay := recoveryDelay(cfg.ReconnectDelay, attempt, correlation)
		if werr := r.clk.Wait(ctx, delay); werr != nil {
			lastErr = werr
			break
		}
	}

	r.t.PublishRecoveryEvent(RecoveryEvent{
		Kind:     "reconnectFailed",
		Strategy: strategy,
		Attempt:  cfg.ReconnectAttempts,
		Err:      lastErr,
	})
	return fmt.Errorf("transport: recovery exhausted after %d attempts: %w",
		cfg.ReconnectAttempts, lastErr)
}

// execute runs one strategy attempt.
func (r *Recoverer) execute(ctx context.Context, strategy string) error {
	switch strategy {
	case StrategyRetryConnection, StrategyFullReconnect:
		_ = r.t.CloseConnection()
		return r.t.EstablishConnection(ctx)
	case StrategyRestartICE:
		return r.t.RestartICE(ctx)
	case StrategyRecreateChannel:
		ok, err := r.t.RecreateDataChannel(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transport: data channel recreation timed out")
		}
		return nil
	default:
		return fmt.Errorf("transport: unknown recovery strategy %q", strategy)
	}
}

// recoveryDelay is exponential on the base delay with deterministic jitter
// of at most 10%, capped at 30 s.
func recoveryDelay(base time.Duration, attempt int, correlation string) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			d = 30 * time.Second
			break
		}
	}
	h := fnv.New32a()
	h.Write([]byte(correlation))
	h.Write([]byte(strconv.Itoa(attempt)))
	scalar := float64(h.Sum32()) / float64(1<<32)
	return d + time.Duration(float64(d)*0.1*scalar)
}
