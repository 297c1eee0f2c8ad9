// Package session implements credential issuance and renewal and the
// lifecycle of the single active voice session: timers, renewal under a
// retry envelope, transport and turn-engine wiring, and the session event
// surface.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicewire/internal/clock"
	"github.com/MrWong99/voicewire/internal/fault"
	"github.com/MrWong99/voicewire/internal/retry"
)

// SafetyMargin is the minimum credential lifetime left for a session to
// start or keep using it.
const SafetyMargin = 10 * time.Second

// Credential is the short-lived authentication material for one session.
type Credential struct {
	Key             string
	SessionID       string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RefreshAt       time.Time
	RefreshInterval time.Duration
}

// Valid reports whether the credential has not expired at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Key != "" && now.Before(c.ExpiresAt)
}

// SecondsRemaining returns the remaining lifetime in seconds, never negative.
func (c Credential) SecondsRemaining(now time.Time) float64 {
	rem := c.ExpiresAt.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// SafeToUse reports whether at least margin of lifetime remains.
func (c Credential) SafeToUse(now time.Time, margin time.Duration) bool {
	return c.Valid(now) && c.ExpiresAt.Sub(now) >= margin
}

// KeyIssuer obtains ephemeral credentials from the issuance endpoint.
type KeyIssuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// HTTPKeyIssuer requests ephemeral keys over HTTPS.
type HTTPKeyIssuer struct {
	URL    string
	APIKey string
	Client *http.Client
	Clock  clock.Clock
}

// issueResponse is the issuance endpoint's JSON body.
type issueResponse struct {
	Key              string `json:"key"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// Issue implements [KeyIssuer].
func (i *HTTPKeyIssuer) Issue(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("session: build key request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.APIKey)

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("session: key request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Credential{}, fault.New(fault.DomainAuth, "AuthenticationFailed",
			fmt.Sprintf("key issuance rejected with status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, fmt.Errorf("session: key issuance returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("session: read key response: %w", err)
	}
	var parsed issueResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Credential{}, fmt.Errorf("session: decode key response: %w", err)
	}
	if parsed.Key == "" || parsed.ExpiresInSeconds <= 0 {
		return Credential{}, fmt.Errorf("session: key response missing key or lifetime")
	}

	clk := i.Clock
	if clk == nil {
		clk = clock.System{}
	}
	now := clk.Now()
	return Credential{
		Key:       parsed.Key,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(parsed.ExpiresInSeconds) * time.Second),
	}, nil
}

// CredentialService issues credentials and drives the renewal and expiry
// timers for the active session. Renewal runs under the Auth retry envelope;
// its observer hooks fire on the timer goroutine.
type CredentialService struct {
	issuer   KeyIssuer
	exec     *retry.Executor
	envelope retry.Envelope
	margin   time.Duration
	clk      clock.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	current     Credential
	cancel      context.CancelFunc
	initialized bool
	disposed    bool

	onRenewalStarted func()
	onRenewed        func(Credential, time.Duration)
	onExpired        func()
	onAuthError      func(*fault.VoiceError)
}

// CredentialServiceConfig holds the dependencies for a [CredentialService].
type CredentialServiceConfig struct {
	Issuer   KeyIssuer
	Executor *retry.Executor
	Envelope retry.Envelope
	// RenewalMargin is subtracted from expiry to compute refresh_at.
	RenewalMargin time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(cfg CredentialServiceConfig) *CredentialService {
	margin := cfg.RenewalMargin
	if margin <= 0 {
		margin = SafetyMargin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialService{
		issuer:   cfg.Issuer,
		exec:     cfg.Executor,
		envelope: cfg.Envelope,
		margin:   margin,
		clk:      cfg.Clock,
		logger:   logger,
	}
}

// Initialize prepares the service. Idempotent.
func (s *CredentialService) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("session: credential service disposed")
	}
	s.initialized = true
	return nil
}

// Dispose stops timers and forgets the credential. Idempotent.
func (s *CredentialService) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.initialized = false
	cancel := s.cancel
	s.cancel = nil
	s.current = Credential{}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnRenewalStarted registers the hook fired when a renewal window opens.
func (s *CredentialService) OnRenewalStarted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRenewalStarted = fn
}

// OnKeyRenewed registers the hook fired with the fresh credential and the
// renewal latency.
func (s *CredentialService) OnKeyRenewed(fn func(Credential, time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRenewed = fn
}

// OnKeyExpired registers the hook fired when the credential lapses without
// a successful renewal.
func (s *CredentialService) OnKeyExpired(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpired = fn
}

// OnAuthenticationError registers the hook fired after renewal retries are
// exhausted.
func (s *CredentialService) OnAuthenticationError(fn func(*fault.VoiceError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthError = fn
}

// RequestEphemeralKey obtains a fresh credential under the Auth envelope and
// stamps refresh_at so that issued_at < refresh_at < expires_at.
func (s *CredentialService) RequestEphemeralKey(ctx context.Context, sessionID string) (Credential, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return Credential{}, fmt.Errorf("session: credential service not initialized")
	}
	s.mu.Unlock()

	cred, err := retry.Execute(ctx, s.exec, retry.Request{
		Domain:        fault.DomainAuth,
		Operation:     "request-ephemeral-key",
		CorrelationID: sessionID,
		SessionID:     sessionID,
		Envelope:      s.envelope,
	}, func(ctx context.Context) (Credential, error) {
		return s.issuer.Issue(ctx)
	})
	if err != nil {
		return Credential{}, err
	}

	cred.SessionID = sessionID
	cred.RefreshAt = cred.ExpiresAt.Add(-s.margin)
	if !cred.RefreshAt.After(cred.IssuedAt) {
		return Credential{}, fault.New(fault.DomainAuth, "AuthenticationFailed",
			"issued credential lifetime shorter than the renewal margin")
	}
	cred.RefreshInterval = cred.RefreshAt.Sub(cred.IssuedAt)

	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()
	return cred, nil
}

// Current returns the active credential.
func (s *CredentialService) Current() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Schedule starts the renewal timer at refresh_at and the expiry watchdog at
// expires_at for the given credential. A previous schedule is cancelled.
func (s *CredentialService) Schedule(cred Credential) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()
	go s.renewalLoop(ctx, cred)
}

// Stop cancels the renewal and expiry timers.
func (s *CredentialService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// renewalLoop renews at each refresh_at until cancelled or renewal fails
// terminally, in which case the expiry watchdog fires onExpired.
func (s *CredentialService) renewalLoop(ctx context.Context, cred Credential) {
	for {
		wait := cred.RefreshAt.Sub(s.clk.Now())
		if err := s.clk.Wait(ctx, wait); err != nil {
			return
		}

		s.mu.Lock()
		started := s.onRenewalStarted
		s.mu.Unlock()
		if started != nil {
			started()
		}

		renewStart := s.clk.Now()
		renewed, err := s.RequestEphemeralKey(ctx, cred.SessionID)
		if err != nil {
			verr, ok := err.(*fault.VoiceError)
			if !ok {
				verr = fault.Wrap(fault.DomainAuth, "AuthenticationFailed", "credential renewal failed", err)
			}
			s.logger.Error("credential renewal exhausted", verr.LogAttrs()...)
			s.mu.Lock()
			authErr := s.onAuthError
			expired := s.onExpired
			s.mu.Unlock()
			if authErr != nil {
				authErr(verr)
			}
			// Expiry watchdog: the old credential is still ticking down.
			if wait := cred.ExpiresAt.Sub(s.clk.Now()); wait > 0 {
				if werr := s.clk.Wait(ctx, wait); werr != nil {
					return
				}
			}
			if expired != nil {
				expired()
			}
			return
		}
		latency := s.clk.Now().Sub(renewStart)

		s.mu.Lock()
		renewedHook := s.onRenewed
		s.mu.Unlock()
		if renewedHook != nil {
			renewedHook(renewed, latency)
		}
		s.logger.Info("credential renewed",
			"session_id", cred.SessionID,
			"latency", latency,
			"expires_at", renewed.ExpiresAt)
		cred = renewed
	}
}
