package secctx

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/telemetry"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Negotiator obtains credential material for a principal. It is the seam
// between context lifecycle and the Kerberos exchange.
type Negotiator interface {
	Negotiate(ctx context.Context, principal string, flavor Flavor, lifetime time.Duration) (*Credential, error)

	// InitToken builds a new GSS initial context token from cred. Tokens
	// must not be reused across context setups.
	InitToken(cred *Credential) ([]byte, error)

	Discard(cred *Credential)
}

// DefaultRenewRetry is the pause after a failed renewal when Config leaves
// RenewRetry unset.
const DefaultRenewRetry = 10 * time.Second

// StaleChecker is implemented by negotiators that can tell when a credential
// was built from key material that has since been replaced.
type StaleChecker interface {
	Stale(cred *Credential) bool
}

// Config controls credential lifetime.
type Config struct {
	// Lifetime requested for each credential. Zero lets the negotiator pick.
	Lifetime time.Duration

	// RenewLead is how long before expiry EnsureFresh renews.
	RenewLead time.Duration

	// RenewRetry is the longest pause after a failed renewal before the
	// next attempt. The pause shrinks to a quarter of the remaining
	// lifetime as expiry approaches.
	RenewRetry time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// ConfigFromSecurity maps the remote_server.security block.
func ConfigFromSecurity(sec config.SecurityConfig) Config {
	return Config{Lifetime: sec.CredentialLifetime, RenewLead: sec.RenewLead}
}

// Manager acquires, renews and releases security contexts.
type Manager struct {
	cfg        Config
	negotiator Negotiator
	metrics    metrics.AuthMetrics
	renewals   singleflight.Group
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg Config, negotiator Negotiator, m metrics.AuthMetrics) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RenewRetry <= 0 {
		cfg.RenewRetry = DefaultRenewRetry
	}
	if negotiator == nil {
		negotiator = NoneNegotiator{}
	}
	return &Manager{cfg: cfg, negotiator: negotiator, metrics: m}
}

// Acquire negotiates a context for principal with the given flavor.
//
// When flavor is mandatory (krb5i, krb5p) a negotiation failure is returned
// as a fatal *AuthError. For plain krb5 the failure is logged and the
// returned context falls back to the unauthenticated flavor.
func (m *Manager) Acquire(ctx context.Context, principal string, flavor Flavor) (*SecurityContext, error) {
	now := m.cfg.Now()
	if !flavor.IsGSS() {
		return newContext(principal, FlavorUnauthenticated, flavor, nil, now, m.cfg.RenewLead), nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCredAcquire)
	defer span.End()
	span.SetAttributes(telemetry.Principal(principal), telemetry.Flavor(flavor.String()))

	cred, err := m.negotiate(ctx, principal, flavor)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return m.failed("acquire", principal, flavor, err, now)
	}

	sc := newContext(principal, flavor, flavor, cred, now, m.cfg.RenewLead)
	logger.InfoCtx(ctx, "Security context acquired",
		logger.Principal(principal),
		logger.Flavor(flavor),
		logger.Expiry(sc.expiry),
	)
	return sc, nil
}

// failed applies the fallback policy to a negotiation failure.
func (m *Manager) failed(op, principal string, flavor Flavor, err error, now time.Time) (*SecurityContext, error) {
	aerr := &AuthError{Op: op, Principal: principal, Flavor: flavor, Fatal: flavor.Mandatory(), Err: err}
	if aerr.Fatal {
		logger.Error("Strong authentication failed", logger.Principal(principal), logger.Flavor(flavor), logger.Err(err))
		return nil, aerr
	}

	logger.Warn("Strong authentication failed, falling back to unauthenticated",
		logger.Principal(principal), logger.Flavor(flavor), logger.Err(err))
	if m.metrics != nil {
		m.metrics.FellBack()
	}
	return newContext(principal, FlavorUnauthenticated, flavor, nil, now, m.cfg.RenewLead), nil
}

func (m *Manager) negotiate(ctx context.Context, principal string, flavor Flavor) (*Credential, error) {
	start := time.Now()
	cred, err := m.negotiator.Negotiate(ctx, principal, flavor, m.cfg.Lifetime)
	if m.metrics != nil {
		m.metrics.Acquired(flavor.String(), time.Since(start), err)
	}
	return cred, err
}

// EnsureFresh returns a context that is safe to use now.
//
// If sc was already renewed the newest successor is returned. If sc is
// outside its renewal window, or a failed renewal is backing off, it is
// returned unchanged. Otherwise one
// renewal runs no matter how many goroutines call concurrently; all of them
// receive the same successor.
//
// A failed renewal keeps the current context while it has not expired. Once
// expired, the fallback policy of Acquire applies.
func (m *Manager) EnsureFresh(ctx context.Context, sc *SecurityContext) (*SecurityContext, error) {
	sc = sc.latest()
	if sc.Released() {
		return nil, &AuthError{Op: "ensure_fresh", Principal: sc.principal, Flavor: sc.requested, Err: ErrReleased}
	}
	if !m.needsRenewal(sc) {
		return sc, nil
	}

	v, err, _ := m.renewals.Do(sc.id, func() (any, error) {
		if next := sc.successor.Load(); next != nil {
			return next, nil
		}
		next, err := m.renew(ctx, sc)
		if err != nil {
			return nil, err
		}
		if next != sc {
			sc.successor.Store(next)
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SecurityContext), nil
}

func (m *Manager) needsRenewal(sc *SecurityContext) bool {
	if !sc.flavor.IsGSS() || sc.cred == nil {
		return false
	}
	now := m.cfg.Now()
	if retry := sc.retryAt.Load(); retry != 0 && now.UnixNano() < retry && now.Before(sc.expiry) {
		return false
	}
	if sc.expiry.Sub(now) <= sc.renewLead {
		return true
	}
	if checker, ok := m.negotiator.(StaleChecker); ok && checker.Stale(sc.cred) {
		return true
	}
	return false
}

func (m *Manager) renew(ctx context.Context, sc *SecurityContext) (*SecurityContext, error) {
	now := m.cfg.Now()
	cred, err := m.negotiate(ctx, sc.principal, sc.flavor)
	if err != nil {
		if now.Before(sc.expiry) {
			backoff := min(m.cfg.RenewRetry, sc.expiry.Sub(now)/4)
			sc.retryAt.Store(now.Add(backoff).UnixNano())
			logger.Warn("Credential renewal failed, keeping current credential until expiry",
				logger.Principal(sc.principal), logger.Expiry(sc.expiry),
				"retry_in", backoff.String(), logger.Err(err))
			return sc, nil
		}
		return m.failed("renew", sc.principal, sc.requested, err, now)
	}

	if m.metrics != nil {
		m.metrics.Renewed(sc.flavor.String())
	}
	next := newContext(sc.principal, sc.flavor, sc.requested, cred, now, m.cfg.RenewLead)
	logger.Info("Security context renewed",
		logger.Principal(sc.principal),
		logger.Flavor(sc.flavor),
		logger.Expiry(next.expiry),
	)
	return next, nil
}

// InitToken returns a new initial context token for sc.
func (m *Manager) InitToken(sc *SecurityContext) ([]byte, error) {
	if sc.Released() {
		return nil, ErrReleased
	}
	if sc.cred == nil {
		return nil, fmt.Errorf("security context %s has no credential", sc.id)
	}
	return m.negotiator.InitToken(sc.cred)
}

// Release discards the context's credential material. Calling it more than
// once is harmless.
func (m *Manager) Release(sc *SecurityContext) {
	if sc == nil || !sc.released.CompareAndSwap(false, true) {
		return
	}
	if sc.cred != nil {
		m.negotiator.Discard(sc.cred)
	}
}
