// Package proxy assembles the proxy core: the backend session pool, the
// security context manager and the handle resolver. A Proxy is built once at
// startup and handed to the filesystem dispatcher as a Backend.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/auth/kerberos"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/marmos91/nfsproxy/pkg/secctx"
	"github.com/marmos91/nfsproxy/pkg/session"
)

// Backend is everything the dispatcher needs from the core.
type Backend interface {
	// Resolve maps a client handle to the backend handle.
	Resolve(ctx context.Context, handle []byte) ([]byte, error)

	// Insert registers a client handle for a backend handle.
	Insert(ctx context.Context, local, remote []byte) error

	// Invalidate forgets a client handle.
	Invalidate(ctx context.Context, handle []byte) error

	// Call sends one RPC to the backend.
	Call(ctx context.Context, req *session.Request) (*session.Reply, error)

	// Health is the aggregate backend state.
	Health() session.State
}

// Deps overrides collaborators, mostly for tests. Zero values select the
// production implementations.
type Deps struct {
	Dialer     session.Dialer
	Negotiator secctx.Negotiator

	SessionMetrics   metrics.SessionMetrics
	AuthMetrics      metrics.AuthMetrics
	HandleMapMetrics metrics.HandleMapMetrics
}

// Proxy is the process-wide context of the proxy core.
type Proxy struct {
	cfg      *config.Config
	sessions *session.Manager
	sec      *secctx.Manager
	handles  resolver
	store    *handlemap.Store
	provider *kerberos.Provider
	fsinfo   FSInfo

	closeOnce sync.Once
	closeErr  error
}

// New builds the proxy from cfg. Backend sessions are opened lazily on the
// first call; the handle map is opened here.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Proxy, error) {
	params, err := session.ParamsFromConfig(cfg.RemoteServer)
	if err != nil {
		return nil, err
	}

	p := &Proxy{cfg: cfg, fsinfo: FSInfoFromConfig(cfg.FSInfo)}

	neg, err := p.negotiator(params.Flavor, deps.Negotiator)
	if err != nil {
		return nil, err
	}
	secCfg := secctx.ConfigFromSecurity(cfg.RemoteServer.Security)
	secCfg.RenewRetry = cfg.RemoteServer.RetrySleep
	p.sec = secctx.NewManager(secCfg, neg, deps.AuthMetrics)

	if cfg.HandleMap.Enabled {
		store, err := handlemap.Open(ctx, handlemap.ConfigFromSettings(cfg.HandleMap), deps.HandleMapMetrics)
		if err != nil {
			p.closeProvider()
			return nil, fmt.Errorf("open handle map: %w", err)
		}
		p.store = store
		p.handles = &mappedResolver{store: store}
	} else {
		logger.Warn("Handle mapping disabled, clients see backend handles")
		p.handles = passthroughResolver{}
	}

	p.sessions, err = session.NewManager(params, p.sec, deps.Dialer, deps.SessionMetrics)
	if err != nil {
		_ = p.handles.Close()
		p.closeProvider()
		return nil, err
	}

	logger.Info("Proxy initialized",
		logger.Backend(params.Endpoint()),
		logger.Flavor(params.Flavor),
		"pool_size", params.PoolSize,
		"handle_mapping", cfg.HandleMap.Enabled,
	)
	return p, nil
}

// negotiator picks the credential strategy. A keytab that cannot be loaded
// is fatal for krb5i and krb5p; plain krb5 falls back to AUTH_SYS.
func (p *Proxy) negotiator(flavor secctx.Flavor, override secctx.Negotiator) (secctx.Negotiator, error) {
	if override != nil {
		return override, nil
	}
	if !flavor.IsGSS() {
		return secctx.NoneNegotiator{}, nil
	}

	sec := p.cfg.RemoteServer.Security
	provider, err := kerberos.NewProvider(sec)
	if err != nil {
		if flavor.Mandatory() {
			return nil, &secctx.AuthError{
				Op:        "init",
				Principal: sec.RemotePrincipal,
				Flavor:    flavor,
				Fatal:     true,
				Err:       err,
			}
		}
		logger.Warn("Kerberos unavailable, sessions will run unauthenticated",
			logger.Principal(sec.RemotePrincipal), logger.Err(err))
		return secctx.NoneNegotiator{}, nil
	}
	p.provider = provider
	return secctx.NewKrb5Negotiator(provider), nil
}

func (p *Proxy) closeProvider() {
	if p.provider != nil {
		_ = p.provider.Close()
	}
}

// Resolve maps a client handle to the backend handle.
func (p *Proxy) Resolve(ctx context.Context, handle []byte) ([]byte, error) {
	return p.handles.Resolve(ctx, handle)
}

// Insert registers a client handle for a backend handle.
func (p *Proxy) Insert(ctx context.Context, local, remote []byte) error {
	return p.handles.Insert(ctx, local, remote)
}

// Invalidate forgets a client handle.
func (p *Proxy) Invalidate(ctx context.Context, handle []byte) error {
	return p.handles.Invalidate(ctx, handle)
}

// Export returns the client handle for a backend handle, registering it if
// needed. Without handle mapping the backend handle is returned.
func (p *Proxy) Export(ctx context.Context, remote []byte) ([]byte, error) {
	return p.handles.Export(ctx, remote)
}

// Call sends one RPC to the backend.
func (p *Proxy) Call(ctx context.Context, req *session.Request) (*session.Reply, error) {
	return p.sessions.Call(ctx, req)
}

// Ping calls the NULL procedure.
func (p *Proxy) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := p.sessions.Call(ctx, &session.Request{Procedure: 0}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Health is the aggregate backend state.
func (p *Proxy) Health() session.State { return p.sessions.Health() }

// Sessions describes the backend sessions.
func (p *Proxy) Sessions() []session.Info { return p.sessions.Sessions() }

// FSInfo is the static filesystem information from the fs_info block.
func (p *Proxy) FSInfo() FSInfo { return p.fsinfo }

// HandleMap returns the store, or nil when handle mapping is disabled.
func (p *Proxy) HandleMap() *handlemap.Store { return p.store }

// Config returns the configuration the proxy was built from.
func (p *Proxy) Config() *config.Config { return p.cfg }

// Close tears the proxy down: sessions first, so no call touches the handle
// map afterwards, then the store and the Kerberos provider.
func (p *Proxy) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := p.handles.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close handle map: %w", err))
		}
		p.closeProvider()
		p.closeErr = errors.Join(errs...)
		logger.Info("Proxy stopped")
	})
	return p.closeErr
}

var _ Backend = (*Proxy)(nil)
