package kerberos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/config"
)

// ErrNoPrincipal is returned when no client principal is configured and the
// keytab holds no entries to pick one from.
var ErrNoPrincipal = errors.New("kerberos: no client principal available")

// Provider owns the keytab and krb5.conf used to obtain service tickets.
//
// All methods are safe for concurrent use. A keytab reload bumps
// Generation so credentials minted from the old keys can be recognised.
type Provider struct {
	mu              sync.RWMutex
	keytab          *keytab.Keytab
	krb5Conf        *krb5config.Config
	clientPrincipal string
	keytabPath      string
	generation      atomic.Uint64
	keytabManager   *KeytabManager
}

// ServiceTicket is the result of a TGS exchange. It is reused for every
// RPCSEC_GSS context setup until it expires; each setup gets a fresh AP-REQ
// from NewInitToken.
type ServiceTicket struct {
	// Ticket is the service ticket issued by the KDC.
	Ticket messages.Ticket

	// SessionKey protects the GSS context (no acceptor subkey is requested).
	SessionKey types.EncryptionKey

	// Expiry is the KDC-issued end time, capped by the requested lifetime.
	Expiry time.Time

	// Generation is the keytab generation the ticket was obtained with.
	Generation uint64

	client string
	realm  string
}

// NewProvider loads the keytab and krb5.conf named by cfg and starts polling
// the keytab for changes.
//
// NFSPROXY_KRB5_KEYTAB, NFSPROXY_KRB5_PRINCIPAL and NFSPROXY_KRB5_CONF
// override the corresponding config values.
func NewProvider(cfg config.SecurityConfig) (*Provider, error) {
	keytabPath := resolveKeytabPath(cfg.KeytabPath)
	if keytabPath == "" {
		return nil, fmt.Errorf("kerberos keytab path not configured (set keytab_path or NFSPROXY_KRB5_KEYTAB)")
	}

	kt, err := loadKeytab(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("load keytab %s: %w", keytabPath, err)
	}

	confPath := resolveKrb5ConfPath(cfg.Krb5Conf)
	krbCfg, err := loadKrb5Conf(confPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf %s: %w", confPath, err)
	}

	p, err := newProvider(kt, krbCfg, resolveClientPrincipal(cfg.ClientPrincipal))
	if err != nil {
		return nil, err
	}
	p.keytabPath = keytabPath

	km := NewKeytabManager(keytabPath, cfg.KeytabPollInterval, p)
	if err := km.Start(); err != nil {
		logger.Warn("Keytab hot-reload failed to start, continuing without it",
			logger.Path(keytabPath), logger.Err(err))
	}
	p.keytabManager = km
	return p, nil
}

func newProvider(kt *keytab.Keytab, krbCfg *krb5config.Config, principal string) (*Provider, error) {
	if principal == "" {
		principal = firstPrincipal(kt)
	}
	if principal == "" {
		return nil, ErrNoPrincipal
	}
	p := &Provider{keytab: kt, krb5Conf: krbCfg, clientPrincipal: principal}
	p.generation.Store(1)
	return p, nil
}

// NewProviderFromParts builds a provider from already-parsed material. The
// keytab is not watched.
func NewProviderFromParts(kt *keytab.Keytab, krbCfg *krb5config.Config, principal string) (*Provider, error) {
	return newProvider(kt, krbCfg, principal)
}

// ClientPrincipal returns the principal the proxy authenticates as.
func (p *Provider) ClientPrincipal() string {
	return p.clientPrincipal
}

// Generation increases every time the keytab is reloaded.
func (p *Provider) Generation() uint64 {
	return p.generation.Load()
}

// Keytab returns the current keytab.
func (p *Provider) Keytab() *keytab.Keytab {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keytab
}

// Krb5Config returns the loaded krb5.conf.
func (p *Provider) Krb5Config() *krb5config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.krb5Conf
}

// ReloadKeytab re-reads the keytab file and swaps it in. The old keytab
// stays active if the new file cannot be parsed.
func (p *Provider) ReloadKeytab() error {
	kt, err := loadKeytab(p.keytabPath)
	if err != nil {
		return fmt.Errorf("reload keytab %s: %w", p.keytabPath, err)
	}
	p.mu.Lock()
	p.keytab = kt
	p.mu.Unlock()
	p.generation.Add(1)
	return nil
}

// ObtainServiceTicket logs in from the keytab and fetches a ticket for the
// hostbased service name remote (e.g. "nfs@server.example.com").
//
// The KDC exchanges cannot be interrupted; when ctx ends first the call
// returns ctx.Err() and the exchange finishes in the background.
func (p *Provider) ObtainServiceTicket(ctx context.Context, remote string, lifetime time.Duration) (*ServiceTicket, error) {
	type result struct {
		tkt *ServiceTicket
		err error
	}
	done := make(chan result, 1)
	go func() {
		tkt, err := p.exchange(remote, lifetime)
		done <- result{tkt, err}
	}()

	select {
	case r := <-done:
		return r.tkt, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) exchange(remote string, lifetime time.Duration) (*ServiceTicket, error) {
	kt := p.Keytab()
	krbCfg := p.Krb5Config()
	gen := p.Generation()

	user, realm := SplitPrincipal(p.clientPrincipal)
	if realm == "" {
		realm = krbCfg.LibDefaults.DefaultRealm
	}

	cl := client.NewWithKeytab(user, realm, kt, krbCfg, client.DisablePAFXFAST(true))
	defer cl.Destroy()

	asReq, err := messages.NewASReqForTGT(cl.Credentials.Domain(), krbCfg, cl.Credentials.CName())
	if err != nil {
		return nil, fmt.Errorf("build AS-REQ for %s@%s: %w", user, realm, err)
	}
	asRep, err := cl.ASExchange(cl.Credentials.Domain(), asReq, 0)
	if err != nil {
		return nil, fmt.Errorf("kerberos login as %s@%s: %w", user, realm, err)
	}

	spn := ServicePrincipalName(remote)
	_, tgsRep, err := cl.TGSREQGenerateAndExchange(
		types.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, spn),
		cl.Credentials.Domain(),
		asRep.Ticket,
		asRep.DecryptedEncPart.Key,
		false,
	)
	if err != nil {
		return nil, fmt.Errorf("service ticket for %s: %w", spn, err)
	}

	return &ServiceTicket{
		Ticket:     tgsRep.Ticket,
		SessionKey: tgsRep.DecryptedEncPart.Key,
		Expiry:     ticketExpiry(tgsRep.DecryptedEncPart.EndTime, time.Now(), lifetime),
		Generation: gen,
		client:     user,
		realm:      realm,
	}, nil
}

// NewInitToken builds an RFC 1964 framed KRB5 AP-REQ for tkt with a new
// authenticator. Acceptors reject replayed authenticators, so every
// RPCSEC_GSS INIT needs its own token.
func (p *Provider) NewInitToken(tkt *ServiceTicket) ([]byte, error) {
	if tkt == nil {
		return nil, errors.New("kerberos: nil service ticket")
	}
	cl := client.NewWithKeytab(tkt.client, tkt.realm, p.Keytab(), p.Krb5Config())
	defer cl.Destroy()

	flags := []int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf}
	tok, err := spnego.NewKRB5TokenAPREQ(cl, tkt.Ticket, tkt.SessionKey, flags, []int{})
	if err != nil {
		return nil, fmt.Errorf("build AP-REQ: %w", err)
	}
	raw, err := tok.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REQ: %w", err)
	}
	return raw, nil
}

// ticketExpiry caps the KDC end time by the requested lifetime.
func ticketExpiry(issued, now time.Time, requested time.Duration) time.Time {
	if requested > 0 {
		if capped := now.Add(requested); capped.Before(issued) {
			return capped
		}
	}
	return issued
}

// Close stops keytab polling. Safe to call more than once.
func (p *Provider) Close() error {
	if p.keytabManager != nil {
		p.keytabManager.Stop()
	}
	return nil
}

// ServicePrincipalName converts a GSS hostbased name "service@host" into the
// Kerberos form "service/host". Names already in Kerberos form are returned
// unchanged; a trailing @REALM is stripped.
func ServicePrincipalName(name string) string {
	if strings.Contains(name, "/") {
		if i := strings.LastIndex(name, "@"); i >= 0 {
			return name[:i]
		}
		return name
	}
	if i := strings.Index(name, "@"); i >= 0 {
		return name[:i] + "/" + name[i+1:]
	}
	return name
}

// SplitPrincipal splits "name@REALM" into name and realm.
func SplitPrincipal(principal string) (string, string) {
	if i := strings.LastIndex(principal, "@"); i >= 0 {
		return principal[:i], principal[i+1:]
	}
	return principal, ""
}

func firstPrincipal(kt *keytab.Keytab) string {
	if kt == nil || len(kt.Entries) == 0 {
		return ""
	}
	e := kt.Entries[0]
	return strings.Join(e.Principal.Components, "/") + "@" + e.Principal.Realm
}

func loadKeytab(path string) (*keytab.Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab file: %w", err)
	}
	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse keytab: %w", err)
	}
	return kt, nil
}

func loadKrb5Conf(path string) (*krb5config.Config, error) {
	cfg, err := krb5config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse krb5.conf: %w", err)
	}
	return cfg, nil
}
