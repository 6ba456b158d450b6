package secctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/marmos91/nfsproxy/pkg/auth/kerberos"
)

// MechKrb5 is the Kerberos V5 GSS-API mechanism OID (RFC 1964).
var MechKrb5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}

// Krb5Negotiator obtains credentials from a keytab through the Kerberos
// provider.
type Krb5Negotiator struct {
	provider *kerberos.Provider
}

// NewKrb5Negotiator wraps provider.
func NewKrb5Negotiator(provider *kerberos.Provider) *Krb5Negotiator {
	return &Krb5Negotiator{provider: provider}
}

// Negotiate logs in and fetches a service ticket for principal.
func (n *Krb5Negotiator) Negotiate(ctx context.Context, principal string, flavor Flavor, lifetime time.Duration) (*Credential, error) {
	if !flavor.IsGSS() {
		return nil, fmt.Errorf("flavor %s does not use kerberos", flavor)
	}

	tkt, err := n.provider.ObtainServiceTicket(ctx, principal, lifetime)
	if err != nil {
		return nil, err
	}
	return &Credential{
		Ticket:     tkt,
		Key:        tkt.SessionKey,
		Expiry:     tkt.Expiry,
		Generation: tkt.Generation,
	}, nil
}

// InitToken builds a new AP-REQ from the credential's service ticket.
func (n *Krb5Negotiator) InitToken(cred *Credential) ([]byte, error) {
	tkt, ok := cred.Ticket.(*kerberos.ServiceTicket)
	if !ok {
		return nil, fmt.Errorf("credential holds %T, not a kerberos service ticket", cred.Ticket)
	}
	token, err := n.provider.NewInitToken(tkt)
	if err != nil {
		return nil, err
	}

	mech, err := TokenMech(token)
	if err != nil {
		return nil, fmt.Errorf("initial token: %w", err)
	}
	if !mech.Equal(MechKrb5) {
		return nil, fmt.Errorf("initial token carries mechanism %s, want %s", mech, MechKrb5)
	}
	return token, nil
}

// Stale reports whether the keytab was reloaded after cred was built.
func (n *Krb5Negotiator) Stale(cred *Credential) bool {
	return cred != nil && cred.Generation != n.provider.Generation()
}

// Discard clears the session key and drops the ticket.
func (n *Krb5Negotiator) Discard(cred *Credential) {
	clear(cred.Key.KeyValue)
	if tkt, ok := cred.Ticket.(*kerberos.ServiceTicket); ok {
		clear(tkt.SessionKey.KeyValue)
	}
	cred.Ticket = nil
}

// TokenMech returns the mechanism OID of an RFC 2743 framed initial
// context token.
func TokenMech(token []byte) (asn1.ObjectIdentifier, error) {
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(token, &outer); err != nil {
		return nil, fmt.Errorf("parse token framing: %w", err)
	}
	if outer.Class != asn1.ClassApplication || outer.Tag != 0 {
		return nil, errors.New("token is not an application 0 InitialContextToken")
	}
	var mech asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(outer.Bytes, &mech); err != nil {
		return nil, fmt.Errorf("parse mechanism: %w", err)
	}
	return mech, nil
}
