package secctx

import (
	"context"
	"errors"
	"time"
)

// ErrStrongAuthDisabled is returned by NoneNegotiator for GSS flavors.
var ErrStrongAuthDisabled = errors.New("kerberos is not enabled (remote_server.security.active_krb5)")

// NoneNegotiator is used when Kerberos is disabled. Asking it for a GSS
// flavor fails, which triggers the regular fallback policy.
type NoneNegotiator struct{}

func (NoneNegotiator) Negotiate(context.Context, string, Flavor, time.Duration) (*Credential, error) {
	return nil, ErrStrongAuthDisabled
}

func (NoneNegotiator) Discard(*Credential) {}

func (NoneNegotiator) InitToken(*Credential) ([]byte, error) {
	return nil, ErrStrongAuthDisabled
}
