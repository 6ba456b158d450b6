package secctx

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Credential is the material a Negotiator produces.
type Credential struct {
	// Ticket is negotiator state from which initial context tokens are
	// built, one per RPCSEC_GSS INIT.
	Ticket any

	// Key protects the GSS context once established.
	Key types.EncryptionKey

	// Expiry is when the underlying ticket stops being valid.
	Expiry time.Time

	// Generation identifies the key material the credential was built from.
	Generation uint64
}

// SecurityContext is an immutable snapshot of the security state used on a
// backend connection.
type SecurityContext struct {
	id        string
	principal string
	flavor    Flavor
	requested Flavor
	cred      *Credential
	acquired  time.Time
	expiry    time.Time
	renewLead time.Duration

	successor atomic.Pointer[SecurityContext]
	released  atomic.Bool

	// retryAt holds the UnixNano before which a failed renewal is not retried.
	retryAt atomic.Int64
}

func newContext(principal string, flavor, requested Flavor, cred *Credential, now time.Time, renewLead time.Duration) *SecurityContext {
	sc := &SecurityContext{
		id:        uuid.NewString(),
		principal: principal,
		flavor:    flavor,
		requested: requested,
		cred:      cred,
		acquired:  now,
		renewLead: renewLead,
	}
	if cred != nil {
		sc.expiry = cred.Expiry
	}
	return sc
}

// ID uniquely identifies the context.
func (sc *SecurityContext) ID() string { return sc.id }

// Principal is the remote principal the context authenticates to.
func (sc *SecurityContext) Principal() string { return sc.principal }

// Flavor is the effective flavor, which differs from Requested after a
// fallback.
func (sc *SecurityContext) Flavor() Flavor { return sc.flavor }

// Requested is the flavor the configuration asked for.
func (sc *SecurityContext) Requested() Flavor { return sc.requested }

// FellBack reports whether strong authentication was requested but the
// context runs unauthenticated.
func (sc *SecurityContext) FellBack() bool {
	return sc.requested.IsGSS() && !sc.flavor.IsGSS()
}

// Credential returns the credential, nil for unauthenticated contexts.
func (sc *SecurityContext) Credential() *Credential { return sc.cred }

// Acquired is when the credential was negotiated.
func (sc *SecurityContext) Acquired() time.Time { return sc.acquired }

// Expiry is the zero time for unauthenticated contexts.
func (sc *SecurityContext) Expiry() time.Time { return sc.expiry }

// RenewLead is how long before expiry renewal starts.
func (sc *SecurityContext) RenewLead() time.Duration { return sc.renewLead }

// Released reports whether Release was called.
func (sc *SecurityContext) Released() bool { return sc.released.Load() }

// latest follows the successor chain.
func (sc *SecurityContext) latest() *SecurityContext {
	cur := sc
	for next := cur.successor.Load(); next != nil; next = cur.successor.Load() {
		cur = next
	}
	return cur
}
