package secctx

import (
	"fmt"
	"strings"

	"github.com/marmos91/nfsproxy/internal/rpcwire"
)

// Flavor is the security flavor of a backend connection.
type Flavor int

const (
	// FlavorUnauthenticated uses AUTH_SYS with no strong authentication.
	FlavorUnauthenticated Flavor = iota

	// FlavorKrb5 authenticates with RPCSEC_GSS, service none.
	FlavorKrb5

	// FlavorKrb5i adds integrity protection of call and reply bodies.
	FlavorKrb5i

	// FlavorKrb5p adds privacy (encryption) of call and reply bodies.
	FlavorKrb5p
)

func (f Flavor) String() string {
	switch f {
	case FlavorKrb5:
		return "krb5"
	case FlavorKrb5i:
		return "krb5i"
	case FlavorKrb5p:
		return "krb5p"
	default:
		return "unauthenticated"
	}
}

// ParseFlavor accepts the names produced by String; "none" and "sys" are
// aliases for unauthenticated.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "sys", "unauthenticated":
		return FlavorUnauthenticated, nil
	case "krb5":
		return FlavorKrb5, nil
	case "krb5i":
		return FlavorKrb5i, nil
	case "krb5p":
		return FlavorKrb5p, nil
	}
	return 0, fmt.Errorf("unknown security flavor %q", s)
}

// IsGSS reports whether the flavor uses RPCSEC_GSS.
func (f Flavor) IsGSS() bool {
	return f != FlavorUnauthenticated
}

// Mandatory reports whether failing to authenticate must abort session
// establishment. Only the protected services are mandatory; plain krb5
// degrades to unauthenticated.
func (f Flavor) Mandatory() bool {
	return f == FlavorKrb5i || f == FlavorKrb5p
}

// GSSService returns the RPCSEC_GSS service number for the flavor.
func (f Flavor) GSSService() uint32 {
	switch f {
	case FlavorKrb5i:
		return rpcwire.RPCGSSSvcIntegrity
	case FlavorKrb5p:
		return rpcwire.RPCGSSSvcPrivacy
	default:
		return rpcwire.RPCGSSSvcNone
	}
}
