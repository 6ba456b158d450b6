package rpcwire

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// MaxAuthBody is the largest opaque_auth body RFC 5531 allows.
const MaxAuthBody = 400

// MaxUnixGIDs is the AUTH_SYS supplementary group limit.
const MaxUnixGIDs = 16

// OpaqueAuth is a credential or verifier.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

// NoneAuth is the AUTH_NONE credential and verifier.
var NoneAuth = OpaqueAuth{Flavor: AuthNone}

// UnixAuth is the AUTH_SYS credential body.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// Encode marshals the credential into an OpaqueAuth.
func (u *UnixAuth) Encode() (OpaqueAuth, error) {
	if len(u.MachineName) > 255 {
		return OpaqueAuth{}, fmt.Errorf("machine name too long: %d bytes", len(u.MachineName))
	}
	if len(u.GIDs) > MaxUnixGIDs {
		return OpaqueAuth{}, fmt.Errorf("too many gids: %d (max %d)", len(u.GIDs), MaxUnixGIDs)
	}

	var buf bytes.Buffer
	gids := u.GIDs
	if gids == nil {
		gids = []uint32{}
	}
	v := UnixAuth{Stamp: u.Stamp, MachineName: u.MachineName, UID: u.UID, GID: u.GID, GIDs: gids}
	if _, err := xdr.Marshal(&buf, &v); err != nil {
		return OpaqueAuth{}, fmt.Errorf("encode auth_sys: %w", err)
	}
	return OpaqueAuth{Flavor: AuthSys, Body: buf.Bytes()}, nil
}

// ParseUnixAuth decodes an AUTH_SYS body.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) > MaxAuthBody {
		return nil, fmt.Errorf("auth_sys body too large: %d bytes", len(body))
	}
	var u UnixAuth
	if _, err := xdr.Unmarshal(bytes.NewReader(body), &u); err != nil {
		return nil, fmt.Errorf("decode auth_sys: %w", err)
	}
	if len(u.GIDs) > MaxUnixGIDs {
		return nil, fmt.Errorf("too many gids: %d (max %d)", len(u.GIDs), MaxUnixGIDs)
	}
	return &u, nil
}
