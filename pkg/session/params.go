package session

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/secctx"
)

// Params are the connection parameters, immutable after NewManager.
type Params struct {
	Address        string
	Port           int
	Program        uint32
	Version        uint32
	SendSize       uint32
	RecvSize       uint32
	CallTimeout    time.Duration
	RetrySleep     time.Duration
	PrivilegedPort bool
	PoolSize       int
	DegradedPolicy config.DegradedPolicy

	// Principal and Flavor select the security context of each session.
	Principal string
	Flavor    secctx.Flavor

	// AUTH_SYS identity for unauthenticated sessions.
	MachineName string
	UID         uint32
	GID         uint32
}

// ParamsFromConfig maps the remote_server block.
func ParamsFromConfig(cfg config.RemoteServerConfig) (Params, error) {
	flavor := secctx.FlavorUnauthenticated
	if cfg.Security.ActiveKrb5 {
		f, err := secctx.ParseFlavor(cfg.Security.SecType)
		if err != nil {
			return Params{}, fmt.Errorf("remote_server.security.sec_type: %w", err)
		}
		flavor = f
	}

	p := Params{
		Address:        cfg.Address,
		Port:           cfg.Port,
		Program:        cfg.Program,
		Version:        cfg.Version,
		SendSize:       cfg.SendSize,
		RecvSize:       cfg.RecvSize,
		CallTimeout:    cfg.CallTimeout,
		RetrySleep:     cfg.RetrySleep,
		PrivilegedPort: cfg.PrivilegedPort,
		PoolSize:       cfg.PoolSize,
		DegradedPolicy: cfg.DegradedPolicy,
		Principal:      cfg.Security.RemotePrincipal,
		Flavor:         flavor,
		MachineName:    cfg.MachineName,
		UID:            cfg.UID,
		GID:            cfg.GID,
	}
	return p.withDefaults(), nil
}

func (p Params) withDefaults() Params {
	if p.PoolSize <= 0 {
		p.PoolSize = 1
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = config.DefaultCallTimeout
	}
	if p.SendSize == 0 {
		p.SendSize = config.DefaultBufferSize
	}
	if p.RecvSize == 0 {
		p.RecvSize = config.DefaultBufferSize
	}
	if p.DegradedPolicy == "" {
		p.DegradedPolicy = config.DegradedWait
	}
	if p.MachineName == "" {
		if host, err := os.Hostname(); err == nil {
			p.MachineName = host
		}
	}
	return p
}

// Endpoint returns address:port.
func (p Params) Endpoint() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}
