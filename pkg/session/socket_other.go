//go:build !unix

package session

import (
	"context"
	"net"
)

func dialTCP(ctx context.Context, p Params, local *net.TCPAddr) (net.Conn, error) {
	d := net.Dialer{}
	if local != nil {
		d.LocalAddr = local
	}
	return d.DialContext(ctx, "tcp", p.Endpoint())
}
