//go:build unix

package session

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialTCP applies SO_SNDBUF/SO_RCVBUF (and SO_REUSEADDR when binding a
// fixed source port) before connecting.
func dialTCP(ctx context.Context, p Params, local *net.TCPAddr) (net.Conn, error) {
	d := net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				if local != nil {
					if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
						return
					}
				}
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, int(p.SendSize)); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, int(p.RecvSize))
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	if local != nil {
		d.LocalAddr = local
	}
	return d.DialContext(ctx, "tcp", p.Endpoint())
}

