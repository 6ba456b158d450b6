package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/rpcwire"
)

// ErrConnClosed is returned for calls on a connection that has shut down.
var ErrConnClosed = errors.New("connection closed")

// Dialer opens transport connections to the backend.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}

// Conn carries XID-multiplexed RPC records. RoundTrip must be safe for
// concurrent use; a call abandoned because ctx expired must leave the
// connection usable.
type Conn interface {
	RoundTrip(ctx context.Context, xid uint32, msg []byte) ([]byte, error)

	// Done is closed when the connection fails or is closed.
	Done() <-chan struct{}

	// Err returns the failure that closed the connection.
	Err() error

	Close() error
}

// Privileged source ports tried when Params.PrivilegedPort is set.
const (
	privilegedPortLow  = 512
	privilegedPortHigh = 1023
)

// TCPDialer dials ONC RPC over TCP.
type TCPDialer struct{}

// Dial connects to p.Endpoint(), sizing socket buffers from p and binding a
// privileged source port when requested.
func (TCPDialer) Dial(ctx context.Context, p Params) (Conn, error) {
	if !p.PrivilegedPort {
		nc, err := dialTCP(ctx, p, nil)
		if err != nil {
			return nil, err
		}
		return newTCPConn(nc, p), nil
	}

	var lastErr error
	for port := privilegedPortHigh; port >= privilegedPortLow; port-- {
		nc, err := dialTCP(ctx, p, &net.TCPAddr{Port: port})
		if err == nil {
			return newTCPConn(nc, p), nil
		}
		lastErr = err
		if ctx.Err() != nil || !isBindError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no privileged source port available: %w", lastErr)
}

func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EPERM)
}

type roundTripResult struct {
	msg []byte
}

// tcpConn multiplexes calls over one TCP stream: writers serialise on
// writeMu, a single reader goroutine routes replies by XID.
type tcpConn struct {
	nc       net.Conn
	sendSize int
	addr     string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan roundTripResult
	err     error
	done    chan struct{}
}

func newTCPConn(nc net.Conn, p Params) *tcpConn {
	c := &tcpConn{
		nc:       nc,
		sendSize: int(p.SendSize),
		addr:     p.Endpoint(),
		pending:  make(map[uint32]chan roundTripResult),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *tcpConn) RoundTrip(ctx context.Context, xid uint32, msg []byte) ([]byte, error) {
	ch := make(chan roundTripResult, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[xid] = ch
	c.mu.Unlock()

	if err := c.write(ctx, msg); err != nil {
		c.cancel(xid)
		c.fail(fmt.Errorf("write: %w", err))
		return nil, err
	}

	select {
	case res := <-ch:
		return res.msg, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.cancel(xid)
		return nil, ctx.Err()
	}
}

func (c *tcpConn) write(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return rpcwire.WriteRecord(c.nc, msg, c.sendSize)
}

func (c *tcpConn) cancel(xid uint32) {
	c.mu.Lock()
	delete(c.pending, xid)
	c.mu.Unlock()
}

func (c *tcpConn) readLoop() {
	for {
		msg, err := rpcwire.ReadRecord(c.nc, 0)
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		xid, err := rpcwire.PeekXID(msg)
		if err != nil {
			logger.Debug("Dropping short reply", logger.Backend(c.addr), logger.Err(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[xid]
		if ok {
			delete(c.pending, xid)
		}
		c.mu.Unlock()

		if !ok {
			logger.Debug("Dropping reply for unknown or abandoned XID", logger.Backend(c.addr), logger.XID(xid))
			continue
		}
		ch <- roundTripResult{msg: msg}
	}
}

// fail records the first error, closes the socket and wakes every waiter.
func (c *tcpConn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.pending = make(map[uint32]chan roundTripResult)
	close(c.done)
	c.mu.Unlock()
	_ = c.nc.Close()
}

func (c *tcpConn) Done() <-chan struct{} { return c.done }

func (c *tcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *tcpConn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}
