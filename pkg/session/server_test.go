package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/marmos91/nfsproxy/internal/rpcwire"
)

// Procedures understood by testServer. Anything else is echoed.
const (
	procHang        uint32 = 99 // never replies
	procUnavailable uint32 = 98 // PROC_UNAVAIL
)

func testKey() types.EncryptionKey {
	return types.EncryptionKey{KeyType: 17, KeyValue: []byte("0123456789abcdef")}
}

// testServer is a minimal ONC RPC server speaking AUTH_SYS and RPCSEC_GSS.
type testServer struct {
	t   *testing.T
	ln  net.Listener
	key types.EncryptionKey

	inits      atomic.Int32
	destroys   atomic.Int32
	calls      atomic.Int32
	replays    atomic.Int32
	rejectInit atomic.Bool
	ctxProblem atomic.Bool // next DATA call gets RPCSEC_GSS_CTXPROBLEM

	mu         sync.Mutex
	conns      []net.Conn
	initTokens map[string]bool
	wg         sync.WaitGroup
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return startTestServer(t, ln)
}

func startTestServer(t *testing.T, ln net.Listener) *testServer {
	s := &testServer{t: t, ln: ln, key: testKey(), initTokens: make(map[string]bool)}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *testServer) Close() {
	_ = s.ln.Close()
	s.KillConns()
	s.wg.Wait()
}

// KillConns drops every accepted connection.
func (s *testServer) KillConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *testServer) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	var writeMu sync.Mutex
	for {
		msg, err := rpcwire.ReadRecord(c, 0)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.t.Logf("test server read: %v", err)
			}
			return
		}
		reply := s.handle(msg)
		if reply == nil {
			continue
		}
		writeMu.Lock()
		_ = rpcwire.WriteRecord(c, reply, 0)
		writeMu.Unlock()
	}
}

func (s *testServer) handle(msg []byte) []byte {
	h, args, err := rpcwire.DecodeCall(msg)
	if err != nil {
		return nil
	}

	switch h.Cred.Flavor {
	case rpcwire.AuthSys:
		if _, err := rpcwire.ParseUnixAuth(h.Cred.Body); err != nil {
			return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthBadCred)
		}
		return s.result(h.XID, rpcwire.NoneAuth, h.Procedure, args, nil)
	case rpcwire.AuthRPCSECGSS:
		return s.handleGSS(h, args)
	default:
		return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthTooWeak)
	}
}

func (s *testServer) handleGSS(h *rpcwire.CallHeader, args []byte) []byte {
	cred, err := rpcwire.DecodeGSSCred(h.Cred.Body)
	if err != nil {
		return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthBadCred)
	}

	switch cred.Proc {
	case rpcwire.RPCGSSInit:
		s.inits.Add(1)
		if s.rejectInit.Load() {
			return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthRejectedCred)
		}
		token, err := rpcwire.DecodeInitArgs(args)
		if err != nil {
			return rpcwire.EncodeAcceptedReply(h.XID, rpcwire.NoneAuth, rpcwire.GarbageArgs, nil)
		}
		// Like a Kerberos acceptor's replay cache, a token is good once.
		if !s.firstUse(token) {
			s.replays.Add(1)
			return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthRejectedCred)
		}
		const window = 64
		verf, _ := rpcwire.ReplyVerifier(s.key, window)
		body, _ := (&rpcwire.GSSInitRes{Handle: []byte("ctx-1"), SeqWindow: window}).Encode()
		return rpcwire.EncodeAcceptedReply(h.XID, verf, rpcwire.Success, body)

	case rpcwire.RPCGSSDestroy:
		s.destroys.Add(1)
		verf, _ := rpcwire.ReplyVerifier(s.key, cred.SeqNum)
		return rpcwire.EncodeAcceptedReply(h.XID, verf, rpcwire.Success, nil)

	case rpcwire.RPCGSSData:
		if err := rpcwire.VerifyCallVerifier(s.key, h); err != nil {
			return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.RPCSecGSSCredProb)
		}
		if s.ctxProblem.CompareAndSwap(true, false) {
			return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.RPCSecGSSCtxProblem)
		}

		plain := args
		switch cred.Service {
		case rpcwire.RPCGSSSvcIntegrity:
			plain, err = rpcwire.UnwrapIntegrity(s.key, rpcwire.Initiator, cred.SeqNum, args)
		case rpcwire.RPCGSSSvcPrivacy:
			plain, err = rpcwire.UnwrapPrivacy(s.key, rpcwire.Initiator, cred.SeqNum, args)
		}
		if err != nil {
			return rpcwire.EncodeAcceptedReply(h.XID, rpcwire.NoneAuth, rpcwire.GarbageArgs, nil)
		}

		verf, _ := rpcwire.ReplyVerifier(s.key, cred.SeqNum)
		return s.result(h.XID, verf, h.Procedure, plain, func(res []byte) []byte {
			var out []byte
			switch cred.Service {
			case rpcwire.RPCGSSSvcIntegrity:
				out, _ = rpcwire.WrapIntegrity(s.key, rpcwire.Acceptor, cred.SeqNum, res)
			case rpcwire.RPCGSSSvcPrivacy:
				out, _ = rpcwire.WrapPrivacy(s.key, rpcwire.Acceptor, cred.SeqNum, res)
			default:
				out = res
			}
			return out
		})
	}
	return rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthBadCred)
}

func (s *testServer) firstUse(token []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initTokens[string(token)] {
		return false
	}
	s.initTokens[string(token)] = true
	return true
}

func (s *testServer) result(xid uint32, verf rpcwire.OpaqueAuth, proc uint32, args []byte, wrap func([]byte) []byte) []byte {
	switch proc {
	case procHang:
		return nil
	case procUnavailable:
		return rpcwire.EncodeAcceptedReply(xid, verf, rpcwire.ProcUnavail, nil)
	}
	s.calls.Add(1)
	body := args
	if wrap != nil {
		body = wrap(args)
	}
	return rpcwire.EncodeAcceptedReply(xid, verf, rpcwire.Success, body)
}
