package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/marmos91/nfsproxy/internal/rpcwire"
	"github.com/marmos91/nfsproxy/pkg/secctx"
)

var errSeqExhausted = errors.New("rpcsec_gss sequence space exhausted")

// gssContext is an established RPCSEC_GSS context on one connection.
//
// Calls hold a reference while they use the key; a retired context is
// destroyed once the last holder lets go.
type gssContext struct {
	handle  []byte
	window  uint32
	service uint32
	key     types.EncryptionKey
	sc      *secctx.SecurityContext
	seq     atomic.Uint32

	mu        sync.Mutex
	refs      int
	retired   bool
	finalized bool
	onIdle    func()
}

func (g *gssContext) hold() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retired {
		return false
	}
	g.refs++
	return true
}

func (g *gssContext) release() {
	g.mu.Lock()
	g.refs--
	idle := g.retired && g.refs == 0 && !g.finalized
	if idle {
		g.finalized = true
	}
	fn := g.onIdle
	g.mu.Unlock()
	if idle && fn != nil {
		go fn()
	}
}

// retire stops new holders and runs onIdle once current holders are done.
func (g *gssContext) retire(onIdle func()) {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return
	}
	g.retired = true
	g.onIdle = onIdle
	idle := g.refs == 0
	if idle {
		g.finalized = true
	}
	g.mu.Unlock()
	if idle && onIdle != nil {
		go onIdle()
	}
}

func (g *gssContext) nextSeq() (uint32, error) {
	seq := g.seq.Add(1)
	if seq >= rpcwire.MAXSEQ {
		return 0, errSeqExhausted
	}
	return seq, nil
}

// encodeGSSCall builds a DATA call, protecting args per the service.
func encodeGSSCall(g *gssContext, xid, prog, vers, proc uint32, args []byte) ([]byte, uint32, error) {
	seq, err := g.nextSeq()
	if err != nil {
		return nil, 0, err
	}
	cred, err := (&rpcwire.GSSCred{Proc: rpcwire.RPCGSSData, SeqNum: seq, Service: g.service, Handle: g.handle}).Encode()
	if err != nil {
		return nil, 0, err
	}

	h := &rpcwire.CallHeader{XID: xid, Program: prog, Version: vers, Procedure: proc, Cred: cred}
	if h.Verf, err = rpcwire.CallVerifier(g.key, h); err != nil {
		return nil, 0, err
	}

	body := args
	switch g.service {
	case rpcwire.RPCGSSSvcIntegrity:
		body, err = rpcwire.WrapIntegrity(g.key, rpcwire.Initiator, seq, args)
	case rpcwire.RPCGSSSvcPrivacy:
		body, err = rpcwire.WrapPrivacy(g.key, rpcwire.Initiator, seq, args)
	}
	if err != nil {
		return nil, 0, err
	}
	return rpcwire.EncodeCall(h, body), seq, nil
}

// openGSSReply verifies the reply verifier and unwraps the results.
func openGSSReply(g *gssContext, seq uint32, rep *rpcwire.Reply) ([]byte, error) {
	if err := rpcwire.VerifyReplyVerifier(g.key, seq, rep.Verf); err != nil {
		return nil, err
	}
	switch g.service {
	case rpcwire.RPCGSSSvcIntegrity:
		return rpcwire.UnwrapIntegrity(g.key, rpcwire.Acceptor, seq, rep.Body)
	case rpcwire.RPCGSSSvcPrivacy:
		return rpcwire.UnwrapPrivacy(g.key, rpcwire.Acceptor, seq, rep.Body)
	default:
		return rep.Body, nil
	}
}

// initGSS runs RPCSEC_GSS INIT with token, which must not have been sent
// before.
func initGSS(ctx context.Context, conn Conn, xid uint32, p Params, sc *secctx.SecurityContext, token []byte) (*gssContext, error) {
	cred := sc.Credential()
	if cred == nil {
		return nil, fmt.Errorf("security context %s has no credential", sc.ID())
	}

	gcred, err := (&rpcwire.GSSCred{Proc: rpcwire.RPCGSSInit, Service: sc.Flavor().GSSService()}).Encode()
	if err != nil {
		return nil, err
	}
	h := &rpcwire.CallHeader{
		XID: xid, Program: p.Program, Version: p.Version, Procedure: 0,
		Cred: gcred, Verf: rpcwire.NoneAuth,
	}

	raw, err := conn.RoundTrip(ctx, xid, rpcwire.EncodeCall(h, rpcwire.EncodeInitArgs(token)))
	if err != nil {
		return nil, err
	}
	rep, err := rpcwire.DecodeReply(raw)
	if err != nil {
		return nil, &ProtocolError{XID: xid, Reason: "decode INIT reply", Err: err}
	}
	if err := rep.Err(); err != nil {
		return nil, err
	}

	res, err := rpcwire.DecodeGSSInitRes(rep.Body)
	if err != nil {
		return nil, &ProtocolError{XID: xid, Reason: "decode INIT result", Err: err}
	}
	if res.GSSMajor != rpcwire.GSSComplete {
		return nil, fmt.Errorf("rpcsec_gss init: gss major %d minor %d", res.GSSMajor, res.GSSMinor)
	}
	if err := rpcwire.VerifyReplyVerifier(cred.Key, res.SeqWindow, rep.Verf); err != nil {
		return nil, fmt.Errorf("rpcsec_gss init: %w", err)
	}

	return &gssContext{
		handle:  res.Handle,
		window:  res.SeqWindow,
		service: sc.Flavor().GSSService(),
		key:     cred.Key,
		sc:      sc,
	}, nil
}

// destroyGSS sends RPCSEC_GSS DESTROY. The reply is not checked.
func destroyGSS(ctx context.Context, conn Conn, xid uint32, p Params, g *gssContext) error {
	seq, err := g.nextSeq()
	if err != nil {
		return err
	}
	cred, err := (&rpcwire.GSSCred{Proc: rpcwire.RPCGSSDestroy, SeqNum: seq, Service: g.service, Handle: g.handle}).Encode()
	if err != nil {
		return err
	}
	h := &rpcwire.CallHeader{XID: xid, Program: p.Program, Version: p.Version, Procedure: 0, Cred: cred}
	if h.Verf, err = rpcwire.CallVerifier(g.key, h); err != nil {
		return err
	}
	_, err = conn.RoundTrip(ctx, xid, rpcwire.EncodeCall(h, nil))
	return err
}
