package rpcwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrBadVerifier is returned when a MIC does not verify.
var ErrBadVerifier = errors.New("rpcsec_gss: verifier check failed")

// GSSCred is the RPCSEC_GSS version 1 credential body.
type GSSCred struct {
	Proc    uint32
	SeqNum  uint32
	Service uint32
	Handle  []byte
}

type gssCredWire struct {
	Version uint32
	Proc    uint32
	SeqNum  uint32
	Service uint32
	Handle  []byte
}

// Encode marshals the credential into an OpaqueAuth.
func (c *GSSCred) Encode() (OpaqueAuth, error) {
	var buf bytes.Buffer
	w := gssCredWire{Version: RPCGSSVers1, Proc: c.Proc, SeqNum: c.SeqNum, Service: c.Service, Handle: c.Handle}
	if w.Handle == nil {
		w.Handle = []byte{}
	}
	if _, err := xdr.Marshal(&buf, &w); err != nil {
		return OpaqueAuth{}, fmt.Errorf("encode gss credential: %w", err)
	}
	if buf.Len() > MaxAuthBody {
		return OpaqueAuth{}, fmt.Errorf("gss credential too large: %d bytes", buf.Len())
	}
	return OpaqueAuth{Flavor: AuthRPCSECGSS, Body: buf.Bytes()}, nil
}

// DecodeGSSCred parses an RPCSEC_GSS credential body.
func DecodeGSSCred(body []byte) (*GSSCred, error) {
	var w gssCredWire
	if _, err := xdr.Unmarshal(bytes.NewReader(body), &w); err != nil {
		return nil, fmt.Errorf("decode gss credential: %w", err)
	}
	if w.Version != RPCGSSVers1 {
		return nil, fmt.Errorf("unsupported RPCSEC_GSS version: %d", w.Version)
	}
	return &GSSCred{Proc: w.Proc, SeqNum: w.SeqNum, Service: w.Service, Handle: w.Handle}, nil
}

// GSSInitRes is the rpc_gss_init_res returned by INIT and CONTINUE_INIT.
type GSSInitRes struct {
	Handle    []byte
	GSSMajor  uint32
	GSSMinor  uint32
	SeqWindow uint32
	GSSToken  []byte
}

// Encode marshals the init result.
func (r *GSSInitRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	v := *r
	if v.Handle == nil {
		v.Handle = []byte{}
	}
	if v.GSSToken == nil {
		v.GSSToken = []byte{}
	}
	if _, err := xdr.Marshal(&buf, &v); err != nil {
		return nil, fmt.Errorf("encode gss init result: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGSSInitRes parses an rpc_gss_init_res.
func DecodeGSSInitRes(body []byte) (*GSSInitRes, error) {
	var r GSSInitRes
	if _, err := xdr.Unmarshal(bytes.NewReader(body), &r); err != nil {
		return nil, fmt.Errorf("decode gss init result: %w", err)
	}
	return &r, nil
}

// EncodeInitArgs encodes the rpc_gss_init_arg carrying the initial token.
func EncodeInitArgs(token []byte) []byte {
	var buf bytes.Buffer
	writeOpaque(&buf, token)
	return buf.Bytes()
}

// DecodeInitArgs returns the token from an rpc_gss_init_arg.
func DecodeInitArgs(body []byte) ([]byte, error) {
	return decodeOpaque(bytes.NewReader(body))
}

// ComputeMIC returns an RFC 4121 MIC token over payload sent by role.
func ComputeMIC(key types.EncryptionKey, role Role, seq uint64, payload []byte) ([]byte, error) {
	var flags byte
	if role == Acceptor {
		flags = gssapi.MICTokenFlagSentByAcceptor
	}
	tok := gssapi.MICToken{Flags: flags, SndSeqNum: seq, Payload: payload}
	if err := tok.SetChecksum(key, role.signUsage()); err != nil {
		return nil, fmt.Errorf("compute %s MIC: %w", role, err)
	}
	b, err := tok.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal MIC token: %w", err)
	}
	return b, nil
}

// VerifyMIC checks a MIC token produced by role over payload.
func VerifyMIC(key types.EncryptionKey, role Role, payload, mic []byte) error {
	var tok gssapi.MICToken
	if err := tok.Unmarshal(mic, role == Acceptor); err != nil {
		return fmt.Errorf("%w: unmarshal MIC token: %v", ErrBadVerifier, err)
	}
	tok.Payload = payload
	ok, err := tok.Verify(key, role.signUsage())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadVerifier, err)
	}
	if !ok {
		return ErrBadVerifier
	}
	return nil
}

func seqBytes(seq uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	return b[:]
}

// CallVerifier computes the verifier of an RPCSEC_GSS call: the MIC over
// the header through the credential.
func CallVerifier(key types.EncryptionKey, h *CallHeader) (OpaqueAuth, error) {
	cred, err := DecodeGSSCred(h.Cred.Body)
	if err != nil {
		return OpaqueAuth{}, err
	}
	mic, err := ComputeMIC(key, Initiator, uint64(cred.SeqNum), h.SignedPart())
	if err != nil {
		return OpaqueAuth{}, err
	}
	return OpaqueAuth{Flavor: AuthRPCSECGSS, Body: mic}, nil
}

// VerifyCallVerifier checks a call verifier against the header.
func VerifyCallVerifier(key types.EncryptionKey, h *CallHeader) error {
	return VerifyMIC(key, Initiator, h.SignedPart(), h.Verf.Body)
}

// ReplyVerifier computes the verifier of an RPCSEC_GSS DATA reply: the MIC
// of the XDR encoded sequence number. For INIT replies pass the window.
func ReplyVerifier(key types.EncryptionKey, seqOrWindow uint32) (OpaqueAuth, error) {
	mic, err := ComputeMIC(key, Acceptor, uint64(seqOrWindow), seqBytes(seqOrWindow))
	if err != nil {
		return OpaqueAuth{}, err
	}
	return OpaqueAuth{Flavor: AuthRPCSECGSS, Body: mic}, nil
}

// VerifyReplyVerifier checks a DATA reply verifier (seq) or an INIT reply
// verifier (window).
func VerifyReplyVerifier(key types.EncryptionKey, seqOrWindow uint32, verf OpaqueAuth) error {
	if verf.Flavor != AuthRPCSECGSS {
		return fmt.Errorf("%w: reply verifier flavor %d", ErrBadVerifier, verf.Flavor)
	}
	return VerifyMIC(key, Acceptor, seqBytes(seqOrWindow), verf.Body)
}
