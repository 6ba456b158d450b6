package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CallHeader is the fixed part of an RPC call.
type CallHeader struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      OpaqueAuth
	Verf      OpaqueAuth
}

// SignedPart returns the header bytes from the XID through the credential,
// the region an RPCSEC_GSS call verifier covers.
func (h *CallHeader) SignedPart() []byte {
	var buf bytes.Buffer
	h.writeSignedPart(&buf)
	return buf.Bytes()
}

func (h *CallHeader) writeSignedPart(buf *bytes.Buffer) {
	writeUint32(buf, h.XID)
	writeUint32(buf, RPCCall)
	writeUint32(buf, RPCVersion)
	writeUint32(buf, h.Program)
	writeUint32(buf, h.Version)
	writeUint32(buf, h.Procedure)
	writeUint32(buf, h.Cred.Flavor)
	writeOpaque(buf, h.Cred.Body)
}

// EncodeCall builds a complete call message. args must already be XDR
// encoded (and wrapped, for RPCSEC_GSS integrity or privacy).
func EncodeCall(h *CallHeader, args []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(h.Cred.Body) + len(h.Verf.Body) + len(args))
	h.writeSignedPart(&buf)
	writeUint32(&buf, h.Verf.Flavor)
	writeOpaque(&buf, h.Verf.Body)
	buf.Write(args)
	return buf.Bytes()
}

// DecodeCall parses a call message and returns the header and the
// remaining argument bytes.
func DecodeCall(msg []byte) (*CallHeader, []byte, error) {
	r := bytes.NewReader(msg)
	var fixed [6]uint32
	for i := range fixed {
		v, err := decodeUint32(r)
		if err != nil {
			return nil, nil, fmt.Errorf("decode call header: %w", err)
		}
		fixed[i] = v
	}
	if fixed[1] != RPCCall {
		return nil, nil, fmt.Errorf("not a call: msg_type %d", fixed[1])
	}
	if fixed[2] != RPCVersion {
		return nil, nil, fmt.Errorf("unsupported rpc version %d", fixed[2])
	}

	h := &CallHeader{XID: fixed[0], Program: fixed[3], Version: fixed[4], Procedure: fixed[5]}
	var err error
	if h.Cred, err = decodeAuth(r); err != nil {
		return nil, nil, fmt.Errorf("decode credential: %w", err)
	}
	if h.Verf, err = decodeAuth(r); err != nil {
		return nil, nil, fmt.Errorf("decode verifier: %w", err)
	}
	return h, msg[len(msg)-r.Len():], nil
}

func decodeAuth(r *bytes.Reader) (OpaqueAuth, error) {
	flavor, err := decodeUint32(r)
	if err != nil {
		return OpaqueAuth{}, err
	}
	body, err := decodeOpaque(r)
	if err != nil {
		return OpaqueAuth{}, err
	}
	if len(body) > MaxAuthBody {
		return OpaqueAuth{}, fmt.Errorf("auth body too large: %d bytes", len(body))
	}
	return OpaqueAuth{Flavor: flavor, Body: body}, nil
}

// Reply is a decoded reply message. Body holds the bytes following the
// accept status; for successful RPCSEC_GSS replies it is still wrapped.
type Reply struct {
	XID  uint32
	Stat uint32
	Verf OpaqueAuth

	AcceptStat   uint32
	MismatchLow  uint32
	MismatchHigh uint32

	RejectStat uint32
	AuthStat   uint32

	Body []byte
}

// PeekXID returns the XID of a call or reply without decoding the rest.
func PeekXID(msg []byte) (uint32, error) {
	if len(msg) < 4 {
		return 0, fmt.Errorf("message too short for xid: %d bytes", len(msg))
	}
	return binary.BigEndian.Uint32(msg[:4]), nil
}

// DecodeReply parses a reply message.
func DecodeReply(msg []byte) (*Reply, error) {
	r := bytes.NewReader(msg)
	xid, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode reply xid: %w", err)
	}
	mtype, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode reply type: %w", err)
	}
	if mtype != RPCReply {
		return nil, fmt.Errorf("not a reply: msg_type %d", mtype)
	}

	rep := &Reply{XID: xid}
	if rep.Stat, err = decodeUint32(r); err != nil {
		return nil, fmt.Errorf("decode reply_stat: %w", err)
	}

	switch rep.Stat {
	case MsgAccepted:
		if rep.Verf, err = decodeAuth(r); err != nil {
			return nil, fmt.Errorf("decode reply verifier: %w", err)
		}
		if rep.AcceptStat, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("decode accept_stat: %w", err)
		}
		if rep.AcceptStat == ProgMismatch {
			if rep.MismatchLow, err = decodeUint32(r); err != nil {
				return nil, fmt.Errorf("decode mismatch low: %w", err)
			}
			if rep.MismatchHigh, err = decodeUint32(r); err != nil {
				return nil, fmt.Errorf("decode mismatch high: %w", err)
			}
		}
		rep.Body = msg[len(msg)-r.Len():]

	case MsgDenied:
		if rep.RejectStat, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("decode reject_stat: %w", err)
		}
		switch rep.RejectStat {
		case RPCMismatch:
			if rep.MismatchLow, err = decodeUint32(r); err != nil {
				return nil, fmt.Errorf("decode mismatch low: %w", err)
			}
			if rep.MismatchHigh, err = decodeUint32(r); err != nil {
				return nil, fmt.Errorf("decode mismatch high: %w", err)
			}
		case AuthError:
			if rep.AuthStat, err = decodeUint32(r); err != nil {
				return nil, fmt.Errorf("decode auth_stat: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown reject_stat %d", rep.RejectStat)
		}

	default:
		return nil, fmt.Errorf("unknown reply_stat %d", rep.Stat)
	}
	return rep, nil
}

// Err returns nil for an accepted SUCCESS reply and a *ReplyError otherwise.
func (r *Reply) Err() error {
	if r.Stat == MsgAccepted && r.AcceptStat == Success {
		return nil
	}
	return &ReplyError{XID: r.XID, Stat: r.Stat, AcceptStat: r.AcceptStat, RejectStat: r.RejectStat, AuthStat: r.AuthStat}
}

// ReplyError describes a reply that was not an accepted SUCCESS.
type ReplyError struct {
	XID        uint32
	Stat       uint32
	AcceptStat uint32
	RejectStat uint32
	AuthStat   uint32
}

func (e *ReplyError) Error() string {
	if e.Stat == MsgAccepted {
		return fmt.Sprintf("rpc xid %d: accepted with status %d", e.XID, e.AcceptStat)
	}
	if e.RejectStat == AuthError {
		return fmt.Sprintf("rpc xid %d: auth error %d", e.XID, e.AuthStat)
	}
	return fmt.Sprintf("rpc xid %d: rpc version mismatch", e.XID)
}

// IsAuth reports whether the backend rejected the credential.
func (e *ReplyError) IsAuth() bool {
	return e.Stat == MsgDenied && e.RejectStat == AuthError
}

// IsGSSContextProblem reports whether the backend no longer recognises the
// RPCSEC_GSS context or its credential.
func (e *ReplyError) IsGSSContextProblem() bool {
	return e.IsAuth() && (e.AuthStat == RPCSecGSSCredProb || e.AuthStat == RPCSecGSSCtxProblem)
}

// EncodeAcceptedReply builds an accepted reply. body is appended after the
// accept status.
func EncodeAcceptedReply(xid uint32, verf OpaqueAuth, acceptStat uint32, body []byte) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, xid)
	writeUint32(&buf, RPCReply)
	writeUint32(&buf, MsgAccepted)
	writeUint32(&buf, verf.Flavor)
	writeOpaque(&buf, verf.Body)
	writeUint32(&buf, acceptStat)
	buf.Write(body)
	return buf.Bytes()
}

// EncodeAuthErrorReply builds a denied reply carrying an auth status.
func EncodeAuthErrorReply(xid, authStat uint32) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, xid)
	writeUint32(&buf, RPCReply)
	writeUint32(&buf, MsgDenied)
	writeUint32(&buf, AuthError)
	writeUint32(&buf, authStat)
	return buf.Bytes()
}
