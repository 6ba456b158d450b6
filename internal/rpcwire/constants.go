package rpcwire

// Message types and protocol version (RFC 5531).
const (
	RPCCall    uint32 = 0
	RPCReply   uint32 = 1
	RPCVersion uint32 = 2
)

// Authentication flavors.
const (
	AuthNone      uint32 = 0
	AuthSys       uint32 = 1
	AuthRPCSECGSS uint32 = 6
)

// Reply status.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept status of an accepted reply.
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// Reject status of a denied reply.
const (
	RPCMismatch uint32 = 0
	AuthError   uint32 = 1
)

// Auth status carried by an AUTH_ERROR rejection.
const (
	AuthOK              uint32 = 0
	AuthBadCred         uint32 = 1
	AuthRejectedCred    uint32 = 2
	AuthBadVerf         uint32 = 3
	AuthRejectedVerf    uint32 = 4
	AuthTooWeak         uint32 = 5
	AuthInvalidResp     uint32 = 6
	AuthFailed          uint32 = 7
	RPCSecGSSCredProb   uint32 = 13
	RPCSecGSSCtxProblem uint32 = 14
)

// RPCSEC_GSS version, procedures and services (RFC 2203).
const (
	RPCGSSVers1 uint32 = 1

	RPCGSSData         uint32 = 0
	RPCGSSInit         uint32 = 1
	RPCGSSContinueInit uint32 = 2
	RPCGSSDestroy      uint32 = 3

	RPCGSSSvcNone      uint32 = 1
	RPCGSSSvcIntegrity uint32 = 2
	RPCGSSSvcPrivacy   uint32 = 3
)

// MAXSEQ bounds RPCSEC_GSS sequence numbers.
const MAXSEQ uint32 = 0x80000000

// GSS major status codes.
const (
	GSSComplete       uint32 = 0
	GSSContinueNeeded uint32 = 1
)

// RFC 4121 key usages.
const (
	KeyUsageAcceptorSeal  uint32 = 22
	KeyUsageAcceptorSign  uint32 = 23
	KeyUsageInitiatorSeal uint32 = 24
	KeyUsageInitiatorSign uint32 = 25
)

// Record marking.
const (
	lastFragmentBit = 0x80000000
	fragmentLenMask = 0x7FFFFFFF

	// MaxRecordSize caps a reassembled record.
	MaxRecordSize = 4 << 20
)

// Role identifies which side of a GSS context produced a token.
type Role int

const (
	Initiator Role = iota
	Acceptor
)

func (r Role) signUsage() uint32 {
	if r == Acceptor {
		return KeyUsageAcceptorSign
	}
	return KeyUsageInitiatorSign
}

func (r Role) sealUsage() uint32 {
	if r == Acceptor {
		return KeyUsageAcceptorSeal
	}
	return KeyUsageInitiatorSeal
}

func (r Role) String() string {
	if r == Acceptor {
		return "acceptor"
	}
	return "initiator"
}
