package rpcwire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() types.EncryptionKey {
	return types.EncryptionKey{
		KeyType:  17, // aes128-cts-hmac-sha1-96
		KeyValue: []byte("0123456789abcdef"),
	}
}

// ============================================================================
// Record marking
// ============================================================================

func TestRecord(t *testing.T) {
	t.Run("SingleFragment", func(t *testing.T) {
		var buf bytes.Buffer
		msg := []byte("hello rpc")
		require.NoError(t, WriteRecord(&buf, msg, 1024))

		hdr := binary.BigEndian.Uint32(buf.Bytes()[:4])
		assert.Equal(t, uint32(lastFragmentBit|len(msg)), hdr)

		got, err := ReadRecord(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	})

	t.Run("SplitsIntoFragments", func(t *testing.T) {
		var buf bytes.Buffer
		msg := bytes.Repeat([]byte{0xAB}, 10)
		require.NoError(t, WriteRecord(&buf, msg, 4))
		// 3 fragments: 4 + 4 + 2 bytes, each with a header.
		assert.Equal(t, 10+3*4, buf.Len())

		raw := buf.Bytes()
		assert.Zero(t, binary.BigEndian.Uint32(raw[0:4])&lastFragmentBit)
		assert.Zero(t, binary.BigEndian.Uint32(raw[8:12])&lastFragmentBit)
		assert.NotZero(t, binary.BigEndian.Uint32(raw[16:20])&lastFragmentBit)

		got, err := ReadRecord(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	})

	t.Run("EmptyRecord", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRecord(&buf, nil, 16))
		got, err := ReadRecord(&buf, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("RejectsOversized", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRecord(&buf, make([]byte, 64), 0))
		_, err := ReadRecord(&buf, 32)
		assert.ErrorIs(t, err, ErrRecordTooLarge)
	})

	t.Run("TruncatedStream", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRecord(&buf, make([]byte, 8), 4))
		truncated := bytes.NewReader(buf.Bytes()[:8])
		_, err := ReadRecord(truncated, 0)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

// ============================================================================
// Call and reply headers
// ============================================================================

func TestCallRoundTrip(t *testing.T) {
	unix := &UnixAuth{Stamp: 7, MachineName: "proxy", UID: 1000, GID: 100, GIDs: []uint32{4, 24}}
	cred, err := unix.Encode()
	require.NoError(t, err)

	h := &CallHeader{XID: 42, Program: 100003, Version: 4, Procedure: 1, Cred: cred, Verf: NoneAuth}
	msg := EncodeCall(h, []byte{1, 2, 3, 4})

	xid, err := PeekXID(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), xid)

	got, args, err := DecodeCall(msg)
	require.NoError(t, err)
	assert.Equal(t, h.XID, got.XID)
	assert.Equal(t, h.Program, got.Program)
	assert.Equal(t, h.Version, got.Version)
	assert.Equal(t, h.Procedure, got.Procedure)
	assert.Equal(t, AuthSys, got.Cred.Flavor)
	assert.Equal(t, []byte{1, 2, 3, 4}, args)

	parsed, err := ParseUnixAuth(got.Cred.Body)
	require.NoError(t, err)
	assert.Equal(t, unix, parsed)
}

func TestUnixAuthLimits(t *testing.T) {
	u := &UnixAuth{GIDs: make([]uint32, MaxUnixGIDs+1)}
	_, err := u.Encode()
	assert.Error(t, err)
}

func TestDecodeReply(t *testing.T) {
	t.Run("AcceptedSuccess", func(t *testing.T) {
		msg := EncodeAcceptedReply(9, NoneAuth, Success, []byte{0, 0, 0, 5})
		rep, err := DecodeReply(msg)
		require.NoError(t, err)
		assert.Equal(t, uint32(9), rep.XID)
		assert.NoError(t, rep.Err())
		assert.Equal(t, []byte{0, 0, 0, 5}, rep.Body)
	})

	t.Run("AcceptedGarbageArgs", func(t *testing.T) {
		rep, err := DecodeReply(EncodeAcceptedReply(3, NoneAuth, GarbageArgs, nil))
		require.NoError(t, err)
		var rerr *ReplyError
		require.ErrorAs(t, rep.Err(), &rerr)
		assert.False(t, rerr.IsAuth())
		assert.Equal(t, GarbageArgs, rerr.AcceptStat)
	})

	t.Run("AuthError", func(t *testing.T) {
		rep, err := DecodeReply(EncodeAuthErrorReply(4, RPCSecGSSCtxProblem))
		require.NoError(t, err)
		var rerr *ReplyError
		require.ErrorAs(t, rep.Err(), &rerr)
		assert.True(t, rerr.IsAuth())
		assert.True(t, rerr.IsGSSContextProblem())
	})

	t.Run("RejectsCall", func(t *testing.T) {
		msg := EncodeCall(&CallHeader{XID: 1, Cred: NoneAuth, Verf: NoneAuth}, nil)
		_, err := DecodeReply(msg)
		assert.Error(t, err)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := DecodeReply([]byte{0, 0, 0, 1, 0, 0, 0, 1})
		assert.Error(t, err)
	})
}

// ============================================================================
// RPCSEC_GSS
// ============================================================================

func TestGSSCredRoundTrip(t *testing.T) {
	c := &GSSCred{Proc: RPCGSSData, SeqNum: 17, Service: RPCGSSSvcIntegrity, Handle: []byte{9, 8, 7}}
	auth, err := c.Encode()
	require.NoError(t, err)
	assert.Equal(t, AuthRPCSECGSS, auth.Flavor)

	got, err := DecodeGSSCred(auth.Body)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestGSSInitResRoundTrip(t *testing.T) {
	r := &GSSInitRes{Handle: []byte("ctx1"), GSSMajor: GSSComplete, SeqWindow: 128, GSSToken: []byte{1}}
	b, err := r.Encode()
	require.NoError(t, err)
	got, err := DecodeGSSInitRes(b)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	tok, err := DecodeInitArgs(EncodeInitArgs([]byte("token")))
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), tok)
}

func TestCallVerifier(t *testing.T) {
	key := testKey()
	cred, err := (&GSSCred{Proc: RPCGSSData, SeqNum: 5, Service: RPCGSSSvcNone, Handle: []byte("h")}).Encode()
	require.NoError(t, err)

	h := &CallHeader{XID: 11, Program: 100003, Version: 4, Procedure: 1, Cred: cred}
	h.Verf, err = CallVerifier(key, h)
	require.NoError(t, err)

	decoded, _, err := DecodeCall(EncodeCall(h, nil))
	require.NoError(t, err)
	assert.NoError(t, VerifyCallVerifier(key, decoded))

	decoded.XID++
	assert.ErrorIs(t, VerifyCallVerifier(key, decoded), ErrBadVerifier)
}

func TestReplyVerifier(t *testing.T) {
	key := testKey()
	verf, err := ReplyVerifier(key, 77)
	require.NoError(t, err)

	assert.NoError(t, VerifyReplyVerifier(key, 77, verf))
	assert.ErrorIs(t, VerifyReplyVerifier(key, 78, verf), ErrBadVerifier)

	// An initiator MIC is not accepted as a reply verifier.
	mic, err := ComputeMIC(key, Initiator, 77, seqBytes(77))
	require.NoError(t, err)
	assert.Error(t, VerifyReplyVerifier(key, 77, OpaqueAuth{Flavor: AuthRPCSECGSS, Body: mic}))
}

func TestIntegrityWrap(t *testing.T) {
	key := testKey()
	body := []byte("compound args")

	for _, role := range []Role{Initiator, Acceptor} {
		t.Run(role.String(), func(t *testing.T) {
			wrapped, err := WrapIntegrity(key, role, 3, body)
			require.NoError(t, err)

			got, err := UnwrapIntegrity(key, role, 3, wrapped)
			require.NoError(t, err)
			assert.Equal(t, body, got)

			_, err = UnwrapIntegrity(key, role, 4, wrapped)
			assert.Error(t, err, "sequence mismatch must fail")
		})
	}

	t.Run("Tampered", func(t *testing.T) {
		wrapped, err := WrapIntegrity(key, Acceptor, 3, body)
		require.NoError(t, err)
		wrapped[10] ^= 0xFF
		_, err = UnwrapIntegrity(key, Acceptor, 3, wrapped)
		assert.Error(t, err)
	})
}

func TestPrivacyWrap(t *testing.T) {
	key := testKey()
	body := []byte("secret compound args")

	for _, role := range []Role{Initiator, Acceptor} {
		t.Run(role.String(), func(t *testing.T) {
			wrapped, err := WrapPrivacy(key, role, 21, body)
			require.NoError(t, err)
			assert.False(t, bytes.Contains(wrapped, body), "body must be encrypted")

			got, err := UnwrapPrivacy(key, role, 21, wrapped)
			require.NoError(t, err)
			assert.Equal(t, body, got)
		})
	}

	t.Run("WrongDirection", func(t *testing.T) {
		wrapped, err := WrapPrivacy(key, Initiator, 1, body)
		require.NoError(t, err)
		_, err = UnwrapPrivacy(key, Acceptor, 1, wrapped)
		assert.Error(t, err)
	})

	t.Run("RotatedToken", func(t *testing.T) {
		wrapped, err := WrapPrivacy(key, Acceptor, 8, body)
		require.NoError(t, err)

		token, err := decodeOpaque(bytes.NewReader(wrapped))
		require.NoError(t, err)
		ct := token[wrapTokenHdrLen:]
		const rrc = 28
		rotated := append(append([]byte{}, ct[len(ct)-rrc:]...), ct[:len(ct)-rrc]...)
		binary.BigEndian.PutUint16(token[6:8], rrc)
		copy(token[wrapTokenHdrLen:], rotated)

		var buf bytes.Buffer
		writeOpaque(&buf, token)
		got, err := UnwrapPrivacy(key, Acceptor, 8, buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, body, got)
	})
}
