package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"
)

// RFC 4121 Section 4.2.6.2 Wrap token header.
const (
	wrapTokenHdrLen        = 16
	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02
)

// WrapIntegrity builds rpc_gss_integ_data: the opaque databody
// (XDR seq_num followed by body) and the MIC over it.
func WrapIntegrity(key types.EncryptionKey, sender Role, seq uint32, body []byte) ([]byte, error) {
	databody := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(databody[:4], seq)
	copy(databody[4:], body)

	mic, err := ComputeMIC(key, sender, uint64(seq), databody)
	if err != nil {
		return nil, fmt.Errorf("integrity wrap: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(databody) + len(mic) + 16)
	writeOpaque(&buf, databody)
	writeOpaque(&buf, mic)
	return buf.Bytes(), nil
}

// UnwrapIntegrity verifies rpc_gss_integ_data produced by sender and
// returns the body. The embedded sequence number must equal seq.
func UnwrapIntegrity(key types.EncryptionKey, sender Role, seq uint32, data []byte) ([]byte, error) {
	r := bytes.NewReader(data)
	databody, err := decodeOpaque(r)
	if err != nil {
		return nil, fmt.Errorf("decode databody_integ: %w", err)
	}
	mic, err := decodeOpaque(r)
	if err != nil {
		return nil, fmt.Errorf("decode checksum: %w", err)
	}
	if err := VerifyMIC(key, sender, databody, mic); err != nil {
		return nil, err
	}
	return checkSeqPrefix(databody, seq)
}

func checkSeqPrefix(plain []byte, seq uint32) ([]byte, error) {
	if len(plain) < 4 {
		return nil, fmt.Errorf("protected body too short for seq_num: %d bytes", len(plain))
	}
	if got := binary.BigEndian.Uint32(plain[:4]); got != seq {
		return nil, fmt.Errorf("seq_num mismatch: credential=%d, body=%d", seq, got)
	}
	return plain[4:], nil
}

// WrapPrivacy builds rpc_gss_priv_data: a sealed RFC 4121 Wrap token over
// XDR seq_num followed by body.
func WrapPrivacy(key types.EncryptionKey, sender Role, seq uint32, body []byte) ([]byte, error) {
	plain := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(plain[:4], seq)
	copy(plain[4:], body)

	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("get encryption type: %w", err)
	}

	flags := byte(wrapFlagSealed)
	if sender == Acceptor {
		flags |= wrapFlagSentByAcceptor
	}

	// EC and RRC are zero: no filler, no rotation.
	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = flags
	header[3] = 0xFF
	binary.BigEndian.PutUint64(header[8:16], uint64(seq))

	toEncrypt := make([]byte, len(plain)+wrapTokenHdrLen)
	copy(toEncrypt, plain)
	copy(toEncrypt[len(plain):], header)

	_, ciphertext, err := et.EncryptMessage(key.KeyValue, toEncrypt, sender.sealUsage())
	if err != nil {
		return nil, fmt.Errorf("encrypt wrap token: %w", err)
	}

	token := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(token, header)
	copy(token[wrapTokenHdrLen:], ciphertext)

	var buf bytes.Buffer
	writeOpaque(&buf, token)
	return buf.Bytes(), nil
}

// UnwrapPrivacy decrypts rpc_gss_priv_data produced by sender and returns
// the body. Unsealed Wrap tokens are accepted and checksum-verified.
func UnwrapPrivacy(key types.EncryptionKey, sender Role, seq uint32, data []byte) ([]byte, error) {
	token, err := decodeOpaque(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode databody_priv: %w", err)
	}
	if len(token) < wrapTokenHdrLen {
		return nil, fmt.Errorf("wrap token too short: %d bytes", len(token))
	}
	if token[0] != 0x05 || token[1] != 0x04 {
		return nil, fmt.Errorf("invalid wrap token id: 0x%02x%02x", token[0], token[1])
	}

	flags := token[2]
	ec := binary.BigEndian.Uint16(token[4:6])
	rrc := binary.BigEndian.Uint16(token[6:8])
	sndSeq := binary.BigEndian.Uint64(token[8:16])

	fromAcceptor := flags&wrapFlagSentByAcceptor != 0
	if fromAcceptor != (sender == Acceptor) {
		return nil, fmt.Errorf("wrap token direction flag mismatch: expected %s", sender)
	}

	var plain []byte
	if flags&wrapFlagSealed != 0 {
		ciphertext := token[wrapTokenHdrLen:]
		if rrc > 0 && len(ciphertext) > 0 {
			ciphertext = rotateLeft(ciphertext, int(rrc))
		}

		decrypted, err := crypto.DecryptMessage(ciphertext, key, sender.sealUsage())
		if err != nil {
			return nil, fmt.Errorf("decrypt wrap token: %w", err)
		}
		if len(decrypted) < wrapTokenHdrLen+int(ec) {
			return nil, fmt.Errorf("decrypted wrap token too short: %d bytes", len(decrypted))
		}

		headerCopy := decrypted[len(decrypted)-wrapTokenHdrLen:]
		if headerCopy[0] != 0x05 || headerCopy[1] != 0x04 || headerCopy[2] != flags {
			return nil, fmt.Errorf("wrap token header copy mismatch")
		}
		if binary.BigEndian.Uint64(headerCopy[8:16]) != sndSeq {
			return nil, fmt.Errorf("wrap token header copy sequence mismatch")
		}
		plain = decrypted[:len(decrypted)-wrapTokenHdrLen-int(ec)]
	} else {
		var wt gssapi.WrapToken
		if err := wt.Unmarshal(token, fromAcceptor); err != nil {
			return nil, fmt.Errorf("unmarshal wrap token: %w", err)
		}
		ok, err := wt.Verify(key, sender.sealUsage())
		if err != nil {
			return nil, fmt.Errorf("verify wrap token: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("wrap token verification failed")
		}
		plain = wt.Payload
	}

	return checkSeqPrefix(plain, seq)
}

func rotateLeft(data []byte, n int) []byte {
	n %= len(data)
	if n == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data[n:])
	copy(out[len(data)-n:], data[:n])
	return out
}
