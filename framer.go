package relaytcp

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// MaxPacketSize is the hard per-record ceiling of §6: length prefix +
// ciphertext (payload + MAC) must together fit in this many bytes.
const MaxPacketSize = 2048

// lengthPrefixSize is the big-endian record-length field of §4.3.
const lengthPrefixSize = 2

// MaxPayloadSize is the largest plaintext payload write_record will accept.
const MaxPayloadSize = MaxPacketSize - lengthPrefixSize - macSize

// secureFramer implements §4.3: length-prefixed secretbox records over a
// byte stream, with a single-slot outbound overflow buffer and nonce
// counters that advance exactly once per accepted/decoded record.
type secureFramer struct {
	sock rawConn

	sessionKey sharedKey
	sendNonce  sessionNonce
	recvNonce  sessionNonce

	// outbound is the single-slot overflow buffer of §3: at most one
	// partially-sent frame may occupy it at a time.
	outbound       [MaxPacketSize]byte
	outboundLength uint16
	outboundOffset uint16

	// Receive-side accumulation. The spec's read_record describes the
	// contract ("read 2 bytes... read next_frame_length bytes") without
	// naming the scratch storage a partial read leaves behind; these
	// fields are that storage (see DESIGN.md).
	lenBuf       [lengthPrefixSize]byte
	lenFilled    int
	nextFrameLen uint16
	cipherBuf    [MaxPacketSize]byte
	cipherFilled int
}

func newSecureFramer(sock rawConn, result *handshakeResult) *secureFramer {
	return &secureFramer{
		sock:       sock,
		sessionKey: result.sessionKey,
		recvNonce:  result.recvNonce,
	}
}

// hasPendingOutbound reports whether the single outbound slot is occupied.
func (f *secureFramer) hasPendingOutbound() bool {
	return f.outboundLength > 0
}

// drainOutbound attempts to flush whatever is sitting in the outbound
// buffer. Returns true once the buffer is fully drained (or was already
// empty). A partial or zero write leaves the buffer in place and returns
// false, without error — per §4.3, that's normal backpressure, not fatal.
func (f *secureFramer) drainOutbound() (bool, error) {
	if f.outboundLength == 0 {
		return true, nil
	}
	remaining := f.outbound[f.outboundOffset:f.outboundLength]
	n, err := f.sock.send(remaining)
	if err != nil {
		if err == ErrWouldBlock {
			return false, nil
		}
		return false, err
	}
	f.outboundOffset += uint16(n)
	if f.outboundOffset >= f.outboundLength {
		f.outboundLength = 0
		f.outboundOffset = 0
		return true, nil
	}
	return false, nil
}

// writeRecord implements write_record(payload) of §4.3: sent / would_block /
// fatal. On return SendResult of Sent, sendNonce has already advanced by
// exactly one, whether or not every ciphertext byte reached the kernel yet.
func (f *secureFramer) writeRecord(payload []byte) (SendResult, error) {
	if len(payload) > MaxPayloadSize {
		return Fatal, fmt.Errorf("%w: payload %d exceeds max %d", ErrProtocolViolation, len(payload), MaxPayloadSize)
	}

	drained, err := f.drainOutbound()
	if err != nil {
		return Fatal, err
	}
	if !drained {
		return WouldBlock, nil
	}

	nonceArr := [NonceSize]byte(f.sendNonce)
	keyArr := [32]byte(f.sessionKey)
	sealed := secretbox.Seal(nil, payload, &nonceArr, &keyArr)
	f.sendNonce.increment()

	frame := make([]byte, 0, lengthPrefixSize+len(sealed))
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sealed)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, sealed...)

	n, err := f.sock.send(frame)
	if err != nil {
		if err == ErrWouldBlock {
			n = 0
		} else {
			return Fatal, err
		}
	}
	if n == len(frame) {
		return Sent, nil
	}

	// Partial (including zero) send: the record is already committed to
	// the cipher stream, so it must not be re-encrypted. Buffer the rest.
	copy(f.outbound[:], frame[n:])
	f.outboundLength = uint16(len(frame) - n)
	f.outboundOffset = 0
	return Sent, nil
}

// readRecord implements read_record() of §4.3. A nil, nil return means
// "empty" — nothing decoded yet, try again next tick. A non-nil payload is
// one fully decrypted record. Any error is fatal.
func (f *secureFramer) readRecord() ([]byte, error) {
	if f.nextFrameLen == 0 {
		for f.lenFilled < lengthPrefixSize {
			n, err := f.sock.recv(f.lenBuf[f.lenFilled:])
			if err != nil {
				if err == ErrWouldBlock {
					return nil, nil
				}
				return nil, err
			}
			f.lenFilled += n
		}
		length := binary.BigEndian.Uint16(f.lenBuf[:])
		if length == 0 || int(length) > MaxPacketSize {
			return nil, fmt.Errorf("%w: record length %d out of range", ErrFrameCorrupt, length)
		}
		f.nextFrameLen = length
		f.lenFilled = 0
		f.cipherFilled = 0
	}

	for f.cipherFilled < int(f.nextFrameLen) {
		n, err := f.sock.recv(f.cipherBuf[f.cipherFilled:f.nextFrameLen])
		if err != nil {
			if err == ErrWouldBlock {
				return nil, nil
			}
			return nil, err
		}
		f.cipherFilled += n
	}

	nonceArr := [NonceSize]byte(f.recvNonce)
	keyArr := [32]byte(f.sessionKey)
	plain, ok := secretbox.Open(nil, f.cipherBuf[:f.nextFrameLen], &nonceArr, &keyArr)
	if !ok {
		return nil, fmt.Errorf("%w: MAC verification failed", ErrFrameCorrupt)
	}
	f.recvNonce.increment()
	f.nextFrameLen = 0
	f.cipherFilled = 0
	return plain, nil
}

// increment advances a 24-byte big-endian counter nonce by one, the way
// toxcore's increment_nonce treats the nonce as one large big-endian
// integer. A wraparound (all-zero after increment) would mean the session
// has sent/received 2^192 records and is left undetected, the same as the
// original — sessions never run remotely that long.
func (n *sessionNonce) increment() {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
}
