package relaytcp

import "errors"

// Sentinel errors for the §7 error taxonomy. Every fatal one collapses the
// engine to Disconnected; ErrWouldBlock never does — it just means "try
// again on the next tick".
var (
	// ErrWouldBlock signals that a non-blocking socket operation has
	// nothing to report yet. Not an error condition; the caller retries
	// on a later tick.
	ErrWouldBlock = errors.New("relaytcp: would block")

	// ErrSocketFatal wraps a terminal OS-level error from connect/send/recv.
	ErrSocketFatal = errors.New("relaytcp: socket error")

	// ErrHandshakeReject is returned when the handshake reply fails to
	// decrypt or has the wrong length.
	ErrHandshakeReject = errors.New("relaytcp: handshake rejected")

	// ErrFrameCorrupt covers an oversized length prefix or a failed MAC.
	ErrFrameCorrupt = errors.New("relaytcp: corrupt frame")

	// ErrProtocolViolation covers a control packet with the wrong body
	// size, or a PONG carrying a disallowed id.
	ErrProtocolViolation = errors.New("relaytcp: protocol violation")

	// ErrTimeout covers a pong that never arrived, or the absolute
	// connection deadline.
	ErrTimeout = errors.New("relaytcp: timed out")

	// ErrDisconnected is returned by engine operations attempted after
	// the engine has reached the terminal Disconnected state.
	ErrDisconnected = errors.New("relaytcp: engine disconnected")

	// ErrInvalidConfig is returned by New when the supplied address has no
	// usable IPv4 or IPv6 form. Keys are not validated.
	ErrInvalidConfig = errors.New("relaytcp: invalid configuration")
)

// SendResult is the three-way outcome of every outbound operation in §6:
// sent, would_block, fatal.
type SendResult int

const (
	// Sent means the record was handed to the cipher stream (and, if the
	// socket could not take it all immediately, buffered for a later
	// drain). send_nonce has already advanced.
	Sent SendResult = iota
	// WouldBlock means the single-slot outbound buffer was still
	// occupied by a previous record, or the engine has not reached
	// Confirmed yet; nothing was encrypted or queued.
	WouldBlock
	// Fatal means the engine is Disconnected: either this call moved it
	// there, or it already was.
	Fatal
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case WouldBlock:
		return "would_block"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}
