package relaytcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Status is the engine's position in the §3 lifecycle state machine.
type Status int

const (
	Connecting Status = iota
	Unconfirmed
	Confirmed
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Engine drives one client-side connection to a relay server: dial, one
// handshake, then a framed control/user packet stream, all advanced by
// repeated calls to Tick (§3, §9 "the engine does not run its own thread").
type Engine struct {
	cfg *engineConfig

	sock rawConn
	hs   *handshakeState
	fr   *secureFramer

	status  Status
	lastErr error
	killAt  time.Time

	// pendingHandshake holds the unsent tail of the client handshake packet
	// when the initial send in New could not flush it all synchronously.
	pendingHandshake []byte

	// handshake reply accumulates across ticks the same way record bodies
	// do in secureFramer, but the wire shape is fixed-size and unframed so
	// it gets its own small accumulator instead of reusing readRecord.
	replyBuf    [TCPServerHandshakeSize]byte
	replyFilled int

	// pingID is the spec's pending_ping_id: 0 means no ping outstanding.
	pingID       uint64
	pingSentAt   time.Time
	lastActivity time.Time
}

// New dials addr and begins the handshake as self (selfPublic/selfSecret)
// against a relay identified by remotePublic. The connection timeout
// deadline is set once here and is never extended afterward (§9, §12).
func New(addr *net.TCPAddr, selfPublic PublicKey, selfSecret SecretKey, remotePublic PublicKey, opts ...Option) (*Engine, error) {
	sock, err := dialSocket(addr)
	if err != nil {
		return nil, err
	}
	return newEngineWithConn(sock, selfPublic, selfSecret, remotePublic, opts...)
}

// newEngineWithConn is New's body over an already-established rawConn. The
// seam exists so tests can drive the CONNECTING/UNCONFIRMED transitions
// (§8 scenario 1) through a fakeConn instead of a real kernel socket.
func newEngineWithConn(sock rawConn, selfPublic PublicKey, selfSecret SecretKey, remotePublic PublicKey, opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	packet, hs, err := buildClientHandshake(selfPublic, selfSecret, remotePublic)
	if err != nil {
		sock.close()
		return nil, err
	}

	now := cfg.clock.Now()
	e := &Engine{
		cfg:          cfg,
		sock:         sock,
		hs:           hs,
		status:       Connecting,
		killAt:       now.Add(cfg.connectionTimeout),
		lastActivity: now,
	}

	// The handshake packet is fixed-size and sent once; if the kernel can't
	// take it all immediately the remaining bytes are kept in
	// pendingHandshake and flushed by tickConnecting.
	n, err := sock.send(packet)
	if err != nil && err != ErrWouldBlock {
		sock.close()
		return nil, err
	}
	if n < len(packet) {
		e.pendingHandshake = packet[n:]
	}

	return e, nil
}

// Tick advances the engine by one cooperative step: it never blocks, and
// does at most the work available right now on the socket. Callers are
// expected to call it repeatedly, e.g. once per event-loop iteration.
func (e *Engine) Tick(now time.Time) {
	if e.status == Disconnected {
		return
	}

	if !e.killAt.IsZero() && now.After(e.killAt) {
		e.fail(ErrTimeout)
		return
	}

	// The state checks run in sequence, so a transition made by one step is
	// picked up by the next step within the same tick.
	if e.status == Connecting {
		e.tickConnecting()
	}
	if e.status == Unconfirmed {
		e.tickUnconfirmed()
	}
	if e.status == Confirmed {
		e.tickConfirmed(now)
	}
}

func (e *Engine) tickConnecting() {
	if len(e.pendingHandshake) > 0 {
		n, err := e.sock.send(e.pendingHandshake)
		if err != nil {
			if err == ErrWouldBlock {
				return
			}
			e.fail(err)
			return
		}
		e.pendingHandshake = e.pendingHandshake[n:]
		if len(e.pendingHandshake) > 0 {
			return
		}
	}
	e.status = Unconfirmed
}

func (e *Engine) tickUnconfirmed() {
	for e.replyFilled < TCPServerHandshakeSize {
		n, err := e.sock.recv(e.replyBuf[e.replyFilled:])
		if err != nil {
			if err == ErrWouldBlock {
				return
			}
			e.fail(err)
			return
		}
		e.replyFilled += n
	}

	result, err := processServerHandshake(e.hs, e.replyBuf[:])
	if err != nil {
		// Handshake rejection zeroes the deadline rather than extending
		// it: a rejected handshake is immediately terminal, not retried.
		e.killAt = time.Time{}
		e.fail(err)
		return
	}

	e.fr = newSecureFramer(e.sock, result)
	e.fr.sendNonce = e.hs.baseNonce
	zeroSharedKey(&e.hs.longTermShared)
	e.hs = nil
	e.status = Confirmed
}

func (e *Engine) tickConfirmed(now time.Time) {
	if _, err := e.fr.drainOutbound(); err != nil {
		e.fail(err)
		return
	}

	e.maybePing(now)

	for {
		payload, err := e.fr.readRecord()
		if err != nil {
			e.fail(err)
			return
		}
		if payload == nil {
			return
		}
		e.lastActivity = now
		if e.cfg.metrics != nil {
			e.cfg.metrics.IncrementRecordsReceived()
			e.cfg.metrics.IncrementBytesReceived(int64(len(payload)))
		}
		e.dispatch(payload)
	}
}

// maybePing implements do_confirmed_TCP's ping half: send a fresh ping once
// pingFrequency has elapsed since the last one, and disconnect if a ping
// has gone unanswered longer than pingTimeout.
func (e *Engine) maybePing(now time.Time) {
	if e.pingID != 0 && now.Sub(e.pingSentAt) >= e.cfg.pingTimeout {
		e.fail(ErrTimeout)
		return
	}
	if e.pingID != 0 {
		return
	}
	if now.Sub(e.pingSentAt) < e.cfg.pingFrequency {
		return
	}

	id, err := randomNonzeroPingID()
	if err != nil {
		e.fail(err)
		return
	}
	result, err := e.fr.writeRecord(buildPingRequest(id))
	if err != nil {
		e.fail(err)
		return
	}
	if result == Sent {
		e.pingID = id
		e.pingSentAt = now
		if e.cfg.metrics != nil {
			e.cfg.metrics.IncrementPingsSent()
		}
	}
}

// randomNonzeroPingID draws a random 64-bit id, redrawing on the
// vanishingly unlikely zero result — zero is reserved to mean "no ping
// outstanding" (§4.4, §12).
func randomNonzeroPingID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("%w: generate ping id: %v", ErrSocketFatal, err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}

// dispatch implements the receive half of §4.4: a control packet whose body
// length doesn't match its type's fixed shape exactly is a protocol
// violation, fatal just like a bad MAC (§4.4 closing bullet, §7).
func (e *Engine) dispatch(payload []byte) {
	if len(payload) == 0 {
		e.fail(fmt.Errorf("%w: empty control packet", ErrProtocolViolation))
		return
	}
	kind := payload[0]
	body := payload[1:]

	switch {
	case kind == PacketPing && len(body) == pingBodySize:
		// A pong dropped by backpressure is not retried; the peer's own
		// ping timer will simply re-ping.
		id := parsePingID(body)
		if _, err := e.fr.writeRecord(buildPongResponse(id)); err != nil {
			e.fail(err)
		}

	case kind == PacketPong && len(body) == pingBodySize:
		id := parsePingID(body)
		// A zero id, or any nonzero id that doesn't match the outstanding
		// ping, is fatal (§4.4) — never silently ignored.
		if id == 0 || id != e.pingID {
			e.fail(fmt.Errorf("%w: unexpected pong id %d", ErrProtocolViolation, id))
			return
		}
		e.pingID = 0
		if e.cfg.metrics != nil {
			e.cfg.metrics.IncrementPongsReceived()
		}

	case kind == PacketRoutingResponse && len(body) == routingResponseBodySize:
		if e.cfg.handlers.OnRoutingResponse != nil {
			var peer PublicKey
			copy(peer[:], body[1:1+PublicKeySize])
			e.cfg.handlers.OnRoutingResponse(body[0], peer)
		}

	case kind == PacketConnectionNotify && len(body) == connectionIDBodySize:
		if e.cfg.handlers.OnConnectionNotification != nil {
			e.cfg.handlers.OnConnectionNotification(body[0])
		}

	case kind == PacketDisconnectNotify && len(body) == connectionIDBodySize:
		if e.cfg.handlers.OnDisconnectNotification != nil {
			e.cfg.handlers.OnDisconnectNotification(body[0])
		}

	case kind == PacketOnionResponse:
		// Onion payloads carry no fixed shape of their own; any length,
		// including zero, is a well-formed ONION_RESPONSE body.
		if e.cfg.handlers.OnOnionResponse != nil {
			e.cfg.handlers.OnOnionResponse(body)
		}

	case kind >= NumReservedPorts:
		// Routed user packets likewise carry an arbitrary-length payload.
		if e.cfg.handlers.OnRoutedPacket != nil {
			e.cfg.handlers.OnRoutedPacket(kind-NumReservedPorts, body)
		}

	default:
		e.fail(fmt.Errorf("%w: control packet type %d with body length %d", ErrProtocolViolation, kind, len(body)))
	}
}

// send is the shared path behind the exported Send* helpers: it refuses to
// spend the single outbound slot on anything but a confirmed session, and
// reports WouldBlock rather than failing a healthy connection that simply
// hasn't finished handshaking yet.
func (e *Engine) send(payload []byte) (SendResult, error) {
	switch e.status {
	case Disconnected:
		return Fatal, ErrDisconnected
	case Confirmed:
		result, err := e.fr.writeRecord(payload)
		if err != nil {
			e.fail(err)
			return Fatal, err
		}
		if result == Sent && e.cfg.metrics != nil {
			e.cfg.metrics.IncrementRecordsSent()
			e.cfg.metrics.IncrementBytesSent(int64(len(payload)))
		}
		return result, nil
	default:
		return WouldBlock, nil
	}
}

// SendRoutingRequest asks the relay to open a connection slot to peerPublicKey.
func (e *Engine) SendRoutingRequest(peerPublicKey PublicKey) (SendResult, error) {
	return e.send(buildRoutingRequest(peerPublicKey))
}

// SendDisconnectNotification tells the relay to tear down connectionID.
func (e *Engine) SendDisconnectNotification(connectionID byte) (SendResult, error) {
	return e.send(buildDisconnectNotification(connectionID))
}

// SendOnionRequest forwards an opaque onion payload through the relay.
func (e *Engine) SendOnionRequest(payload []byte) (SendResult, error) {
	return e.send(buildOnionRequest(payload))
}

// SendRoutedPacket sends a user packet over an already-routed connection id.
func (e *Engine) SendRoutedPacket(connectionID byte, payload []byte) (SendResult, error) {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, NumReservedPorts+connectionID)
	out = append(out, payload...)
	return e.send(out)
}

// SetOnionResponseHandler installs (or replaces) the ONION_RESPONSE hook on
// an already-constructed engine (§6), independent of the rest of the
// Handlers set supplied to New via WithHandlers.
func (e *Engine) SetOnionResponseHandler(fn func(payload []byte)) {
	e.cfg.handlers.OnOnionResponse = fn
}

// Status reports the engine's current lifecycle state.
func (e *Engine) Status() Status {
	return e.status
}

// LastError reports the error that moved the engine into Disconnected, if
// any. It is nil while the engine is still connecting or confirmed.
func (e *Engine) LastError() error {
	return e.lastErr
}

func (e *Engine) fail(err error) {
	if e.status == Disconnected {
		return
	}
	e.status = Disconnected
	e.lastErr = err
	if e.hs != nil {
		zeroSharedKey(&e.hs.longTermShared)
		zeroSecretKey(&e.hs.tempSecret)
		e.hs = nil
	}
	if e.fr != nil {
		zeroSharedKey(&e.fr.sessionKey)
	}
	e.sock.close()
}

// Destroy shuts the engine down unconditionally, zeroing key material. It
// is safe to call more than once and safe to call at any lifecycle stage.
func (e *Engine) Destroy() error {
	if e.status == Disconnected {
		return nil
	}
	e.status = Disconnected
	if e.lastErr == nil {
		e.lastErr = fmt.Errorf("%w: destroyed by caller", ErrDisconnected)
	}
	if e.hs != nil {
		zeroSharedKey(&e.hs.longTermShared)
		zeroSecretKey(&e.hs.tempSecret)
		e.hs = nil
	}
	if e.fr != nil {
		zeroSharedKey(&e.fr.sessionKey)
	}
	return e.sock.close()
}
