package relaytcp

import (
	"testing"
	"time"
)

// newDispatchTestEngine builds a single Confirmed engine wired to a fakeConn,
// for tests that feed payloads straight into dispatch without needing a
// peer on the other end of the wire.
func newDispatchTestEngine(t *testing.T) (*Engine, *fakeConn) {
	t.Helper()
	var key sharedKey
	for i := range key {
		key[i] = byte(i + 3)
	}
	conn := &fakeConn{}
	fr := newSecureFramer(conn, &handshakeResult{sessionKey: key})
	clock := NewManualClock(time.Unix(0, 0))
	cfg := defaultEngineConfig()
	cfg.clock = clock
	e := &Engine{
		cfg:          cfg,
		sock:         conn,
		fr:           fr,
		status:       Confirmed,
		killAt:       clock.Now().Add(cfg.connectionTimeout),
		lastActivity: clock.Now(),
	}
	return e, conn
}

func TestEngineDispatchPingRespondsWithPong(t *testing.T) {
	e, conn := newDispatchTestEngine(t)
	e.dispatch(buildPingRequest(42))
	if e.Status() != Confirmed {
		t.Fatalf("status = %v, want Confirmed", e.Status())
	}
	if len(conn.sent) == 0 {
		t.Fatalf("expected a pong to have been written")
	}
}

func TestEngineDispatchPongClearsPendingID(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	e.pingID = 99
	e.dispatch(buildPongResponse(99))
	if e.pingID != 0 {
		t.Fatalf("pingID = %d, want 0 after a matching pong", e.pingID)
	}
	if e.Status() != Confirmed {
		t.Fatalf("status = %v, want Confirmed", e.Status())
	}
}

func TestEngineDispatchPongZeroIDIsFatal(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	e.pingID = 99
	e.dispatch(buildPongResponse(0))
	if e.Status() != Disconnected {
		t.Fatalf("status = %v, want Disconnected on a zero pong id", e.Status())
	}
}

func TestEngineDispatchPongMismatchedIDIsFatal(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	e.pingID = 99
	e.dispatch(buildPongResponse(100))
	if e.Status() != Disconnected {
		t.Fatalf("status = %v, want Disconnected on a pong id that doesn't match", e.Status())
	}
}

func TestEngineDispatchRoutingResponseFiresHandler(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var gotStatus byte
	var gotPeer PublicKey
	e.cfg.handlers.OnRoutingResponse = func(status byte, peer PublicKey) {
		gotStatus = status
		gotPeer = peer
	}
	var peer PublicKey
	peer[0] = 0x11
	e.dispatch(append([]byte{PacketRoutingResponse, 1}, peer[:]...))
	if gotStatus != 1 {
		t.Fatalf("status = %d, want 1", gotStatus)
	}
	if gotPeer != peer {
		t.Fatalf("peer mismatch")
	}
	if e.Status() != Confirmed {
		t.Fatalf("status = %v, want Confirmed", e.Status())
	}
}

func TestEngineDispatchConnectionNotificationFiresHandler(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var got byte = 0xFF
	e.cfg.handlers.OnConnectionNotification = func(connID byte) { got = connID }
	e.dispatch([]byte{PacketConnectionNotify, 5})
	if got != 5 {
		t.Fatalf("connID = %d, want 5", got)
	}
}

func TestEngineDispatchDisconnectNotificationFiresHandler(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var got byte = 0xFF
	e.cfg.handlers.OnDisconnectNotification = func(connID byte) { got = connID }
	e.dispatch([]byte{PacketDisconnectNotify, 7})
	if got != 7 {
		t.Fatalf("connID = %d, want 7", got)
	}
}

// TestEngineDispatchOnionRoundTrip reproduces the onion round trip: send an
// onion request, then feed back [9, 0xDE, 0xAD] and assert the callback
// fires with exactly [0xDE, 0xAD].
func TestEngineDispatchOnionRoundTrip(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var got []byte
	e.cfg.handlers.OnOnionResponse = func(payload []byte) { got = payload }

	if _, err := e.SendOnionRequest([]byte{0xBE, 0xEF}); err != nil {
		t.Fatalf("SendOnionRequest: %v", err)
	}

	e.dispatch([]byte{PacketOnionResponse, 0xDE, 0xAD})
	if len(got) != 2 || got[0] != 0xDE || got[1] != 0xAD {
		t.Fatalf("onion response payload = %x, want [de ad]", got)
	}
	if e.Status() != Confirmed {
		t.Fatalf("status = %v, want Confirmed", e.Status())
	}
}

func TestEngineDispatchRoutedPacketFiresHandler(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var gotConnID byte
	var gotPayload []byte
	e.cfg.handlers.OnRoutedPacket = func(connID byte, payload []byte) {
		gotConnID = connID
		gotPayload = append([]byte{}, payload...)
	}
	e.dispatch(append([]byte{NumReservedPorts + 3}, []byte{1, 2, 3}...))
	if gotConnID != 3 {
		t.Fatalf("connID = %d, want 3", gotConnID)
	}
	if len(gotPayload) != 3 {
		t.Fatalf("payload = %v, want 3 bytes", gotPayload)
	}
}

// TestEngineDispatchWrongSizeBodiesAreFatal covers spec.md §4.4's closing
// bullet: a control packet whose body doesn't match its type's fixed shape
// exactly disconnects the engine, rather than being silently dropped.
func TestEngineDispatchWrongSizeBodiesAreFatal(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"ping too short", []byte{PacketPing, 1, 2, 3}},
		{"ping too long", append([]byte{PacketPing}, make([]byte, 9)...)},
		{"pong too short", []byte{PacketPong, 1, 2, 3}},
		{"routing response too short", []byte{PacketRoutingResponse, 1, 2}},
		{"routing response too long", append([]byte{PacketRoutingResponse}, make([]byte, routingResponseBodySize+1)...)},
		{"connection notify empty body", []byte{PacketConnectionNotify}},
		{"connection notify too long", []byte{PacketConnectionNotify, 1, 2}},
		{"disconnect notify empty body", []byte{PacketDisconnectNotify}},
		{"reserved type 6", []byte{6, 1, 2, 3}},
		{"reserved type 7", []byte{7}},
		{"routing request from peer", []byte{PacketRoutingRequest, 1, 2, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, _ := newDispatchTestEngine(t)
			e.dispatch(c.payload)
			if e.Status() != Disconnected {
				t.Fatalf("status = %v, want Disconnected", e.Status())
			}
			if e.LastError() == nil {
				t.Fatalf("expected a non-nil LastError")
			}
		})
	}
}

func TestEngineDispatchEmptyPayloadIsFatal(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	e.dispatch(nil)
	if e.Status() != Disconnected {
		t.Fatalf("status = %v, want Disconnected on an empty control packet", e.Status())
	}
}

func TestEngineSetOnionResponseHandlerReplacesHook(t *testing.T) {
	e, _ := newDispatchTestEngine(t)
	var calls int
	e.SetOnionResponseHandler(func(payload []byte) { calls++ })
	e.dispatch([]byte{PacketOnionResponse, 1})
	e.dispatch([]byte{PacketOnionResponse, 2})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
