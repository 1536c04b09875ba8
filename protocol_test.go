package relaytcp

import "testing"

func TestBuildRoutingRequest(t *testing.T) {
	var peer PublicKey
	peer[0] = 0xaa
	peer[31] = 0xbb
	got := buildRoutingRequest(peer)
	if got[0] != PacketRoutingRequest {
		t.Fatalf("type = %d, want PacketRoutingRequest", got[0])
	}
	if len(got) != 1+PublicKeySize {
		t.Fatalf("len = %d, want %d", len(got), 1+PublicKeySize)
	}
	var gotPeer PublicKey
	copy(gotPeer[:], got[1:])
	if gotPeer != peer {
		t.Fatalf("peer key round-trip mismatch")
	}
}

func TestBuildDisconnectNotification(t *testing.T) {
	got := buildDisconnectNotification(7)
	want := []byte{PacketDisconnectNotify, 7}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPingPongIDRoundTrip(t *testing.T) {
	ping := buildPingRequest(0xdeadbeefcafebabe)
	if ping[0] != PacketPing {
		t.Fatalf("type = %d, want PacketPing", ping[0])
	}
	if got := parsePingID(ping[1:]); got != 0xdeadbeefcafebabe {
		t.Fatalf("parsePingID = %#x, want %#x", got, uint64(0xdeadbeefcafebabe))
	}

	pong := buildPongResponse(42)
	if pong[0] != PacketPong {
		t.Fatalf("type = %d, want PacketPong", pong[0])
	}
	if got := parsePingID(pong[1:]); got != 42 {
		t.Fatalf("parsePingID = %d, want 42", got)
	}
}

func TestBuildOnionRequest(t *testing.T) {
	payload := []byte("opaque onion bytes")
	got := buildOnionRequest(payload)
	if got[0] != PacketOnionRequest {
		t.Fatalf("type = %d, want PacketOnionRequest", got[0])
	}
	if string(got[1:]) != string(payload) {
		t.Fatalf("payload round-trip mismatch")
	}
}
