package relaytcp

import "encoding/binary"

// Control protocol packet types (§4.4). The type is the first plaintext
// byte inside a decrypted record, not a separate framing field.
const (
	PacketRoutingRequest        byte = 0
	PacketRoutingResponse       byte = 1
	PacketConnectionNotify      byte = 2
	PacketDisconnectNotify      byte = 3
	PacketPing                  byte = 4
	PacketPong                  byte = 5
	PacketOnionRequest          byte = 8
	PacketOnionResponse         byte = 9
	// NumReservedPorts is the first packet type value used for routed
	// user packets: type N (N >= NumReservedPorts) carries connection id
	// N - NumReservedPorts.
	NumReservedPorts byte = 16
)

const (
	pingBodySize                 = 8
	routingRequestBodySize       = PublicKeySize
	routingResponseBodySize      = 1 + PublicKeySize
	connectionIDBodySize         = 1
)

// Handlers are the host-supplied hooks an Engine dispatches control-protocol
// events through (§9 "callback plus opaque object", re-architected as
// closures instead of void-pointer callbacks). Any nil hook is a silent
// no-op for that event.
type Handlers struct {
	// OnRoutingResponse fires on ROUTING_RESPONSE: a status byte and the
	// peer public key the relay is reporting on.
	OnRoutingResponse func(status byte, peerPublicKey PublicKey)
	// OnConnectionNotification fires on CONNECTION_NOTIFICATION.
	OnConnectionNotification func(connectionID byte)
	// OnDisconnectNotification fires on a received DISCONNECT_NOTIFICATION.
	OnDisconnectNotification func(connectionID byte)
	// OnRoutedPacket fires for any packet type >= NumReservedPorts: the
	// open extension point of §9, delivering (connection_id, payload)
	// without inventing semantics beyond that.
	OnRoutedPacket func(connectionID byte, payload []byte)
	// OnOnionResponse fires on ONION_RESPONSE.
	OnOnionResponse func(payload []byte)
}

func buildRoutingRequest(peerPublicKey PublicKey) []byte {
	out := make([]byte, 1+routingRequestBodySize)
	out[0] = PacketRoutingRequest
	copy(out[1:], peerPublicKey[:])
	return out
}

func buildDisconnectNotification(connectionID byte) []byte {
	return []byte{PacketDisconnectNotify, connectionID}
}

func buildPingRequest(id uint64) []byte {
	out := make([]byte, 1+pingBodySize)
	out[0] = PacketPing
	binary.BigEndian.PutUint64(out[1:], id)
	return out
}

func buildPongResponse(id uint64) []byte {
	out := make([]byte, 1+pingBodySize)
	out[0] = PacketPong
	binary.BigEndian.PutUint64(out[1:], id)
	return out
}

func buildOnionRequest(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = PacketOnionRequest
	copy(out[1:], payload)
	return out
}

func parsePingID(body []byte) uint64 {
	return binary.BigEndian.Uint64(body)
}
