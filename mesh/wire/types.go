// Package wire defines the datagram framing of the overlay protocol. Every
// UDP datagram starts with a fixed three-byte header (magic, protocol
// version, message type) followed by a type-specific binary body. The
// layout is exact: interoperability depends on it.
package wire

type MessageType uint8

const (
	TypeHandshakeInit     MessageType = 1
	TypeHandshakeResponse MessageType = 2
	TypeData              MessageType = 3
	TypeKeepalive         MessageType = 4
	TypePong              MessageType = 5
	TypePeerExchange      MessageType = 6
	TypeClose             MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshakeInit:
		return "HANDSHAKE_INIT"
	case TypeHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case TypeData:
		return "DATA"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypePong:
		return "PONG"
	case TypePeerExchange:
		return "PEER_EXCHANGE"
	case TypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
