package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/ethermesh/ethermesh/mesh/frame"
)

const (
	// Magic identifies overlay datagrams; anything else is dropped on sight.
	Magic byte = 0xEC
	// Version is the protocol version tag.
	Version byte = 0x01

	// HeaderSize is magic + version + type. The header doubles as the AEAD
	// additional data for data frames, binding ciphertext to its framing.
	HeaderSize = 3

	// MaxDatagram caps the size of any frame we will encode or decode.
	MaxDatagram = 64 * 1024

	handshakeBodySize = 32 + 32 + 32 + 12 + 64
	dataHeadSize      = 8 + 1

	// MaxExchangePeers bounds a single peer-exchange body.
	MaxExchangePeers = 64
)

var (
	ErrMalformed   = errors.New("wire: malformed frame")
	ErrBadMagic    = errors.New("wire: bad magic or version")
	ErrUnknownType = errors.New("wire: unknown message type")
	ErrTooLarge    = errors.New("wire: frame exceeds maximum datagram size")
)

// Message is any decodable overlay datagram.
type Message interface {
	Type() MessageType
}

// HandshakeInit opens (or rekeys) a session. The challenge is a random
// value the responder must echo, proving return reachability before the
// handshake completes. The signature is an Ed25519 signature by SenderPub
// over the init transcript.
type HandshakeInit struct {
	SenderPub [32]byte // long-term Ed25519 identity key
	Ephemeral [32]byte // fresh X25519 public key
	Challenge [32]byte
	Timestamp [12]byte // TAI64N
	Signature [64]byte
}

func (*HandshakeInit) Type() MessageType { return TypeHandshakeInit }

// HandshakeResponse completes a handshake. Echo repeats the initiator's
// challenge.
type HandshakeResponse struct {
	SenderPub [32]byte
	Ephemeral [32]byte
	Echo      [32]byte
	Timestamp [12]byte
	Signature [64]byte
}

func (*HandshakeResponse) Type() MessageType { return TypeHandshakeResponse }

// Data flags.
const FlagCompressed byte = 0x01

// Data carries one encrypted interface packet. Counter is the explicit AEAD
// nonce counter; it is strictly monotonic per session key.
type Data struct {
	Counter    uint64
	Flags      byte
	Ciphertext []byte
}

func (*Data) Type() MessageType { return TypeData }

// Keepalive carries only its tag; it refreshes NAT mappings and liveness.
type Keepalive struct{}

func (Keepalive) Type() MessageType { return TypeKeepalive }

// Pong answers a keepalive.
type Pong struct{}

func (Pong) Type() MessageType { return TypePong }

// Close announces orderly session teardown.
type Close struct{}

func (Close) Type() MessageType { return TypeClose }

// Endpoint is one advertised peer in a peer-exchange message: an optional
// virtual-address hint plus the network address the peer was last reachable
// at.
type Endpoint struct {
	Hint frame.VirtualAddress // zero when the sender has no route for the peer
	Addr netip.AddrPort
}

// PeerExchange gossips known reachable peers so the mesh can grow without
// central coordination.
type PeerExchange struct {
	Peers []Endpoint
}

func (*PeerExchange) Type() MessageType { return TypePeerExchange }

// Encode serializes a message with its header.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf[0] = Magic
	buf[1] = Version
	buf[2] = byte(m.Type())

	switch msg := m.(type) {
	case *HandshakeInit:
		buf = append(buf, msg.SenderPub[:]...)
		buf = append(buf, msg.Ephemeral[:]...)
		buf = append(buf, msg.Challenge[:]...)
		buf = append(buf, msg.Timestamp[:]...)
		buf = append(buf, msg.Signature[:]...)
	case *HandshakeResponse:
		buf = append(buf, msg.SenderPub[:]...)
		buf = append(buf, msg.Ephemeral[:]...)
		buf = append(buf, msg.Echo[:]...)
		buf = append(buf, msg.Timestamp[:]...)
		buf = append(buf, msg.Signature[:]...)
	case *Data:
		var head [dataHeadSize]byte
		binary.BigEndian.PutUint64(head[:8], msg.Counter)
		head[8] = msg.Flags
		buf = append(buf, head[:]...)
		buf = append(buf, msg.Ciphertext...)
	case Keepalive, Pong, Close:
		// header only
	case *PeerExchange:
		if len(msg.Peers) > MaxExchangePeers {
			return nil, fmt.Errorf("%w: %d peers", ErrTooLarge, len(msg.Peers))
		}
		buf = append(buf, byte(len(msg.Peers)))
		for _, ep := range msg.Peers {
			buf = appendEndpoint(buf, ep)
		}
	default:
		return nil, ErrUnknownType
	}

	if len(buf) > MaxDatagram {
		return nil, ErrTooLarge
	}
	return buf, nil
}

// Decode parses a datagram. Input is adversarial: any truncation, trailing
// garbage on fixed-size bodies, or unknown tag yields an error, never a
// panic.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if len(data) > MaxDatagram {
		return nil, ErrTooLarge
	}
	if data[0] != Magic || data[1] != Version {
		return nil, ErrBadMagic
	}
	body := data[HeaderSize:]

	switch MessageType(data[2]) {
	case TypeHandshakeInit:
		if len(body) != handshakeBodySize {
			return nil, fmt.Errorf("%w: handshake init body %d bytes", ErrMalformed, len(body))
		}
		msg := &HandshakeInit{}
		copy(msg.SenderPub[:], body[0:32])
		copy(msg.Ephemeral[:], body[32:64])
		copy(msg.Challenge[:], body[64:96])
		copy(msg.Timestamp[:], body[96:108])
		copy(msg.Signature[:], body[108:172])
		return msg, nil
	case TypeHandshakeResponse:
		if len(body) != handshakeBodySize {
			return nil, fmt.Errorf("%w: handshake response body %d bytes", ErrMalformed, len(body))
		}
		msg := &HandshakeResponse{}
		copy(msg.SenderPub[:], body[0:32])
		copy(msg.Ephemeral[:], body[32:64])
		copy(msg.Echo[:], body[64:96])
		copy(msg.Timestamp[:], body[96:108])
		copy(msg.Signature[:], body[108:172])
		return msg, nil
	case TypeData:
		if len(body) < dataHeadSize {
			return nil, fmt.Errorf("%w: data body %d bytes", ErrMalformed, len(body))
		}
		return &Data{
			Counter:    binary.BigEndian.Uint64(body[:8]),
			Flags:      body[8],
			Ciphertext: body[dataHeadSize:],
		}, nil
	case TypeKeepalive:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: keepalive carries a body", ErrMalformed)
		}
		return Keepalive{}, nil
	case TypePong:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: pong carries a body", ErrMalformed)
		}
		return Pong{}, nil
	case TypeClose:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: close carries a body", ErrMalformed)
		}
		return Close{}, nil
	case TypePeerExchange:
		return decodePeerExchange(body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, data[2])
	}
}

func appendEndpoint(buf []byte, ep Endpoint) []byte {
	buf = append(buf, ep.Hint.MAC[:]...)
	buf = binary.BigEndian.AppendUint16(buf, ep.Hint.VLAN)
	ip := ep.Addr.Addr()
	if ip.Is4() {
		b := ip.As4()
		buf = append(buf, 4)
		buf = append(buf, b[:]...)
	} else {
		b := ip.As16()
		buf = append(buf, 16)
		buf = append(buf, b[:]...)
	}
	buf = binary.BigEndian.AppendUint16(buf, ep.Addr.Port())
	return buf
}

func decodePeerExchange(body []byte) (*PeerExchange, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty peer exchange", ErrMalformed)
	}
	count := int(body[0])
	if count > MaxExchangePeers {
		return nil, fmt.Errorf("%w: %d peers", ErrTooLarge, count)
	}
	rest := body[1:]

	msg := &PeerExchange{Peers: make([]Endpoint, 0, count)}
	for i := 0; i < count; i++ {
		if len(rest) < 9 { // hint (8) + ip length tag (1)
			return nil, fmt.Errorf("%w: truncated endpoint", ErrMalformed)
		}
		var ep Endpoint
		copy(ep.Hint.MAC[:], rest[0:6])
		ep.Hint.VLAN = binary.BigEndian.Uint16(rest[6:8])
		ipLen := int(rest[8])
		rest = rest[9:]
		if ipLen != 4 && ipLen != 16 {
			return nil, fmt.Errorf("%w: bad address length %d", ErrMalformed, ipLen)
		}
		if len(rest) < ipLen+2 {
			return nil, fmt.Errorf("%w: truncated endpoint address", ErrMalformed)
		}
		ip, ok := netip.AddrFromSlice(rest[:ipLen])
		if !ok {
			return nil, fmt.Errorf("%w: bad endpoint address", ErrMalformed)
		}
		port := binary.BigEndian.Uint16(rest[ipLen : ipLen+2])
		rest = rest[ipLen+2:]
		ep.Addr = netip.AddrPortFrom(ip, port)
		msg.Peers = append(msg.Peers, ep)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after peer exchange", ErrMalformed)
	}
	return msg, nil
}
