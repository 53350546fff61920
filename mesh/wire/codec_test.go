package wire

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/ethermesh/ethermesh/mesh/frame"
)

func TestHandshakeInitRoundTrip(t *testing.T) {
	in := &HandshakeInit{}
	for i := range in.SenderPub {
		in.SenderPub[i] = byte(i)
	}
	for i := range in.Ephemeral {
		in.Ephemeral[i] = byte(i + 32)
	}
	for i := range in.Challenge {
		in.Challenge[i] = byte(i + 64)
	}
	for i := range in.Timestamp {
		in.Timestamp[i] = byte(i + 96)
	}
	for i := range in.Signature {
		in.Signature[i] = byte(i + 108)
	}

	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf[0] != Magic || buf[1] != Version || MessageType(buf[2]) != TypeHandshakeInit {
		t.Fatalf("bad header % x", buf[:HeaderSize])
	}

	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(*HandshakeInit)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch")
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	in := &HandshakeResponse{}
	for i := range in.Echo {
		in.Echo[i] = byte(i)
	}
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(*HandshakeResponse)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch")
	}
}

func TestDataRoundTrip(t *testing.T) {
	in := &Data{Counter: 0xdeadbeefcafe, Flags: FlagCompressed, Ciphertext: []byte("ciphertext bytes")}
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(*Data)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if out.Counter != in.Counter || out.Flags != in.Flags || !bytes.Equal(out.Ciphertext, in.Ciphertext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestTaggedMessagesRoundTrip(t *testing.T) {
	for _, in := range []Message{Keepalive{}, Pong{}, Close{}} {
		buf, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode %v: %v", in.Type(), err)
		}
		if len(buf) != HeaderSize {
			t.Fatalf("%v encoded to %d bytes", in.Type(), len(buf))
		}
		out, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode %v: %v", in.Type(), err)
		}
		if out.Type() != in.Type() {
			t.Fatalf("type mismatch: %v != %v", out.Type(), in.Type())
		}
	}
}

func TestPeerExchangeRoundTrip(t *testing.T) {
	in := &PeerExchange{Peers: []Endpoint{
		{
			Hint: frame.VirtualAddress{MAC: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, VLAN: 7},
			Addr: netip.MustParseAddrPort("192.0.2.10:3210"),
		},
		{
			Addr: netip.MustParseAddrPort("[2001:db8::1]:9000"),
		},
	}}
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(*PeerExchange)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if len(out.Peers) != len(in.Peers) {
		t.Fatalf("peer count %d != %d", len(out.Peers), len(in.Peers))
	}
	for i := range in.Peers {
		if out.Peers[i].Hint != in.Peers[i].Hint || out.Peers[i].Addr != in.Peers[i].Addr {
			t.Fatalf("endpoint %d mismatch: %+v != %+v", i, out.Peers[i], in.Peers[i])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{Magic},
		{Magic, Version},
		{0x00, Version, byte(TypeKeepalive)},             // wrong magic
		{Magic, 0x7f, byte(TypeKeepalive)},               // wrong version
		{Magic, Version, 0xee},                           // unknown type
		{Magic, Version, byte(TypeKeepalive), 0x01},      // keepalive with body
		{Magic, Version, byte(TypeData), 0x01, 0x02},     // truncated data
		{Magic, Version, byte(TypeHandshakeInit), 0x00},  // short handshake
		{Magic, Version, byte(TypePeerExchange)},         // empty exchange
		{Magic, Version, byte(TypePeerExchange), 2, 0x0}, // truncated exchange
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Fatalf("Decode accepted % x", c)
		}
	}
}

func TestDecodeRejectsTruncatedHandshake(t *testing.T) {
	buf, err := Encode(&HandshakeInit{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf[:len(buf)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	// Trailing bytes are just as malformed as missing ones.
	if _, err := Decode(append(buf, 0x00)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodeRejectsOversizedExchange(t *testing.T) {
	in := &PeerExchange{Peers: make([]Endpoint, MaxExchangePeers+1)}
	if _, err := Encode(in); err == nil {
		t.Fatalf("oversized peer exchange encoded")
	}
}
