package engine

import (
	"net"
	"net/netip"
)

// PacketInterface is the local virtual network device as the engine sees
// it: an opaque byte-stream of whole packets. Malformed or oversized
// packets from it are dropped, never fatal.
type PacketInterface interface {
	// Receive blocks until the next packet read off the device.
	Receive() ([]byte, error)
	// Send writes one packet back to the device.
	Send(packet []byte) error
	Close() error
}

// DatagramSocket is the network side. Send failures (e.g. destination
// unreachable) are per-send and non-fatal.
type DatagramSocket interface {
	Receive() ([]byte, netip.AddrPort, error)
	Send(data []byte, to netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// UDPSocket is the standard DatagramSocket over a bound UDP socket.
type UDPSocket struct {
	conn *net.UDPConn
}

var _ DatagramSocket = (*UDPSocket)(nil)

// ListenUDP binds the overlay socket. Failure here is one of the few
// fatal conditions.
func ListenUDP(addr string) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn}, nil
}

func (s *UDPSocket) Receive() ([]byte, netip.AddrPort, error) {
	buf := make([]byte, 64*1024)
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	// Normalize 4-in-6 mapped sources so address comparisons are stable.
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	return buf[:n], from, nil
}

func (s *UDPSocket) Send(data []byte, to netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(data, to)
	return err
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
