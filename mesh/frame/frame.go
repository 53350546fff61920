// Package frame handles decapsulated interface traffic: the VirtualAddress
// value type used as the route-table key, and ethernet header extraction
// (including 802.1Q VLAN tags) from raw frames read off the TAP device.
package frame

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var ErrMalformed = errors.New("frame: malformed ethernet frame")

// VirtualAddress is an address as it appears inside decapsulated interface
// traffic: a MAC plus the VLAN it was observed on (0 when untagged).
// Immutable; used as a lookup key.
type VirtualAddress struct {
	MAC  [6]byte
	VLAN uint16
}

func (a VirtualAddress) String() string {
	s := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3], a.MAC[4], a.MAC[5])
	if a.VLAN != 0 {
		s += fmt.Sprintf("/%d", a.VLAN)
	}
	return s
}

// IsBroadcast reports whether the address is a broadcast or multicast group
// address (I/G bit set). Such destinations are delivered to all peers and
// never learned as routes.
func (a VirtualAddress) IsBroadcast() bool {
	return a.MAC[0]&0x01 != 0
}

func (a VirtualAddress) IsZero() bool {
	return a == VirtualAddress{}
}

// Header is the part of a decapsulated frame the forwarding engine acts on.
type Header struct {
	Src VirtualAddress
	Dst VirtualAddress
}

// Parse extracts the ethernet header from a raw frame. Input is untrusted:
// truncated or otherwise undecodable frames return ErrMalformed, never
// panic.
func Parse(data []byte) (Header, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return Header{}, ErrMalformed
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok || len(eth.SrcMAC) != 6 || len(eth.DstMAC) != 6 {
		return Header{}, ErrMalformed
	}

	var hdr Header
	copy(hdr.Src.MAC[:], eth.SrcMAC)
	copy(hdr.Dst.MAC[:], eth.DstMAC)

	if dot1qLayer := pkt.Layer(layers.LayerTypeDot1Q); dot1qLayer != nil {
		if dot1q, ok := dot1qLayer.(*layers.Dot1Q); ok {
			hdr.Src.VLAN = dot1q.VLANIdentifier
			hdr.Dst.VLAN = dot1q.VLANIdentifier
		}
	}
	return hdr, nil
}
