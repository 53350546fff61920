//go:build linux

package main

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/ethermesh/ethermesh/mesh/frame"
)

const tapMTU = 1500

// tapDevice adapts a kernel TAP interface to the engine's packet
// interface. Frames arrive and leave whole, ethernet header included.
type tapDevice struct {
	ifce *water.Interface
	link netlink.Link
	mac  net.HardwareAddr
}

func newTapDevice(name, addr string) (*tapDevice, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating tap device: %w", err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		ifce.Close()
		return nil, fmt.Errorf("tap device %q not found after creation: %w", name, err)
	}
	if addr != "" {
		nlAddr, err := netlink.ParseAddr(addr)
		if err != nil {
			ifce.Close()
			return nil, fmt.Errorf("device address %q: %w", addr, err)
		}
		if err := netlink.AddrAdd(link, nlAddr); err != nil {
			ifce.Close()
			return nil, fmt.Errorf("assigning %s to %s: %w", addr, name, err)
		}
	}
	if err := netlink.LinkSetMTU(link, tapMTU); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("setting mtu on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("bringing %s up: %w", name, err)
	}

	return &tapDevice{
		ifce: ifce,
		link: link,
		mac:  link.Attrs().HardwareAddr,
	}, nil
}

// LocalAddress returns the interface's own MAC on the untagged VLAN.
func (d *tapDevice) LocalAddress() frame.VirtualAddress {
	var va frame.VirtualAddress
	copy(va.MAC[:], d.mac)
	return va
}

func (d *tapDevice) Receive() ([]byte, error) {
	// Room for the frame plus 802.1Q tag.
	buf := make([]byte, tapMTU+18)
	n, err := d.ifce.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (d *tapDevice) Send(packet []byte) error {
	_, err := d.ifce.Write(packet)
	return err
}

func (d *tapDevice) Close() error {
	return d.ifce.Close()
}
