//go:build !linux

package main

import (
	"errors"

	"github.com/ethermesh/ethermesh/mesh/frame"
)

type tapDevice struct{}

func newTapDevice(name, addr string) (*tapDevice, error) {
	return nil, errors.New("tap devices are only supported on linux")
}

func (d *tapDevice) LocalAddress() frame.VirtualAddress { return frame.VirtualAddress{} }
func (d *tapDevice) Receive() ([]byte, error)           { return nil, errors.New("unsupported") }
func (d *tapDevice) Send(packet []byte) error           { return errors.New("unsupported") }
func (d *tapDevice) Close() error                       { return nil }
