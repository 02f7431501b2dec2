// Package usbio carries command and status messages between the host and a
// cooler. It owns the per-device transfer buffer and enforces that every
// transfer moves exactly the requested number of bytes.
package usbio

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransport is the root of every failure that happens while moving bytes
// to or from a device. An update pass that hits it is aborted.
var ErrTransport = errors.New("transport error")

var (
	// ErrShortTransfer is returned when fewer bytes moved than requested.
	ErrShortTransfer = fmt.Errorf("%w: short transfer", ErrTransport)
	// ErrOutOfMemory is returned when the transfer buffer cannot grow.
	ErrOutOfMemory = fmt.Errorf("%w: out of memory", ErrTransport)
	// ErrClosed is returned by a connection after Close.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)
)

// Request type bits for control transfers.
const (
	RequestDirIn    uint8 = 0x80
	RequestTypeStd  uint8 = 0x00
	RequestTypeVend uint8 = 0x40
)

// EndpointDirIn marks an IN endpoint address.
const EndpointDirIn uint8 = 0x80

// Transport is the raw capability a cooler driver needs from the host stack.
// Implementations return the number of bytes moved; they do not have to
// treat short transfers as errors, Conn does that.
type Transport interface {
	// Control issues a control transfer on endpoint zero. The direction is
	// taken from the RequestDirIn bit of requestType.
	Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error)
	// Transfer issues a bulk or interrupt transfer. The direction is taken
	// from the EndpointDirIn bit of endpoint.
	Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
	Close() error
}

// DeviceInfo identifies an attached device.
type DeviceInfo struct {
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Bus     int    `json:"bus"`
	Address int    `json:"address"`
	Serial  string `json:"serial,omitempty"`
}
