// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package transport provides packet channels for the keyring session.
//
// Every channel moves fixed-size packets and pushes inbound packets to a
// single handler from its own reader goroutine, in arrival order:
//
//   - Pipe connects two in-memory endpoints, used by tests and to attach
//     the software emulator in process.
//   - Socket frames packets over a stream connection such as the unix
//     socket served by keyring-emulator.
//   - HIDRaw talks to a USB device through the Linux hidraw driver.
package transport

import (
	"errors"
	"net"
)

var (
	// ErrClosed is returned by Write after Close or after the peer went away.
	// It matches net.ErrClosed, which the keyring session treats as the end
	// of the channel.
	ErrClosed error = closedError{}

	// ErrPacketSize is returned when a packet does not match the channel
	// packet size.
	ErrPacketSize = errors.New("transport: packet size mismatch")

	// ErrUnsupportedPlatform is returned where hidraw is unavailable.
	ErrUnsupportedPlatform = errors.New("transport: hidraw is only supported on linux")

	// ErrDeviceMismatch is returned when a hidraw node belongs to a device
	// with another vendor or product ID.
	ErrDeviceMismatch = errors.New("transport: device vendor/product mismatch")
)

type closedError struct{}

func (closedError) Error() string { return "transport: closed" }

func (closedError) Is(target error) bool { return target == net.ErrClosed }

// Default USB identifiers of the signing device.
const (
	DefaultVendorID  uint16 = 0x0483
	DefaultProductID uint16 = 0xa2ca
)

// handlerSlot stores the registered handler for the reader goroutine.
type handlerSlot struct {
	fn func(packet []byte)
}
