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

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned when a command payload does not fit
	// in a packet after its header.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrInvalidPacketSize is returned when an encoder is configured with a
	// packet too small to hold an indexed header and one payload byte.
	ErrInvalidPacketSize = errors.New("protocol: invalid packet size")

	// ErrShortChunk is returned when a signature chunk carries fewer than
	// ChunkSize bytes.
	ErrShortChunk = errors.New("protocol: signature chunk too short")

	// ErrInvalidPublicKey is returned when bytes do not form a compressed
	// secp256k1 public key.
	ErrInvalidPublicKey = errors.New("protocol: invalid public key")

	// ErrInvalidAddress is returned when an address is not 0x-prefixed hex
	// of a compressed public key.
	ErrInvalidAddress = errors.New("protocol: invalid address")

	// ErrInvalidSignature is returned when a signature cannot be parsed.
	ErrInvalidSignature = errors.New("protocol: invalid signature")
)

// PayloadTooLargeError reports the payload size against the room left in
// the packet.
type PayloadTooLargeError struct {
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("protocol: payload of %d bytes exceeds maximum of %d bytes", e.Size, e.Max)
}

// Is matches ErrPayloadTooLarge.
func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}
