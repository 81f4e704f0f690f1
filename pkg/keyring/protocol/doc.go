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

// Package protocol implements the packet codec for the keyring signing device.
//
// The device exchanges fixed-size packets (64 bytes over USB HID). Every
// packet starts with a one-byte opcode; the rest is command or response
// dependent and zero padded to the packet size:
//
//	Offset  Field
//	0       opcode
//	1       index or payload start
//	2+      payload (Sign only; offset 1 holds the key index)
//
// # Commands
//
// Use an Encoder to build outbound packets:
//
//	enc := protocol.NewEncoder(protocol.PacketSize)
//	packet, err := enc.CreateKey(5)
//	packet, err := enc.Sign(5, digest)
//
// # Responses
//
// DecodePacket turns an inbound packet into an Event. Packets carrying an
// opcode outside the response set are reported as not ok and should be
// dropped; firmware may emit extension codes the host does not know about.
//
//	ev, ok := protocol.DecodePacket(packet)
//	if !ok {
//	    return
//	}
//
// Key dumps arrive as record batches of index(1) + compressed public key(33)
// records, cut short by the sentinel index 0xFF. Signatures arrive as two
// 32-byte chunks (r, then s) that AssembleSignature joins.
//
// The wire protocol carries no request identifier; correlating responses with
// requests is the job of the keyring session, not this package.
package protocol
