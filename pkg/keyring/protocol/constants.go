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

// Opcode is the first byte of every packet.
// Command and response opcodes share the same byte space.
type Opcode byte

// Command opcodes (host to device).
const (
	// CmdHello checks that the device is responsive
	CmdHello Opcode = 0x00

	// CmdReset wipes every key slot on the device
	CmdReset Opcode = 0x01

	// CmdCreateKey generates a key in the slot given at offset 1
	CmdCreateKey Opcode = 0x02

	// CmdDumpKeys lists the public keys of all occupied slots
	CmdDumpKeys Opcode = 0x03

	// CmdDelete clears the slot given at offset 1
	CmdDelete Opcode = 0x04

	// CmdSign signs the payload at offset 2 with the slot given at offset 1
	CmdSign Opcode = 0x05
)

// Response opcodes (device to host).
const (
	// ResKeyCreated carries the compressed public key of a new slot
	ResKeyCreated Opcode = 0x01

	// ResRecordBatch carries index/public key records of a dump
	ResRecordBatch Opcode = 0x02

	// ResSignatureChunk carries one 32-byte half of a signature
	ResSignatureChunk Opcode = 0x03

	// ResDone terminates the response to any command
	ResDone Opcode = 0xFF
)

// Packet layout constants.
const (
	// PacketSize is the USB HID report size used by the device
	PacketSize = 64

	// HeaderSize is the opcode byte that precedes a command payload
	HeaderSize = 1

	// IndexedHeaderSize is opcode + key index, used by Sign
	IndexedHeaderSize = 2

	// PublicKeySize is the size of a compressed secp256k1 public key
	PublicKeySize = 33

	// RecordSize is one dump record: index(1) + public key(33)
	RecordSize = 1 + PublicKeySize

	// ChunkSize is the size of one signature half
	ChunkSize = 32

	// SignatureSize is r || s
	SignatureSize = 2 * ChunkSize

	// SentinelIndex marks the end of the records in a dump batch
	SentinelIndex = 0xFF
)

// Key slot range accepted by the device.
const (
	MinIndex = 0x00
	MaxIndex = 0xFF
)

// CommandName returns a readable name for a command opcode.
func CommandName(op Opcode) string {
	switch op {
	case CmdHello:
		return "hello"
	case CmdReset:
		return "reset"
	case CmdCreateKey:
		return "create_key"
	case CmdDumpKeys:
		return "dump_keys"
	case CmdDelete:
		return "delete"
	case CmdSign:
		return "sign"
	default:
		return "unknown"
	}
}
