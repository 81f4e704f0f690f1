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

// EncodeCommand builds a PacketSize command packet.
//
// Packet structure:
//
//	[OPCODE][PAYLOAD...][ZERO PADDING]
func EncodeCommand(op Opcode, payload []byte) ([]byte, error) {
	return encode(PacketSize, HeaderSize, op, payload)
}

// EncodeCommandSize is EncodeCommand for a non-default packet size.
func EncodeCommandSize(size int, op Opcode, payload []byte) ([]byte, error) {
	return encode(size, HeaderSize, op, payload)
}

// EncodeIndexed builds a PacketSize command packet that carries a key index
// ahead of its payload.
//
// Packet structure:
//
//	[OPCODE][INDEX][PAYLOAD...][ZERO PADDING]
func EncodeIndexed(op Opcode, index uint8, payload []byte) ([]byte, error) {
	return NewEncoder(PacketSize).indexed(op, index, payload)
}

// EncodeIndexedSize is EncodeIndexed for a non-default packet size.
func EncodeIndexedSize(size int, op Opcode, index uint8, payload []byte) ([]byte, error) {
	return NewEncoder(size).indexed(op, index, payload)
}

// BuildHello builds a default-size Hello command.
func BuildHello() []byte {
	packet, _ := defaultEncoder.Hello()
	return packet
}

// BuildReset builds a default-size Reset command.
func BuildReset() []byte {
	packet, _ := defaultEncoder.Reset()
	return packet
}

// BuildCreateKey builds a default-size CreateKey command.
func BuildCreateKey(index uint8) []byte {
	packet, _ := defaultEncoder.CreateKey(index)
	return packet
}

// BuildDelete builds a default-size Delete command.
func BuildDelete(index uint8) []byte {
	packet, _ := defaultEncoder.Delete(index)
	return packet
}

// BuildDumpKeys builds a default-size DumpKeys command.
func BuildDumpKeys() []byte {
	packet, _ := defaultEncoder.DumpKeys()
	return packet
}

// BuildSign builds a default-size Sign command.
func BuildSign(index uint8, payload []byte) ([]byte, error) {
	return defaultEncoder.Sign(index, payload)
}

var defaultEncoder = NewEncoder(PacketSize)

// Encoder builds command packets of a fixed size.
type Encoder struct {
	size int
}

// NewEncoder returns an Encoder for packets of the given size.
// Use PacketSize for USB HID devices.
func NewEncoder(size int) Encoder {
	return Encoder{size: size}
}

// Validate checks that the packet size leaves room for an indexed header
// and at least one payload byte.
func (e Encoder) Validate() error {
	if e.size <= IndexedHeaderSize {
		return ErrInvalidPacketSize
	}
	return nil
}

// Size returns the packet size.
func (e Encoder) Size() int {
	return e.size
}

// MaxSignPayload returns the largest payload Sign accepts.
func (e Encoder) MaxSignPayload() int {
	return e.size - IndexedHeaderSize
}

// Hello builds a Hello command.
func (e Encoder) Hello() ([]byte, error) {
	return encode(e.size, HeaderSize, CmdHello, nil)
}

// Reset builds a Reset command.
func (e Encoder) Reset() ([]byte, error) {
	return encode(e.size, HeaderSize, CmdReset, nil)
}

// CreateKey builds a CreateKey command for the slot.
func (e Encoder) CreateKey(index uint8) ([]byte, error) {
	return encode(e.size, HeaderSize, CmdCreateKey, []byte{index})
}

// Delete builds a Delete command for the slot.
func (e Encoder) Delete(index uint8) ([]byte, error) {
	return encode(e.size, HeaderSize, CmdDelete, []byte{index})
}

// DumpKeys builds a DumpKeys command.
func (e Encoder) DumpKeys() ([]byte, error) {
	return encode(e.size, HeaderSize, CmdDumpKeys, nil)
}

// Sign builds a Sign command. The payload starts at offset 2 and may be at
// most MaxSignPayload bytes.
func (e Encoder) Sign(index uint8, payload []byte) ([]byte, error) {
	return e.indexed(CmdSign, index, payload)
}

func (e Encoder) indexed(op Opcode, index uint8, payload []byte) ([]byte, error) {
	packet, err := encode(e.size, IndexedHeaderSize, op, payload)
	if err != nil {
		return nil, err
	}
	packet[1] = index
	return packet, nil
}

func encode(size, header int, op Opcode, payload []byte) ([]byte, error) {
	if size <= header {
		return nil, ErrInvalidPacketSize
	}
	if len(payload) > size-header {
		return nil, &PayloadTooLargeError{Size: len(payload), Max: size - header}
	}
	packet := make([]byte, size)
	packet[0] = byte(op)
	copy(packet[header:], payload)
	return packet, nil
}
