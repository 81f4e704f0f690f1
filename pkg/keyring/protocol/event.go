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

// EventKind classifies an inbound response packet.
type EventKind uint8

const (
	// EventKeyCreated carries a compressed public key
	EventKeyCreated EventKind = iota + 1

	// EventRecordBatch carries raw dump records
	EventRecordBatch

	// EventSignatureChunk carries one signature half
	EventSignatureChunk

	// EventDone terminates the in-flight operation
	EventDone
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventKeyCreated:
		return "key_created"
	case EventRecordBatch:
		return "record_batch"
	case EventSignatureChunk:
		return "signature_chunk"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is a decoded response packet. Payload holds the bytes after the
// opcode; it is a copy and safe to retain.
type Event struct {
	Kind    EventKind
	Payload []byte
}

// Opcode returns the response opcode for the event kind.
func (e Event) Opcode() Opcode {
	switch e.Kind {
	case EventKeyCreated:
		return ResKeyCreated
	case EventRecordBatch:
		return ResRecordBatch
	case EventSignatureChunk:
		return ResSignatureChunk
	default:
		return ResDone
	}
}

// DecodePacket decodes an inbound packet. It returns false for empty packets
// and for opcodes outside the response set; callers drop those.
func DecodePacket(packet []byte) (Event, bool) {
	if len(packet) == 0 {
		return Event{}, false
	}

	var kind EventKind
	switch Opcode(packet[0]) {
	case ResKeyCreated:
		kind = EventKeyCreated
	case ResRecordBatch:
		kind = EventRecordBatch
	case ResSignatureChunk:
		kind = EventSignatureChunk
	case ResDone:
		kind = EventDone
	default:
		return Event{}, false
	}

	payload := make([]byte, len(packet)-1)
	copy(payload, packet[1:])
	return Event{Kind: kind, Payload: payload}, true
}

// EncodeResponse builds a response packet of the given size. Device
// implementations such as the emulator use it; the host never sends these.
func EncodeResponse(size int, op Opcode, payload []byte) ([]byte, error) {
	return encode(size, HeaderSize, op, payload)
}
