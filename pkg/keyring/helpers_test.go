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

package keyring

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = fmt.Errorf("fake channel: %w", net.ErrClosed)

// fakeChannel records writes and replies through a scripted responder.
type fakeChannel struct {
	mu       sync.Mutex
	handler  func([]byte)
	writes   [][]byte
	closed   bool
	writeErr error
	respond  func(packet []byte) [][]byte
}

func newFakeChannel(respond func(packet []byte) [][]byte) *fakeChannel {
	return &fakeChannel{respond: respond}
}

func (f *fakeChannel) Write(packet []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.writeErr = nil
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, append([]byte(nil), packet...))
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if replies := respond(packet); len(replies) > 0 {
			go f.push(replies...)
		}
	}
	return nil
}

func (f *fakeChannel) OnPacket(handler func([]byte)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// push delivers packets in order, the way a channel reader goroutine would.
func (f *fakeChannel) push(packets ...[]byte) {
	for _, p := range packets {
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h(p)
		}
	}
}

func (f *fakeChannel) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeChannel) written(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[i]
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func response(op protocol.Opcode, payload []byte) []byte {
	packet, err := protocol.EncodeResponse(protocol.PacketSize, op, payload)
	if err != nil {
		panic(err)
	}
	return packet
}

func done() []byte {
	return response(protocol.ResDone, nil)
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func testKey(fill byte) []byte {
	pub := repeat(fill, protocol.PublicKeySize)
	pub[0] = 0x02
	return pub
}

// deviceScript answers every command with a fixed, well-formed reply.
func deviceScript(packet []byte) [][]byte {
	switch protocol.Opcode(packet[0]) {
	case protocol.CmdCreateKey:
		return [][]byte{response(protocol.ResKeyCreated, testKey(0x11)), done()}
	case protocol.CmdSign:
		return [][]byte{
			response(protocol.ResSignatureChunk, repeat(0xAA, protocol.ChunkSize)),
			response(protocol.ResSignatureChunk, repeat(0xBB, protocol.ChunkSize)),
			done(),
		}
	case protocol.CmdDumpKeys:
		var batch []byte
		batch = protocol.EncodeRecord(batch, 1, testKey(0x01))
		batch = protocol.EncodeRecord(batch, protocol.SentinelIndex, testKey(0x02))
		return [][]byte{response(protocol.ResRecordBatch, batch), done()}
	default:
		return [][]byte{done()}
	}
}

type recordedOp struct {
	operation string
	status    string
}

type fakeRecorder struct {
	mu      sync.Mutex
	ops     []recordedOp
	dropped map[string]int
	depth   int
}

func (r *fakeRecorder) RecordOperation(_, operation, status string, _, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{operation, status})
}

func (r *fakeRecorder) RecordDroppedPacket(_, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = make(map[string]int)
	}
	r.dropped[reason]++
}

func (r *fakeRecorder) SetQueueDepth(_ string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = depth
}

func (r *fakeRecorder) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func (r *fakeRecorder) snapshot() []recordedOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOp(nil), r.ops...)
}

func newTestSession(t *testing.T, ch Channel, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard()), WithTimeout(2 * time.Second)}, opts...)
	s, err := New(ch, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
