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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilChannel)

	_, err = New(newFakeChannel(nil), WithPacketSize(2))
	assert.ErrorIs(t, err, protocol.ErrInvalidPacketSize)
}

func TestSession_CreateKey(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	addr, err := s.CreateKey(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "0x02"+strings.Repeat("11", 32), addr)
	assert.Len(t, addr, 2+66)

	require.Equal(t, 1, ch.writeCount())
	packet := ch.written(0)
	assert.Len(t, packet, protocol.PacketSize)
	assert.Equal(t, []byte{byte(protocol.CmdCreateKey), 5}, packet[:2])
}

func TestSession_IndexBounds(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)
	ctx := context.Background()

	for _, index := range []int{-1, 256, 1000, -256} {
		_, err := s.CreateKey(ctx, index)
		assert.True(t, IsCallerError(err), "create %d", index)
		var oob *IndexOutOfBoundsError
		require.ErrorAs(t, err, &oob)
		assert.Equal(t, index, oob.Index)

		assert.ErrorIs(t, s.DeleteKey(ctx, index), ErrCaller)

		_, err = s.Sign(ctx, index, []byte{1})
		assert.ErrorIs(t, err, ErrCaller)
	}
	assert.Equal(t, 0, ch.writeCount())

	for index := 0; index <= 255; index++ {
		require.NoError(t, s.DeleteKey(ctx, index))
	}
	assert.Equal(t, 256, ch.writeCount())
	assert.Equal(t, byte(255), ch.written(255)[1])
}

func TestSession_Sign(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	digest := repeat(0x5A, 32)
	sig, err := s.Sign(context.Background(), 3, digest)
	require.NoError(t, err)

	want := append(repeat(0xAA, 32), repeat(0xBB, 32)...)
	assert.Equal(t, want, sig[:])

	packet := ch.written(0)
	assert.Equal(t, byte(protocol.CmdSign), packet[0])
	assert.Equal(t, byte(3), packet[1])
	assert.Equal(t, digest, packet[2:34])
}

func TestSession_SignPayloadTooLarge(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	_, err := s.Sign(context.Background(), 0, make([]byte, protocol.PacketSize-1))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	assert.True(t, IsCallerError(err))
	assert.Equal(t, 0, ch.writeCount())

	_, err = s.Sign(context.Background(), 0, make([]byte, protocol.PacketSize-2))
	assert.NoError(t, err)
}

func TestSession_SignProtocolViolations(t *testing.T) {
	chunk := func(b byte) []byte { return response(protocol.ResSignatureChunk, repeat(b, protocol.ChunkSize)) }

	tests := []struct {
		name    string
		replies [][]byte
	}{
		{"no chunks", [][]byte{done()}},
		{"one chunk", [][]byte{chunk(0xAA), done()}},
		{"three chunks", [][]byte{chunk(0xAA), chunk(0xBB), chunk(0xCC), done()}},
		{"foreign event", [][]byte{chunk(0xAA), response(protocol.ResKeyCreated, testKey(1)), done()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel(func([]byte) [][]byte { return tt.replies })
			s := newTestSession(t, ch)

			_, err := s.Sign(context.Background(), 0, []byte{1})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolViolation)

			var pv *ProtocolViolationError
			require.ErrorAs(t, err, &pv)
			assert.Equal(t, KindSign, pv.Kind)

			ch.mu.Lock()
			ch.respond = deviceScript
			ch.mu.Unlock()
			_, err = s.Sign(context.Background(), 0, []byte{1})
			assert.NoError(t, err, "session stays usable after a violation")
		})
	}
}

func TestSession_CreateKeyProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		replies [][]byte
	}{
		{"missing key", [][]byte{done()}},
		{"two keys", [][]byte{response(protocol.ResKeyCreated, testKey(1)), response(protocol.ResKeyCreated, testKey(2)), done()}},
		{"wrong event", [][]byte{response(protocol.ResSignatureChunk, repeat(1, 32)), done()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel(func([]byte) [][]byte { return tt.replies })
			s := newTestSession(t, ch)

			_, err := s.CreateKey(context.Background(), 1)
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestSession_DeleteKeyUnexpectedEvent(t *testing.T) {
	ch := newFakeChannel(func([]byte) [][]byte {
		return [][]byte{response(protocol.ResKeyCreated, testKey(1)), done()}
	})
	s := newTestSession(t, ch)

	assert.ErrorIs(t, s.DeleteKey(context.Background(), 1), ErrProtocolViolation)
}

func TestSession_DumpKeys(t *testing.T) {
	pk1, pk2, pk3 := testKey(0x01), testKey(0x02), testKey(0x03)

	t.Run("sentinel ends the batch", func(t *testing.T) {
		var batch []byte
		batch = protocol.EncodeRecord(batch, 1, pk1)
		batch = append(batch, protocol.SentinelIndex)

		ch := newFakeChannel(func([]byte) [][]byte {
			return [][]byte{response(protocol.ResRecordBatch, batch), done()}
		})
		s := newTestSession(t, ch)

		accounts, err := s.DumpKeys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []protocol.Account{{Index: 1, Address: protocol.Address(pk1)}}, accounts)
	})

	t.Run("records after sentinel are ignored", func(t *testing.T) {
		// 64-byte packets only hold one record, so use a larger channel.
		var batch []byte
		batch = protocol.EncodeRecord(batch, 1, pk1)
		batch = protocol.EncodeRecord(batch, 2, pk2)
		batch = protocol.EncodeRecord(batch, protocol.SentinelIndex, pk3)

		packet, err := protocol.EncodeResponse(128, protocol.ResRecordBatch, batch)
		require.NoError(t, err)

		ch := newFakeChannel(func([]byte) [][]byte { return [][]byte{packet, done()} })
		s := newTestSession(t, ch)

		accounts, err := s.DumpKeys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []protocol.Account{
			{Index: 1, Address: protocol.Address(pk1)},
			{Index: 2, Address: protocol.Address(pk2)},
		}, accounts)
	})

	t.Run("batches concatenate in arrival order", func(t *testing.T) {
		b1 := append(protocol.EncodeRecord(nil, 7, pk1), protocol.SentinelIndex)
		b2 := append(protocol.EncodeRecord(nil, 3, pk2), protocol.SentinelIndex)
		b3 := []byte{protocol.SentinelIndex}

		ch := newFakeChannel(func([]byte) [][]byte {
			return [][]byte{
				response(protocol.ResRecordBatch, b1),
				response(protocol.ResRecordBatch, b2),
				response(protocol.ResRecordBatch, b3),
				done(),
			}
		})
		s := newTestSession(t, ch)

		accounts, err := s.DumpKeys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []protocol.Account{
			{Index: 7, Address: protocol.Address(pk1)},
			{Index: 3, Address: protocol.Address(pk2)},
		}, accounts)
	})

	t.Run("empty device", func(t *testing.T) {
		ch := newFakeChannel(func([]byte) [][]byte { return [][]byte{done()} })
		s := newTestSession(t, ch)

		accounts, err := s.DumpKeys(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, accounts)
		assert.Empty(t, accounts)
	})

	t.Run("foreign event", func(t *testing.T) {
		ch := newFakeChannel(func([]byte) [][]byte {
			return [][]byte{response(protocol.ResSignatureChunk, repeat(1, 32)), done()}
		})
		s := newTestSession(t, ch)

		_, err := s.DumpKeys(context.Background())
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestSession_PingAndReset(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Reset(context.Background()))

	assert.Equal(t, byte(protocol.CmdHello), ch.written(0)[0])
	assert.Equal(t, byte(protocol.CmdReset), ch.written(1)[0])
}

func TestSession_SingleFlight(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch)
	ctx := context.Background()

	dumpErr := make(chan error, 1)
	go func() {
		_, err := s.DumpKeys(ctx)
		dumpErr <- err
	}()
	require.Eventually(t, func() bool { return ch.writeCount() == 1 }, time.Second, time.Millisecond)

	signErr := make(chan error, 1)
	go func() {
		_, err := s.Sign(ctx, 0, []byte{0x01})
		signErr <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Queued == 1 }, time.Second, time.Millisecond)

	assert.Never(t, func() bool { return ch.writeCount() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "dump_keys", s.Stats().InFlight)

	ch.push(response(protocol.ResRecordBatch, []byte{protocol.SentinelIndex}), done())
	require.NoError(t, <-dumpErr)

	require.Eventually(t, func() bool { return ch.writeCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(protocol.CmdSign), ch.written(1)[0])

	ch.push(
		response(protocol.ResSignatureChunk, repeat(0xAA, 32)),
		response(protocol.ResSignatureChunk, repeat(0xBB, 32)),
		done(),
	)
	require.NoError(t, <-signErr)
}

func TestSession_ConcurrentCallers(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				sig, err := s.Sign(context.Background(), i, []byte{byte(i)})
				assert.NoError(t, err)
				assert.Equal(t, repeat(0xAA, 32), sig.R())
				return
			}
			addr, err := s.CreateKey(context.Background(), i)
			assert.NoError(t, err)
			assert.Equal(t, protocol.Address(testKey(0x11)), addr)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, ch.writeCount())
}

func TestSession_Timeout(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch, WithTimeout(50*time.Millisecond))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceTimeout)

	var te *DeviceTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindPing, te.Kind)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)

	// A late reply while idle is discarded and does not disturb the next call.
	ch.push(response(protocol.ResKeyCreated, testKey(0x99)), done())

	ch.mu.Lock()
	ch.respond = deviceScript
	ch.mu.Unlock()

	addr, err := s.CreateKey(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.Address(testKey(0x11)), addr)
}

func TestSession_TimeoutAdvancesQueue(t *testing.T) {
	ch := newFakeChannel(func(packet []byte) [][]byte {
		if protocol.Opcode(packet[0]) == protocol.CmdHello {
			return nil
		}
		return deviceScript(packet)
	})
	s := newTestSession(t, ch, WithTimeout(50*time.Millisecond))

	pingErr := make(chan error, 1)
	go func() { pingErr <- s.Ping(context.Background()) }()
	require.Eventually(t, func() bool { return ch.writeCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.DeleteKey(context.Background(), 4))
	assert.ErrorIs(t, <-pingErr, ErrDeviceTimeout)
}

func TestSession_Close(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch)

	errs := make(chan error, 3)
	go func() {
		_, err := s.DumpKeys(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool { return ch.writeCount() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.CreateKey(context.Background(), 1)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return s.Stats().Queued == 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrChannelClosed)
	}
	assert.True(t, ch.isClosed())

	_, err := s.CreateKey(context.Background(), 1)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrChannelClosed)
	assert.Equal(t, 1, ch.writeCount())

	assert.NoError(t, s.Close())
	assert.True(t, s.Stats().Closed)

	ch.mu.Lock()
	assert.Nil(t, ch.handler)
	ch.mu.Unlock()
}

func TestSession_UnknownOpcodeDropped(t *testing.T) {
	rec := &fakeRecorder{}
	ch := newFakeChannel(func(packet []byte) [][]byte {
		return append([][]byte{{0x42, 0x01}, {}}, deviceScript(packet)...)
	})
	s := newTestSession(t, ch, WithRecorder(rec))

	_, err := s.CreateKey(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.droppedFor("unknown_opcode"))
	assert.Equal(t, 1, rec.droppedFor("empty"))
}

func TestSession_UnattributedEvent(t *testing.T) {
	rec := &fakeRecorder{}
	ch := newFakeChannel(nil)
	_ = newTestSession(t, ch, WithRecorder(rec))

	ch.push(done(), response(protocol.ResSignatureChunk, repeat(1, 32)))
	assert.Equal(t, 2, rec.droppedFor("unattributed"))
}

func TestSession_QueuedCancellation(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch)

	first := make(chan error, 1)
	go func() { first <- s.Ping(context.Background()) }()
	require.Eventually(t, func() bool { return ch.writeCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := s.CreateKey(ctx, 9)
		second <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-second, context.Canceled)
	assert.Equal(t, 0, s.Stats().Queued)

	ch.push(done())
	require.NoError(t, <-first)
	assert.Never(t, func() bool { return ch.writeCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_InFlightCancellationKeepsSlot(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Sign(ctx, 1, []byte{1})
		first <- err
	}()
	require.Eventually(t, func() bool { return ch.writeCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.Equal(t, "sign", s.Stats().InFlight)

	second := make(chan error, 1)
	go func() { second <- s.Ping(context.Background()) }()
	assert.Never(t, func() bool { return ch.writeCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// The abandoned sign owns these replies.
	ch.push(
		response(protocol.ResSignatureChunk, repeat(0xAA, 32)),
		response(protocol.ResSignatureChunk, repeat(0xBB, 32)),
		done(),
	)
	require.Eventually(t, func() bool { return ch.writeCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(protocol.CmdHello), ch.written(1)[0])

	ch.push(done())
	require.NoError(t, <-second)
}

func TestSession_CanceledBeforeSubmit(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.DumpKeys(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ch.writeCount())
}

func TestSession_WriteError(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	ch.writeErr = errors.New("usb stall")
	s := newTestSession(t, ch)

	err := s.DeleteKey(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring: write delete_key")
	assert.Contains(t, err.Error(), "usb stall")

	require.NoError(t, s.DeleteKey(context.Background(), 1))
}

func TestSession_PeerClosedChannel(t *testing.T) {
	host, device := transport.Pipe(protocol.PacketSize)
	s := newTestSession(t, host)
	require.NoError(t, device.Close())

	_, err := s.CreateKey(context.Background(), 1)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, StatusClosed, ErrorStatus(err))
	assert.True(t, s.Stats().Closed)

	_, err = s.DumpKeys(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.NoError(t, s.Close())
}

func TestSession_ClosedWriteRejectsQueue(t *testing.T) {
	ch := newFakeChannel(deviceScript)
	ch.writeErr = errFakeClosed
	s := newTestSession(t, ch)

	err := s.DeleteKey(context.Background(), 1)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.NotContains(t, err.Error(), "keyring: write")

	// The write error is one-shot; a later write would succeed if attempted.
	_, err = s.CreateKey(context.Background(), 2)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrChannelClosed)
	assert.Equal(t, 0, ch.writeCount())
}

func TestSession_ExecuteSkipsReleasedOperation(t *testing.T) {
	ch := newFakeChannel(nil)
	s := newTestSession(t, ch)

	// Released by a timeout between dequeue and write.
	op := newOperation(KindCreateKey, protocol.BuildCreateKey(1))
	s.mu.Lock()
	require.True(t, s.coord.begin(op))
	s.mu.Unlock()
	require.True(t, s.release(op))
	s.execute(op)
	assert.Equal(t, 0, ch.writeCount())

	// Rejected by Close between dequeue and write.
	op = newOperation(KindDeleteKey, protocol.BuildDelete(2))
	s.mu.Lock()
	require.True(t, s.coord.begin(op))
	s.mu.Unlock()
	require.NoError(t, s.Close())
	<-op.done
	assert.ErrorIs(t, op.err, ErrChannelClosed)

	ch.mu.Lock()
	ch.closed = false
	ch.mu.Unlock()
	s.execute(op)
	assert.Equal(t, 0, ch.writeCount())
}

func TestSession_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	ch := newFakeChannel(deviceScript)
	s := newTestSession(t, ch, WithRecorder(rec), WithDeviceName("hid0"))

	_, err := s.CreateKey(context.Background(), 1)
	require.NoError(t, err)
	_, err = s.CreateKey(context.Background(), 999)
	require.Error(t, err)

	assert.Equal(t, []recordedOp{
		{"create_key", StatusSuccess},
		{"create_key", StatusCallerError},
	}, rec.snapshot())
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusSuccess},
		{&IndexOutOfBoundsError{Index: -1}, StatusCallerError},
		{&protocol.PayloadTooLargeError{Size: 70, Max: 62}, StatusCallerError},
		{&ProtocolViolationError{Kind: KindSign}, StatusProtocolViolation},
		{&DeviceTimeoutError{Kind: KindSign}, StatusTimeout},
		{ErrChannelClosed, StatusClosed},
		{context.Canceled, StatusCanceled},
		{errors.New("other"), StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorStatus(tt.err))
		})
	}
}
