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

package emulator

import (
	"context"
	"crypto/sha256"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d, err := New(opts...)
	require.NoError(t, err)
	return d
}

func attachSession(t *testing.T, d *Device, opts ...keyring.Option) *keyring.Session {
	t.Helper()
	host, device := transport.Pipe(protocol.PacketSize)
	d.Attach(device)
	t.Cleanup(func() { _ = device.Close() })

	opts = append([]keyring.Option{keyring.WithLogger(logger.Discard()), keyring.WithTimeout(2 * time.Second)}, opts...)
	s, err := keyring.New(host, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_PacketSize(t *testing.T) {
	_, err := New(WithPacketSize(35))
	assert.Error(t, err)

	_, err = New(WithPacketSize(36))
	assert.NoError(t, err)
}

func TestHandle(t *testing.T) {
	d := newDevice(t)

	t.Run("hello", func(t *testing.T) {
		replies := d.Handle(protocol.BuildHello())
		require.Len(t, replies, 1)
		assert.Equal(t, byte(protocol.ResDone), replies[0][0])
	})

	t.Run("create key", func(t *testing.T) {
		replies := d.Handle(protocol.BuildCreateKey(4))
		require.Len(t, replies, 2)
		assert.Equal(t, byte(protocol.ResKeyCreated), replies[0][0])
		assert.Len(t, replies[0], protocol.PacketSize)

		_, err := protocol.ParsePublicKey(replies[0][1 : 1+protocol.PublicKeySize])
		assert.NoError(t, err)
		assert.Equal(t, []uint8{4}, d.Slots())
	})

	t.Run("dump keys", func(t *testing.T) {
		replies := d.Handle(protocol.BuildDumpKeys())
		require.Len(t, replies, 3)

		ev, ok := protocol.DecodePacket(replies[0])
		require.True(t, ok)
		accounts, truncated := protocol.ParseRecordBatch(ev.Payload)
		assert.True(t, truncated)
		require.Len(t, accounts, 1)
		assert.Equal(t, uint8(4), accounts[0].Index)

		assert.Equal(t, []byte{byte(protocol.ResRecordBatch), protocol.SentinelIndex}, replies[1][:2])
		assert.Equal(t, byte(protocol.ResDone), replies[2][0])
	})

	t.Run("sign empty slot", func(t *testing.T) {
		packet, err := protocol.BuildSign(9, make([]byte, 32))
		require.NoError(t, err)
		assert.Len(t, d.Handle(packet), 1)
	})

	t.Run("unknown command", func(t *testing.T) {
		replies := d.Handle([]byte{0x7F})
		require.Len(t, replies, 1)
		assert.Equal(t, byte(protocol.ResDone), replies[0][0])
	})

	t.Run("empty packet", func(t *testing.T) {
		assert.Nil(t, d.Handle(nil))
	})

	t.Run("reset", func(t *testing.T) {
		d.Handle(protocol.BuildReset())
		assert.Empty(t, d.Slots())
	})
}

func TestEndToEnd(t *testing.T) {
	d := newDevice(t)
	s := attachSession(t, d)
	ctx := context.Background()

	addr, err := s.CreateKey(ctx, 7)
	require.NoError(t, err)

	accounts, err := s.DumpKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Account{{Index: 7, Address: addr}}, accounts)

	digest := sha256.Sum256([]byte("transfer 1 unit"))
	sig, err := s.Sign(ctx, 7, digest[:])
	require.NoError(t, err)

	pub, err := protocol.ParseAddress(addr)
	require.NoError(t, err)
	assert.True(t, sig.Verify(pub, digest[:]))

	_, err = s.Sign(ctx, 8, digest[:])
	assert.ErrorIs(t, err, keyring.ErrProtocolViolation)

	require.NoError(t, s.DeleteKey(ctx, 7))
	accounts, err = s.DumpKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	require.NoError(t, s.Ping(ctx))
}

func TestEndToEnd_SignPadsShortDigest(t *testing.T) {
	d := newDevice(t)
	s := attachSession(t, d)
	ctx := context.Background()

	addr, err := s.CreateKey(ctx, 3)
	require.NoError(t, err)
	pub, err := protocol.ParseAddress(addr)
	require.NoError(t, err)

	short := []byte{0xde, 0xad, 0xbe, 0xef}
	padded := make([]byte, protocol.ChunkSize)
	copy(padded, short)

	sig, err := s.Sign(ctx, 3, short)
	require.NoError(t, err)
	assert.True(t, sig.Verify(pub, padded))

	want, err := s.Sign(ctx, 3, padded)
	require.NoError(t, err)
	assert.Equal(t, want, sig)
}

func TestHandle_SignIgnoresTrailingBytes(t *testing.T) {
	d := newDevice(t, WithPacketSize(protocol.PacketSize+8))
	require.Len(t, d.Handle([]byte{byte(protocol.CmdCreateKey), 3}), 2)

	digest := sha256.Sum256([]byte("trailing"))
	cmd := append([]byte{byte(protocol.CmdSign), 3}, digest[:]...)
	long := append(append([]byte{}, cmd...), 0xaa, 0xbb, 0xcc)

	replies := d.Handle(cmd)
	require.Len(t, replies, 3)
	assert.Equal(t, replies, d.Handle(long))
}

func TestEndToEnd_ManyKeys(t *testing.T) {
	d := newDevice(t)
	s := attachSession(t, d)
	ctx := context.Background()

	want := make([]protocol.Account, 0, 10)
	for _, index := range []int{9, 0, 3, 200, 42, 1, 17, 254, 5, 100} {
		addr, err := s.CreateKey(ctx, index)
		require.NoError(t, err)
		want = append(want, protocol.Account{Index: uint8(index), Address: addr})
	}

	accounts, err := s.DumpKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, accounts)

	require.NoError(t, s.Reset(ctx))
	accounts, err = s.DumpKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestEndToEnd_SlowDeviceTimesOut(t *testing.T) {
	d := newDevice(t, WithResponseDelay(200*time.Millisecond))
	s := attachSession(t, d, keyring.WithTimeout(20*time.Millisecond))

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, keyring.ErrDeviceTimeout)
}

func TestStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")

	d := newDevice(t, WithStateFile(path))
	d.Handle(protocol.BuildCreateKey(1))
	d.Handle(protocol.BuildCreateKey(2))
	d.Handle(protocol.BuildDelete(1))
	pub, ok := d.PublicKey(2)
	require.True(t, ok)

	restored := newDevice(t, WithStateFile(path))
	assert.Equal(t, []uint8{2}, restored.Slots())
	restoredPub, ok := restored.PublicKey(2)
	require.True(t, ok)
	assert.Equal(t, pub, restoredPub)

	_, ok = restored.PublicKey(1)
	assert.False(t, ok)
}

func TestMarshalState(t *testing.T) {
	d := newDevice(t)
	d.Handle(protocol.BuildCreateKey(3))

	data, err := d.MarshalState()
	require.NoError(t, err)

	again, err := d.MarshalState()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	other := newDevice(t)
	require.NoError(t, other.UnmarshalState(data))
	assert.Equal(t, []uint8{3}, other.Slots())

	assert.Error(t, other.UnmarshalState([]byte{0xFF, 0x00}))
}

func TestServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emulator.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	d := newDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, ln) }()

	sock, err := transport.DialSocket(ctx, "unix", path, protocol.PacketSize)
	require.NoError(t, err)

	s, err := keyring.New(sock, keyring.WithLogger(logger.Discard()), keyring.WithTimeout(2*time.Second))
	require.NoError(t, err)

	addr, err := s.CreateKey(context.Background(), 11)
	require.NoError(t, err)

	accounts, err := s.DumpKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []protocol.Account{{Index: 11, Address: addr}}, accounts)

	require.NoError(t, s.Close())
	cancel()
	assert.NoError(t, <-served)
}
