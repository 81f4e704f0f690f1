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

// Package emulator implements a software signing device that speaks the
// keyring packet protocol with secp256k1 keys.
//
// A Device can be attached in process to one end of a transport.Pipe, or
// served to other processes over a unix or tcp socket. Key material can be
// persisted to a CBOR state file that is rewritten after every change.
//
// Dumps are sent as one record batch per key, each closed by the 0xFF
// sentinel, then a sentinel-only batch and Done. A key stored in slot 255
// is never listed because its index collides with the sentinel.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
)

// Device is an emulated signing device. It is safe for concurrent use;
// commands from all attached channels are applied one at a time.
type Device struct {
	mu    sync.Mutex
	keys  map[uint8]*secp256k1.PrivateKey
	size  int
	state string
	delay time.Duration
	log   logger.Logger
}

// Option configures a Device.
type Option func(*Device)

// WithPacketSize sets the packet size. Defaults to protocol.PacketSize.
func WithPacketSize(n int) Option {
	return func(d *Device) {
		d.size = n
	}
}

// WithStateFile loads keys from path if it exists and saves them there
// after every change.
func WithStateFile(path string) Option {
	return func(d *Device) {
		d.state = path
	}
}

// WithResponseDelay holds every reply for the given duration.
func WithResponseDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.delay = delay
	}
}

// WithLogger sets the device logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New creates a device with no keys, or with the keys of its state file.
func New(opts ...Option) (*Device, error) {
	d := &Device{
		keys: make(map[uint8]*secp256k1.PrivateKey),
		size: protocol.PacketSize,
		log:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.size <= protocol.IndexedHeaderSize+protocol.PublicKeySize {
		return nil, fmt.Errorf("emulator: packet size %d cannot carry a public key", d.size)
	}
	if d.state != "" {
		if err := d.load(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Handle applies one command packet and returns the response packets.
func (d *Device) Handle(cmd []byte) [][]byte {
	if len(cmd) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	op := protocol.Opcode(cmd[0])
	d.log.Debug("command received", logger.String("command", protocol.CommandName(op)), logger.Hex("packet", cmd))

	var replies [][]byte
	switch op {
	case protocol.CmdReset:
		clear(d.keys)
		d.persist()
	case protocol.CmdCreateKey:
		replies = d.createKey(byteAt(cmd, 1))
	case protocol.CmdDelete:
		delete(d.keys, byteAt(cmd, 1))
		d.persist()
	case protocol.CmdDumpKeys:
		replies = d.dumpKeys()
	case protocol.CmdSign:
		replies = d.sign(cmd)
	}
	return append(replies, d.response(protocol.ResDone, nil))
}

// Attach serves commands arriving on ch and writes replies back to it.
func (d *Device) Attach(ch keyring.Channel) {
	ch.OnPacket(func(cmd []byte) {
		replies := d.Handle(cmd)
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		for _, reply := range replies {
			if err := ch.Write(reply); err != nil {
				d.log.Debug("dropping reply", logger.Error(err))
				return
			}
		}
	})
}

// ServeConn serves one connection until the peer hangs up or ctx is done.
func (d *Device) ServeConn(ctx context.Context, conn net.Conn) error {
	sock := transport.NewSocket(conn, d.size)
	d.Attach(sock)

	select {
	case <-sock.Done():
	case <-ctx.Done():
	}
	if err := sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return sock.Err()
}

// Serve accepts connections on ln until ctx is done.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("emulator: accept: %w", err)
		}

		d.log.Info("host connected", logger.String("remote", conn.RemoteAddr().String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.ServeConn(ctx, conn); err != nil {
				d.log.Warn("connection ended", logger.Error(err))
				return
			}
			d.log.Info("host disconnected")
		}()
	}
}

// Slots returns the occupied key slots in ascending order.
func (d *Device) Slots() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedSlots()
}

// PublicKey returns the compressed public key in slot index.
func (d *Device) PublicKey(index uint8) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.keys[index]
	if !ok {
		return nil, false
	}
	return key.PubKey().SerializeCompressed(), true
}

func (d *Device) createKey(index uint8) [][]byte {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		d.log.Error("key generation failed", logger.Error(err))
		return nil
	}
	d.keys[index] = key
	d.persist()
	return [][]byte{d.response(protocol.ResKeyCreated, key.PubKey().SerializeCompressed())}
}

func (d *Device) dumpKeys() [][]byte {
	var replies [][]byte
	for _, index := range d.sortedSlots() {
		record := protocol.EncodeRecord(nil, index, d.keys[index].PubKey().SerializeCompressed())
		replies = append(replies, d.response(protocol.ResRecordBatch, append(record, protocol.SentinelIndex)))
	}
	return append(replies, d.response(protocol.ResRecordBatch, []byte{protocol.SentinelIndex}))
}

// sign answers with r and s chunks over the 32 bytes at offset 2. The packet
// carries no length, so a short digest arrives zero-padded. Unknown slots and
// packets too small for a digest get no chunks.
func (d *Device) sign(cmd []byte) [][]byte {
	if len(cmd) < protocol.IndexedHeaderSize+protocol.ChunkSize {
		return nil
	}
	key, ok := d.keys[cmd[1]]
	if !ok {
		d.log.Warn("sign with empty slot", logger.Int("index", int(cmd[1])))
		return nil
	}

	digest := cmd[protocol.IndexedHeaderSize : protocol.IndexedHeaderSize+protocol.ChunkSize]
	compact := ecdsa.SignCompact(key, digest, true)
	return [][]byte{
		d.response(protocol.ResSignatureChunk, compact[1:1+protocol.ChunkSize]),
		d.response(protocol.ResSignatureChunk, compact[1+protocol.ChunkSize:]),
	}
}

func (d *Device) response(op protocol.Opcode, payload []byte) []byte {
	packet, err := protocol.EncodeResponse(d.size, op, payload)
	if err != nil {
		// Payloads are at most a record plus sentinel, which New guarantees fits.
		d.log.Error("response does not fit packet", logger.Error(err))
		packet, _ = protocol.EncodeResponse(d.size, protocol.ResDone, nil)
	}
	return packet
}

func (d *Device) sortedSlots() []uint8 {
	slots := make([]uint8, 0, len(d.keys))
	for index := range d.keys {
		slots = append(slots, index)
	}
	slices.Sort(slots)
	return slots
}

func (d *Device) persist() {
	if d.state == "" {
		return
	}
	if err := d.save(); err != nil {
		d.log.Error("saving state failed", logger.String("path", d.state), logger.Error(err))
	}
}

func byteAt(b []byte, i int) uint8 {
	if i < len(b) {
		return b[i]
	}
	return 0
}
