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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
)

// Socket frames fixed-size packets over a stream connection. There is no
// length prefix: every packet is exactly size bytes on the wire.
type Socket struct {
	conn    net.Conn
	size    int
	handler atomic.Pointer[handlerSlot]

	writeMu sync.Mutex

	done      chan struct{}
	err       error
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSocket wraps conn and starts reading packets from it.
func NewSocket(conn net.Conn, size int) *Socket {
	s := &Socket{
		conn: conn,
		size: size,
		done: make(chan struct{}),
	}
	go s.read()
	return s
}

// DialSocket connects to a socket served by keyring-emulator.
// network is "unix" or "tcp".
func DialSocket(ctx context.Context, network, address string, size int) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", network, address, err)
	}
	return NewSocket(conn, size), nil
}

// Write sends one packet.
func (s *Socket) Write(packet []byte) error {
	if len(packet) != s.size {
		return ErrPacketSize
	}
	if s.closed.Load() || s.hungUp() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(packet); err != nil {
		if s.closed.Load() || errors.Is(err, net.ErrClosed) ||
			errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// hungUp reports whether the reader has stopped.
func (s *Socket) hungUp() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// OnPacket registers the inbound handler; nil detaches it.
func (s *Socket) OnPacket(handler func(packet []byte)) {
	if handler == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&handlerSlot{fn: handler})
}

// Close closes the connection and waits for the reader to exit.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	<-s.done
	return err
}

// Done is closed when the reader stops, on Close or when the peer hangs up.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns why the reader stopped. It is nil after a clean EOF or Close
// and only valid once Done is closed.
func (s *Socket) Err() error {
	<-s.done
	return s.err
}

func (s *Socket) read() {
	defer close(s.done)

	buf := make([]byte, s.size)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			if !s.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.err = fmt.Errorf("transport: read: %w", err)
			}
			return
		}
		if h := s.handler.Load(); h != nil {
			h.fn(append([]byte(nil), buf...))
		}
	}
}
