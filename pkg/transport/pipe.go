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
	"sync"
	"sync/atomic"
)

const pipeBuffer = 16

// PipeEnd is one side of an in-memory packet pipe.
type PipeEnd struct {
	size    int
	peer    *PipeEnd
	inbox   chan []byte
	handler atomic.Pointer[handlerSlot]

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Pipe returns two connected endpoints. Packets written to one are
// delivered to the other's handler in order.
func Pipe(size int) (*PipeEnd, *PipeEnd) {
	a := newPipeEnd(size)
	b := newPipeEnd(size)
	a.peer, b.peer = b, a

	a.wg.Add(1)
	go a.read()
	b.wg.Add(1)
	go b.read()

	return a, b
}

func newPipeEnd(size int) *PipeEnd {
	return &PipeEnd{
		size:   size,
		inbox:  make(chan []byte, pipeBuffer),
		closed: make(chan struct{}),
	}
}

// Write sends a copy of packet to the peer.
func (p *PipeEnd) Write(packet []byte) error {
	if len(packet) != p.size {
		return ErrPacketSize
	}
	cp := append([]byte(nil), packet...)

	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}

	select {
	case p.peer.inbox <- cp:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	}
}

// OnPacket registers the inbound handler; nil detaches it.
func (p *PipeEnd) OnPacket(handler func(packet []byte)) {
	if handler == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&handlerSlot{fn: handler})
}

// Close stops delivery to this end. The peer's writes fail afterwards.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
	return nil
}

// Done is closed when this end is closed.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.closed
}

func (p *PipeEnd) read() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case packet := <-p.inbox:
			if h := p.handler.Load(); h != nil {
				h.fn(packet)
			}
		}
	}
}
