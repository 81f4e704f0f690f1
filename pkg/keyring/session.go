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
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// Channel is a bidirectional fixed-size packet transport to one device.
//
// Inbound packets are pushed to the handler registered with OnPacket, in
// arrival order, from a goroutine owned by the channel. Registering a nil
// handler detaches the previous one. Once the channel can no longer reach
// the device, Write returns an error matching net.ErrClosed; the session
// then fails every operation with ErrChannelClosed.
type Channel interface {
	Write(packet []byte) error
	OnPacket(handler func(packet []byte))
	Close() error
}

// Stats is a snapshot of the session queue.
type Stats struct {
	Queued   int    `json:"queued"`
	InFlight string `json:"in_flight,omitempty"`
	State    string `json:"state"`
	Closed   bool   `json:"closed"`
}

// Session runs device operations one at a time over a Channel.
//
// The wire protocol has no request identifier, so replies can only be
// attributed to the single operation in flight. Requests wait in a FIFO
// queue and a dispatcher goroutine writes the next command only after the
// previous one reached Done, timed out, or failed to write.
type Session struct {
	ch  Channel
	cfg Config
	enc protocol.Encoder
	log logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*operation
	coord  coordinator
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New attaches a session to ch and starts its dispatcher. The session takes
// ownership of ch and closes it on Close.
func New(ch Channel, opts ...Option) (*Session, error) {
	if ch == nil {
		return nil, ErrNilChannel
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	enc := protocol.NewEncoder(cfg.PacketSize)
	if err := enc.Validate(); err != nil {
		return nil, fmt.Errorf("keyring: packet size %d: %w", cfg.PacketSize, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}

	s := &Session{
		ch:  ch,
		cfg: cfg,
		enc: enc,
		log: cfg.Logger.With(logger.String("device", cfg.DeviceName)),
	}
	s.cond = sync.NewCond(&s.mu)

	ch.OnPacket(s.handlePacket)

	s.wg.Add(1)
	go s.dispatch()

	return s, nil
}

// CreateKey generates a key in slot index and returns its address.
func (s *Session) CreateKey(ctx context.Context, index int) (string, error) {
	slot, err := checkIndex(index)
	if err != nil {
		return "", s.reject(KindCreateKey, err)
	}
	packet, err := s.enc.CreateKey(slot)
	if err != nil {
		return "", s.reject(KindCreateKey, err)
	}
	res, err := s.submit(ctx, KindCreateKey, packet)
	if err != nil {
		return "", err
	}
	return res.address, nil
}

// DeleteKey clears slot index.
func (s *Session) DeleteKey(ctx context.Context, index int) error {
	slot, err := checkIndex(index)
	if err != nil {
		return s.reject(KindDeleteKey, err)
	}
	packet, err := s.enc.Delete(slot)
	if err != nil {
		return s.reject(KindDeleteKey, err)
	}
	_, err = s.submit(ctx, KindDeleteKey, packet)
	return err
}

// Sign asks the device to sign payload with the key in slot index. The
// payload must fit the packet after the opcode and index bytes.
func (s *Session) Sign(ctx context.Context, index int, payload []byte) (protocol.Signature, error) {
	slot, err := checkIndex(index)
	if err != nil {
		return protocol.Signature{}, s.reject(KindSign, err)
	}
	packet, err := s.enc.Sign(slot, payload)
	if err != nil {
		return protocol.Signature{}, s.reject(KindSign, err)
	}
	res, err := s.submit(ctx, KindSign, packet)
	if err != nil {
		return protocol.Signature{}, err
	}
	return res.signature, nil
}

// DumpKeys lists the occupied slots in the order the device reports them.
func (s *Session) DumpKeys(ctx context.Context) ([]protocol.Account, error) {
	packet, err := s.enc.DumpKeys()
	if err != nil {
		return nil, s.reject(KindDumpKeys, err)
	}
	res, err := s.submit(ctx, KindDumpKeys, packet)
	if err != nil {
		return nil, err
	}
	return res.accounts, nil
}

// Ping sends Hello and waits for Done.
func (s *Session) Ping(ctx context.Context) error {
	packet, err := s.enc.Hello()
	if err != nil {
		return s.reject(KindPing, err)
	}
	_, err = s.submit(ctx, KindPing, packet)
	return err
}

// Reset wipes every key slot on the device.
func (s *Session) Reset(ctx context.Context) error {
	packet, err := s.enc.Reset()
	if err != nil {
		return s.reject(KindReset, err)
	}
	_, err = s.submit(ctx, KindReset, packet)
	return err
}

// Stats returns a snapshot of the queue and pending slot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Queued: len(s.queue),
		State:  s.coord.state.String(),
		Closed: s.closed,
	}
	if s.coord.active != nil {
		st.InFlight = s.coord.active.kind.String()
	}
	return st
}

// Close detaches from the channel, fails the pending and queued operations
// with ErrChannelClosed and closes the channel. Subsequent calls return the
// result of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.queue
		s.queue = nil
		if op := s.coord.abort(); op != nil {
			pending = append([]*operation{op}, pending...)
		}
		s.cond.Broadcast()
		s.mu.Unlock()

		// Closing the channel first unblocks a write in progress and keeps
		// a rejected operation from reaching the device.
		s.ch.OnPacket(nil)
		s.closeErr = s.ch.Close()

		for _, op := range pending {
			s.complete(op, result{}, ErrChannelClosed)
		}
		s.cfg.Recorder.SetQueueDepth(s.cfg.DeviceName, 0)
		s.wg.Wait()

		s.log.Info("session closed", logger.Int("rejected", len(pending)))
	})
	return s.closeErr
}

func (s *Session) submit(ctx context.Context, kind Kind, packet []byte) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}

	op := newOperation(kind, packet)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return result{}, ErrChannelClosed
	}
	s.queue = append(s.queue, op)
	depth := len(s.queue)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cfg.Recorder.SetQueueDepth(s.cfg.DeviceName, depth)

	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
	}

	if s.cancel(op, ctx.Err()) {
		return result{}, ctx.Err()
	}

	// In flight: the operation keeps the slot until Done or timeout so its
	// replies cannot be captured by the next request.
	select {
	case <-op.done:
		return op.result, op.err
	default:
		s.log.Debug("caller abandoned in-flight operation", logger.String("operation", kind.String()))
		return result{}, ctx.Err()
	}
}

// cancel removes a still queued operation and completes it with cause.
func (s *Session) cancel(op *operation, cause error) bool {
	s.mu.Lock()
	idx := slices.Index(s.queue, op)
	if idx >= 0 {
		s.queue = slices.Delete(s.queue, idx, idx+1)
	}
	depth := len(s.queue)
	s.mu.Unlock()

	if idx < 0 {
		return false
	}
	s.cfg.Recorder.SetQueueDepth(s.cfg.DeviceName, depth)
	s.complete(op, result{}, cause)
	return true
}

func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		op := s.next()
		if op == nil {
			return
		}
		s.execute(op)
	}
}

// next blocks until the slot is free and a request is queued, then moves
// the head of the queue into the slot and arms its timeout.
func (s *Session) next() *operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && (s.coord.busy() || len(s.queue) == 0) {
		s.cond.Wait()
	}
	if s.closed {
		return nil
	}

	op := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.coord.begin(op)
	op.timer = time.AfterFunc(s.cfg.Timeout, func() { s.expire(op) })

	s.cfg.Recorder.SetQueueDepth(s.cfg.DeviceName, len(s.queue))
	return op
}

func (s *Session) execute(op *operation) {
	s.log.Debug("writing command",
		logger.String("operation", op.kind.String()),
		logger.Hex("packet", op.packet))

	s.mu.Lock()
	owned := !s.closed && s.coord.active == op
	s.mu.Unlock()
	if !owned {
		return
	}

	if err := s.ch.Write(op.packet); err != nil {
		if errors.Is(err, net.ErrClosed) {
			s.detach(err)
			return
		}
		if s.release(op) {
			s.complete(op, result{}, fmt.Errorf("keyring: write %s: %w", op.kind, err))
		}
	}
}

// detach marks the session closed after the channel went away underneath
// it and fails the pending and queued operations. The channel itself is
// still closed by Close.
func (s *Session) detach(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	if op := s.coord.abort(); op != nil {
		pending = append([]*operation{op}, pending...)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.Warn("channel closed by device", logger.Error(cause), logger.Int("rejected", len(pending)))

	err := fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	for _, op := range pending {
		s.complete(op, result{}, err)
	}
	s.cfg.Recorder.SetQueueDepth(s.cfg.DeviceName, 0)
}

func (s *Session) expire(op *operation) {
	if !s.release(op) {
		return
	}
	s.log.Warn("device did not complete operation; late replies will be discarded",
		logger.String("operation", op.kind.String()),
		logger.Duration("timeout", s.cfg.Timeout),
		logger.Int("events", len(op.events)))
	s.complete(op, result{}, &DeviceTimeoutError{Kind: op.kind, Timeout: s.cfg.Timeout})
}

// release frees the pending slot if op still holds it.
func (s *Session) release(op *operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coord.active != op {
		return false
	}
	s.coord.abort()
	s.cond.Broadcast()
	return true
}

func (s *Session) handlePacket(packet []byte) {
	ev, ok := protocol.DecodePacket(packet)
	if !ok {
		reason := "unknown_opcode"
		if len(packet) == 0 {
			reason = "empty"
		}
		s.log.Debug("dropping packet", logger.String("reason", reason), logger.Hex("packet", packet))
		s.cfg.Recorder.RecordDroppedPacket(s.cfg.DeviceName, reason)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	op, unattributed := s.coord.route(ev)
	if op != nil {
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	switch {
	case unattributed:
		s.log.Warn("discarding event with no operation in flight", logger.String("event", ev.Kind.String()))
		s.cfg.Recorder.RecordDroppedPacket(s.cfg.DeviceName, "unattributed")
	case op != nil:
		s.complete(op, op.result, op.err)
	}
}

// complete records the outcome of op and then releases its caller.
func (s *Session) complete(op *operation, res result, err error) {
	defer op.finish(res, err)

	var queued, elapsed time.Duration
	if op.started.IsZero() {
		queued = time.Since(op.queued)
	} else {
		queued = op.started.Sub(op.queued)
		elapsed = time.Since(op.started)
	}

	status := ErrorStatus(err)
	s.cfg.Recorder.RecordOperation(s.cfg.DeviceName, op.kind.String(), status, queued, elapsed)

	fields := []logger.Field{
		logger.String("operation", op.kind.String()),
		logger.String("status", status),
		logger.Duration("elapsed", elapsed),
	}
	if err != nil && status != StatusCanceled {
		s.log.Warn("operation failed", append(fields, logger.Error(err))...)
		return
	}
	s.log.Debug("operation completed", fields...)
}

// reject records a request refused before any I/O.
func (s *Session) reject(kind Kind, err error) error {
	s.cfg.Recorder.RecordOperation(s.cfg.DeviceName, kind.String(), ErrorStatus(err), 0, 0)
	return err
}

func checkIndex(index int) (uint8, error) {
	if index < protocol.MinIndex || index > protocol.MaxIndex {
		return 0, &IndexOutOfBoundsError{Index: index}
	}
	return uint8(index), nil
}
