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
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// Kind identifies the logical operation a command belongs to.
type Kind uint8

const (
	KindPing Kind = iota
	KindReset
	KindCreateKey
	KindDeleteKey
	KindSign
	KindDumpKeys
)

// String returns the operation name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindReset:
		return "reset"
	case KindCreateKey:
		return "create_key"
	case KindDeleteKey:
		return "delete_key"
	case KindSign:
		return "sign"
	case KindDumpKeys:
		return "dump_keys"
	default:
		return "unknown"
	}
}

type state uint8

const (
	stateIdle state = iota
	stateSent
	stateAccumulating
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSent:
		return "sent"
	case stateAccumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// result holds the assembled value of a completed operation. Only the
// field matching the operation kind is set.
type result struct {
	address   string
	signature protocol.Signature
	accounts  []protocol.Account
}

// operation is one queued or in-flight request.
type operation struct {
	kind    Kind
	packet  []byte
	events  []protocol.Event
	queued  time.Time
	started time.Time
	timer   *time.Timer
	done    chan struct{}
	result  result
	err     error
}

func newOperation(kind Kind, packet []byte) *operation {
	return &operation{
		kind:   kind,
		packet: packet,
		queued: time.Now(),
		done:   make(chan struct{}),
	}
}

// finish publishes the outcome. Callers must own the operation, having
// removed it from the queue or the coordinator under the session lock.
func (op *operation) finish(res result, err error) {
	if op.timer != nil {
		op.timer.Stop()
	}
	op.result = res
	op.err = err
	close(op.done)
}

// coordinator owns the single pending slot. It performs no I/O and holds no
// lock; the session serializes access to it.
type coordinator struct {
	state  state
	active *operation
}

func (c *coordinator) busy() bool {
	return c.active != nil
}

// begin moves op into the pending slot. It refuses when the slot is taken.
func (c *coordinator) begin(op *operation) bool {
	if c.active != nil {
		return false
	}
	c.active = op
	c.state = stateSent
	op.started = time.Now()
	return true
}

// route applies ev to the pending operation. It returns the operation once
// Done completes it, with result and error assembled. unattributed is true
// when no operation is pending and the event belongs to no caller.
func (c *coordinator) route(ev protocol.Event) (completed *operation, unattributed bool) {
	if c.active == nil {
		return nil, true
	}

	if ev.Kind != protocol.EventDone {
		c.active.events = append(c.active.events, ev)
		c.state = stateAccumulating
		return nil, false
	}

	op := c.active
	c.active = nil
	c.state = stateIdle
	op.result, op.err = assemble(op.kind, op.events)
	return op, false
}

// abort empties the pending slot and returns what was in it.
func (c *coordinator) abort() *operation {
	op := c.active
	c.active = nil
	c.state = stateIdle
	return op
}

func assemble(kind Kind, events []protocol.Event) (result, error) {
	switch kind {
	case KindCreateKey:
		if len(events) != 1 || events[0].Kind != protocol.EventKeyCreated {
			return result{}, violation(kind, "expected one key_created event, got %s", describe(events))
		}
		pub := events[0].Payload
		if len(pub) < protocol.PublicKeySize {
			return result{}, violation(kind, "public key has %d bytes", len(pub))
		}
		return result{address: protocol.Address(pub[:protocol.PublicKeySize])}, nil

	case KindDeleteKey:
		if len(events) != 0 {
			return result{}, violation(kind, "expected no events, got %s", describe(events))
		}
		return result{}, nil

	case KindSign:
		if len(events) != 2 || events[0].Kind != protocol.EventSignatureChunk || events[1].Kind != protocol.EventSignatureChunk {
			return result{}, violation(kind, "expected two signature_chunk events, got %s", describe(events))
		}
		sig, err := protocol.AssembleSignature(events[0].Payload, events[1].Payload)
		if err != nil {
			return result{}, violation(kind, "%v", err)
		}
		return result{signature: sig}, nil

	case KindDumpKeys:
		accounts := make([]protocol.Account, 0)
		for _, ev := range events {
			if ev.Kind != protocol.EventRecordBatch {
				return result{}, violation(kind, "unexpected %s event", ev.Kind)
			}
			batch, _ := protocol.ParseRecordBatch(ev.Payload)
			accounts = append(accounts, batch...)
		}
		return result{accounts: accounts}, nil

	default:
		return result{}, nil
	}
}

func violation(kind Kind, format string, args ...any) error {
	return &ProtocolViolationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func describe(events []protocol.Event) string {
	if len(events) == 0 {
		return "none"
	}
	counts := make(map[protocol.EventKind]int)
	var order []protocol.EventKind
	for _, ev := range events {
		if counts[ev.Kind] == 0 {
			order = append(order, ev.Kind)
		}
		counts[ev.Kind]++
	}
	s := ""
	for i, k := range order {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d %s", counts[k], k)
	}
	return s
}
