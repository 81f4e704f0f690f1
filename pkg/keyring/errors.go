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
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

var (
	// ErrCaller classifies requests rejected before any packet is written.
	ErrCaller = errors.New("keyring: invalid request")

	// ErrProtocolViolation indicates the device answered with events that
	// do not fit the in-flight operation.
	ErrProtocolViolation = errors.New("keyring: protocol violation")

	// ErrDeviceTimeout indicates the device did not send Done in time.
	ErrDeviceTimeout = errors.New("keyring: device timeout")

	// ErrChannelClosed indicates the session was closed while an operation
	// was queued or in flight, or an operation was requested after Close.
	ErrChannelClosed = errors.New("keyring: channel closed")

	// ErrNilChannel is returned by New when no channel is supplied.
	ErrNilChannel = errors.New("keyring: nil channel")
)

// IndexOutOfBoundsError reports a key slot outside [0, 255].
type IndexOutOfBoundsError struct {
	Index int
}

func (e *IndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("keyring: index %d out of bounds [%d, %d]", e.Index, protocol.MinIndex, protocol.MaxIndex)
}

// Is matches ErrCaller.
func (e *IndexOutOfBoundsError) Is(target error) bool {
	return target == ErrCaller
}

// ProtocolViolationError describes an unexpected response shape.
type ProtocolViolationError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("keyring: protocol violation in %s: %s", e.Kind, e.Reason)
}

// Is matches ErrProtocolViolation.
func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// DeviceTimeoutError reports an operation that did not complete in time.
type DeviceTimeoutError struct {
	Kind    Kind
	Timeout time.Duration
}

func (e *DeviceTimeoutError) Error() string {
	return fmt.Sprintf("keyring: %s timed out after %s", e.Kind, e.Timeout)
}

// Is matches ErrDeviceTimeout.
func (e *DeviceTimeoutError) Is(target error) bool {
	return target == ErrDeviceTimeout
}

// IsCallerError reports whether err was raised before any I/O because of
// invalid caller input.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrCaller) || errors.Is(err, protocol.ErrPayloadTooLarge)
}

// Status values used for metrics labels and logs.
const (
	StatusSuccess           = "success"
	StatusCallerError       = "caller_error"
	StatusProtocolViolation = "protocol_violation"
	StatusTimeout           = "timeout"
	StatusClosed            = "closed"
	StatusCanceled          = "canceled"
	StatusError             = "error"
)

// ErrorStatus classifies err into one of the Status values.
func ErrorStatus(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case IsCallerError(err):
		return StatusCallerError
	case errors.Is(err, ErrProtocolViolation):
		return StatusProtocolViolation
	case errors.Is(err, ErrDeviceTimeout):
		return StatusTimeout
	case errors.Is(err, ErrChannelClosed):
		return StatusClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusError
	}
}
