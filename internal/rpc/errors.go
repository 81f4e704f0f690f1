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

package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// JSON-RPC error codes. The -320xx range is implementation defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeDeviceTimeout     = -32000
	CodeProtocolViolation = -32001
	CodeChannelClosed     = -32002
	CodeCanceled          = -32003
	CodeRateLimited       = -32005
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// MapError converts a session error into a JSON-RPC error object.
func MapError(err error) *Error {
	var rpcErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rpcErr):
		return rpcErr
	case keyring.IsCallerError(err):
		return &Error{Code: CodeInvalidParams, Message: callerMessage(err)}
	case errors.Is(err, keyring.ErrDeviceTimeout):
		return &Error{Code: CodeDeviceTimeout, Message: "device timeout"}
	case errors.Is(err, keyring.ErrProtocolViolation):
		return &Error{Code: CodeProtocolViolation, Message: "protocol violation", Data: err.Error()}
	case errors.Is(err, keyring.ErrChannelClosed):
		return &Error{Code: CodeChannelClosed, Message: "device channel closed"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeCanceled, Message: "request canceled"}
	default:
		return &Error{Code: CodeInternalError, Message: "internal error"}
	}
}

func callerMessage(err error) string {
	var bounds *keyring.IndexOutOfBoundsError
	if errors.As(err, &bounds) {
		return fmt.Sprintf("Index must be between %d and %d", protocol.MinIndex, protocol.MaxIndex)
	}
	var size *protocol.PayloadTooLargeError
	if errors.As(err, &size) {
		return fmt.Sprintf("payload of %d bytes exceeds maximum of %d bytes", size.Size, size.Max)
	}
	return "invalid params"
}
