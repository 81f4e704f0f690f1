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

package client

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-keyring/internal/rpc"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
)

// RPCError is a JSON-RPC error returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("keyringd: %s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("keyringd: %s (%d)", e.Message, e.Code)
}

// Is maps device error codes onto the keyring sentinel errors.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case rpc.CodeInvalidParams:
		return target == keyring.ErrCaller
	case rpc.CodeDeviceTimeout:
		return target == keyring.ErrDeviceTimeout
	case rpc.CodeProtocolViolation:
		return target == keyring.ErrProtocolViolation
	case rpc.CodeChannelClosed:
		return target == keyring.ErrChannelClosed
	case rpc.CodeCanceled:
		return target == context.Canceled
	}
	return false
}
