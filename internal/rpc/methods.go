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
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// Device is the set of session operations the service exposes.
// *keyring.Session implements it.
type Device interface {
	CreateKey(ctx context.Context, index int) (string, error)
	DeleteKey(ctx context.Context, index int) error
	Sign(ctx context.Context, index int, payload []byte) (protocol.Signature, error)
	DumpKeys(ctx context.Context) ([]protocol.Account, error)
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Method names.
const (
	MethodGetKeys   = "get_keys"
	MethodCreateKey = "create_key"
	MethodDeleteKey = "delete_key"
	MethodSign      = "sign"
	MethodPing      = "ping"
	MethodReset     = "reset"
)

// MethodFunc handles one method call with positional params.
type MethodFunc func(ctx context.Context, params []json.RawMessage) (any, error)

func deviceMethods(d Device) map[string]MethodFunc {
	return map[string]MethodFunc{
		MethodGetKeys: func(ctx context.Context, params []json.RawMessage) (any, error) {
			if err := arity(params, 0); err != nil {
				return nil, err
			}
			return d.DumpKeys(ctx)
		},
		MethodCreateKey: func(ctx context.Context, params []json.RawMessage) (any, error) {
			index, err := indexParam(params, 1)
			if err != nil {
				return nil, err
			}
			return d.CreateKey(ctx, index)
		},
		MethodDeleteKey: func(ctx context.Context, params []json.RawMessage) (any, error) {
			index, err := indexParam(params, 1)
			if err != nil {
				return nil, err
			}
			return nil, d.DeleteKey(ctx, index)
		},
		MethodSign: func(ctx context.Context, params []json.RawMessage) (any, error) {
			index, err := indexParam(params, 2)
			if err != nil {
				return nil, err
			}
			payload, err := hexParam(params[1])
			if err != nil {
				return nil, err
			}
			sig, err := d.Sign(ctx, index, payload)
			if err != nil {
				return nil, err
			}
			return sig.Hex(), nil
		},
		MethodPing: func(ctx context.Context, params []json.RawMessage) (any, error) {
			if err := arity(params, 0); err != nil {
				return nil, err
			}
			if err := d.Ping(ctx); err != nil {
				return nil, err
			}
			return true, nil
		},
		MethodReset: func(ctx context.Context, params []json.RawMessage) (any, error) {
			if err := arity(params, 0); err != nil {
				return nil, err
			}
			return nil, d.Reset(ctx)
		},
	}
}

// parseParams accepts an absent params member or a JSON array.
func parseParams(raw json.RawMessage) ([]json.RawMessage, *Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, invalidParams("params must be an array")
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("params must be an array")
	}
	return params, nil
}

func arity(params []json.RawMessage, n int) error {
	if len(params) != n {
		return invalidParams("expected %d params, got %d", n, len(params))
	}
	return nil
}

// indexParam reads an integer key index from params[0]. Range checking is
// left to the session.
func indexParam(params []json.RawMessage, n int) (int, error) {
	if err := arity(params, n); err != nil {
		return 0, err
	}
	raw := bytes.TrimSpace(params[0])
	if len(raw) == 0 || raw[0] == '"' {
		return 0, invalidParams("index must be an integer")
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, invalidParams("index must be an integer")
	}
	index, err := num.Int64()
	if err != nil || index < -1<<31 || index > 1<<31-1 {
		return 0, invalidParams("index must be an integer")
	}
	return int(index), nil
}

// hexParam decodes a hex string with an optional 0x prefix.
func hexParam(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, invalidParams("payload must be a hex string")
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, invalidParams("payload must be a hex string")
	}
	return b, nil
}
