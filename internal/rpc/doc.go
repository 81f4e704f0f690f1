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

// Package rpc exposes a keyring device session as a JSON-RPC 2.0 service over
// HTTP.
//
// Requests are POSTed to / with positional params:
//
//	{"jsonrpc":"2.0","id":1,"method":"create_key","params":[5]}
//
// Methods: get_keys, create_key(index), delete_key(index),
// sign(index, payloadHex), ping, reset. Batches and notifications follow the
// JSON-RPC 2.0 rules. Device failures are reported as JSON-RPC error objects
// with HTTP status 200; see the Code* constants for the mapping.
//
// The same router serves /health/live, /health/ready and /metrics. With an
// audit adapter configured, create_key, delete_key, sign and reset are
// recorded and the trail can be served read-only.
package rpc
