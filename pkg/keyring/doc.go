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

// Package keyring drives a hardware signing device over a packet Channel.
//
// A Session exposes the device operations as blocking calls:
//
//	s, err := keyring.New(ch, keyring.WithTimeout(10*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	addr, err := s.CreateKey(ctx, 5)
//	sig, err := s.Sign(ctx, 5, digest)
//	accounts, err := s.DumpKeys(ctx)
//
// Operations run strictly one at a time. Replies carry no request
// identifier, so the session queues requests and only writes the next
// command after the previous one reached Done or failed.
//
// # Errors
//
// Invalid input is rejected before any packet is written with an
// *IndexOutOfBoundsError or a *protocol.PayloadTooLargeError; IsCallerError
// matches both. Device side failures are *ProtocolViolationError and
// *DeviceTimeoutError, and ErrChannelClosed is returned for every request
// pending at Close and every request made after it.
//
// # Timeouts and late replies
//
// A device that never sends Done fails the operation with a
// *DeviceTimeoutError and the queue moves on. Replies that arrive later
// while no operation is in flight are logged and dropped. A late reply that
// arrives after the next command was written cannot be told apart from that
// command's own replies; this is a limitation of the wire protocol.
//
// # Key dumps
//
// A dump may span several record batches. Each batch is read up to its
// first 0xFF index; later batches are still read, and accounts from all of
// them are returned in arrival order.
package keyring
