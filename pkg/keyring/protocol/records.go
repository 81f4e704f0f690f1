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

package protocol

import (
	"encoding/hex"
	"strings"
)

// Account is one occupied key slot.
type Account struct {
	Index   uint8  `json:"index"`
	Address string `json:"address"`
}

// Address renders a compressed public key as a 0x-prefixed hex address.
func Address(pub []byte) string {
	return "0x" + hex.EncodeToString(pub)
}

// ParseAddress decodes an address back into its 33-byte public key.
func ParseAddress(address string) ([]byte, error) {
	s, ok := strings.CutPrefix(address, "0x")
	if !ok {
		s, ok = strings.CutPrefix(address, "0X")
	}
	if !ok || len(s) != 2*PublicKeySize {
		return nil, ErrInvalidAddress
	}
	pub, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	return pub, nil
}

// ParseRecordBatch walks the index(1) + public key(33) records of one dump
// batch. It stops at the first SentinelIndex and reports truncated; records
// after the sentinel in the same batch are discarded. A trailing partial
// record is padding and ends the batch without producing an account.
func ParseRecordBatch(b []byte) (accounts []Account, truncated bool) {
	for off := 0; off < len(b); off += RecordSize {
		if b[off] == SentinelIndex {
			return accounts, true
		}
		if len(b)-off < RecordSize {
			return accounts, false
		}
		accounts = append(accounts, Account{
			Index:   b[off],
			Address: Address(b[off+1 : off+RecordSize]),
		})
	}
	return accounts, false
}

// EncodeRecord appends one dump record to dst.
func EncodeRecord(dst []byte, index uint8, pub []byte) []byte {
	dst = append(dst, index)
	return append(dst, pub[:PublicKeySize]...)
}
