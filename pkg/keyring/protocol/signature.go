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
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signature is r || s as produced by the device.
type Signature [SignatureSize]byte

// AssembleSignature joins the first ChunkSize bytes of each chunk.
func AssembleSignature(first, second []byte) (Signature, error) {
	var sig Signature
	if len(first) < ChunkSize || len(second) < ChunkSize {
		return sig, ErrShortChunk
	}
	copy(sig[:ChunkSize], first[:ChunkSize])
	copy(sig[ChunkSize:], second[:ChunkSize])
	return sig, nil
}

// ParseSignature decodes 0x-prefixed or bare hex into a Signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != SignatureSize {
		return sig, ErrInvalidSignature
	}
	copy(sig[:], b)
	return sig, nil
}

// R returns the first half of the signature.
func (s Signature) R() []byte {
	return s[:ChunkSize]
}

// S returns the second half of the signature.
func (s Signature) S() []byte {
	return s[ChunkSize:]
}

// Hex renders the signature as 0x-prefixed hex.
func (s Signature) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return s.Hex()
}

// MarshalText encodes the signature as 0x-prefixed hex for JSON.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText decodes 0x-prefixed hex.
func (s *Signature) UnmarshalText(text []byte) error {
	sig, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// ParsePublicKey validates a compressed secp256k1 public key.
func ParsePublicKey(pub []byte) (*btcec.PublicKey, error) {
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(pub))
	}
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key, nil
}

// Verify checks the signature over digest against a compressed public key.
// It returns false for malformed keys and out-of-range scalars.
func (s Signature) Verify(pub, digest []byte) bool {
	key, err := ParsePublicKey(pub)
	if err != nil {
		return false
	}

	var r, sc btcec.ModNScalar
	if overflow := r.SetByteSlice(s.R()); overflow || r.IsZero() {
		return false
	}
	if overflow := sc.SetByteSlice(s.S()); overflow || sc.IsZero() {
		return false
	}
	return ecdsa.NewSignature(&r, &sc).Verify(digest, key)
}
