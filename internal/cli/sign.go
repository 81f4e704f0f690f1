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

package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/sha3"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// ErrSignatureInvalid is returned by verify when the signature does not
// match the address and digest.
var ErrSignatureInvalid = errors.New("signature verification failed")

// ErrDigestSize is returned for a digest that is not exactly 32 bytes. The
// device signs the 32 bytes after the sign header and has no length field,
// so any other size would be padded or cut short without notice.
var ErrDigestSize = fmt.Errorf("digest must be %d bytes", protocol.ChunkSize)

// Keccak256 returns the legacy Keccak-256 hash of data, the digest used for
// signing text messages.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func (a *app) signCmd() *cobra.Command {
	var (
		digestHex string
		message   string
	)

	cmd := &cobra.Command{
		Use:   "sign <index>",
		Short: "Sign a digest or message with a key slot",
		Long: `Sign a digest with the key in the given slot. Use --digest for a
pre-computed 32-byte hex digest, or --message to sign the Keccak-256 hash of a text
message. The signature is printed as 0x-prefixed hex of r || s.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			digest, err := signingDigest(digestHex, message, cmd.Flags().Changed("message"))
			if err != nil {
				return err
			}
			a.printVerbose(cmd, "Signing digest %x with key %d", digest, index)

			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				sig, err := dev.Sign(ctx, index, digest)
				if err != nil {
					return fmt.Errorf("failed to sign: %w", err)
				}
				return a.printer(cmd).PrintSignature(digest, sig)
			})
		},
	}
	cmd.Flags().StringVar(&digestHex, "digest", "", "hex digest to sign")
	cmd.Flags().StringVar(&message, "message", "", "text message to hash with Keccak-256 and sign")
	cmd.MarkFlagsMutuallyExclusive("digest", "message")
	cmd.MarkFlagsOneRequired("digest", "message")
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <address> <digest> <signature>",
		Short: "Verify a signature offline",
		Long: `Verify a signature against the address that produced it. The
address is the 0x-prefixed compressed public key printed by keys list; the
digest and signature are hex. No device is contacted.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := protocol.ParseAddress(args[0])
			if err != nil {
				return err
			}
			digest, err := parseDigest(args[1])
			if err != nil {
				return err
			}
			sig, err := protocol.ParseSignature(args[2])
			if err != nil {
				return err
			}

			valid := sig.Verify(pub, digest)
			if err := a.printer(cmd).PrintVerification(args[0], valid); err != nil {
				return err
			}
			if !valid {
				return ErrSignatureInvalid
			}
			return nil
		},
	}
}

func signingDigest(digestHex, message string, useMessage bool) ([]byte, error) {
	if useMessage {
		return Keccak256([]byte(message)), nil
	}
	return parseDigest(digestHex)
}

func parseDigest(s string) ([]byte, error) {
	digest, err := decodeHex(s)
	if err != nil {
		return nil, fmt.Errorf("invalid digest: %w", err)
	}
	if len(digest) != protocol.ChunkSize {
		return nil, fmt.Errorf("invalid digest: %w, got %d", ErrDigestSize, len(digest))
	}
	return digest, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
