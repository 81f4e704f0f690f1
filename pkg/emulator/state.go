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

package emulator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

const stateVersion = 1

// snapshot is the CBOR state file layout.
type snapshot struct {
	Version int              `cbor:"1,keyasint"`
	Keys    map[uint8][]byte `cbor:"2,keyasint"`
}

// MarshalState encodes the device keys as a deterministic CBOR snapshot.
func (d *Device) MarshalState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.marshal()
}

// UnmarshalState replaces the device keys with a CBOR snapshot.
func (d *Device) UnmarshalState(data []byte) error {
	keys, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.keys = keys
	d.mu.Unlock()
	return nil
}

func (d *Device) marshal() ([]byte, error) {
	snap := snapshot{
		Version: stateVersion,
		Keys:    make(map[uint8][]byte, len(d.keys)),
	}
	for index, key := range d.keys {
		snap.Keys[index] = key.Serialize()
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(snap)
}

func decodeSnapshot(data []byte) (map[uint8]*secp256k1.PrivateKey, error) {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("emulator: decode state: %w", err)
	}
	if snap.Version != stateVersion {
		return nil, fmt.Errorf("emulator: unsupported state version %d", snap.Version)
	}

	keys := make(map[uint8]*secp256k1.PrivateKey, len(snap.Keys))
	for index, raw := range snap.Keys {
		if len(raw) != secp256k1.PrivKeyBytesLen {
			return nil, fmt.Errorf("emulator: slot %d: private key has %d bytes", index, len(raw))
		}
		keys[index] = secp256k1.PrivKeyFromBytes(raw)
	}
	return keys, nil
}

func (d *Device) load() error {
	data, err := os.ReadFile(d.state)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("emulator: read state: %w", err)
	}
	keys, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	d.keys = keys
	return nil
}

// save writes the snapshot through a temporary file so a crash never
// leaves a truncated state file. Callers hold d.mu.
func (d *Device) save() error {
	data, err := d.marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.state), ".keyring-state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.state)
}
