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

//go:build !linux

package transport

// DeviceInfo identifies a hidraw node.
type DeviceInfo struct {
	Path      string
	Name      string
	Bus       uint32
	VendorID  uint16
	ProductID uint16
}

// HIDRaw is unavailable on this platform.
type HIDRaw struct{}

// OpenHIDRaw returns ErrUnsupportedPlatform.
func OpenHIDRaw(path string, vendorID, productID uint16, size int) (*HIDRaw, error) {
	return nil, ErrUnsupportedPlatform
}

// Info returns an empty DeviceInfo.
func (h *HIDRaw) Info() DeviceInfo { return DeviceInfo{} }

// Write returns ErrUnsupportedPlatform.
func (h *HIDRaw) Write(packet []byte) error { return ErrUnsupportedPlatform }

// OnPacket does nothing.
func (h *HIDRaw) OnPacket(handler func(packet []byte)) {}

// Close does nothing.
func (h *HIDRaw) Close() error { return nil }
