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

//go:build linux

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// _IOR('H', 0x03, struct hidraw_devinfo)
	hidiocgrawinfo = 0x80084803

	// _IOC(_IOC_READ, 'H', 0x04, len)
	hidiocgrawnameBase = 0x80004804

	hidNameLen = 128
)

// hidrawDevinfo mirrors struct hidraw_devinfo.
type hidrawDevinfo struct {
	Bustype uint32
	Vendor  int16
	Product int16
}

// DeviceInfo identifies a hidraw node.
type DeviceInfo struct {
	Path      string
	Name      string
	Bus       uint32
	VendorID  uint16
	ProductID uint16
}

// HIDRaw is a packet channel over a Linux /dev/hidrawN node.
type HIDRaw struct {
	file    *os.File
	size    int
	info    DeviceInfo
	handler atomic.Pointer[handlerSlot]

	writeMu   sync.Mutex
	done      chan struct{}
	err       error
	closeOnce sync.Once
	closed    atomic.Bool
}

// OpenHIDRaw opens path and checks that it belongs to the given vendor and
// product. Pass zero IDs to skip the check. Reports are size bytes and are
// written with a zero report ID prefix.
func OpenHIDRaw(path string, vendorID, productID uint16, size int) (*HIDRaw, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}

	info, err := queryDevice(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: query %s: %w", path, err)
	}
	info.Path = path

	if (vendorID != 0 && info.VendorID != vendorID) || (productID != 0 && info.ProductID != productID) {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %04x:%04x, want %04x:%04x",
			ErrDeviceMismatch, path, info.VendorID, info.ProductID, vendorID, productID)
	}

	h := &HIDRaw{
		file: f,
		size: size,
		info: info,
		done: make(chan struct{}),
	}
	go h.read()
	return h, nil
}

// Info returns the identity reported by the driver.
func (h *HIDRaw) Info() DeviceInfo {
	return h.info
}

// Write sends one output report.
func (h *HIDRaw) Write(packet []byte) error {
	if len(packet) != h.size {
		return ErrPacketSize
	}
	if h.closed.Load() {
		return ErrClosed
	}

	report := make([]byte, 1+len(packet))
	copy(report[1:], packet)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.file.Write(report); err != nil {
		if h.closed.Load() || errors.Is(err, os.ErrClosed) || errors.Is(err, unix.ENODEV) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write %s: %w", h.info.Path, err)
	}
	return nil
}

// OnPacket registers the inbound handler; nil detaches it.
func (h *HIDRaw) OnPacket(handler func(packet []byte)) {
	if handler == nil {
		h.handler.Store(nil)
		return
	}
	h.handler.Store(&handlerSlot{fn: handler})
}

// Close closes the device node and waits for the reader to exit.
func (h *HIDRaw) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		err = h.file.Close()
	})
	<-h.done
	return err
}

// Done is closed when the reader stops.
func (h *HIDRaw) Done() <-chan struct{} {
	return h.done
}

// Err returns why the reader stopped, nil after Close.
func (h *HIDRaw) Err() error {
	<-h.done
	return h.err
}

func (h *HIDRaw) read() {
	defer close(h.done)

	buf := make([]byte, h.size)
	for {
		n, err := h.file.Read(buf)
		if err != nil {
			if !h.closed.Load() {
				h.err = fmt.Errorf("transport: read %s: %w", h.info.Path, err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if fn := h.handler.Load(); fn != nil {
			fn.fn(append([]byte(nil), buf[:n]...))
		}
	}
}

// queryDevice runs the hidraw info and name ioctls without taking the
// descriptor out of non-blocking mode.
func queryDevice(f *os.File) (DeviceInfo, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return DeviceInfo{}, err
	}

	var (
		raw      hidrawDevinfo
		name     [hidNameLen]byte
		ioctlErr error
	)
	err = rc.Control(func(fd uintptr) {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, hidiocgrawinfo, uintptr(unsafe.Pointer(&raw))); errno != 0 {
			ioctlErr = errno
			return
		}
		req := uintptr(hidiocgrawnameBase | hidNameLen<<16)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&name[0]))); errno != 0 {
			ioctlErr = errno
		}
	})
	if err != nil {
		return DeviceInfo{}, err
	}
	if ioctlErr != nil {
		return DeviceInfo{}, ioctlErr
	}

	return DeviceInfo{
		Name:      string(bytes.TrimRight(name[:], "\x00")),
		Bus:       raw.Bustype,
		VendorID:  uint16(raw.Vendor),
		ProductID: uint16(raw.Product),
	}, nil
}
