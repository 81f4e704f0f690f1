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

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-keyring/internal/config"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/emulator"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
)

const dialTimeout = 10 * time.Second

// device is the host end of the configured channel plus whatever must be
// torn down with it.
type device struct {
	channel keyring.Channel
	closers []func() error
}

type doner interface {
	Done() <-chan struct{}
}

func (d *device) done() <-chan struct{} {
	if c, ok := d.channel.(doner); ok {
		return c.Done()
	}
	return nil
}

func (d *device) close() error {
	var first error
	for _, fn := range d.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openDevice(ctx context.Context, cfg config.DeviceConfig, log logger.Logger) (*device, error) {
	switch cfg.Transport {
	case config.TransportSocket:
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		sock, err := transport.DialSocket(ctx, cfg.Network, cfg.Path, cfg.PacketSize)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to device socket", logger.String("network", cfg.Network), logger.String("address", cfg.Path))
		return &device{channel: sock, closers: []func() error{sock.Close}}, nil

	case config.TransportHIDRaw:
		hid, err := transport.OpenHIDRaw(cfg.Path, cfg.VendorID, cfg.ProductID, cfg.PacketSize)
		if err != nil {
			return nil, err
		}
		info := hid.Info()
		log.Info("Opened HID device",
			logger.String("path", cfg.Path),
			logger.String("name", info.Name),
			logger.String("vendor_id", fmt.Sprintf("%04x", info.VendorID)),
			logger.String("product_id", fmt.Sprintf("%04x", info.ProductID)))
		return &device{channel: hid, closers: []func() error{hid.Close}}, nil

	case config.TransportEmulator:
		opts := []emulator.Option{
			emulator.WithPacketSize(cfg.PacketSize),
			emulator.WithLogger(log.With(logger.String("component", "emulator"))),
		}
		if cfg.StateFile != "" {
			opts = append(opts, emulator.WithStateFile(cfg.StateFile))
		}
		emu, err := emulator.New(opts...)
		if err != nil {
			return nil, err
		}
		host, end := transport.Pipe(cfg.PacketSize)
		emu.Attach(end)
		log.Warn("Using in-process software emulator; keys are not hardware backed")
		return &device{channel: host, closers: []func() error{host.Close, end.Close}}, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
