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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/emulator"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

func main() {
	network := flag.String("network", "unix", "Listen network (unix or tcp)")
	address := flag.String("listen", filepath.Join(os.TempDir(), "keyring-emulator.sock"), "Socket path or host:port")
	state := flag.String("state", "", "CBOR state file for keys (in-memory when empty)")
	packetSize := flag.Int("packet-size", protocol.PacketSize, "Packet size in bytes")
	delay := flag.Duration("delay", 0, "Delay before every reply")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text or json)")
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: *logFormat,
		Output: os.Stderr,
	})

	if err := run(log, *network, *address, *state, *packetSize, *delay); err != nil {
		log.Error("Emulator stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(log logger.Logger, network, address, state string, packetSize int, delay time.Duration) error {
	opts := []emulator.Option{
		emulator.WithPacketSize(packetSize),
		emulator.WithResponseDelay(delay),
		emulator.WithLogger(log),
	}
	if state != "" {
		opts = append(opts, emulator.WithStateFile(state))
	}
	dev, err := emulator.New(opts...)
	if err != nil {
		return err
	}

	switch network {
	case "unix":
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	case "tcp":
	default:
		return fmt.Errorf("invalid network: %q (must be unix or tcp)", network)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Emulator listening",
		logger.String("network", network),
		logger.String("address", ln.Addr().String()),
		logger.Int("slots", len(dev.Slots())))

	return dev.Serve(ctx, ln)
}
