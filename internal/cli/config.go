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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/client"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
)

// Transports the CLI can reach a device through.
const (
	TransportSocket = "socket"
	TransportHIDRaw = "hidraw"
	TransportRPC    = "rpc"
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// Transport selects how the device is reached (socket, hidraw, rpc)
	Transport string

	// Network is the socket network (unix or tcp)
	Network string

	// Device is the socket address or hidraw node
	Device string

	// Address is the keyringd JSON-RPC URL, used by the rpc transport
	Address string

	// Timeout bounds each device operation
	Timeout time.Duration

	// PacketSize is the device packet size
	PacketSize int

	// OutputFormat controls output formatting (text, json)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Transport:    TransportSocket,
		Network:      "unix",
		Device:       filepath.Join(os.TempDir(), "keyring-emulator.sock"),
		Address:      client.DefaultAddress,
		Timeout:      30 * time.Second,
		PacketSize:   protocol.PacketSize,
		OutputFormat: string(OutputFormatText),
	}
}

// Device is what the commands need from a keyring, local or remote.
type Device interface {
	DumpKeys(ctx context.Context) ([]protocol.Account, error)
	CreateKey(ctx context.Context, index int) (string, error)
	DeleteKey(ctx context.Context, index int) error
	Sign(ctx context.Context, index int, payload []byte) (protocol.Signature, error)
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

// Open connects to the device through the configured transport.
func (c *Config) Open(ctx context.Context) (Device, error) {
	switch c.Transport {
	case TransportRPC:
		return client.New(&client.Config{
			Address: c.Address,
			Timeout: c.Timeout,
		})

	case TransportSocket:
		dialCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		sock, err := transport.DialSocket(dialCtx, c.Network, c.Device, c.PacketSize)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", c.Device, err)
		}
		return c.newSession(sock)

	case TransportHIDRaw:
		hid, err := transport.OpenHIDRaw(c.Device, transport.DefaultVendorID, transport.DefaultProductID, c.PacketSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", c.Device, err)
		}
		return c.newSession(hid)

	default:
		return nil, fmt.Errorf("unknown transport: %s", c.Transport)
	}
}

func (c *Config) newSession(ch keyring.Channel) (Device, error) {
	log := logger.Discard()
	if c.Verbose {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level:  logger.LevelDebug,
			Output: os.Stderr,
		})
	}

	s, err := keyring.New(ch,
		keyring.WithTimeout(c.Timeout),
		keyring.WithPacketSize(c.PacketSize),
		keyring.WithDeviceName(c.Device),
		keyring.WithLogger(log),
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return s, nil
}
