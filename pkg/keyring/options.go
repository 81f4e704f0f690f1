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

package keyring

import (
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// DefaultTimeout bounds the wait for Done on every operation.
const DefaultTimeout = 30 * time.Second

// Recorder receives session instrumentation. pkg/metrics provides a
// Prometheus implementation.
type Recorder interface {
	// RecordOperation is called once per finished operation
	RecordOperation(device, operation, status string, queued, elapsed time.Duration)

	// RecordDroppedPacket is called for undecodable or unattributed packets
	RecordDroppedPacket(device, reason string)

	// SetQueueDepth reports the number of operations waiting for the slot
	SetQueueDepth(device string, depth int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, string, time.Duration, time.Duration) {}
func (nopRecorder) RecordDroppedPacket(string, string)                                   {}
func (nopRecorder) SetQueueDepth(string, int)                                            {}

// Config holds session settings. Use the With options to change them.
type Config struct {
	// Timeout bounds the wait for Done after a command is written
	Timeout time.Duration

	// PacketSize is the outbound packet size
	PacketSize int

	// DeviceName labels logs and metrics
	DeviceName string

	Logger   logger.Logger
	Recorder Recorder
}

// Option configures a Session.
type Option func(*Config)

// WithTimeout sets the per-operation timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithPacketSize sets the outbound packet size.
func WithPacketSize(n int) Option {
	return func(c *Config) {
		c.PacketSize = n
	}
}

// WithDeviceName sets the device label used in logs and metrics.
func WithDeviceName(name string) Option {
	return func(c *Config) {
		c.DeviceName = name
	}
}

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(c *Config) {
		if r != nil {
			c.Recorder = r
		}
	}
}

func defaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		PacketSize: protocol.PacketSize,
		DeviceName: "default",
		Recorder:   nopRecorder{},
	}
}
