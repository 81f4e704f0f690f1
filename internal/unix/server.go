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

// Package unix serves an HTTP handler on a Unix domain socket for local IPC.
// keyringd uses it to expose JSON-RPC to local clients without a TCP port.
package unix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
)

// DefaultSocketMode is the file mode applied to the socket
const DefaultSocketMode os.FileMode = 0o660

// Config holds the Unix socket server configuration
type Config struct {
	// SocketPath is the path to the Unix socket file
	SocketPath string

	// SocketMode is the file mode for the socket (default: 0660)
	SocketMode os.FileMode

	// Handler serves every request
	Handler http.Handler

	// Logger is the logging adapter
	Logger logger.Logger

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration
}

// Server represents the Unix domain socket server
type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
	logger   logger.Logger
	mu       sync.RWMutex
}

// NewServer creates a new Unix socket server
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = DefaultSocketMode
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Server{
		config: cfg,
		logger: cfg.Logger,
		server: &http.Server{
			Handler:           cfg.Handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Listen creates the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() error {
	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0o750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket listener: %w", err)
	}

	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Unix socket created",
		logger.String("path", s.config.SocketPath),
		logger.String("mode", s.config.SocketMode.String()))
	return nil
}

// Serve blocks serving requests until Stop. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return fmt.Errorf("unix socket server is not listening")
	}

	s.logger.Info("Starting Unix socket server", logger.String("socket", s.config.SocketPath))
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unix socket server error: %w", err)
	}
	return nil
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop gracefully stops the server and removes the socket file
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Unix socket server")

	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Error shutting down Unix socket server", logger.Error(err))
	}

	// Shutdown only closes listeners that Serve has seen
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}

	if rmErr := os.Remove(s.config.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn("Failed to remove socket file", logger.Error(rmErr))
	}
	return err
}

// SocketPath returns the path to the Unix socket
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}
