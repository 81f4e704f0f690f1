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
	"fmt"

	"github.com/jeremyhahn/go-keyring/internal/config"
	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
)

// Reload applies the parts of cfg that can change without a restart.
// Only the log level is reloadable; device, listener and TLS changes are
// reported and ignored.
func (s *Server) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading configuration")

	if err := s.reloadLogging(cfg); err != nil {
		return fmt.Errorf("failed to reload logging configuration: %w", err)
	}

	if cfg.Device != s.config.Device {
		s.logger.Warn("Device configuration changed; restart required")
	}
	if cfg.Server != s.config.Server || cfg.TLS != s.config.TLS {
		s.logger.Warn("Listener configuration changed; restart required")
	}

	s.config.Logging = cfg.Logging
	return nil
}

func (s *Server) reloadLogging(cfg *config.Config) error {
	if cfg.Logging.Format != s.config.Logging.Format {
		s.logger.Warn("Log format changed; restart required")
	}
	if cfg.Logging.Level == s.config.Logging.Level {
		return nil
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	s.levelVar.Set(logger.SlogLevel(level))
	s.logger.Info("Log level updated",
		logger.String("old_level", s.config.Logging.Level),
		logger.String("new_level", cfg.Logging.Level))
	return nil
}
