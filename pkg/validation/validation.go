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

// Package validation checks operator-supplied names and paths before they
// reach metric labels, log records or the filesystem.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxDeviceNameLength bounds device names used as metric labels
	MaxDeviceNameLength = 64

	// MaxSocketPathLength is the portable sun_path limit
	MaxSocketPathLength = 104

	maxLogLength = 1000
)

// deviceNamePattern matches safe device names
var deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// ValidateDeviceName validates the name a device is reported under.
func ValidateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}

	// Check length before the pattern (prevent ReDoS)
	if len(name) > MaxDeviceNameLength {
		return fmt.Errorf("device name too long (max %d characters)", MaxDeviceNameLength)
	}

	if err := checkControl("device name", name); err != nil {
		return err
	}

	if !deviceNamePattern.MatchString(name) {
		return fmt.Errorf("device name contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, .)")
	}
	return nil
}

// ValidateSocketPath validates the path of a Unix domain socket.
func ValidateSocketPath(path string) error {
	if path == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if len(path) > MaxSocketPathLength {
		return fmt.Errorf("socket path too long (max %d bytes)", MaxSocketPathLength)
	}
	return checkControl("socket path", path)
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	// Limit length to prevent log flooding
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}

func checkControl(what, s string) error {
	if strings.Contains(s, "\x00") {
		return fmt.Errorf("%s contains null byte", what)
	}
	for _, r := range s {
		if r < 32 || r == 127 {
			return fmt.Errorf("%s contains control characters", what)
		}
	}
	return nil
}
