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

package validation

import (
	"strings"
	"testing"
)

func TestValidateDeviceName(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		wantErr bool
	}{
		{"valid default", "default", false},
		{"valid with dash", "ledger-1", false},
		{"valid with dot", "lab.bench_2", false},
		{"valid at limit", strings.Repeat("a", MaxDeviceNameLength), false},

		{"empty string", "", true},
		{"too long", strings.Repeat("a", MaxDeviceNameLength+1), true},
		{"null byte", "dev\x00ice", true},
		{"newline", "dev\nice", true},
		{"space", "my device", true},
		{"quote", "dev\"ice", true},
		{"brace", "dev{ice}", true},
		{"slash", "usb/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceName(tt.device)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceName(%q) error = %v, wantErr %v", tt.device, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSocketPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute", "/run/keyringd.sock", false},
		{"relative", "keyringd.sock", false},
		{"tcp style address", "127.0.0.1:9000", false},

		{"empty", "", true},
		{"null byte", "/run/key\x00ring.sock", true},
		{"control character", "/run/key\tring.sock", true},
		{"too long", "/" + strings.Repeat("s", MaxSocketPathLength), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSocketPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSocketPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "get_keys", "get_keys"},
		{"newline injection", "get_keys\nlevel=ERROR msg=forged", "get_keyslevel=ERROR msg=forged"},
		{"null and delete", "a\x00b\x7fc", "abc"},
		{"unicode kept", "créer", "créer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	long := SanitizeForLog(strings.Repeat("x", 2000))
	if !strings.HasSuffix(long, "...[truncated]") || len(long) != 1000+len("...[truncated]") {
		t.Errorf("SanitizeForLog did not truncate: len=%d", len(long))
	}
}
