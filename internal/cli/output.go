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
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// Validate reports an unknown output format.
func (p *Printer) Validate() error {
	switch p.format {
	case OutputFormatText, OutputFormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintAccounts prints the occupied key slots
func (p *Printer) PrintAccounts(accounts []protocol.Account) error {
	switch p.format {
	case OutputFormatJSON:
		if accounts == nil {
			accounts = []protocol.Account{}
		}
		return p.printJSON(map[string]interface{}{
			"keys": accounts,
		})
	case OutputFormatText:
		if len(accounts) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-6s %s\n", "INDEX", "ADDRESS")
		for _, a := range accounts {
			fmt.Fprintf(p.writer, "%-6d %s\n", a.Index, a.Address)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintAccount prints a single created key
func (p *Printer) PrintAccount(index int, address string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(protocol.Account{Index: uint8(index), Address: address})
	case OutputFormatText:
		fmt.Fprintln(p.writer, address)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignature prints a signature as hex
func (p *Printer) PrintSignature(digest []byte, sig protocol.Signature) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"digest":    fmt.Sprintf("0x%x", digest),
			"signature": sig.Hex(),
			"r":         fmt.Sprintf("0x%x", sig.R()),
			"s":         fmt.Sprintf("0x%x", sig.S()),
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, sig.Hex())
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintVerification prints the outcome of an offline verification
func (p *Printer) PrintVerification(address string, valid bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"address": address,
			"valid":   valid,
		})
	case OutputFormatText:
		if valid {
			fmt.Fprintln(p.writer, "Signature is valid")
		} else {
			fmt.Fprintln(p.writer, "Signature is NOT valid")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
