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
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that mirror the global
// flags, e.g. KEYRING_TRANSPORT or KEYRING_PACKET_SIZE.
const EnvPrefix = "KEYRING"

// app carries the state shared by every command of one invocation.
type app struct {
	config *Config
	viper  *viper.Viper
}

// Execute runs the root command with the process arguments. Errors are
// printed to stderr in the selected output format.
func Execute() error {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		printer := NewPrinter(a.config.OutputFormat, stderr)
		_ = printer.PrintError(err) // Error printing to stderr is best-effort
	}
	return err
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{
		config: NewConfig(),
		viper:  viper.New(),
	}

	rootCmd := &cobra.Command{
		Use:   "keyring",
		Short: "keyring CLI - secp256k1 signing device client",
		Long: `keyring talks to a USB HID secp256k1 signing device that holds up to
256 private keys in numbered slots.

Supported transports:
  - socket: a device emulator or bridge on a unix or tcp socket
  - hidraw: a Linux /dev/hidrawN node
  - rpc:    a running keyringd over JSON-RPC`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	defaults := NewConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.StringP("transport", "t", defaults.Transport, "device transport (socket, hidraw, rpc)")
	flags.String("network", defaults.Network, "socket network (unix, tcp)")
	flags.StringP("device", "d", defaults.Device, "socket address or hidraw device node")
	flags.StringP("address", "a", defaults.Address, "keyringd JSON-RPC address (rpc transport)")
	flags.Duration("timeout", defaults.Timeout, "per-operation timeout")
	flags.Int("packet-size", defaults.PacketSize, "device packet size in bytes")
	flags.StringP("output", "o", defaults.OutputFormat, "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")
	_ = a.viper.BindPFlags(flags)

	a.viper.SetEnvPrefix(EnvPrefix)
	a.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.viper.AutomaticEnv()

	rootCmd.AddCommand(a.versionCmd())
	rootCmd.AddCommand(a.keysCmd())
	rootCmd.AddCommand(a.signCmd())
	rootCmd.AddCommand(a.verifyCmd())
	rootCmd.AddCommand(a.pingCmd())
	rootCmd.AddCommand(a.resetCmd())

	return rootCmd, a
}

// loadConfig resolves flags, KEYRING_* environment variables and the
// config file, in that order of precedence.
func (a *app) loadConfig() error {
	v := a.viper
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := a.config
	cfg.ConfigFile = v.GetString("config")
	cfg.Transport = v.GetString("transport")
	cfg.Network = v.GetString("network")
	cfg.Device = v.GetString("device")
	cfg.Address = v.GetString("address")
	cfg.Timeout = v.GetDuration("timeout")
	cfg.PacketSize = v.GetInt("packet-size")
	cfg.OutputFormat = v.GetString("output")
	cfg.Verbose = v.GetBool("verbose")

	switch cfg.Transport {
	case TransportSocket, TransportHIDRaw, TransportRPC:
	default:
		return fmt.Errorf("unknown transport: %s (must be socket, hidraw or rpc)", cfg.Transport)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if err := NewPrinter(cfg.OutputFormat, io.Discard).Validate(); err != nil {
		cfg.OutputFormat = string(OutputFormatText)
		return err
	}
	return nil
}

func (a *app) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(a.config.OutputFormat, cmd.OutOrStdout())
}

// printVerbose prints a message if verbose mode is enabled
func (a *app) printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if a.config.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}

// withDevice opens the configured device for the duration of fn.
func (a *app) withDevice(cmd *cobra.Command, fn func(ctx context.Context, dev Device) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch a.config.Transport {
	case TransportRPC:
		a.printVerbose(cmd, "Using keyringd at %s", a.config.Address)
	default:
		a.printVerbose(cmd, "Using %s device %s", a.config.Transport, a.config.Device)
	}

	dev, err := a.config.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	return fn(ctx, dev)
}
