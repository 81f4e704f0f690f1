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
	"strconv"

	"github.com/spf13/cobra"
)

func (a *app) keysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage device key slots",
	}

	keysCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the occupied key slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				accounts, err := dev.DumpKeys(ctx)
				if err != nil {
					return fmt.Errorf("failed to list keys: %w", err)
				}
				return a.printer(cmd).PrintAccounts(accounts)
			})
		},
	})

	keysCmd.AddCommand(&cobra.Command{
		Use:   "create <index>",
		Short: "Generate a key in a slot and print its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				address, err := dev.CreateKey(ctx, index)
				if err != nil {
					return fmt.Errorf("failed to create key: %w", err)
				}
				return a.printer(cmd).PrintAccount(index, address)
			})
		},
	})

	keysCmd.AddCommand(&cobra.Command{
		Use:   "delete <index>",
		Short: "Clear a key slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				if err := dev.DeleteKey(ctx, index); err != nil {
					return fmt.Errorf("failed to delete key: %w", err)
				}
				return a.printer(cmd).PrintSuccess(fmt.Sprintf("Key %d deleted", index))
			})
		},
	})

	return keysCmd
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the device responds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				if err := dev.Ping(ctx); err != nil {
					return fmt.Errorf("device did not respond: %w", err)
				}
				return a.printer(cmd).PrintSuccess("Device is responding")
			})
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe every key slot on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("reset destroys every key on the device; pass --force to confirm")
			}
			return a.withDevice(cmd, func(ctx context.Context, dev Device) error {
				if err := dev.Reset(ctx); err != nil {
					return fmt.Errorf("failed to reset device: %w", err)
				}
				return a.printer(cmd).PrintSuccess("Device reset")
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
	return cmd
}

// parseIndex parses a slot argument. Range checks are left to the device
// session so local and remote transports report them the same way.
func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid key index %q: must be an integer", s)
	}
	return index, nil
}
