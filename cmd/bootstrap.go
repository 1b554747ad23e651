// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the buckets_config relation if it does not already exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeStore, err := NewStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		sp, _ := pterm.DefaultSpinner.WithText("Bootstrapping buckets_config...").Start()
		if err := s.Bootstrap(cmd.Context()); err != nil {
			sp.Fail(fmt.Sprintf("Failed to bootstrap: %s", err))
			return err
		}
		sp.Success("buckets_config is ready")
		return nil
	},
}
