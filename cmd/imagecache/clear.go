package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCommand(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached image from memory and disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.cache.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}

func newDUCommand(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "du",
		Short: "Print the disk tier size in bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), opts.cache.DiskUsageBytes())
			return nil
		},
	}
}
