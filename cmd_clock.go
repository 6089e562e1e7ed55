package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newClockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Query the configured NTP servers and print the local clock offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor := newAnchor()
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Clock.QueryTimeout)
			defer cancel()
			offset, err := anchor.Sync(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "servers:     %v\n", anchor.Servers())
			fmt.Fprintf(out, "offset:      %s\n", formatOffset(offset))
			fmt.Fprintf(out, "well synced: %t\n", anchor.WellSynced())
			return nil
		},
	}
}
