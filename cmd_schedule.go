package main

import (
	"encoding/hex"
	"fmt"

	"github.com/go-i2p/go-porthop/lib/crypto"
	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	var secret string
	var count int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the upcoming hop windows for a shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(secret)
			if err != nil {
				return oops.Wrapf(err, "secret must be hex")
			}
			keys, params, err := crypto.Standard{}.DeriveSession(raw, []byte("porthop schedule"))
			if err != nil {
				return err
			}
			keys.Zero()

			clock := clockSource(cmd.Context())
			sched, err := hopping.NewScheduler(cfg.Hopping, clock, nil, params)
			if err != nil {
				return err
			}
			now := clock.Now()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-15s %s\n", "WINDOW", "START", "PORT")
			for _, slot := range sched.Schedule(now, count) {
				fmt.Fprintf(out, "%-10d %-15s %d\n", slot.Window, slot.Start.UTC().Format("15:04:05.000"), slot.Port)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret, hex encoded")
	cmd.Flags().IntVar(&count, "count", 10, "number of windows to print")
	cmd.MarkFlagRequired("secret")
	return cmd
}
