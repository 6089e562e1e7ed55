package main

import (
	"context"
	"os"
	"time"

	"github.com/go-i2p/go-porthop/lib/config"
	"github.com/go-i2p/go-porthop/lib/util"
	"github.com/go-i2p/go-porthop/lib/util/signals"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/go-i2p/go-porthop/lib/util/time/sntp"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

// cfg is the effective configuration, loaded before any subcommand runs.
var cfg config.ConfigDefaults

var rootCmd = &cobra.Command{
	Use:           "porthop",
	Short:         "UDP port-hopping transport",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-porthop/config.yaml)")
	rootCmd.AddCommand(
		newScheduleCmd(),
		newListenCmd(),
		newConnectCmd(),
		newDemoCmd(),
		newWatchCmd(),
		newClockCmd(),
		newConfigCmd(),
	)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go signals.Handle(ctx)
	signals.RegisterInterruptHandler("cancel", signals.Handler(cancel))
	signals.RegisterInterruptHandler("closers", func() { closeAll() })

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("porthop failed")
		closeAll()
		os.Stderr.WriteString("porthop: " + err.Error() + "\n")
		os.Exit(1)
	}
	closeAll()
}

// closeAll runs the registered closers and logs what failed.
func closeAll() error {
	err := util.CloseAll()
	if err != nil {
		log.WithError(err).Warn("error during shutdown")
	}
	return err
}

// clockSource returns the local clock sessions hop on: the system clock,
// or an NTP anchored one when clock.ntp_enabled is set.
func clockSource(ctx context.Context) monotonic.Source {
	if !cfg.Clock.NTPEnabled {
		return monotonic.SystemClock{}
	}
	anchor := newAnchor()
	ctx, cancel := context.WithTimeout(ctx, 2*cfg.Clock.QueryTimeout)
	defer cancel()
	if _, err := anchor.Sync(ctx); err != nil {
		log.WithError(err).Warn("NTP anchoring failed, using the system clock")
		return monotonic.SystemClock{}
	}
	anchor.Start()
	util.RegisterCloser(closerFunc(func() error {
		anchor.Stop()
		return nil
	}))
	return anchor
}

func newAnchor() *sntp.Anchor {
	return sntp.NewAnchor(nil, sntp.Options{
		Servers:    cfg.Clock.NTPServers,
		Concurring: cfg.Clock.Concurring,
		Timeout:    cfg.Clock.QueryTimeout,
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func formatOffset(d time.Duration) string {
	return d.Round(100 * time.Microsecond).String()
}
