package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-i2p/go-porthop/lib/session"
	"github.com/go-i2p/go-porthop/lib/timesync"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/go-porthop/lib/util/time/monotonic"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

var demoPSK = []byte("porthop demo key")

// demoPair is a client and server connected over an in-memory pipe.
type demoPair struct {
	client, server *session.Session
	ca, cb         *transport.PipeEnd
}

// startDemoPair establishes a pair whose client clock runs skew ahead of
// the system clock.
func startDemoPair(ctx context.Context, skew time.Duration) (*demoPair, error) {
	ca, cb := transport.NewPipe(cfg.Transport.QueueSize)
	clock := monotonic.NewOffsetClock(monotonic.SystemClock{})
	clock.SetOffset(skew)

	server, err := session.New(session.Options{Config: cfg, Transport: cb, PSK: demoPSK})
	if err != nil {
		return nil, err
	}
	client, err := session.New(session.Options{Config: cfg, Transport: ca, Clock: clock, PSK: demoPSK})
	if err != nil {
		return nil, err
	}
	p := &demoPair{client: client, server: server, ca: ca, cb: cb}

	ctx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	listened := make(chan error, 1)
	go func() { listened <- server.Listen(ctx) }()
	for cb.BoundPorts() == 0 {
		select {
		case <-ctx.Done():
			p.Close()
			return nil, oops.Wrapf(ctx.Err(), "listener never bound its rendezvous ports")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := client.Connect(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if err := <-listened; err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *demoPair) Close() error {
	p.client.Close()
	p.server.Close()
	p.ca.Close()
	return p.cb.Close()
}

func newDemoCmd() *cobra.Command {
	var (
		skew     time.Duration
		messages int
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a client and server in process, exchange data and rekey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), skew, messages)
		},
	}
	cmd.Flags().DurationVar(&skew, "skew", 250*time.Millisecond, "client clock offset")
	cmd.Flags().IntVar(&messages, "messages", 5, "data packets to send each way")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, skew time.Duration, messages int) error {
	p, err := startDemoPair(ctx, skew)
	if err != nil {
		return err
	}
	defer p.Close()
	go printNotifications(out, "client", p.client)
	go printNotifications(out, "server", p.server)

	fmt.Fprintf(out, "established session %016x on port %d\n", p.client.ID(), p.client.CurrentPort())
	if err := waitSynced(ctx, p.client); err != nil {
		return err
	}
	fmt.Fprintf(out, "client offset %s (clock skew %s)\n", formatOffset(p.client.TimeState().Offset), skew)

	for i := 0; i < messages; i++ {
		if err := p.client.Send(ctx, []byte(fmt.Sprintf("ping %d", i))); err != nil {
			return err
		}
		if err := echo(ctx, out, p.server, p.client, i); err != nil {
			return err
		}
		time.Sleep(cfg.Hopping.Interval / 2)
	}

	if err := p.client.ForceRekey(ctx); err != nil {
		return oops.Wrapf(err, "rekey failed")
	}
	fmt.Fprintf(out, "rekeyed, now on port %d\n", p.client.CurrentPort())

	if err := p.client.Close(); err != nil {
		return err
	}
	select {
	case <-p.server.Done():
	case <-time.After(cfg.Session.CloseTimeout):
	}
	fmt.Fprintf(out, "closed: client %s, server %s\n", p.client.State(), p.server.State())
	return nil
}

func echo(ctx context.Context, out io.Writer, server, client *session.Session, i int) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := server.Receive(ctx)
	if err != nil {
		return oops.Wrapf(err, "server receive %d", i)
	}
	if err := server.Send(ctx, append([]byte("pong: "), b...)); err != nil {
		return err
	}
	b, err = client.Receive(ctx)
	if err != nil {
		return oops.Wrapf(err, "client receive %d", i)
	}
	fmt.Fprintf(out, "port %5d  %s\n", client.CurrentPort(), b)
	return nil
}

func waitSynced(ctx context.Context, s *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for s.TimeState().Status != timesync.Synchronized {
		select {
		case <-ctx.Done():
			return oops.Wrapf(ctx.Err(), "time synchronization did not finish")
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func printNotifications(out io.Writer, name string, s *session.Session) {
	for {
		select {
		case n := <-s.Notifications():
			switch n.Kind {
			case session.NotifyState:
				fmt.Fprintf(out, "[%s] %s -> %s\n", name, n.From, n.State)
			case session.NotifyRecovery:
				fmt.Fprintf(out, "[%s] recovery %s %s\n", name, n.Level, n.Reason)
			case session.NotifySynchronized:
				fmt.Fprintf(out, "[%s] synchronized, residual %s\n", name, formatOffset(n.Offset))
			case session.NotifyRekeyed:
				fmt.Fprintf(out, "[%s] new keys from window %d\n", name, n.Window)
			}
		case <-s.Done():
			return
		}
	}
}
