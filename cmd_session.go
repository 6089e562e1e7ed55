package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-i2p/go-porthop/lib/session"
	"github.com/go-i2p/go-porthop/lib/transport"
	"github.com/go-i2p/go-porthop/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	var psk, addr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for one peer on the rendezvous ports and relay stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Transport.ListenHost = addr
			}
			s, err := newUDPSession(cmd.Context(), "", psk)
			if err != nil {
				return err
			}
			log.WithField("at", "listen").Info("waiting for a peer")
			if err := s.Listen(cmd.Context()); err != nil {
				return err
			}
			return relay(cmd.Context(), s, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&psk, "psk", "", "pre-shared key")
	cmd.Flags().StringVar(&addr, "addr", "", "local address to bind (default transport.listen_host)")
	cmd.MarkFlagRequired("psk")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var psk, peer string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a listening peer and relay stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newUDPSession(cmd.Context(), peer, psk)
			if err != nil {
				return err
			}
			if err := s.Connect(cmd.Context()); err != nil {
				return err
			}
			return relay(cmd.Context(), s, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&psk, "psk", "", "pre-shared key")
	cmd.Flags().StringVar(&peer, "peer", "", "peer host")
	cmd.MarkFlagRequired("psk")
	cmd.MarkFlagRequired("peer")
	return cmd
}

func newUDPSession(ctx context.Context, peer, psk string) (*session.Session, error) {
	tr, err := transport.NewUDP(cfg.Transport, peer)
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Options{
		Config:    cfg,
		Transport: tr,
		Clock:     clockSource(ctx),
		PSK:       []byte(psk),
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	// Closers run in reverse order: the session before its transport.
	util.RegisterCloser(tr)
	util.RegisterCloser(closerFunc(s.Close))
	go logNotifications(s)
	return s, nil
}

// relay sends every line read from in and writes every received payload
// to out until the session ends.
func relay(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	go func() {
		for {
			b, err := s.Receive(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(out, "%s\n", b)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return s.Close()
			}
			if err := s.Send(ctx, []byte(line)); err != nil {
				return oops.Wrapf(err, "send failed")
			}
		case <-s.Done():
			log.WithField("at", "relay").Info("session closed")
			return nil
		case <-ctx.Done():
			return s.Close()
		}
	}
}

func logNotifications(s *session.Session) {
	for {
		select {
		case n := <-s.Notifications():
			log.WithFields(logger.Fields{
				"at":     "notification",
				"kind":   n.Kind.String(),
				"state":  n.State.String(),
				"level":  n.Level.String(),
				"offset": formatOffset(n.Offset),
				"reason": n.Reason,
			}).Info("session event")
		case <-s.Done():
			return
		}
	}
}
