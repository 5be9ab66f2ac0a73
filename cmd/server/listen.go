package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leonardcser/pulse-edge/internal/channel"
	"github.com/leonardcser/pulse-edge/internal/config"
	"github.com/leonardcser/pulse-edge/internal/notify"
)

func newListenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print realtime notifications to the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ch, err := newChannel(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listening on %s\n", ch.URL())
			detach := notify.New(&notify.WriterToaster{W: out}).Attach(ch)
			defer detach()
			terminal := make(chan struct{}, 1)
			unsubscribe := ch.Subscribe(func(s channel.State) {
				if s.Phase == channel.PhaseTerminal {
					select {
					case terminal <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()

			ch.Start()
			defer ch.Close()
			select {
			case <-ctx.Done():
				return nil
			case <-terminal:
				return fmt.Errorf("channel %s: gave up reconnecting: %v", ch.URL(), ch.State().Err)
			}
		},
	}
}
