package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	otelpkg "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/relay"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the websocket relay for agents in other processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()
		cfg := s.cfg

		provider, err := otelpkg.Init(ctx, cfg.OTel)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()

		addr := relayAddr
		if addr == "" {
			addr = cfg.Transport.RelayAddr
		}
		srv := relay.New(relay.Config{
			Token:          cfg.Transport.RelayToken,
			BufferPerAgent: cfg.Transport.RelayBufferPerAgent,
			AllowOrigins:   cfg.Transport.AllowOrigins,
			Logger:         s.logger,
			Tracer:         provider.Tracer,
		})
		if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "listen address (default transport.relay_addr)")
}
