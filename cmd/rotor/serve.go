package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/proxy"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Start the gateway: listen on the configured address, proxy requests
under the base path to the upstream API with a rotated key, and keep the
health refresher and trace sink running until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		server, err := proxy.NewServer(cfg)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger := log.WithComponent("server")
			logger.Info().Str("signal", sig.String()).Msg("shutting_down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return server.Shutdown(ctx)
		}
	},
}
