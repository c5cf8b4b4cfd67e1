package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/labphoton/actinic/internal/server"
	"github.com/labphoton/actinic/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the Actinic web server to control the instrument over HTTP.

Recording, calibration, protocol and channel edits are exposed as JSON
endpoints, live events are streamed on /events as a websocket and Prometheus
metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, cfg, cfgFile, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		srv := server.New(svc, cfgFile, port)
		slog.Info("Actinic web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides server.port)")
}
