package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labphoton/actinic/internal/service"

	"github.com/spf13/cobra"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate [channel...]",
	Short: "Calibrate signal channels",
	Long: `Calibrate the given channels, or every channel of the profile when none
is given. The dark and lit references are read with the actinic beam off and
at the reference intensity; the resulting slope and offset are stored and
reused by later runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, cfg, cfgFile, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		var channels []int
		for _, arg := range args {
			i, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("invalid channel index '%s'", arg)
			}
			channels = append(channels, i)
		}
		if len(channels) == 0 {
			for _, ch := range svc.GetChannels() {
				channels = append(channels, ch.Index)
			}
		}

		fmt.Println("Waiting for controllers...")
		if _, err := waitState(ctx, svc, cfg.Devices.Discovery+2*time.Second, devicesReady); err != nil {
			return fmt.Errorf("controllers not ready: %w", err)
		}

		return calibrateChannels(ctx, svc, channels, timeout)
	},
}

func init() {
	calibrateCmd.Flags().Duration("timeout", 2*time.Minute, "maximum time for each channel calibration")
}
