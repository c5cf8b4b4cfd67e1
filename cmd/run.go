package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/recording"
	"github.com/labphoton/actinic/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the actinic protocol and record the channels",
	Long: `Run the phases of the active profile once, without the web server.

The command waits for the controllers to be discovered, optionally calibrates
the channels that have no usable calibration, then records until the last
phase ends and the recording is saved. Ctrl+C cancels the recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		calibrate, _ := cmd.Flags().GetBool("calibrate")
		output, _ := cmd.Flags().GetString("output")
		calTimeout, _ := cmd.Flags().GetDuration("calibration-timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, cfg, cfgFile, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if output != "" {
			if err := svc.SetOutputDestination(output); err != nil {
				return err
			}
		}

		fmt.Println("Waiting for controllers...")
		if _, err := waitState(ctx, svc, cfg.Devices.Discovery+2*time.Second, devicesReady); err != nil {
			return fmt.Errorf("controllers not ready: %s", strings.Join(svc.GetState().Predicates.RunBlockers, ", "))
		}

		if calibrate {
			var pending []int
			for _, ch := range svc.GetChannels() {
				if !ch.WellSpecified {
					pending = append(pending, ch.Index)
				}
			}
			if err := calibrateChannels(ctx, svc, pending, calTimeout); err != nil {
				return err
			}
		}

		return record(ctx, svc)
	},
}

// record runs the protocol and follows it until the recording is saved or
// the context is cancelled.
func record(ctx context.Context, svc service.Service) error {
	progress, unsubscribe := svc.Events().Subscribe(64, events.KindPhaseBegin, events.KindRecordingSaved)
	defer unsubscribe()

	if err := svc.Run(); err != nil {
		return err
	}
	st := svc.GetState()
	fmt.Printf("Recording started: %d phases, %s\n", len(st.Phases), time.Duration(st.TotalMs)*time.Millisecond)

	for {
		select {
		case ev := <-progress:
			switch payload := ev.Payload.(type) {
			case recording.PhaseBegin:
				fmt.Printf("Phase %d/%d: %.1f%% for %s\n",
					payload.Stamp.CurrentIndex+1, len(st.Phases),
					payload.Phase.IntensityPercent,
					time.Duration(payload.Phase.Duration.Millis())*time.Millisecond)
			case map[string]string:
				if msg := payload["error"]; msg != "" {
					return fmt.Errorf("recording %s not saved: %s", payload["id"], msg)
				}
				fmt.Printf("Recording %s saved to %s\n", payload["id"], svc.GetState().Destination)
				return nil
			}
		case <-ctx.Done():
			fmt.Println("\nCancelling recording...")
			if err := svc.Cancel(); err != nil && !errors.Is(err, service.ErrNotAllowed) {
				return err
			}
			waitState(context.Background(), svc, 5*time.Second, func(st recording.State) bool {
				return st.Status == recording.Idle
			})
			return errors.New("recording cancelled")
		}
	}
}

func init() {
	runCmd.Flags().Bool("calibrate", false, "calibrate channels without a usable calibration first")
	runCmd.Flags().StringP("output", "o", "", "output destination (overrides config)")
	runCmd.Flags().Duration("calibration-timeout", 2*time.Minute, "maximum time for each channel calibration")
}
