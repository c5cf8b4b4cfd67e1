package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/recording"
	"github.com/labphoton/actinic/internal/service"
)

// waitState polls the instrument until cond holds, the timeout expires or
// the context is cancelled.
func waitState(ctx context.Context, svc service.Service, timeout time.Duration, cond func(recording.State) bool) (recording.State, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		st := svc.GetState()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return st, fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// devicesReady holds once no run blocker is a missing controller.
func devicesReady(st recording.State) bool {
	for _, b := range st.Predicates.RunBlockers {
		if strings.HasSuffix(b, "disconnected") {
			return false
		}
	}
	return true
}

// calibrateChannels calibrates every listed channel in turn and waits for
// each outcome.
func calibrateChannels(ctx context.Context, svc service.Service, channels []int, timeout time.Duration) error {
	done, unsubscribe := svc.Events().Subscribe(16, events.KindCalibrationDone)
	defer unsubscribe()

	for _, i := range channels {
		fmt.Printf("Calibrating channel %d...\n", i)
		if err := svc.Calibrate(i); err != nil {
			return err
		}

		result, err := waitCalibration(ctx, done, i, timeout)
		if err != nil {
			svc.CancelCalibration()
			return fmt.Errorf("calibration of channel %d: %w", i, err)
		}
		if result.Outcome != string(channel.Succeeded) {
			return fmt.Errorf("calibration of channel %d %s: %s", i, result.Outcome, result.Error)
		}

		for _, ch := range svc.GetChannels() {
			if ch.Index == i && ch.WellSpecified {
				fmt.Printf("Channel %d calibrated: slope=%g offset=%g\n", i, *ch.Slope, *ch.Offset)
			}
		}
	}
	return nil
}

func waitCalibration(ctx context.Context, done <-chan events.Event, index int, timeout time.Duration) (recording.CalibrationDone, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-done:
			if result, ok := ev.Payload.(recording.CalibrationDone); ok && result.Channel == index {
				return result, nil
			}
		case <-deadline:
			return recording.CalibrationDone{}, fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return recording.CalibrationDone{}, ctx.Err()
		}
	}
}
