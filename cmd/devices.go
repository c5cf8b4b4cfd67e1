package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/service"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available controllers",
	Long: `Probe the serial ports and the lock-in broker of the configuration and
list the controllers that answered, with the roles they can fill.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := service.ProbeDevices(context.Background(), cfg, nil)
		if err != nil {
			return fmt.Errorf("device discovery failed: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No controllers found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLES\tFUNCTIONAL\tPRIORITY\tFREQUENCIES (Hz)\tMAX RATE (/min)")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n",
				d.ID, formatRoles(d.Roles), d.Functional, d.Priority,
				formatFloats(d.Frequencies), formatRate(d.MaxSamplesPerMinute))
		}
		return w.Flush()
	},
}

func formatRoles(roles []device.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

func formatFloats(values []float64) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, ",")
}

func formatRate(rate float64) string {
	if rate == 0 {
		return "-"
	}
	return fmt.Sprintf("%g", rate)
}
