package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved profile with inheritance indicators",
	Long:  `Display the resolved protocol, channels and measuring settings of the selected profile. Shows which values are inherited from default vs profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var phasesSource, outputSource string
		var freqSource, intensitySource, policySource string
		if inh := cfg.Inheritance; inh != nil {
			phasesSource = inh.Phases
			outputSource = inh.Output.Directory
			freqSource = inh.Measuring.FrequencyHz
			intensitySource = inh.Measuring.IntensityPercent
			policySource = inh.Measuring.IdlePolicy
		}

		fmt.Printf("=== PROFILE %s ===\n", cfg.Profile)

		fmt.Printf("\n[Phases] %s\n", getInheritanceIndicator(phasesSource))
		var total time.Duration
		for i, p := range cfg.Phases {
			d := time.Duration(p.Duration.Millis()) * time.Millisecond
			total += d
			fmt.Printf("%d. duration: %s, intensity: %.1f%%", i, d, p.IntensityPercent)
			if p.Filter.Description != "" {
				fmt.Printf(", filter: %d (%s)", p.Filter.Position, p.Filter.Description)
			}
			fmt.Println()
		}
		fmt.Printf("total: %s\n", total)

		fmt.Printf("\n[Channels]\n")
		for i, ch := range cfg.Channels {
			var typeSource, rateSource, controllerSource string
			if cfg.Inheritance != nil {
				inh := cfg.Inheritance.Channels[ch.Name]
				typeSource, rateSource, controllerSource = inh.SignalType, inh.SamplesPerMinute, inh.Controller
			}
			fmt.Printf("%d. name: %s\n", i, ch.Name)
			fmt.Printf("   signal_type: %s %s\n", ch.SignalType, getInheritanceIndicator(typeSource))
			fmt.Printf("   samples_per_minute: %g %s\n", ch.SamplesPerMinute, getInheritanceIndicator(rateSource))
			controller := ch.Controller
			if controller == "" {
				controller = "(best available)"
			}
			fmt.Printf("   controller: %s %s\n", controller, getInheritanceIndicator(controllerSource))
		}

		fmt.Printf("\n[Measuring]\n")
		fmt.Printf("frequency_hz: %g %s\n", cfg.Measuring.FrequencyHz, getInheritanceIndicator(freqSource))
		fmt.Printf("intensity_percent: %g %s\n", cfg.Measuring.Intensity(), getInheritanceIndicator(intensitySource))
		fmt.Printf("idle_policy: %s %s\n", cfg.Measuring.IdlePolicy, getInheritanceIndicator(policySource))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(outputSource))
		fmt.Printf("store: %s\n", cfg.Output.StorePath)
		if cfg.Archive.Enabled {
			fmt.Printf("archive: %s/%s\n", cfg.Archive.Addr, cfg.Archive.Database)
		}

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return ""
	}
}
