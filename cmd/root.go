package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/labphoton/actinic/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "actinic",
	Short: "Recording controller for photometric measurements",
	Long: `Actinic drives a photometric instrument: it schedules actinic light
phases, keeps the measuring beam on the requested intensity and records the
signal channels while the protocol runs.

Controllers are discovered on serial ports and over MQTT, and each signal
channel is calibrated against a dark and a lit reference before recording.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, logFormat)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/actinic.yaml")
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/actinic.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbose output, repeat for more detail")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int, format string) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: level >= 2,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		// Text handler for clean terminal output
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
