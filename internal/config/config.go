package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/phase"
)

// EnvPrefix prefixes every environment override (ACTINIC_ARCHIVE_PASSWORD
// overrides archive.password).
const EnvPrefix = "ACTINIC"

type DefinitionsConfig struct {
	Channels []ChannelDefinition `mapstructure:"channels" yaml:"channels"`
}

type ChannelDefinition struct {
	ID               string  `mapstructure:"id" yaml:"id"`
	Name             string  `mapstructure:"name" yaml:"name"`
	SignalType       string  `mapstructure:"signal_type" yaml:"signal_type"`
	SamplesPerMinute float64 `mapstructure:"samples_per_minute" yaml:"samples_per_minute"`
	Controller       string  `mapstructure:"controller" yaml:"controller,omitempty"`
}

type ChannelReference struct {
	Ref              string   `mapstructure:"ref" yaml:"ref"`
	SamplesPerMinute *float64 `mapstructure:"samples_per_minute,omitempty" yaml:"samples_per_minute,omitempty"`
	Controller       *string  `mapstructure:"controller,omitempty" yaml:"controller,omitempty"`
}

type GlobalsConfig struct {
	Output    GlobalOutputConfig `mapstructure:"output" yaml:"output"`
	StorePath string             `mapstructure:"store_path" yaml:"store_path"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	Devices      *DevicesConfig            `mapstructure:"devices,omitempty" yaml:"devices,omitempty"`
	LockIn       *LockInConfig             `mapstructure:"lockin,omitempty" yaml:"lockin,omitempty"`
	Calibration  *CalibrationConfig        `mapstructure:"calibration,omitempty" yaml:"calibration,omitempty"`
	Measuring    *MeasuringConfig          `mapstructure:"measuring,omitempty" yaml:"measuring,omitempty"`
	Archive      *ArchiveConfig            `mapstructure:"archive,omitempty" yaml:"archive,omitempty"`
	Server       *ServerConfig             `mapstructure:"server,omitempty" yaml:"server,omitempty"`
}

// Config is a resolved profile: references replaced by their definitions,
// missing values inherited from the default profile and the global sections.
type Config struct {
	Profile     string            `mapstructure:"-" yaml:"profile"`
	Phases      []phase.Phase     `mapstructure:"phases" yaml:"phases"`
	Channels    []Channel         `mapstructure:"channels" yaml:"channels"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Measuring   MeasuringConfig   `mapstructure:"measuring" yaml:"measuring"`
	Devices     DevicesConfig     `mapstructure:"devices" yaml:"devices"`
	LockIn      LockInConfig      `mapstructure:"lockin" yaml:"lockin"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Archive     ArchiveConfig     `mapstructure:"archive" yaml:"archive"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Phases    []phase.Phase      `mapstructure:"phases" yaml:"phases"`
	Channels  []ChannelReference `mapstructure:"channels" yaml:"channels"`
	Output    OutputConfig       `mapstructure:"output" yaml:"output"`
	Measuring MeasuringConfig    `mapstructure:"measuring" yaml:"measuring"`
}

type InheritanceInfo struct {
	Phases    string // "inherited" or "profile-specific"
	Measuring struct {
		FrequencyHz      string
		IntensityPercent string
		IdlePolicy       string
	}
	Channels map[string]struct {
		SignalType       string // "inherited" or "profile-specific"
		SamplesPerMinute string
		Controller       string
	}
	Output struct {
		Directory string
	}
}

type Channel struct {
	Name             string  `mapstructure:"name" yaml:"name"`
	SignalType       string  `mapstructure:"signal_type" yaml:"signal_type"`
	SamplesPerMinute float64 `mapstructure:"samples_per_minute" yaml:"samples_per_minute"`
	Controller       string  `mapstructure:"controller" yaml:"controller,omitempty"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

type MeasuringConfig struct {
	FrequencyHz      float64  `mapstructure:"frequency_hz" yaml:"frequency_hz"`
	IntensityPercent *float64 `mapstructure:"intensity_percent,omitempty" yaml:"intensity_percent,omitempty"`
	IdlePolicy       string   `mapstructure:"idle_policy" yaml:"idle_policy"` // "off" (default), "on"
}

// Intensity returns the configured intensity, 0 when unset.
func (m MeasuringConfig) Intensity() float64 {
	if m.IntensityPercent == nil {
		return 0
	}
	return *m.IntensityPercent
}

type DevicesConfig struct {
	Serial    SerialConfig  `mapstructure:"serial" yaml:"serial"`
	Simulated bool          `mapstructure:"simulated" yaml:"simulated"`
	Discovery time.Duration `mapstructure:"discovery_timeout" yaml:"discovery_timeout"`
}

type SerialConfig struct {
	Disabled             bool          `mapstructure:"disabled" yaml:"disabled"`
	BaudRate             int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	Ports                []string      `mapstructure:"ports" yaml:"ports"`
	MeasuringFrequencies []float64     `mapstructure:"measuring_frequencies" yaml:"measuring_frequencies"`
	MaxSamplesPerMinute  float64       `mapstructure:"max_samples_per_minute" yaml:"max_samples_per_minute"`
}

type LockInConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker       string        `mapstructure:"broker" yaml:"broker"`
	ClientID     string        `mapstructure:"client_id" yaml:"client_id"`
	Username     string        `mapstructure:"username" yaml:"username,omitempty"`
	Password     string        `mapstructure:"password" yaml:"-"`
	TopicPrefix  string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	ListenWindow time.Duration `mapstructure:"listen_window" yaml:"listen_window"`
}

type CalibrationConfig struct {
	OffSettle          time.Duration `mapstructure:"off_settle" yaml:"off_settle"`
	OnSettle           time.Duration `mapstructure:"on_settle" yaml:"on_settle"`
	ReferencePercent   float64       `mapstructure:"reference_percent" yaml:"reference_percent"`
	MeasuringIntensity float64       `mapstructure:"measuring_intensity" yaml:"measuring_intensity"`
	Reads              int           `mapstructure:"reads" yaml:"reads"`
	Ticks              int           `mapstructure:"ticks" yaml:"ticks"`
}

type ArchiveConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Database    string        `mapstructure:"database" yaml:"database"`
	Username    string        `mapstructure:"username" yaml:"username"`
	Password    string        `mapstructure:"password" yaml:"-"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Default returns the values used for everything a configuration file
// leaves out.
func Default() Config {
	cal := channel.DefaultCalibrationSettings()
	home, _ := os.UserHomeDir()
	return Config{
		Output: OutputConfig{
			Directory: filepath.Join(home, "Actinic", "Recordings"),
			StorePath: filepath.Join(home, ".config", "actinic", "state.yaml"),
		},
		Measuring: MeasuringConfig{IdlePolicy: "off"},
		Devices: DevicesConfig{
			Serial: SerialConfig{
				BaudRate:             115200,
				ProbeTimeout:         2 * time.Second,
				CommandTimeout:       500 * time.Millisecond,
				Ports:                []string{"/dev/ttyUSB*", "/dev/ttyACM*", "COM*"},
				MeasuringFrequencies: []float64{10, 100, 1000, 10000},
				MaxSamplesPerMinute:  600,
			},
			Discovery: 10 * time.Second,
		},
		LockIn: LockInConfig{
			Broker:       "tcp://localhost:1883",
			ClientID:     "actinic",
			TopicPrefix:  "lockin",
			ListenWindow: 3 * time.Second,
		},
		Calibration: CalibrationConfig{
			OffSettle:          cal.OffSettle,
			OnSettle:           cal.OnSettle,
			ReferencePercent:   cal.ReferencePercent,
			MeasuringIntensity: cal.MeasuringIntensity,
			Reads:              cal.Reads,
			Ticks:              cal.Ticks,
		},
		Archive: ArchiveConfig{
			Addr:        "localhost:9000",
			Database:    "actinic",
			Username:    "default",
			DialTimeout: 5 * time.Second,
		},
		Server: ServerConfig{Port: 8080},
	}
}

// LoadEnv loads the .env file next to the configuration file, if any.
// Variables already set in the environment win.
func LoadEnv(configFile string) error {
	path := ".env"
	if configFile != "" {
		path = filepath.Join(filepath.Dir(configFile), ".env")
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	slog.Debug("Environment loaded", "file", path)
	return nil
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if err := LoadEnv(configFile); err != nil {
		return nil, err
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(defaultConfig, selectedConfig)
		}
	}

	applyRoot(selectedConfig, rootConfig)
	applyDefaults(selectedConfig)
	selectedConfig.Profile = configName

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Output.StorePath = expandPath(selectedConfig.Output.StorePath)

	if err := validateResolved(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// applyRoot copies the global sections into the resolved profile. The
// global recordings directory and store path take priority over the
// profile's.
func applyRoot(cfg *Config, root *RootConfig) {
	if root.Globals != nil {
		if root.Globals.Output.RecordingsDirectory != "" {
			cfg.Output.Directory = root.Globals.Output.RecordingsDirectory
		}
		if root.Globals.StorePath != "" {
			cfg.Output.StorePath = root.Globals.StorePath
		}
	}
	if root.Measuring != nil {
		if cfg.Measuring.FrequencyHz == 0 {
			cfg.Measuring.FrequencyHz = root.Measuring.FrequencyHz
		}
		if cfg.Measuring.IntensityPercent == nil {
			cfg.Measuring.IntensityPercent = root.Measuring.IntensityPercent
		}
		if cfg.Measuring.IdlePolicy == "" {
			cfg.Measuring.IdlePolicy = root.Measuring.IdlePolicy
		}
	}
	if root.Devices != nil {
		cfg.Devices = *root.Devices
	}
	if root.LockIn != nil {
		cfg.LockIn = *root.LockIn
	}
	if root.Calibration != nil {
		cfg.Calibration = *root.Calibration
	}
	if root.Archive != nil {
		cfg.Archive = *root.Archive
	}
	if root.Server != nil {
		cfg.Server = *root.Server
	}
}

// applyDefaults fills every zero value left after resolution.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Output.Directory == "" {
		cfg.Output.Directory = def.Output.Directory
	}
	if cfg.Output.StorePath == "" {
		cfg.Output.StorePath = def.Output.StorePath
	}
	if cfg.Measuring.IdlePolicy == "" {
		cfg.Measuring.IdlePolicy = def.Measuring.IdlePolicy
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].SignalType == "" {
			cfg.Channels[i].SignalType = string(channel.Fluorescence)
		}
	}

	s :=&cfg.Devices.Serial
	if s.BaudRate == 0 {
		s.BaudRate = def.Devices.Serial.BaudRate
	}
	if s.ProbeTimeout == 0 {
		s.ProbeTimeout = def.Devices.Serial.ProbeTimeout
	}
	if s.CommandTimeout == 0 {
		s.CommandTimeout = def.Devices.Serial.CommandTimeout
	}
	if len(s.Ports) == 0 {
		s.Ports = def.Devices.Serial.Ports
	}
	if len(s.MeasuringFrequencies) == 0 {
		s.MeasuringFrequencies = def.Devices.Serial.MeasuringFrequencies
	}
	if s.MaxSamplesPerMinute == 0 {
		s.MaxSamplesPerMinute = def.Devices.Serial.MaxSamplesPerMinute
	}
	if cfg.Devices.Discovery == 0 {
		cfg.Devices.Discovery = def.Devices.Discovery
	}

	l := &cfg.LockIn
	if l.Broker == "" {
		l.Broker = def.LockIn.Broker
	}
	if l.ClientID == "" {
		l.ClientID = def.LockIn.ClientID
	}
	if l.TopicPrefix == "" {
		l.TopicPrefix = def.LockIn.TopicPrefix
	}
	if l.ListenWindow == 0 {
		l.ListenWindow = def.LockIn.ListenWindow
	}

	c := &cfg.Calibration
	if c.OffSettle == 0 {
		c.OffSettle = def.Calibration.OffSettle
	}
	if c.OnSettle == 0 {
		c.OnSettle = def.Calibration.OnSettle
	}
	if c.ReferencePercent == 0 {
		c.ReferencePercent = def.Calibration.ReferencePercent
	}
	if c.MeasuringIntensity == 0 {
		c.MeasuringIntensity = def.Calibration.MeasuringIntensity
	}
	if c.Reads == 0 {
		c.Reads = def.Calibration.Reads
	}
	if c.Ticks == 0 {
		c.Ticks = def.Calibration.Ticks
	}

	a := &cfg.Archive
	if a.Addr == "" {
		a.Addr = def.Archive.Addr
	}
	if a.Database == "" {
		a.Database = def.Archive.Database
	}
	if a.Username == "" {
		a.Username = def.Archive.Username
	}
	if a.DialTimeout == 0 {
		a.DialTimeout = def.Archive.DialTimeout
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := root.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving channel references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Phases:    phase.Clone(profile.Phases),
		Output:    profile.Output,
		Measuring: profile.Measuring,
	}

	for i, chRef := range profile.Channels {
		if chRef.Ref == "" {
			return nil, fmt.Errorf("channel[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, chRef.Ref)
		if definition == nil {
			return nil, fmt.Errorf("channel[%d]: reference '%s' not found in definitions", i, chRef.Ref)
		}

		ch := Channel{
			Name:             definition.Name,
			SignalType:       definition.SignalType,
			SamplesPerMinute: definition.SamplesPerMinute,
			Controller:       definition.Controller,
		}

		// Apply overrides
		if chRef.SamplesPerMinute != nil {
			ch.SamplesPerMinute = *chRef.SamplesPerMinute
		}
		if chRef.Controller != nil {
			ch.Controller = *chRef.Controller
		}

		config.Channels = append(config.Channels, ch)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *ChannelDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Channels {
		if definitions.Channels[i].ID == id {
			return &definitions.Channels[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Channels: only the channels listed in the profile, missing fields taken
//   from the default channel with the same name
// - Phases: the profile's protocol, or the default one when it lists none
// - Measuring and output: profile value or fallback to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}

	result.Inheritance = &InheritanceInfo{
		Channels: make(map[string]struct {
			SignalType       string
			SamplesPerMinute string
			Controller       string
		}),
	}

	if base != nil {
		result.Phases = phase.Clone(base.Phases)
		result.Output = base.Output
		result.Measuring = base.Measuring

		result.Inheritance.Phases = "inherited"
		result.Inheritance.Measuring.FrequencyHz = "inherited"
		result.Inheritance.Measuring.IntensityPercent = "inherited"
		result.Inheritance.Measuring.IdlePolicy = "inherited"
		result.Inheritance.Output.Directory = "inherited"
	}

	if profile == nil {
		return result
	}

	if len(profile.Phases) > 0 {
		result.Phases = phase.Clone(profile.Phases)
		result.Inheritance.Phases = "profile-specific"
	}

	if profile.Measuring.FrequencyHz != 0 {
		result.Measuring.FrequencyHz = profile.Measuring.FrequencyHz
		result.Inheritance.Measuring.FrequencyHz = "profile-specific"
	}
	if profile.Measuring.IntensityPercent != nil {
		result.Measuring.IntensityPercent = profile.Measuring.IntensityPercent
		result.Inheritance.Measuring.IntensityPercent = "profile-specific"
	}
	if profile.Measuring.IdlePolicy != "" {
		result.Measuring.IdlePolicy = profile.Measuring.IdlePolicy
		result.Inheritance.Measuring.IdlePolicy = "profile-specific"
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.StorePath != "" {
		result.Output.StorePath = profile.Output.StorePath
	}

	result.Channels = make([]Channel, 0, len(profile.Channels))

	for _, profileChannel := range profile.Channels {
		resolved := profileChannel

		inheritance := struct {
			SignalType       string
			SamplesPerMinute string
			Controller       string
		}{
			SignalType:       "profile-specific",
			SamplesPerMinute: "profile-specific",
			Controller:       "profile-specific",
		}

		if base != nil {
			for _, baseChannel := range base.Channels {
				if baseChannel.Name != profileChannel.Name {
					continue
				}
				if resolved.SignalType == "" {
					resolved.SignalType = baseChannel.SignalType
					inheritance.SignalType = "inherited"
				}
				if resolved.SamplesPerMinute == 0 {
					resolved.SamplesPerMinute = baseChannel.SamplesPerMinute
					inheritance.SamplesPerMinute = "inherited"
				}
				if resolved.Controller == "" {
					resolved.Controller = baseChannel.Controller
					inheritance.Controller = "inherited"
				}
				break
			}
		}

		if resolved.SignalType == "" {
			resolved.SignalType = string(channel.Fluorescence)
		}

		result.Inheritance.Channels[resolved.Name] = inheritance
		result.Channels = append(result.Channels, resolved)
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateChannelReferences(configProfile.Channels, rootConfig.Definitions, configName); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
		if err := validatePhases(configProfile.Phases); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
		if err := validateMeasuring(configProfile.Measuring, "measuring"); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	if rootConfig.Measuring != nil {
		if err := validateMeasuring(*rootConfig.Measuring, "measuring"); err != nil {
			return nil, err
		}
	}

	return &rootConfig, nil
}

func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Channels) == 0 {
		return fmt.Errorf("definitions.channels cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Channels {
		if def.ID == "" {
			return fmt.Errorf("definitions.channels[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.channels[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateChannelDefinition(def, fmt.Sprintf("definitions.channels[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

func validateChannelDefinition(def ChannelDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}

	if def.SignalType != "" {
		if _, err := channel.ParseSignalType(def.SignalType); err != nil {
			return fmt.Errorf("%s: 'signal_type' must be one of %v, got: %s", prefix, channel.SignalTypes, def.SignalType)
		}
	}

	if err := validateRate(def.SamplesPerMinute); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	return nil
}

// validateRate accepts 0 (use the default rate) or a finite rate of at
// least one sample per minute.
func validateRate(rate float64) error {
	if rate == 0 {
		return nil
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < channel.MinSamplesPerMinute {
		return fmt.Errorf("'samples_per_minute' must be >= %g, got: %g", channel.MinSamplesPerMinute, rate)
	}
	return nil
}

func validateChannelReferences(channels []ChannelReference, definitions *DefinitionsConfig, configName string) error {
	for i, chRef := range channels {
		prefix := fmt.Sprintf("channels[%d]", i)

		if chRef.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		if findDefinition(definitions, chRef.Ref) == nil {
			return fmt.Errorf("%s: references undefined channel definition '%s'", prefix, chRef.Ref)
		}

		if chRef.SamplesPerMinute != nil {
			if *chRef.SamplesPerMinute == 0 {
				return fmt.Errorf("%s: samples_per_minute override must be > 0", prefix)
			}
			if err := validateRate(*chRef.SamplesPerMinute); err != nil {
				return fmt.Errorf("%s: %w", prefix, err)
			}
		}
	}

	return nil
}

func validatePhases(phases []phase.Phase) error {
	return phase.ValidateAll(phases)
}

func validateMeasuring(m MeasuringConfig, prefix string) error {
	if math.IsNaN(m.FrequencyHz) || math.IsInf(m.FrequencyHz, 0) || m.FrequencyHz < 0 {
		return fmt.Errorf("%s: 'frequency_hz' must be >= 0, got: %g", prefix, m.FrequencyHz)
	}
	if m.IntensityPercent != nil {
		if err := phase.ValidateIntensity(*m.IntensityPercent); err != nil {
			return fmt.Errorf("%s: 'intensity_percent': %w", prefix, err)
		}
	}
	if m.IdlePolicy != "" && m.IdlePolicy != "off" && m.IdlePolicy != "on" {
		return fmt.Errorf("%s: 'idle_policy' must be 'off' or 'on', got: %s", prefix, m.IdlePolicy)
	}
	return nil
}

// validateResolved checks the sections that only make sense once the
// profile and the global sections are combined.
func validateResolved(cfg *Config) error {
	if err := validatePhases(cfg.Phases); err != nil {
		return err
	}
	if err := validateMeasuring(cfg.Measuring, "measuring"); err != nil {
		return err
	}
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel[%d] must have a name", i)
		}
		if _, err := channel.ParseSignalType(ch.SignalType); err != nil {
			return fmt.Errorf("channel[%d] '%s': %w", i, ch.Name, err)
		}
	}

	s := cfg.Devices.Serial
	if s.BaudRate <= 0 {
		return fmt.Errorf("devices.serial: 'baud_rate' must be > 0, got: %d", s.BaudRate)
	}
	for i, f := range s.MeasuringFrequencies {
		if math.IsNaN(f) || f <= 0 {
			return fmt.Errorf("devices.serial.measuring_frequencies[%d]: must be > 0, got: %g", i, f)
		}
	}
	if s.MaxSamplesPerMinute < channel.MinSamplesPerMinute {
		return fmt.Errorf("devices.serial: 'max_samples_per_minute' must be >= %g, got: %g", channel.MinSamplesPerMinute, s.MaxSamplesPerMinute)
	}

	if cfg.LockIn.Enabled && !strings.Contains(cfg.LockIn.Broker, "://") {
		return fmt.Errorf("lockin: 'broker' must be a URL like tcp://host:1883, got: %s", cfg.LockIn.Broker)
	}

	c := cfg.Calibration
	if c.OffSettle < 0 || c.OnSettle < 0 {
		return fmt.Errorf("calibration: settle delays must be >= 0")
	}
	if c.ReferencePercent <= 0 {
		return fmt.Errorf("calibration: 'reference_percent' must be > 0, got: %g", c.ReferencePercent)
	}
	if err := phase.ValidateIntensity(c.MeasuringIntensity); err != nil {
		return fmt.Errorf("calibration: 'measuring_intensity': %w", err)
	}
	if c.Reads < 1 || c.Ticks < 1 {
		return fmt.Errorf("calibration: 'reads' and 'ticks' must be >= 1")
	}

	if cfg.Archive.Enabled && cfg.Archive.Addr == "" {
		return fmt.Errorf("archive: 'addr' is required when the archive is enabled")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server: 'port' must be within [1,65535], got: %d", cfg.Server.Port)
	}

	return nil
}
