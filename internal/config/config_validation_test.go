package config

import (
	"os"
	"testing"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_config: test

definitions:
  channels:
    - id: test_fluo
      name: fluo
      signal_type: Fluorescence
      samples_per_minute: 60

    - id: test_trans
      name: trans
      signal_type: Transmittance
      controller: lockin:li-7

configs:
  test:
    phases:
      - duration: {value: 30, unit: s}
        intensity_percent: 50
        filter: {position: 2, description: "BG39"}
    channels:
      - ref: test_fluo
        samples_per_minute: 300
      - ref: test_trans
    output:
      directory: ~/Actinic/Test
`

	configFile := createTempConfig(t, validConfig)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if rootConfig == nil {
		t.Fatal("Expected non-nil root config")
	}

	if rootConfig.Definitions == nil {
		t.Fatal("Expected definitions section")
	}

	if len(rootConfig.Definitions.Channels) != 2 {
		t.Errorf("Expected 2 channel definitions, got %d", len(rootConfig.Definitions.Channels))
	}

	def := rootConfig.Definitions.Channels[1]
	if def.ID != "test_trans" || def.SignalType != "Transmittance" || def.Controller != "lockin:li-7" {
		t.Errorf("Invalid second definition: %+v", def)
	}

	testConfig := rootConfig.Configs["test"]
	if testConfig == nil {
		t.Fatal("Expected test config")
	}

	if len(testConfig.Phases) != 1 {
		t.Fatalf("Expected 1 phase, got %d", len(testConfig.Phases))
	}
	p := testConfig.Phases[0]
	if p.Duration.Millis() != 30000 || p.IntensityPercent != 50 || p.Filter.Position != 2 || p.Filter.Description != "BG39" {
		t.Errorf("Unexpected phase: %+v", p)
	}

	chRef := testConfig.Channels[0]
	if chRef.Ref != "test_fluo" {
		t.Errorf("Expected ref 'test_fluo', got '%s'", chRef.Ref)
	}
	if chRef.SamplesPerMinute == nil || *chRef.SamplesPerMinute != 300 {
		t.Errorf("Expected rate override 300, got %v", chRef.SamplesPerMinute)
	}
	if testConfig.Channels[1].SamplesPerMinute != nil {
		t.Errorf("Expected no rate override, got %v", *testConfig.Channels[1].SamplesPerMinute)
	}
}

func TestValidateConfigurationFormat_MissingDefinitions(t *testing.T) {
	invalidConfig := `
active_config: test

configs:
  test:
    channels:
      - ref: missing_definition
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for missing definitions section")
	}

	if !containsSubstring(err.Error(), "definitions section is required") {
		t.Errorf("Expected error about missing definitions, got: %v", err)
	}
}

func TestValidateConfigurationFormat_EmptyDefinitions(t *testing.T) {
	invalidConfig := `
definitions:
  channels: []
configs:
  default: {}
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for empty definitions")
	}

	if !containsSubstring(err.Error(), "definitions.channels cannot be empty") {
		t.Errorf("Expected error about empty definitions, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidReference(t *testing.T) {
	invalidConfig := `
definitions:
  channels:
    - id: fluo
      name: fluo

configs:
  test:
    channels:
      - ref: nonexistent
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for invalid reference")
	}

	if !containsSubstring(err.Error(), "references undefined channel definition 'nonexistent'") {
		t.Errorf("Expected error about undefined reference, got: %v", err)
	}
}

func TestValidateConfigurationFormat_DuplicateDefinitionIDs(t *testing.T) {
	invalidConfig := `
definitions:
  channels:
    - id: fluo
      name: fluo
    - id: fluo
      name: fluo_again
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for duplicate IDs")
	}

	if !containsSubstring(err.Error(), "definitions.channels[1]: duplicate ID 'fluo'") {
		t.Errorf("Expected error about duplicate ID, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidChannelDefinition(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		expectedErr string
	}{
		{
			name: "missing ID",
			config: `
definitions:
  channels:
    - name: fluo
      signal_type: Fluorescence
`,
			expectedErr: "'id' is required",
		},
		{
			name: "missing name",
			config: `
definitions:
  channels:
    - id: fluo
      signal_type: Fluorescence
`,
			expectedErr: "'name' is required",
		},
		{
			name: "invalid signal type",
			config: `
definitions:
  channels:
    - id: fluo
      name: fluo
      signal_type: Absorbance
`,
			expectedErr: "'signal_type' must be one of",
		},
		{
			name: "rate below one per minute",
			config: `
definitions:
  channels:
    - id: fluo
      name: fluo
      samples_per_minute: 0.5
`,
			expectedErr: "'samples_per_minute' must be >= 1, got: 0.5",
		},
		{
			name: "negative rate",
			config: `
definitions:
  channels:
    - id: fluo
      name: fluo
      samples_per_minute: -10
`,
			expectedErr: "'samples_per_minute' must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, tt.config)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error for %s", tt.name)
			}

			if !containsSubstring(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestValidateConfigurationFormat_InvalidProfile(t *testing.T) {
	definitions := `
definitions:
  channels:
    - id: fluo
      name: fluo
configs:
  test:
`
	tests := []struct {
		name        string
		profile     string
		expectedErr string
	}{
		{
			name: "missing ref",
			profile: `
    channels:
      - samples_per_minute: 10
`,
			expectedErr: "channels[0]: 'ref' is required",
		},
		{
			name: "zero rate override",
			profile: `
    channels:
      - ref: fluo
        samples_per_minute: 0
`,
			expectedErr: "channels[0]: samples_per_minute override must be > 0",
		},
		{
			name: "phase intensity above 100",
			profile: `
    phases:
      - duration: {value: 1, unit: s}
        intensity_percent: 10
      - duration: {value: 1, unit: s}
        intensity_percent: 120
`,
			expectedErr: "phases[1]: intensity must be within [0,100]",
		},
		{
			name: "phase unit",
			profile: `
    phases:
      - duration: {value: 1, unit: days}
`,
			expectedErr: "phases[0]: invalid phase duration",
		},
		{
			name: "zero duration",
			profile: `
    phases:
      - duration: {value: 0.2, unit: ms}
`,
			expectedErr: "must be at least 1ms",
		},
		{
			name: "idle policy",
			profile: `
    measuring:
      idle_policy: sometimes
`,
			expectedErr: "'idle_policy' must be 'off' or 'on', got: sometimes",
		},
		{
			name: "measuring intensity",
			profile: `
    measuring:
      intensity_percent: -1
`,
			expectedErr: "'intensity_percent'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, definitions+tt.profile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error for %s", tt.name)
			}

			if !containsSubstring(err.Error(), "invalid config 'test'") {
				t.Errorf("Expected error naming the profile, got: %v", err)
			}
			if !containsSubstring(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestConvertProfileToConfig_ValidProfile(t *testing.T) {
	rate := 240.0
	controller := "serial:/dev/ttyACM0"

	definitions := &DefinitionsConfig{
		Channels: []ChannelDefinition{
			{ID: "fluo", Name: "fluo", SignalType: "Fluorescence", SamplesPerMinute: 60},
			{ID: "refl", Name: "refl", SignalType: "Reflectance", Controller: "lockin:a"},
		},
	}

	profile := &ConfigProfile{
		Channels: []ChannelReference{
			{Ref: "fluo", SamplesPerMinute: &rate},
			{Ref: "refl", Controller: &controller},
		},
		Output: OutputConfig{Directory: "/tmp/out"},
	}

	config, err := convertProfileToConfig(profile, definitions)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(config.Channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(config.Channels))
	}

	if config.Channels[0].SamplesPerMinute != 240 {
		t.Errorf("Expected rate override 240, got %g", config.Channels[0].SamplesPerMinute)
	}
	if config.Channels[1].Controller != controller || config.Channels[1].SignalType != "Reflectance" {
		t.Errorf("Unexpected refl channel: %+v", config.Channels[1])
	}
	if config.Output.Directory != "/tmp/out" {
		t.Errorf("Expected output directory '/tmp/out', got %s", config.Output.Directory)
	}

	// Overrides must not leak into the definitions
	if definitions.Channels[0].SamplesPerMinute != 60 || definitions.Channels[1].Controller != "lockin:a" {
		t.Errorf("Definitions were modified: %+v", definitions.Channels)
	}
}

func TestConvertProfileToConfig_MissingReference(t *testing.T) {
	definitions := &DefinitionsConfig{
		Channels: []ChannelDefinition{{ID: "fluo", Name: "fluo"}},
	}
	profile := &ConfigProfile{Channels: []ChannelReference{{Ref: "missing"}}}

	_, err := convertProfileToConfig(profile, definitions)
	if err == nil {
		t.Fatal("Expected error for missing reference")
	}

	if !containsSubstring(err.Error(), "reference 'missing' not found in definitions") {
		t.Errorf("Expected error about missing reference, got: %v", err)
	}
}

func TestConvertProfileToConfig_EmptyRef(t *testing.T) {
	profile := &ConfigProfile{Channels: []ChannelReference{{Ref: ""}}}

	_, err := convertProfileToConfig(profile, &DefinitionsConfig{})
	if err == nil {
		t.Fatal("Expected error for empty reference")
	}

	if !containsSubstring(err.Error(), "'ref' is required") {
		t.Errorf("Expected error about required ref, got: %v", err)
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp(t.TempDir(), "actinic-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
