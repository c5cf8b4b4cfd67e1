package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labphoton/actinic/internal/config"
	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/recording"
)

func ptr[T any](v T) *T { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Profile = "test"
	cfg.Output.Directory = t.TempDir()
	cfg.Output.StorePath = filepath.Join(t.TempDir(), "state.yaml")
	cfg.Devices.Serial.Disabled = true
	cfg.Devices.Simulated = true
	cfg.Calibration.OffSettle = 20 * time.Millisecond
	cfg.Calibration.OnSettle = 20 * time.Millisecond
	cfg.Calibration.Ticks = 2
	cfg.Measuring.IntensityPercent = ptr(40.0)
	cfg.Phases = []phase.Phase{
		{Duration: phase.Millis(80), IntensityPercent: 30},
		{Duration: phase.Millis(80), IntensityPercent: 70},
	}
	cfg.Channels = []config.Channel{{Name: "fluo", SignalType: "Fluorescence", SamplesPerMinute: 600}}
	return &cfg
}

func newTestService(t *testing.T, cfg *config.Config, configFile string) Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, configFile, Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func waitState(t *testing.T, svc Service, what string, cond func(recording.State) bool) recording.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := svc.GetState(); cond(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s, state: %+v", what, svc.GetState())
	return recording.State{}
}

func TestRunRefusedUntilCalibrated(t *testing.T) {
	svc := newTestService(t, testConfig(t), "")

	err := svc.Run()
	if err == nil {
		t.Fatal("Expected run to be refused")
	}
	if !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed, got %v", err)
	}
	if !strings.Contains(err.Error(), "channel 0 not calibrated") {
		t.Errorf("Expected the blocker in the error, got %v", err)
	}
	if !strings.Contains(svc.GetLastError(), "Failed to run") {
		t.Errorf("Expected last error to be recorded, got %q", svc.GetLastError())
	}
	if st := svc.GetState(); st.Status != recording.Idle {
		t.Errorf("Expected Idle, got %s", st.Status)
	}
}

func TestCalibrateThenRecord(t *testing.T) {
	cfg := testConfig(t)
	svc := newTestService(t, cfg, "")

	if err := svc.Calibrate(0); err != nil {
		t.Fatalf("Failed to start calibration: %v", err)
	}
	waitState(t, svc, "calibrated channel", func(st recording.State) bool {
		return st.Status == recording.Idle && st.Channels[0].WellSpecified
	})

	if err := svc.Run(); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if svc.GetLastError() != "" {
		t.Errorf("Expected last error cleared, got %q", svc.GetLastError())
	}

	st := waitState(t, svc, "saved recording", func(st recording.State) bool {
		return st.Status == recording.Idle && st.LastSavedID != ""
	})
	if st.LastSaveError != "" {
		t.Errorf("Expected no save error, got %s", st.LastSaveError)
	}

	entries, err := os.ReadDir(cfg.Output.Directory)
	if err != nil {
		t.Fatalf("Failed to list output directory: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "recording-") {
		t.Errorf("Expected one recording file, got %v", entries)
	}

	rec := httptest.NewRecorder()
	svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `actinic_recordings_saved_total{result="ok"} 1`) {
		t.Errorf("Expected a successful save in the metrics, got:\n%s", body)
	}
	if !strings.Contains(body, `actinic_calibrations_total{channel="0",outcome="succeeded"} 1`) {
		t.Errorf("Expected a successful calibration in the metrics")
	}
}

func TestCalibrateRejectsUnknownChannel(t *testing.T) {
	svc := newTestService(t, testConfig(t), "")

	if err := svc.Calibrate(3); !errors.Is(err, recording.ErrChannelIndex) {
		t.Errorf("Expected ErrChannelIndex, got %v", err)
	}
	if err := svc.CancelCalibration(); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed without a calibration, got %v", err)
	}
}

func TestDevicesListsSimulatedControllers(t *testing.T) {
	svc := newTestService(t, testConfig(t), "")

	devices := svc.GetDevices()
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %+v", devices)
	}
	if devices[0].ID != "sim-actinic" || devices[1].ID != "sim-measuring" {
		t.Errorf("Unexpected devices: %+v", devices)
	}
	meas := devices[1]
	if len(meas.Roles) != 2 || meas.Roles[0] != device.RoleMeasuring || meas.Roles[1] != device.RoleSignalSource {
		t.Errorf("Expected measuring and signal roles, got %v", meas.Roles)
	}
	if len(meas.ActiveRoles) != 1 || meas.ActiveRoles[0] != device.RoleMeasuring {
		t.Errorf("Expected sim-measuring active for measuring, got %v", meas.ActiveRoles)
	}
	if meas.MaxSamplesPerMinute != 600 {
		t.Errorf("Expected 600 samples per minute, got %g", meas.MaxSamplesPerMinute)
	}

	if err := svc.Rediscover(context.Background()); err != nil {
		t.Errorf("Expected no error without transports, got %v", err)
	}
}

func TestProbeDevices(t *testing.T) {
	devices, err := ProbeDevices(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("Expected 2 devices, got %+v", devices)
	}
}

func TestUpdateMeasuring(t *testing.T) {
	svc := newTestService(t, testConfig(t), "")

	on := recording.IdleOn
	if err := svc.UpdateMeasuring(MeasuringUpdate{IntensityPercent: ptr(55.0), IdlePolicy: &on}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	m := svc.GetState().Measuring
	if m.IntensityPercent != 55 || m.IdlePolicy != recording.IdleOn {
		t.Errorf("Unexpected measuring settings: %+v", m)
	}

	if err := svc.UpdateMeasuring(MeasuringUpdate{IntensityPercent: ptr(120.0)}); !errors.Is(err, phase.ErrInvalidIntensity) {
		t.Errorf("Expected ErrInvalidIntensity, got %v", err)
	}
	if !strings.Contains(svc.GetLastError(), "set measuring intensity") {
		t.Errorf("Expected last error to name the operation, got %q", svc.GetLastError())
	}
}

func TestPhaseEditsThroughService(t *testing.T) {
	svc := newTestService(t, testConfig(t), "")

	if err := svc.InsertPhase(1, phase.Phase{Duration: phase.Millis(1000), IntensityPercent: 10}); err != nil {
		t.Fatalf("Failed to insert phase: %v", err)
	}
	if err := svc.SetPhase(0, phase.Phase{Duration: phase.Millis(500), IntensityPercent: 90}); err != nil {
		t.Fatalf("Failed to set phase: %v", err)
	}
	if err := svc.RemovePhase(2); err != nil {
		t.Fatalf("Failed to remove phase: %v", err)
	}

	phases := svc.GetPhases()
	if len(phases) != 2 || phases[0].IntensityPercent != 90 || phases[1].Duration.Millis() != 1000 {
		t.Errorf("Unexpected phases: %+v", phases)
	}
	if err := svc.RemovePhase(9); err == nil {
		t.Error("Expected error for out of range phase")
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "actinic.yaml")
	content := `
active_config: default
globals:
  store_path: ` + filepath.Join(dir, "state.yaml") + `
  output:
    recordings_directory: ` + filepath.Join(dir, "out") + `
devices:
  simulated: true
  serial:
    disabled: true
definitions:
  channels:
    - id: fluo
      name: fluo
      signal_type: Fluorescence
    - id: trans
      name: trans
      signal_type: Transmittance
      samples_per_minute: 120
configs:
  default:
    phases:
      - duration: {value: 1, unit: s}
        intensity_percent: 10
    channels:
      - ref: fluo
  dual:
    phases:
      - duration: {value: 2, unit: s}
        intensity_percent: 20
      - duration: {value: 3, unit: s}
        intensity_percent: 30
    channels:
      - ref: fluo
      - ref: trans
    measuring:
      intensity_percent: 25
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	svc := newTestService(t, cfg, configFile)

	if err := svc.LoadProfile("dual"); err != nil {
		t.Fatalf("Failed to load profile: %v", err)
	}

	st := svc.GetState()
	if len(st.Phases) != 2 || st.TotalMs != 5000 {
		t.Errorf("Expected the dual protocol, got %+v", st.Phases)
	}
	if len(st.Channels) != 2 || st.Channels[1].SignalType != "Transmittance" || st.Channels[1].SamplesPerMinute != 120 {
		t.Errorf("Unexpected channels: %+v", st.Channels)
	}
	if st.Measuring.IntensityPercent != 25 {
		t.Errorf("Expected measuring intensity 25, got %g", st.Measuring.IntensityPercent)
	}
	if svc.GetConfig().Profile != "dual" {
		t.Errorf("Expected config profile 'dual', got %s", svc.GetConfig().Profile)
	}

	if err := svc.LoadProfile("missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, "", Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	if err := svc.SetOutputDestination("/tmp/elsewhere"); err != nil {
		t.Fatalf("Failed to set destination: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}

	data, err := os.ReadFile(cfg.Output.StorePath)
	if err != nil {
		t.Fatalf("Expected the store to be flushed: %v", err)
	}
	if !strings.Contains(string(data), "/tmp/elsewhere") {
		t.Errorf("Expected destination persisted, got:\n%s", data)
	}
}
