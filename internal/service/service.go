package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/config"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/metrics"
	"github.com/labphoton/actinic/internal/output"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/recording"
	"github.com/labphoton/actinic/internal/registry"
	"github.com/labphoton/actinic/internal/store"
)

// ErrNotAllowed is returned when the instrument refuses an operation in its
// current status.
var ErrNotAllowed = errors.New("operation not allowed")

// Service represents the instrument: the recording model, the devices that
// feed it and the savers its recordings go to.
type Service interface {
	// Recording operations
	Run() error
	Stop() error
	Resume() error
	Cancel() error
	GetState() recording.State

	// Calibration operations
	Calibrate(channel int) error
	CancelCalibration() error

	// Protocol operations
	GetPhases() []phase.Phase
	SetPhases(phases []phase.Phase) error
	SetPhase(index int, p phase.Phase) error
	InsertPhase(index int, p phase.Phase) error
	RemovePhase(index int) error

	// Channel operations
	GetChannels() []channel.Info
	AddChannel(spec recording.ChannelSpec) (int, error)
	RemoveChannel(index int) error
	SelectController(index int, id string) error
	SetSamplingRate(index int, perMinute float64) (float64, error)
	SetSignalType(index int, t channel.SignalType) error
	SetCalibration(index int, slope, offset float64) error

	// Output and measuring beam
	SetOutputDestination(path string) error
	UpdateMeasuring(update MeasuringUpdate) error

	// Device operations
	GetDevices() []DeviceInfo
	Rediscover(ctx context.Context) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string

	Events() *events.Bus
	MetricsHandler() http.Handler
	Close() error
}

// MeasuringUpdate changes the fields that are set.
type MeasuringUpdate struct {
	FrequencyHz      *float64              `json:"frequency_hz,omitempty"`
	IntensityPercent *float64              `json:"intensity_percent,omitempty"`
	IdlePolicy       *recording.IdlePolicy `json:"idle_policy,omitempty"`
}

// Options carries what the configuration file does not.
type Options struct {
	// Registerer receives the metrics; the global registry when nil.
	Registerer prometheus.Registerer
	Clock      phase.Clock
	Logger     *slog.Logger
}

// InstrumentService is the main service implementation
type InstrumentService struct {
	cfg        *config.Config
	configFile string
	logger     *slog.Logger

	store     *store.Store
	reg       *registry.Registry
	bus       *events.Bus
	collector *metrics.Collector
	savers    *output.Multi
	archive   *output.ArchiveSaver
	devices   *discovery
	model     *recording.Model

	stopDiscovery context.CancelFunc
	closeOnce     sync.Once

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New wires the instrument from a resolved configuration. Device discovery
// runs in the background; controllers join the registry as they answer.
func New(ctx context.Context, cfg *config.Config, configFile string, opts Options) (Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Output.StorePath)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	bus := events.NewBus()
	bus.OnDrop(func(k events.Kind) { collector.ObserveDroppedEvent(string(k)) })

	s := &InstrumentService{
		cfg:        cfg,
		configFile: configFile,
		logger:     logger.With("component", "service"),
		store:      st,
		reg:        registry.New(logger),
		bus:        bus,
		collector:  collector,
		savers:     output.NewMulti(logger, output.NewFileSaver()),
	}

	if cfg.Archive.Enabled {
		archive, err := output.OpenArchive(ctx, archiveConfig(cfg), logger)
		if err != nil {
			// Recordings still go to files.
			s.logger.Warn("Recording archive unavailable", "addr", cfg.Archive.Addr, "error", err)
			s.setLastError(fmt.Sprintf("Recording archive unavailable: %v", err))
		} else {
			s.archive = archive
			s.savers.Add(archive)
		}
	}

	s.devices = newDiscovery(cfg, s.reg, logger)

	model, err := recording.New(recording.Options{
		Registry:    s.reg,
		Store:       st,
		Bus:         bus,
		Saver:       s.savers,
		Observer:    collector,
		Clock:       opts.Clock,
		Logger:      logger,
		Calibration: calibrationSettings(cfg),
		Measuring:   measuringSettings(cfg),
		Phases:      cfg.Phases,
		Channels:    channelSpecs(cfg),
		Destination: cfg.Output.Directory,
	})
	if err != nil {
		s.devices.close()
		s.reg.Close()
		if s.archive != nil {
			s.archive.Close()
		}
		return nil, fmt.Errorf("failed to create recording model: %w", err)
	}
	s.model = model

	discoveryCtx, cancel := context.WithCancel(ctx)
	s.stopDiscovery = cancel
	go func() {
		if err := s.devices.run(discoveryCtx); err != nil && discoveryCtx.Err() == nil {
			s.setLastError(fmt.Sprintf("Device discovery failed: %v", err))
		}
	}()

	slog.Info("Instrument ready",
		"profile", cfg.Profile,
		"phases", len(model.Phases()),
		"channels", len(model.Channels()),
		"destination", model.Destination())
	return s, nil
}

// refused builds the error for an operation the model turned down.
func (s *InstrumentService) refused(op string) error {
	st := s.model.State()
	err := fmt.Errorf("%w: cannot %s while %s", ErrNotAllowed, op, st.Status)
	if op == "run" && len(st.Predicates.RunBlockers) > 0 {
		err = fmt.Errorf("%w: cannot run: %s", ErrNotAllowed, strings.Join(st.Predicates.RunBlockers, ", "))
	}
	s.setLastError(fmt.Sprintf("Failed to %s: %v", op, err))
	slog.Debug("Operation refused", "op", op, "status", st.Status)
	return err
}

// Run starts a recording from the first phase
func (s *InstrumentService) Run() error {
	slog.Debug("Service.Run called")
	if !s.model.Run() {
		return s.refused("run")
	}
	s.clearLastError() // Clear any previous errors when starting a new recording
	return nil
}

// Stop interrupts the running protocol, keeping the remainder
func (s *InstrumentService) Stop() error {
	if !s.model.Stop() {
		return s.refused("stop")
	}
	return nil
}

// Resume continues a stopped recording from its remainder
func (s *InstrumentService) Resume() error {
	if !s.model.Resume() {
		return s.refused("resume")
	}
	s.clearLastError()
	return nil
}

// Cancel discards the recording in progress
func (s *InstrumentService) Cancel() error {
	if !s.model.Cancel() {
		return s.refused("cancel")
	}
	return nil
}

func (s *InstrumentService) GetState() recording.State { return s.model.State() }

// Calibrate starts the calibration workflow of one channel
func (s *InstrumentService) Calibrate(index int) error {
	if index < 0 || index >= len(s.model.Channels()) {
		return fmt.Errorf("%w: %d", recording.ErrChannelIndex, index)
	}
	if !s.model.Calibrate(index) {
		return s.refused(fmt.Sprintf("calibrate channel %d", index))
	}
	return nil
}

func (s *InstrumentService) CancelCalibration() error {
	if !s.model.CancelCalibration() {
		return s.refused("cancel calibration")
	}
	return nil
}

func (s *InstrumentService) GetPhases() []phase.Phase { return s.model.Phases() }

func (s *InstrumentService) SetPhases(phases []phase.Phase) error {
	return s.track("set phases", s.model.SetPhases(phases))
}

func (s *InstrumentService) SetPhase(index int, p phase.Phase) error {
	return s.track("set phase", s.model.SetPhase(index, p))
}

func (s *InstrumentService) InsertPhase(index int, p phase.Phase) error {
	return s.track("insert phase", s.model.InsertPhase(index, p))
}

func (s *InstrumentService) RemovePhase(index int) error {
	return s.track("remove phase", s.model.RemovePhase(index))
}

func (s *InstrumentService) GetChannels() []channel.Info { return s.model.Channels() }

func (s *InstrumentService) AddChannel(spec recording.ChannelSpec) (int, error) {
	i, err := s.model.AddChannel(spec)
	return i, s.track("add channel", err)
}

func (s *InstrumentService) RemoveChannel(index int) error {
	return s.track("remove channel", s.model.RemoveChannel(index))
}

func (s *InstrumentService) SelectController(index int, id string) error {
	return s.track("select controller", s.model.SelectController(index, id))
}

func (s *InstrumentService) SetSamplingRate(index int, perMinute float64) (float64, error) {
	rate, err := s.model.SetSamplingRate(index, perMinute)
	return rate, s.track("set sampling rate", err)
}

func (s *InstrumentService) SetSignalType(index int, t channel.SignalType) error {
	return s.track("set signal type", s.model.SetSignalType(index, t))
}

func (s *InstrumentService) SetCalibration(index int, slope, offset float64) error {
	return s.track("set calibration", s.model.SetCalibration(index, slope, offset))
}

func (s *InstrumentService) SetOutputDestination(path string) error {
	return s.track("set output destination", s.model.SetOutputDestination(path))
}

// UpdateMeasuring applies the idle policy first so that the beam is only
// switched once when both the policy and the intensity change.
func (s *InstrumentService) UpdateMeasuring(update MeasuringUpdate) error {
	if update.IdlePolicy != nil {
		if err := s.model.SetIdlePolicy(*update.IdlePolicy); err != nil {
			return s.track("set idle policy", err)
		}
	}
	if update.FrequencyHz != nil {
		if err := s.model.SetMeasuringFrequency(*update.FrequencyHz); err != nil {
			return s.track("set measuring frequency", err)
		}
	}
	if update.IntensityPercent != nil {
		if err := s.model.SetMeasuringIntensity(*update.IntensityPercent); err != nil {
			return s.track("set measuring intensity", err)
		}
	}
	return nil
}

func (s *InstrumentService) GetDevices() []DeviceInfo { return listDevices(s.reg) }

// Rediscover probes the transports again; ports already held by a
// registered controller are left alone.
func (s *InstrumentService) Rediscover(ctx context.Context) error {
	if err := s.devices.run(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Device discovery failed: %v", err))
		return err
	}
	return nil
}

// LoadProfile applies another configuration profile: phases, channels,
// output directory and measuring settings. Only possible while Idle.
func (s *InstrumentService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	if st := s.model.Status(); st != recording.Idle {
		return fmt.Errorf("%w: cannot load a profile while %s", ErrNotAllowed, st)
	}

	if len(newCfg.Phases) > 0 {
		if err := s.model.SetPhases(newCfg.Phases); err != nil {
			return fmt.Errorf("failed to apply phases: %w", err)
		}
	}
	if err := s.applyChannels(channelSpecs(newCfg)); err != nil {
		return err
	}
	if err := s.model.SetOutputDestination(newCfg.Output.Directory); err != nil {
		return fmt.Errorf("failed to apply output directory: %w", err)
	}
	m := measuringSettings(newCfg)
	update := MeasuringUpdate{IntensityPercent: &m.IntensityPercent, IdlePolicy: &m.IdlePolicy}
	if m.FrequencyHz > 0 {
		update.FrequencyHz = &m.FrequencyHz
	}
	if err := s.UpdateMeasuring(update); err != nil {
		return fmt.Errorf("failed to apply measuring settings: %w", err)
	}

	s.cfg = newCfg
	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// applyChannels resizes the channel list to the profile and sets each
// channel's signal type and rate. Calibrations stay with their channel index.
func (s *InstrumentService) applyChannels(specs []recording.ChannelSpec) error {
	for len(s.model.Channels()) > len(specs) {
		if err := s.model.RemoveChannel(len(s.model.Channels()) - 1); err != nil {
			return fmt.Errorf("failed to remove channel: %w", err)
		}
	}
	for i, spec := range specs {
		if i >= len(s.model.Channels()) {
			if _, err := s.model.AddChannel(spec); err != nil {
				return fmt.Errorf("failed to add channel %d: %w", i, err)
			}
			continue
		}
		if err := s.model.SetSignalType(i, spec.SignalType); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		if spec.SamplesPerMinute > 0 {
			if _, err := s.model.SetSamplingRate(i, spec.SamplesPerMinute); err != nil {
				return fmt.Errorf("channel %d: %w", i, err)
			}
		}
		if spec.ControllerID != "" {
			if err := s.model.SelectController(i, spec.ControllerID); err != nil {
				slog.Warn("Profile controller not available", "channel", i, "controller", spec.ControllerID)
			}
		}
	}
	return nil
}

// GetConfig returns the current configuration
func (s *InstrumentService) GetConfig() *config.Config {
	return s.cfg
}

func (s *InstrumentService) Events() *events.Bus { return s.bus }

func (s *InstrumentService) MetricsHandler() http.Handler { return s.collector.Handler() }

// Close stops the model, releases every transport and flushes the store.
func (s *InstrumentService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopDiscovery()
		s.model.Close()
		s.devices.close()
		s.reg.Close()
		if s.archive != nil {
			if cerr := s.archive.Close(); cerr != nil {
				s.logger.Warn("Failed to close archive", "error", cerr)
			}
		}
		err = s.store.Flush()
	})
	return err
}

// track records failed operations as the last error.
func (s *InstrumentService) track(op string, err error) error {
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to %s: %v", op, err))
	}
	return err
}

// GetLastError returns the last error message
func (s *InstrumentService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *InstrumentService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *InstrumentService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
